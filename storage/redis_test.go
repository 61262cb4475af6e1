package storage

import (
	"context"
	"testing"
	"time"

	"chimera/core"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"
)

func TestRedisCache_LookupFingerprint_Miss(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	logger := zaptest.NewLogger(t).Sugar()
	cache := NewRedisCache(mr.Addr(), "", 0, 10, logger)
	defer cache.Close()

	id, err := cache.LookupFingerprint(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("Lookup miss must not error: %v", err)
	}
	if id != "" {
		t.Errorf("Expected empty id on miss, got %q", id)
	}
}

func TestRedisCache_RememberAndLookupFingerprint(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	logger := zaptest.NewLogger(t).Sugar()
	cache := NewRedisCache(mr.Addr(), "", 0, 10, logger)
	defer cache.Close()

	ctx := context.Background()

	err = cache.RememberFingerprint(ctx, "deadbeef", "alert-123", 2*time.Hour)
	if err != nil {
		t.Fatalf("Failed to remember fingerprint: %v", err)
	}

	id, err := cache.LookupFingerprint(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("Failed to look up fingerprint: %v", err)
	}
	if id != "alert-123" {
		t.Errorf("Expected alert-123, got %q", id)
	}

	// Entry lives under the fp: prefix with a TTL
	if !mr.Exists("fp:deadbeef") {
		t.Error("Expected key fp:deadbeef to exist")
	}
	if mr.TTL("fp:deadbeef") <= 0 {
		t.Error("Expected fingerprint entry to carry a TTL")
	}
}

func TestRedisCache_FingerprintExpiry(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	logger := zaptest.NewLogger(t).Sugar()
	cache := NewRedisCache(mr.Addr(), "", 0, 10, logger)
	defer cache.Close()

	ctx := context.Background()

	err = cache.RememberFingerprint(ctx, "deadbeef", "alert-123", time.Minute)
	if err != nil {
		t.Fatalf("Failed to remember fingerprint: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	id, err := cache.LookupFingerprint(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("Lookup after expiry must not error: %v", err)
	}
	if id != "" {
		t.Errorf("Expected miss after TTL expiry, got %q", id)
	}
}

func TestRedisCache_SetGet(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	logger := zaptest.NewLogger(t).Sugar()
	cache := NewRedisCache(mr.Addr(), "", 0, 10, logger)
	defer cache.Close()

	ctx := context.Background()

	type TestStruct struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}

	testData := TestStruct{Name: "test", Value: 42}
	key := "test_key"

	err = cache.Set(ctx, key, testData, time.Minute)
	if err != nil {
		t.Fatalf("Failed to set cache value: %v", err)
	}

	var result TestStruct
	found, err := cache.Get(ctx, key, &result)
	if err != nil {
		t.Fatalf("Failed to get cache value: %v", err)
	}
	if !found {
		t.Fatal("Expected key to be found")
	}
	if result.Name != testData.Name || result.Value != testData.Value {
		t.Errorf("Expected %+v, got %+v", testData, result)
	}
}

func TestRedisCache_Get_NotFound(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	logger := zaptest.NewLogger(t).Sugar()
	cache := NewRedisCache(mr.Addr(), "", 0, 10, logger)
	defer cache.Close()

	var result string
	found, err := cache.Get(context.Background(), "nonexistent_key", &result)
	if err != nil {
		t.Fatalf("Failed to get cache value: %v", err)
	}
	if found {
		t.Error("Expected key to not be found")
	}
}

func TestRedisCache_Delete(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	logger := zaptest.NewLogger(t).Sugar()
	cache := NewRedisCache(mr.Addr(), "", 0, 10, logger)
	defer cache.Close()

	ctx := context.Background()
	key := "test_key"

	err = cache.Set(ctx, key, "test_value", time.Minute)
	if err != nil {
		t.Fatalf("Failed to set cache value: %v", err)
	}

	err = cache.Delete(ctx, key)
	if err != nil {
		t.Fatalf("Failed to delete key: %v", err)
	}

	var result string
	found, err := cache.Get(ctx, key, &result)
	if err != nil {
		t.Fatalf("Failed to get after delete: %v", err)
	}
	if found {
		t.Error("Key should not exist after deletion")
	}
}

func TestRedisCache_SetNX(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	logger := zaptest.NewLogger(t).Sugar()
	cache := NewRedisCache(mr.Addr(), "", 0, 10, logger)
	defer cache.Close()

	ctx := context.Background()
	key := "test_key"

	set, err := cache.SetNX(ctx, key, "value1", time.Minute)
	if err != nil {
		t.Fatalf("Failed to set NX: %v", err)
	}
	if !set {
		t.Error("Expected first SetNX to succeed")
	}

	set, err = cache.SetNX(ctx, key, "value2", time.Minute)
	if err != nil {
		t.Fatalf("Failed to set NX: %v", err)
	}
	if set {
		t.Error("Expected second SetNX to fail")
	}

	var result string
	found, err := cache.Get(ctx, key, &result)
	if err != nil || !found || result != "value1" {
		t.Errorf("Expected value to be 'value1', got '%s'", result)
	}
}

func TestRedisCache_CacheStatistics(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	logger := zaptest.NewLogger(t).Sugar()
	cache := NewRedisCache(mr.Addr(), "", 0, 10, logger)
	defer cache.Close()

	ctx := context.Background()

	stats := &core.CorrelationStatistics{
		RangeStart:        time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		RangeEnd:          time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC),
		TotalAlerts:       100,
		UniqueAlerts:      80,
		MergedDuplicates:  20,
		DeduplicationRate: 20.0,
		DistinctSourceIPs: 15,
	}

	err = cache.CacheStatistics(ctx, "24h", stats, 5*time.Minute)
	if err != nil {
		t.Fatalf("Failed to cache statistics: %v", err)
	}

	if !mr.Exists("stats:24h") {
		t.Error("Expected statistics under the stats: prefix")
	}

	got, found, err := cache.GetCachedStatistics(ctx, "24h")
	if err != nil {
		t.Fatalf("Failed to get cached statistics: %v", err)
	}
	if !found {
		t.Fatal("Expected cached statistics to be found")
	}
	if got.TotalAlerts != 100 || got.MergedDuplicates != 20 {
		t.Errorf("Statistics did not survive the roundtrip: %+v", got)
	}
	if !got.RangeStart.Equal(stats.RangeStart) {
		t.Errorf("Expected range start %v, got %v", stats.RangeStart, got.RangeStart)
	}

	_, found, err = cache.GetCachedStatistics(ctx, "other")
	if err != nil {
		t.Fatalf("Failed to get missing statistics: %v", err)
	}
	if found {
		t.Error("Expected miss for an uncached statistics key")
	}
}

func TestRedisCache_GetTTL(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	logger := zaptest.NewLogger(t).Sugar()
	cache := NewRedisCache(mr.Addr(), "", 0, 10, logger)
	defer cache.Close()

	ctx := context.Background()

	err = cache.Set(ctx, "ttl_key", "value", time.Minute)
	if err != nil {
		t.Fatalf("Failed to set cache value: %v", err)
	}

	ttl, err := cache.GetTTL(ctx, "ttl_key")
	if err != nil {
		t.Fatalf("Failed to get TTL: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("Expected TTL in (0, 1m], got %v", ttl)
	}
}

func TestRedisCache_Ping(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	logger := zaptest.NewLogger(t).Sugar()
	cache := NewRedisCache(mr.Addr(), "", 0, 10, logger)
	defer cache.Close()

	if err := cache.Ping(context.Background()); err != nil {
		t.Fatalf("Ping against a live server failed: %v", err)
	}
}

func TestCacheKeyFunctions(t *testing.T) {
	tests := []struct {
		name     string
		fn       func(string) string
		input    string
		expected string
	}{
		{"GetFingerprintCacheKey", GetFingerprintCacheKey, "deadbeef", "fp:deadbeef"},
		{"GetStatsCacheKey", GetStatsCacheKey, "24h", "stats:24h"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.fn(tt.input)
			if result != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, result)
			}
		})
	}
}
