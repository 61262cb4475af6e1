package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chimera/core"
	"chimera/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache keys for different data types
const (
	CacheKeyFingerprintPrefix = "fp:"
	CacheKeyStatsPrefix       = "stats:"
)

// GetFingerprintCacheKey generates the index key for a dedup fingerprint
func GetFingerprintCacheKey(fingerprint string) string {
	return CacheKeyFingerprintPrefix + fingerprint
}

// GetStatsCacheKey generates a cache key for correlation statistics
func GetStatsCacheKey(statsKey string) string {
	return CacheKeyStatsPrefix + statsKey
}

// RedisCache provides the Redis-backed fast paths: the fingerprint index
// consulted before window scans and a short-lived statistics cache.
type RedisCache struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

// NewRedisCache creates a new Redis cache instance
func NewRedisCache(addr, password string, db, poolSize int, logger *zap.SugaredLogger) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	return &RedisCache{
		client: client,
		logger: logger,
	}
}

// Ping tests the Redis connection
func (rc *RedisCache) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

// LookupFingerprint returns the original alert id registered for a
// fingerprint, or "" when no entry exists. Implements core.FingerprintIndex.
func (rc *RedisCache) LookupFingerprint(ctx context.Context, fingerprint string) (string, error) {
	id, err := rc.client.Get(ctx, GetFingerprintCacheKey(fingerprint)).Result()
	if err != nil {
		if err == redis.Nil {
			metrics.CacheMisses.WithLabelValues("fingerprint").Inc()
			return "", nil
		}
		metrics.CacheErrors.WithLabelValues("fingerprint", "get").Inc()
		return "", err
	}

	metrics.CacheHits.WithLabelValues("fingerprint").Inc()
	return id, nil
}

// RememberFingerprint registers the resolved original for a fingerprint.
// The TTL matches the dedup window so entries expire with eligibility.
func (rc *RedisCache) RememberFingerprint(ctx context.Context, fingerprint, alertID string, ttl time.Duration) error {
	err := rc.client.Set(ctx, GetFingerprintCacheKey(fingerprint), alertID, ttl).Err()
	if err != nil {
		metrics.CacheErrors.WithLabelValues("fingerprint", "set").Inc()
	}
	return err
}

// CacheStatistics stores a computed statistics aggregate for ttl.
func (rc *RedisCache) CacheStatistics(ctx context.Context, key string, stats *core.CorrelationStatistics, ttl time.Duration) error {
	return rc.Set(ctx, GetStatsCacheKey(key), stats, ttl)
}

// GetCachedStatistics retrieves a cached statistics aggregate. The boolean
// reports whether the entry existed.
func (rc *RedisCache) GetCachedStatistics(ctx context.Context, key string) (*core.CorrelationStatistics, bool, error) {
	var stats core.CorrelationStatistics
	found, err := rc.Get(ctx, GetStatsCacheKey(key), &stats)
	if err != nil || !found {
		return nil, false, err
	}
	return &stats, true, nil
}

// Set stores a JSON-encoded value in the cache with expiration
func (rc *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		rc.logger.Errorf("Failed to marshal cache value for key %s: %v", key, err)
		metrics.CacheErrors.WithLabelValues("redis", "marshal").Inc()
		return err
	}

	// Check size limit to prevent excessive memory usage (10MB limit)
	const maxSize = 10 * 1024 * 1024
	if len(data) > maxSize {
		rc.logger.Warnf("Cache value for key %s exceeds size limit (%d bytes > %d bytes), rejecting", key, len(data), maxSize)
		metrics.CacheErrors.WithLabelValues("redis", "size_limit").Inc()
		return fmt.Errorf("cache value size %d bytes exceeds maximum allowed size %d bytes", len(data), maxSize)
	}

	err = rc.client.Set(ctx, key, data, expiration).Err()
	if err != nil {
		metrics.CacheErrors.WithLabelValues("redis", "set").Inc()
	}
	return err
}

// Get retrieves a JSON-encoded value from the cache
func (rc *RedisCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := rc.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			metrics.CacheMisses.WithLabelValues("redis").Inc()
			return false, nil // Key not found
		}
		rc.logger.Errorf("Failed to get cache value for key %s: %v", key, err)
		metrics.CacheErrors.WithLabelValues("redis", "get").Inc()
		return false, err
	}

	err = json.Unmarshal([]byte(data), dest)
	if err != nil {
		rc.logger.Errorf("Failed to unmarshal cache value for key %s: %v", key, err)
		metrics.CacheErrors.WithLabelValues("redis", "unmarshal").Inc()
		return false, err
	}

	metrics.CacheHits.WithLabelValues("redis").Inc()
	return true, nil
}

// Delete removes a key from the cache
func (rc *RedisCache) Delete(ctx context.Context, key string) error {
	return rc.client.Del(ctx, key).Err()
}

// SetNX sets a value only if the key does not exist (atomic operation)
func (rc *RedisCache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		rc.logger.Errorf("Failed to marshal cache value for key %s: %v", key, err)
		return false, err
	}

	return rc.client.SetNX(ctx, key, data, expiration).Result()
}

// GetTTL returns the remaining TTL for a key
func (rc *RedisCache) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	return rc.client.TTL(ctx, key).Result()
}
