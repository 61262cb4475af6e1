package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitForCondition polls until check passes or the timeout expires. Used for
// cooldown expiry so tests don't depend on exact sleep lengths.
func waitForCondition(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func newTestBreaker(t *testing.T, cfg CircuitBreakerConfig) *CircuitBreaker {
	t.Helper()
	cb, err := NewCircuitBreaker(cfg)
	require.NoError(t, err)
	return cb
}

func TestCircuitBreakerConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     CircuitBreakerConfig
		wantErr string
	}{
		{
			name: "valid",
			cfg:  CircuitBreakerConfig{MaxFailures: 3, Cooldown: time.Minute, MaxProbes: 1},
		},
		{
			name:    "zero max failures",
			cfg:     CircuitBreakerConfig{MaxFailures: 0, Cooldown: time.Minute, MaxProbes: 1},
			wantErr: "MaxFailures",
		},
		{
			name:    "zero cooldown",
			cfg:     CircuitBreakerConfig{MaxFailures: 3, Cooldown: 0, MaxProbes: 1},
			wantErr: "Cooldown",
		},
		{
			name:    "negative cooldown",
			cfg:     CircuitBreakerConfig{MaxFailures: 3, Cooldown: -time.Second, MaxProbes: 1},
			wantErr: "Cooldown",
		},
		{
			name:    "zero probes",
			cfg:     CircuitBreakerConfig{MaxFailures: 3, Cooldown: time.Minute, MaxProbes: 0},
			wantErr: "MaxProbes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, err := NewCircuitBreaker(tt.cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				require.NotNil(t, cb)
				assert.Equal(t, CircuitClosed, cb.State())
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Nil(t, cb)
		})
	}
}

func TestCircuitBreakerTripsAfterMaxFailures(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{MaxFailures: 3, Cooldown: time.Minute, MaxProbes: 1})

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Allow())
		cb.RecordFailure()
		assert.Equal(t, CircuitClosed, cb.State())
	}

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{MaxFailures: 3, Cooldown: time.Minute, MaxProbes: 1})

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, uint32(2), cb.Failures())

	cb.RecordSuccess()
	assert.Equal(t, uint32(0), cb.Failures())

	// Two more failures stay under the threshold because of the reset.
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{MaxFailures: 1, Cooldown: 30 * time.Millisecond, MaxProbes: 1})

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())

	waitForCondition(t, time.Second, func() bool { return cb.Allow() == nil })
	require.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, uint32(0), cb.Failures())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{MaxFailures: 1, Cooldown: 30 * time.Millisecond, MaxProbes: 1})

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())

	waitForCondition(t, time.Second, func() bool { return cb.Allow() == nil })
	require.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreakerProbeBudget(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{MaxFailures: 1, Cooldown: 20 * time.Millisecond, MaxProbes: 2})

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())

	// The transition call is admitted without consuming a probe slot.
	waitForCondition(t, time.Second, func() bool { return cb.Allow() == nil })
	require.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Allow())
	require.NoError(t, cb.Allow())
	assert.ErrorIs(t, cb.Allow(), ErrTooManyProbes)

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreakerProbeSlotsResetOnReopen(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{MaxFailures: 2, Cooldown: 20 * time.Millisecond, MaxProbes: 1})

	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())

	waitForCondition(t, time.Second, func() bool { return cb.Allow() == nil })
	require.NoError(t, cb.Allow())
	assert.ErrorIs(t, cb.Allow(), ErrTooManyProbes)

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())

	cb.mu.Lock()
	probes := cb.probes
	cb.mu.Unlock()
	assert.Equal(t, uint32(0), probes)
}

func TestCircuitBreakerLateCompletionDoesNotUnderflow(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{MaxFailures: 1, Cooldown: 20 * time.Millisecond, MaxProbes: 1})

	cb.RecordFailure()
	waitForCondition(t, time.Second, func() bool { return cb.Allow() == nil })
	require.NoError(t, cb.Allow())
	cb.RecordSuccess()
	require.Equal(t, CircuitClosed, cb.State())

	// A duplicate completion after the circuit already closed must not wrap
	// the probe counter below zero.
	cb.RecordSuccess()

	cb.mu.Lock()
	probes := cb.probes
	cb.mu.Unlock()
	assert.Equal(t, uint32(0), probes)
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{MaxFailures: 1, Cooldown: time.Minute, MaxProbes: 1})

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, uint32(0), cb.Failures())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreakerConcurrentAccess(t *testing.T) {
	cb := newTestBreaker(t, CircuitBreakerConfig{MaxFailures: 5, Cooldown: 10 * time.Millisecond, MaxProbes: 2})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if cb.Allow() != nil {
					continue
				}
				if (n+j)%3 == 0 {
					cb.RecordFailure()
				} else {
					cb.RecordSuccess()
				}
			}
		}(i)
	}
	wg.Wait()

	// The breaker must land in a coherent state with a sane probe counter.
	assert.Contains(t, []CircuitState{CircuitClosed, CircuitOpen, CircuitHalfOpen}, cb.State())
	cb.mu.Lock()
	probes := cb.probes
	cb.mu.Unlock()
	assert.LessOrEqual(t, probes, uint32(2))
}

func BenchmarkCircuitBreakerAllow(b *testing.B) {
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3, Cooldown: time.Minute, MaxProbes: 1})
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cb.Allow()
		cb.RecordSuccess()
	}
}
