package storage

import (
	"context"
	"fmt"
	"time"

	"chimera/core"
	"chimera/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// CachedAlertStorage wraps an alert store with an in-process LRU over
// GetAlert, the hottest store call: every Submit re-reads its own alert and
// every merge-race recovery re-reads the original. Entries are purged on any
// write that touches the alert, so the cache never serves a superseded merge
// state. All other operations delegate straight through.
type CachedAlertStorage struct {
	inner  AlertStorageInterface
	cache  *lru.Cache[string, *core.Alert]
	logger *zap.SugaredLogger
}

// NewCachedAlertStorage wraps inner with a read-through cache of the given
// size.
func NewCachedAlertStorage(inner AlertStorageInterface, size int, logger *zap.SugaredLogger) (*CachedAlertStorage, error) {
	cache, err := lru.New[string, *core.Alert](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert cache: %w", err)
	}
	return &CachedAlertStorage{
		inner:  inner,
		cache:  cache,
		logger: logger,
	}, nil
}

// GetAlert serves from cache when possible. Clones cross the cache boundary
// in both directions so callers never share memory with cached entries.
func (c *CachedAlertStorage) GetAlert(ctx context.Context, id string) (*core.Alert, error) {
	if cached, ok := c.cache.Get(id); ok {
		metrics.CacheHits.WithLabelValues("alert_lru").Inc()
		return cached.Clone(), nil
	}
	metrics.CacheMisses.WithLabelValues("alert_lru").Inc()

	alert, err := c.inner.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, alert.Clone())
	return alert, nil
}

// QueryWindow passes through; window results shift with every insert and
// caching them would trade correctness for nothing.
func (c *CachedAlertStorage) QueryWindow(ctx context.Context, start, end time.Time, excludeID string, excludeStatus core.AlertStatus) ([]*core.Alert, error) {
	return c.inner.QueryWindow(ctx, start, end, excludeID, excludeStatus)
}

// InsertAlert delegates and primes the cache with the new alert.
func (c *CachedAlertStorage) InsertAlert(ctx context.Context, alert *core.Alert) error {
	if err := c.inner.InsertAlert(ctx, alert); err != nil {
		return err
	}
	c.cache.Add(alert.ID, alert.Clone())
	return nil
}

// FindByExternalID passes through and primes the id-keyed cache on a hit.
func (c *CachedAlertStorage) FindByExternalID(ctx context.Context, source, externalID string) (*core.Alert, error) {
	alert, err := c.inner.FindByExternalID(ctx, source, externalID)
	if err != nil {
		return nil, err
	}
	c.cache.Add(alert.ID, alert.Clone())
	return alert, nil
}

// cachingMergeTx records every alert id the transaction touches so the
// wrapper can purge them afterwards.
type cachingMergeTx struct {
	inner   core.MergeTx
	touched map[string]struct{}
}

func (t *cachingMergeTx) GetAlertForUpdate(ctx context.Context, id string) (*core.Alert, error) {
	t.touched[id] = struct{}{}
	return t.inner.GetAlertForUpdate(ctx, id)
}

func (t *cachingMergeTx) WriteAlert(ctx context.Context, alert *core.Alert) error {
	t.touched[alert.ID] = struct{}{}
	return t.inner.WriteAlert(ctx, alert)
}

// RunMergeTx delegates the transaction and purges every touched id,
// committed or not. Purging after a rollback costs one reread; a stale hit
// after a commit would cost correctness.
func (c *CachedAlertStorage) RunMergeTx(ctx context.Context, fn func(tx core.MergeTx) error) error {
	touched := make(map[string]struct{})
	err := c.inner.RunMergeTx(ctx, func(tx core.MergeTx) error {
		return fn(&cachingMergeTx{inner: tx, touched: touched})
	})
	for id := range touched {
		c.cache.Remove(id)
	}
	return err
}

// UpdateAlertStatus delegates and replaces the cached entry with the
// updated alert.
func (c *CachedAlertStorage) UpdateAlertStatus(ctx context.Context, id string, status core.AlertStatus) (*core.Alert, error) {
	updated, err := c.inner.UpdateAlertStatus(ctx, id, status)
	if err != nil {
		c.cache.Remove(id)
		return nil, err
	}
	c.cache.Add(id, updated.Clone())
	return updated, nil
}

// ListAlerts passes through.
func (c *CachedAlertStorage) ListAlerts(ctx context.Context, filters *core.AlertFilters) ([]*core.Alert, int64, error) {
	return c.inner.ListAlerts(ctx, filters)
}

// GetCorrelationStatistics passes through; the Redis layer caches these.
func (c *CachedAlertStorage) GetCorrelationStatistics(ctx context.Context, since, until time.Time) (*core.CorrelationStatistics, error) {
	return c.inner.GetCorrelationStatistics(ctx, since, until)
}

// Purge empties the cache. Test hook.
func (c *CachedAlertStorage) Purge() {
	c.cache.Purge()
}
