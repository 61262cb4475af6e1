package core

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory AlertStore with buffered-write transactions.
// Writes inside RunMergeTx apply only on commit, and the store mutex is held
// for the whole transaction, so merge races serialize the way a real
// read-committed backend would.
type memStore struct {
	mu     sync.Mutex
	alerts map[string]*Alert

	queryErr error
	txErr    error
	queries  int
	txCount  int
}

func newMemStore() *memStore {
	return &memStore{alerts: make(map[string]*Alert)}
}

func (s *memStore) GetAlert(_ context.Context, id string) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[id]
	if !ok {
		return nil, &NotFoundError{AlertID: id}
	}
	return alert.Clone(), nil
}

func (s *memStore) QueryWindow(_ context.Context, start, end time.Time, excludeID string, excludeStatus AlertStatus) ([]*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if s.queryErr != nil {
		return nil, &StoreUnavailableError{Op: "query", Err: s.queryErr}
	}

	var results []*Alert
	for _, alert := range s.alerts {
		if alert.ID == excludeID || alert.Status == excludeStatus {
			continue
		}
		if alert.CreatedAt.Before(start) || alert.CreatedAt.After(end) {
			continue
		}
		results = append(results, alert.Clone())
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.Before(results[j].CreatedAt)
		}
		return results[i].ID < results[j].ID
	})
	return results, nil
}

func (s *memStore) InsertAlert(_ context.Context, alert *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = alert.Clone()
	return nil
}

type memTx struct {
	store   *memStore
	pending map[string]*Alert
}

func (t *memTx) GetAlertForUpdate(_ context.Context, id string) (*Alert, error) {
	if alert, ok := t.pending[id]; ok {
		return alert.Clone(), nil
	}
	alert, ok := t.store.alerts[id]
	if !ok {
		return nil, &NotFoundError{AlertID: id}
	}
	return alert.Clone(), nil
}

func (t *memTx) WriteAlert(_ context.Context, alert *Alert) error {
	t.pending[alert.ID] = alert.Clone()
	return nil
}

func (s *memStore) RunMergeTx(_ context.Context, fn func(tx MergeTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++
	if s.txErr != nil {
		return &StoreUnavailableError{Op: "begin transaction", Err: s.txErr}
	}

	tx := &memTx{store: s, pending: make(map[string]*Alert)}
	if err := fn(tx); err != nil {
		return err
	}
	for id, alert := range tx.pending {
		s.alerts[id] = alert
	}
	return nil
}

// mustGet fetches directly from the backing map, bypassing clones, for
// assertions on committed state.
func (s *memStore) mustGet(id string) *Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alerts[id].Clone()
}

func (s *memStore) countByStatus(status AlertStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, alert := range s.alerts {
		if alert.Status == status {
			n++
		}
	}
	return n
}

// capturingPublisher records published merge events.
type capturingPublisher struct {
	mu     sync.Mutex
	events []MergeEvent
	err    error
}

func (p *capturingPublisher) PublishMerge(_ context.Context, event MergeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}
