// Package store persists execution records so status lookups work for both
// sync and async executions.
package store

import (
	"context"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

const defaultMaxRecords = 10000

// Filter narrows List. Zero fields match everything.
type Filter struct {
	TaskID   string
	Statuses []string
	// Limit caps the result; 0 means 100.
	Limit int
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

func (f Filter) match(r types.ExecutionRecord) bool {
	if f.TaskID != "" && r.TaskID != f.TaskID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	return true
}

// Store is the execution record backend. Put replaces any record with the
// same execution id.
type Store interface {
	Put(ctx context.Context, rec types.ExecutionRecord) error
	Get(ctx context.Context, id string) (types.ExecutionRecord, error)
	// List returns matching records, newest first.
	List(ctx context.Context, f Filter) ([]types.ExecutionRecord, error)
	Close() error
}

// Config selects and tunes a backend.
type Config struct {
	Driver string
	DSN    string
	// MaxRecords bounds the memory store.
	MaxRecords int
	Logger     zerolog.Logger
}

// Open returns the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemory(cfg.MaxRecords), nil
	case DriverPostgres:
		return NewPostgres(ctx, cfg.DSN, cfg.Logger)
	}
	return nil, errs.Configuration("unknown store driver %q", cfg.Driver)
}

func notFound(id string) error {
	return errs.New(errs.ClassSystem, errs.KindNotFound, "execution %s not found", id)
}

// Memory keeps records in process. When full, the oldest terminal record is
// evicted; records still pending or running are never evicted.
type Memory struct {
	mu    sync.RWMutex
	max   int
	recs  map[string]types.ExecutionRecord
	order []string
}

func NewMemory(maxRecords int) *Memory {
	if maxRecords <= 0 {
		maxRecords = defaultMaxRecords
	}
	return &Memory{max: maxRecords, recs: make(map[string]types.ExecutionRecord)}
}

func (m *Memory) Put(_ context.Context, rec types.ExecutionRecord) error {
	if rec.ExecutionID == "" {
		return errs.New(errs.ClassSystem, errs.KindValidation, "execution record without id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.ExecutionID]; !ok {
		m.order = append(m.order, rec.ExecutionID)
	}
	m.recs[rec.ExecutionID] = rec
	m.evictLocked()
	return nil
}

func (m *Memory) evictLocked() {
	for len(m.recs) > m.max {
		idx := slices.IndexFunc(m.order, func(id string) bool { return m.recs[id].Terminal() })
		if idx < 0 {
			return
		}
		delete(m.recs, m.order[idx])
		m.order = slices.Delete(m.order, idx, idx+1)
	}
}

func (m *Memory) Get(_ context.Context, id string) (types.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[id]
	if !ok {
		return types.ExecutionRecord{}, notFound(id)
	}
	return rec, nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]types.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.ExecutionRecord
	for i := len(m.order) - 1; i >= 0 && len(out) < f.limit(); i-- {
		if rec := m.recs[m.order[i]]; f.match(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Len reports how many records are held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recs)
}

func (m *Memory) Close() error { return nil }
