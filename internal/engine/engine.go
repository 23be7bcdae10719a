// Package engine drives ledger workflows and batch jobs through the flow
// state machine, persisting every transition before and after each ledger
// call so an interrupted run can be reconciled later.
package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"ledgerflow/internal/config"
	"ledgerflow/internal/engine/auth"
	"ledgerflow/internal/events"
	"ledgerflow/internal/ledger"
	"ledgerflow/internal/metrics"
	"ledgerflow/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Service
	Config  *config.Config
	Ledger  ledger.Ledger
	Metrics *metrics.Metrics
	Log     *slog.Logger
	Now     func() time.Time

	live *tracker
}

func New(db *sql.DB, cfg *config.Config, l ledger.Ledger) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Auth:   auth.Service{Repo: repo.Repo{DB: db}},
		Config: cfg,
		Ledger: l,
		Log:    slog.Default(),
		Now:    time.Now,
		live:   newTracker(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func (e Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e Engine) emit(ctx context.Context, tx *sql.Tx, entry events.Entry, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, entry, payload)
}

func (e Engine) config() (*config.Config, error) {
	if e.Config == nil {
		return nil, ErrConfigMissing
	}
	return e.Config, nil
}

// tracker records what this process is observing right now: operations
// under a live watcher and owners with an active driver. holder names this
// process on the leases it writes.
type tracker struct {
	holder string
	mu     sync.Mutex
	ops    map[string]struct{}
	owners map[string]*driverSlot
}

type driverSlot struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newTracker() *tracker {
	return &tracker{holder: newID(), ops: map[string]struct{}{}, owners: map[string]*driverSlot{}}
}

func (t *tracker) holderID() string {
	if t == nil {
		return ""
	}
	return t.holder
}

func (t *tracker) watch(opID string) func() {
	if t == nil {
		return func() {}
	}
	t.mu.Lock()
	t.ops[opID] = struct{}{}
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.ops, opID)
		t.mu.Unlock()
	}
}

func (t *tracker) watched(opID string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ops[opID]
	return ok
}

// claim reserves ownerID for one driver. The returned release must be called
// when the driver returns.
func (t *tracker) claim(ownerID string, cancel context.CancelFunc) (func(), bool) {
	if t == nil {
		return func() {}, true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.owners[ownerID]; busy {
		return nil, false
	}
	slot := &driverSlot{cancel: cancel, done: make(chan struct{})}
	t.owners[ownerID] = slot
	return func() {
		t.mu.Lock()
		delete(t.owners, ownerID)
		t.mu.Unlock()
		close(slot.done)
	}, true
}

func (t *tracker) driving(ownerID string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.owners[ownerID]
	return ok
}

// stop cancels a live driver and waits for it to persist its final state.
func (t *tracker) stop(ctx context.Context, ownerID string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	slot, ok := t.owners[ownerID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	slot.cancel()
	select {
	case <-slot.done:
	case <-ctx.Done():
	}
	return true
}
