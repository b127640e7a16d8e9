package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/autointelli/alertd/pkg/types"
)

// ErrTxDone is returned by operations on a committed or rolled back Tx.
var ErrTxDone = errors.New("state: transaction already finished")

// Tx stages state mutations for a single rule.
//
// A Tx is not shared across rules. It is safe for concurrent use by a
// handler that fans out across targets.
type Tx struct {
	store    Store
	ruleID   int64
	tenantID int64

	mu     sync.Mutex
	loaded bool
	staged types.RuleState
	dirty  bool
	hooks  []func()
	done   bool

	triggers   int
	recoveries int
}

// Begin opens a staged transaction for one rule. State is loaded lazily on first use.
func Begin(store Store, rule *types.Rule) *Tx {
	return &Tx{
		store:    store,
		ruleID:   rule.ID,
		tenantID: rule.CustomerID,
	}
}

func (tx *Tx) load(ctx context.Context) error {
	if tx.loaded {
		return nil
	}
	st, err := tx.store.LoadRuleState(ctx, tx.ruleID, tx.tenantID)
	if err != nil {
		return fmt.Errorf("loading state for rule %d: %w", tx.ruleID, err)
	}
	if st == nil {
		st = types.RuleState{}
	}
	tx.staged = st
	tx.loaded = true
	return nil
}

// Get returns the staged entry for key, lazily creating the zero entry.
func (tx *Tx) Get(ctx context.Context, key string) (types.EntryState, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return types.EntryState{}, ErrTxDone
	}
	if err := tx.load(ctx); err != nil {
		return types.EntryState{}, err
	}
	e, ok := tx.staged[key]
	if !ok {
		e = types.EntryState{}
		tx.staged[key] = e
		tx.dirty = true
	}
	return e, nil
}

// Has reports whether an entry for key exists, without creating one.
func (tx *Tx) Has(ctx context.Context, key string) (bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return false, ErrTxDone
	}
	if err := tx.load(ctx); err != nil {
		return false, err
	}
	_, ok := tx.staged[key]
	return ok, nil
}

// Put stages an entry for key.
func (tx *Tx) Put(ctx context.Context, key string, e types.EntryState) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	if err := tx.load(ctx); err != nil {
		return err
	}
	tx.staged[key] = e
	tx.dirty = true
	return nil
}

// OnCommit registers fn to run after a successful commit, in registration order.
// Hooks are discarded on rollback.
func (tx *Tx) OnCommit(fn func()) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return
	}
	tx.hooks = append(tx.hooks, fn)
}

func (tx *Tx) record(t types.Transition) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	switch t {
	case types.TransitionTrigger:
		tx.triggers++
	case types.TransitionRecovery:
		tx.recoveries++
	}
}

// Transitions returns the TRIGGER and RECOVERY decisions staged on this Tx.
func (tx *Tx) Transitions() (triggers, recoveries int) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.triggers, tx.recoveries
}

// Pending returns the number of registered commit hooks.
func (tx *Tx) Pending() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.hooks)
}

// Commit writes the staged state in one call and then runs the commit hooks.
// If the write fails no hook runs and the staged changes are discarded.
func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return nil
	}
	tx.done = true
	staged, dirty, hooks := tx.staged, tx.dirty, tx.hooks
	tx.staged, tx.hooks = nil, nil
	tx.mu.Unlock()

	if dirty {
		if err := tx.store.SaveRuleState(ctx, tx.ruleID, tx.tenantID, staged); err != nil {
			return fmt.Errorf("saving state for rule %d: %w", tx.ruleID, err)
		}
	}

	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Rollback discards staged changes and hooks.
func (tx *Tx) Rollback() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.done = true
	tx.staged = nil
	tx.hooks = nil
}
