// Package state tracks per-(rule, metric-key) hysteresis state and decides
// TRIGGER/RECOVERY transitions.
//
// # Persistence Discipline
//
// Handlers never write state directly. They work on a Tx scoped to one rule:
// every Get/Put goes to a staged copy of the rule's state, and the engine
// commits the whole rule once the handler returns successfully, or rolls it
// back if the handler fails. Notifications are registered with Tx.OnCommit so
// they only fire after the new state is durably recorded.
package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/autointelli/alertd/pkg/types"
)

// Store is the durable keyed store behind the hysteresis state.
// One RuleState document exists per (rule, tenant).
type Store interface {
	LoadRuleState(ctx context.Context, ruleID, tenantID int64) (types.RuleState, error)
	SaveRuleState(ctx context.Context, ruleID, tenantID int64, st types.RuleState) error
}

// MemoryStore is an in-process Store used for dry runs and tests.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]types.RuleState

	// FailSave, when set, makes SaveRuleState return it.
	FailSave error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]types.RuleState)}
}

func memoryKey(ruleID, tenantID int64) string {
	return fmt.Sprintf("%d/%d", tenantID, ruleID)
}

// LoadRuleState returns a copy of the stored state, or an empty state.
func (m *MemoryStore) LoadRuleState(ctx context.Context, ruleID, tenantID int64) (types.RuleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[memoryKey(ruleID, tenantID)]
	if !ok {
		return types.RuleState{}, nil
	}
	return st.Clone(), nil
}

// SaveRuleState replaces the stored state.
func (m *MemoryStore) SaveRuleState(ctx context.Context, ruleID, tenantID int64, st types.RuleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSave != nil {
		return m.FailSave
	}
	m.states[memoryKey(ruleID, tenantID)] = st.Clone()
	return nil
}

// Entry returns the stored entry for one metric key.
func (m *MemoryStore) Entry(ruleID, tenantID int64, key string) (types.EntryState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.states[memoryKey(ruleID, tenantID)][key]
	return e, ok
}

// KeyedMutex serializes work per string key. Locks for idle keys are released.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
