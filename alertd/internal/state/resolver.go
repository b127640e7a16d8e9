package state

import (
	"context"
	"time"

	"github.com/autointelli/alertd/pkg/types"
)

// Resolver turns an evaluation result into a transition and stages the
// updated entry on the rule's Tx.
//
// State machine per metric key:
//
//	INACTIVE --match, consecutive <  threshold--> INACTIVE  NOOP
//	INACTIVE --match, consecutive >= threshold--> ACTIVE    TRIGGER
//	ACTIVE   --match-----------------------------> ACTIVE    NOOP
//	ACTIVE   --no match--------------------------> INACTIVE  RECOVERY
//	INACTIVE --no match--------------------------> INACTIVE  NOOP (consecutive = 0)
type Resolver struct {
	now func() time.Time
}

// NewResolver creates a resolver using the wall clock.
func NewResolver() *Resolver {
	return &Resolver{now: time.Now}
}

// NewResolverWithClock creates a resolver with an injected clock.
func NewResolverWithClock(now func() time.Time) *Resolver {
	return &Resolver{now: now}
}

// Resolve applies one evaluation result for key and returns the decision.
// Threshold values below 1 are treated as 1.
func (r *Resolver) Resolve(ctx context.Context, tx *Tx, key string, matched bool, threshold int) (types.Resolution, error) {
	if threshold < 1 {
		threshold = 1
	}

	entry, err := tx.Get(ctx, key)
	if err != nil {
		return types.Resolution{}, err
	}
	now := r.now().UTC()

	if matched {
		entry.Consecutive++
		if !entry.Active && entry.Consecutive >= threshold {
			entry.Active = true
			entry.LastTriggered = &now
			entry.LastRecovered = nil
			if err := tx.Put(ctx, key, entry); err != nil {
				return types.Resolution{}, err
			}
			tx.record(types.TransitionTrigger)
			return types.Resolution{Transition: types.TransitionTrigger}, nil
		}
		if err := tx.Put(ctx, key, entry); err != nil {
			return types.Resolution{}, err
		}
		return types.Resolution{Transition: types.TransitionNoop}, nil
	}

	if entry.Active {
		var downtime *int64
		if entry.LastTriggered != nil {
			secs := int64(now.Sub(*entry.LastTriggered) / time.Second)
			downtime = &secs
		}
		entry.Active = false
		entry.Consecutive = 0
		entry.LastRecovered = &now
		if err := tx.Put(ctx, key, entry); err != nil {
			return types.Resolution{}, err
		}
		tx.record(types.TransitionRecovery)
		return types.Resolution{Transition: types.TransitionRecovery, DowntimeSeconds: downtime}, nil
	}

	entry.Consecutive = 0
	if err := tx.Put(ctx, key, entry); err != nil {
		return types.Resolution{}, err
	}
	return types.Resolution{Transition: types.TransitionNoop}, nil
}
