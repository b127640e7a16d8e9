package types

import "time"

// =============================================================================
// HYSTERESIS STATE
// =============================================================================

// EntryState is the persisted hysteresis state for one (rule, metric-key) pair.
//
// Invariant: Active implies LastTriggered was set at activation. Consecutive
// resets to 0 on recovery and whenever the condition stops matching while inactive.
type EntryState struct {
	Active        bool       `json:"active"`
	Consecutive   int        `json:"consecutive"`
	LastTriggered *time.Time `json:"last_triggered"`
	LastRecovered *time.Time `json:"last_recovered"`
}

// RuleState maps metric keys to their entry state for one rule.
type RuleState map[string]EntryState

// Clone returns a deep copy so staged mutations never alias stored state.
func (s RuleState) Clone() RuleState {
	out := make(RuleState, len(s))
	for k, v := range s {
		if v.LastTriggered != nil {
			t := *v.LastTriggered
			v.LastTriggered = &t
		}
		if v.LastRecovered != nil {
			t := *v.LastRecovered
			v.LastRecovered = &t
		}
		out[k] = v
	}
	return out
}

// Transition is the resolver's decision for one evaluation.
type Transition string

const (
	TransitionNoop     Transition = "NOOP"
	TransitionTrigger  Transition = "TRIGGER"
	TransitionRecovery Transition = "RECOVERY"
)

// Resolution is a transition plus, for RECOVERY, the downtime in whole seconds.
// DowntimeSeconds is nil when the trigger time is unknown.
type Resolution struct {
	Transition      Transition `json:"transition"`
	DowntimeSeconds *int64     `json:"downtime_seconds,omitempty"`
}

// Changed reports whether the resolution is a state change worth notifying.
func (r Resolution) Changed() bool {
	return r.Transition == TransitionTrigger || r.Transition == TransitionRecovery
}
