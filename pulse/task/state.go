package task

import (
	"time"
)

// StageState is the persisted state of one (crate version, stage) record.
type StageState string

const (
	StatePending    StageState = "pending"
	StateInProgress StageState = "in_progress"
	StateDone       StageState = "done"
	StateFailed     StageState = "failed"
	StateExhausted  StageState = "exhausted"
)

// AllStates lists states in display order.
var AllStates = []StageState{StatePending, StateInProgress, StateDone, StateFailed, StateExhausted}

// allowedTransitions is the stage state machine. Done has no way out.
// Exhausted only returns to Pending through an explicit reset.
var allowedTransitions = map[StageState][]StageState{
	StatePending:    {StateInProgress},
	StateInProgress: {StateDone, StateFailed, StateExhausted, StateInProgress},
	StateFailed:     {StateInProgress, StateExhausted},
	StateExhausted:  {StatePending},
	StateDone:       {},
}

// CanTransition reports whether from -> to is a legal state change.
// InProgress -> InProgress is a reclaim of an expired lease.
func CanTransition(from, to StageState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further work will happen without a reset.
func (s StageState) Terminal() bool {
	return s == StateDone || s == StateExhausted
}

func (s StageState) String() string { return string(s) }

// StageRecord is the state of one stage of one crate version.
type StageRecord struct {
	Stage           StageKind
	State           StageState
	AttemptCount    int
	LeaseToken      string
	LeaseExpiresAt  time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
	LastAttemptedAt time.Time
	LastErrorKind   ErrorKind
	LastError       string
	NextEligibleAt  time.Time
	ReadyAt         time.Time
	OutputDigest    string
	OutputSize      int64
}

// LeaseExpired reports whether an in-progress record's lease has lapsed.
func (r StageRecord) LeaseExpired(now time.Time) bool {
	return r.State == StateInProgress && !now.Before(r.LeaseExpiresAt)
}

// Claimable reports whether try_claim would accept this record at now,
// ignoring predecessors.
func (r StageRecord) Claimable(now time.Time, policy RetryPolicy) bool {
	switch r.State {
	case StatePending:
		return true
	case StateFailed:
		return !policy.Exhausted(r.AttemptCount) && !now.Before(r.NextEligibleAt)
	case StateInProgress:
		return r.LeaseExpired(now)
	default:
		return false
	}
}
