// Package core implements the migration readiness orchestration for
// ResetPrep: lifecycle state machine, status detection and caching, the
// force-sync/wait-for-sync protocol, sync error resolution, and the quota
// health subsystem.
package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/resetprep/resetprep/internal/model"
)

// Validation failures surfaced by ValidateTransition.
var (
	ErrInvalidTransition  = errors.New("transition not allowed")
	ErrTerminalState      = errors.New("state is terminal")
	ErrMissingReason      = errors.New("transition requires a reason")
	ErrProgressIncomplete = errors.New("progress must reach 100 before ready for reset")
)

// transitionTable is the directed graph of legal lifecycle moves.
// Self-transitions are always legal and handled separately.
var transitionTable = map[model.UserState][]model.UserState{
	model.StateNotStarted:       {model.StateInitializing, model.StateCancelled},
	model.StateInitializing:     {model.StateWaitingForUser, model.StateFailed, model.StateCancelled},
	model.StateWaitingForUser:   {model.StateBackupInProgress, model.StateCancelled, model.StateEscalated},
	model.StateBackupInProgress: {model.StateBackupCompleted, model.StateFailed, model.StateCancelled, model.StateEscalated},
	model.StateBackupCompleted:  {model.StateSyncInProgress, model.StateReadyForReset, model.StateFailed},
	model.StateSyncInProgress:   {model.StateReadyForReset, model.StateFailed, model.StateEscalated},
	model.StateReadyForReset:    {model.StateFailed},
	model.StateCancelled:        {},
	model.StateFailed:           {model.StateInitializing, model.StateCancelled, model.StateEscalated},
	model.StateEscalated:        {model.StateInitializing, model.StateCancelled},
}

// stateTimeouts bounds how long a migration may sit in a state before the
// orchestrator intervenes. Absent states are unbounded.
var stateTimeouts = map[model.UserState]time.Duration{
	model.StateInitializing:     5 * time.Minute,
	model.StateWaitingForUser:   7 * 24 * time.Hour,
	model.StateBackupInProgress: 24 * time.Hour,
	model.StateSyncInProgress:   6 * time.Hour,
}

// StateMachine validates and decides lifecycle transitions. It is stateless;
// all inputs arrive per call.
type StateMachine struct{}

// NewStateMachine creates the lifecycle state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{}
}

// ValidateTransition checks whether current may move to target.
// The returned error wraps one of the exported sentinel errors.
func (sm *StateMachine) ValidateTransition(current *model.MigrationState, target model.UserState, reason string) error {
	if current == nil {
		return fmt.Errorf("validate transition: nil migration state")
	}
	if current.State == target {
		// Self-transition is a legal no-op.
		return nil
	}
	if current.State.IsTerminal() && target != model.StateFailed {
		return fmt.Errorf("%w: %s cannot move to %s", ErrTerminalState, current.State, target)
	}
	if !edgeAllowed(current.State, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.State, target)
	}
	if (target == model.StateEscalated || target == model.StateFailed) && reason == "" {
		return fmt.Errorf("%w: target %s", ErrMissingReason, target)
	}
	if target == model.StateReadyForReset && current.Progress < 100 {
		return fmt.Errorf("%w: progress is %d", ErrProgressIncomplete, current.Progress)
	}
	return nil
}

func edgeAllowed(from, to model.UserState) bool {
	for _, next := range transitionTable[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStateInput carries the external signals the automatic transition
// policy consumes.
type NextStateInput struct {
	// LastBackup is the most recent backup operation, nil if none.
	LastBackup *model.BackupOperation
	// Progress is the migration's aggregate progress, 0-100.
	Progress int
	// CloudStatus is the current sync client activity.
	CloudStatus model.SyncActivity
}

// NextState computes the automatic transition for the current state. It
// returns the current state when no automatic move applies.
func (sm *StateMachine) NextState(current model.UserState, in NextStateInput) model.UserState {
	switch current {
	case model.StateInitializing:
		return model.StateWaitingForUser
	case model.StateBackupInProgress:
		if in.LastBackup == nil {
			return current
		}
		switch in.LastBackup.Status {
		case model.BackupCompleted:
			return model.StateBackupCompleted
		case model.BackupFailed:
			return model.StateFailed
		}
		return current
	case model.StateBackupCompleted:
		return model.StateSyncInProgress
	case model.StateSyncInProgress:
		if in.Progress >= 100 && in.CloudStatus == model.SyncUpToDate {
			return model.StateReadyForReset
		}
		return current
	}
	return current
}

// Timeout returns the per-state residence bound, 0 when unbounded.
func (sm *StateMachine) Timeout(state model.UserState) time.Duration {
	return stateTimeouts[state]
}

// TimeoutAction is what the orchestrator must do when a state times out.
type TimeoutAction int

const (
	// TimeoutNone means the state is within bounds.
	TimeoutNone TimeoutAction = iota
	// TimeoutAttention flags the migration for attention without a move.
	TimeoutAttention
	// TimeoutEscalate raises an IT escalation.
	TimeoutEscalate
	// TimeoutFail forces the migration to Failed and escalates.
	TimeoutFail
)

// CheckTimeout classifies the elapsed residence time in the current state.
func (sm *StateMachine) CheckTimeout(state model.UserState, elapsed time.Duration) TimeoutAction {
	bound, ok := stateTimeouts[state]
	if !ok || elapsed <= bound {
		return TimeoutNone
	}
	switch state {
	case model.StateWaitingForUser:
		// Waiting users escalate only past the full seven-day window.
		return TimeoutEscalate
	case model.StateBackupInProgress, model.StateSyncInProgress:
		return TimeoutFail
	default:
		return TimeoutAttention
	}
}

// Escalation thresholds.
const (
	failedBackupEscalationCount = 3
	minQuotaMB                  = 1000
	syncErrorEscalationCount    = 5
)

// EscalationSignals aggregates the inputs ShouldEscalate weighs.
type EscalationSignals struct {
	// TimedOut is true when CheckTimeout fired this cycle.
	TimedOut bool
	// FailedBackups24h counts failed backup operations in the trailing day.
	FailedBackups24h int
	// OpenEscalations counts currently open IT escalations for the user.
	OpenEscalations int
	// AvailableQuotaMB is the cloud quota headroom; negative means unknown.
	AvailableQuotaMB int64
	// SyncErrorCount counts recorded unresolved sync errors.
	SyncErrorCount int
}

// ShouldEscalate decides, independently of the timeout handler, whether the
// migration needs human attention, returning the reason when it does.
func (sm *StateMachine) ShouldEscalate(state model.UserState, sig EscalationSignals) (bool, string) {
	if sig.TimedOut {
		return true, fmt.Sprintf("timeout in state %s", state)
	}
	if (state == model.StateBackupInProgress || state == model.StateSyncInProgress) &&
		sig.FailedBackups24h >= failedBackupEscalationCount {
		return true, fmt.Sprintf("%d failed backup attempts in the last 24 hours", sig.FailedBackups24h)
	}
	if state == model.StateFailed && sig.OpenEscalations == 0 {
		return true, "migration failed with no open escalation"
	}
	if sig.AvailableQuotaMB >= 0 && sig.AvailableQuotaMB < minQuotaMB {
		return true, fmt.Sprintf("quota critically low: %d MB available", sig.AvailableQuotaMB)
	}
	if sig.SyncErrorCount >= syncErrorEscalationCount {
		return true, fmt.Sprintf("%d sync errors recorded", sig.SyncErrorCount)
	}
	return false, ""
}
