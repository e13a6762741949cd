package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/resetprep/resetprep/internal/config"
	"github.com/resetprep/resetprep/internal/logging"
	"github.com/resetprep/resetprep/internal/model"
	"github.com/resetprep/resetprep/internal/store"
)

// maxDelayCount caps how many postponements a user gets before delay
// requests are denied.
const maxDelayCount = 3

// backupRetryLimit is how many failures a backup category tolerates before
// the migration fails.
const backupRetryLimit = 3

// Orchestrator drives every active migration through its lifecycle: timeout
// handling, automatic transitions, escalation, and the inbound agent events.
type Orchestrator struct {
	store    store.Store
	machine  *StateMachine
	detector *SyncDetector
	warnings *WarningManager
	resolver *ErrorResolver
	quota    AvailableQuotaFunc
	cfg      config.OrchestratorConfig
	log      *logging.Logger
	clock    func() time.Time
}

// NewOrchestrator wires the control loop over its collaborators. detector,
// warnings, resolver, and quota may be nil; the corresponding checks are
// skipped.
func NewOrchestrator(st store.Store, machine *StateMachine, detector *SyncDetector, warnings *WarningManager, resolver *ErrorResolver, quota AvailableQuotaFunc, cfg config.OrchestratorConfig, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		store:    st,
		machine:  machine,
		detector: detector,
		warnings: warnings,
		resolver: resolver,
		quota:    quota,
		cfg:      cfg,
		log:      log,
		clock:    time.Now,
	}
}

// SetClock injects a deterministic clock for tests.
func (o *Orchestrator) SetClock(clock func() time.Time) {
	if clock != nil {
		o.clock = clock
	}
}

// Run executes the control loop until the context is cancelled. Each cycle
// processes every active migration with bounded concurrency.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	o.log.Printf("orchestrator started, polling every %s", o.cfg.PollInterval)
	for {
		if err := o.runCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.log.Printf("cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			o.log.Printf("orchestrator stopping: %v", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runCycle processes every active migration once.
func (o *Orchestrator) runCycle(ctx context.Context) error {
	active, err := o.store.ListActiveMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active migrations: %w", err)
	}

	sem := make(chan struct{}, o.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for _, st := range active {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(userID string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := o.ProcessUser(ctx, userID); err != nil && ctx.Err() == nil {
				o.log.Printf("failed to process %s: %v", userID, err)
			}
		}(st.UserID)
	}
	wg.Wait()
	return ctx.Err()
}

// ProcessUser runs one orchestration pass for a user: timeout handling,
// error resolution, the automatic transition policy, and an escalation check
// against the resulting state.
func (o *Orchestrator) ProcessUser(ctx context.Context, userID string) error {
	state, err := o.store.GetMigrationState(ctx, userID)
	if err != nil {
		return err
	}
	if state.State.IsTerminal() {
		return nil
	}

	timedOut, err := o.handleTimeout(ctx, state)
	if err != nil {
		return err
	}
	if timedOut {
		// The timeout handler already moved the state.
		return nil
	}

	if o.resolver != nil {
		if _, err := o.resolver.ResolveErrors(ctx, userID); err != nil {
			o.log.Printf("error resolution failed for %s: %v", userID, err)
		}
	}

	if o.warnings != nil {
		if q, err := o.store.GetQuotaStatus(ctx, userID); err == nil {
			if _, err := o.warnings.CheckConditions(ctx, q); err != nil {
				o.log.Printf("warning check failed for %s: %v", userID, err)
			}
		}
	}

	if err := o.advance(ctx, state); err != nil {
		return err
	}

	// Escalation weighs the state the cycle just produced.
	state, err = o.store.GetMigrationState(ctx, userID)
	if err != nil {
		return err
	}
	if state.State.IsTerminal() {
		return nil
	}
	return o.checkEscalation(ctx, state)
}

// handleTimeout classifies and acts on state residence timeouts. Reports
// whether a timeout changed the lifecycle state.
func (o *Orchestrator) handleTimeout(ctx context.Context, state *model.MigrationState) (bool, error) {
	elapsed := o.clock().Sub(state.LastUpdated)
	switch o.machine.CheckTimeout(state.State, elapsed) {
	case TimeoutFail:
		reason := fmt.Sprintf("state %s exceeded its %s bound", state.State, o.machine.Timeout(state.State))
		if _, err := o.Transition(ctx, state.UserID, model.StateFailed, reason); err != nil {
			return false, err
		}
		return true, o.escalate(ctx, state.UserID, model.TriggerTimeout, reason)
	case TimeoutEscalate:
		reason := fmt.Sprintf("no user action for %s in state %s", elapsed.Round(time.Hour), state.State)
		if err := o.escalate(ctx, state.UserID, model.TriggerTimeout, reason); err != nil {
			return false, err
		}
		if _, err := o.Transition(ctx, state.UserID, model.StateEscalated, reason); err != nil {
			return false, err
		}
		return true, nil
	case TimeoutAttention:
		_, err := o.store.UpdateMigrationState(ctx, state.UserID, func(ms *model.MigrationState) error {
			ms.AttentionReason = fmt.Sprintf("stuck in %s for %s", ms.State, elapsed.Round(time.Minute))
			return nil
		})
		return false, err
	}
	return false, nil
}

// checkEscalation gathers the escalation signals and escalates when the
// policy says so. Runs independently of the timeout handler.
func (o *Orchestrator) checkEscalation(ctx context.Context, state *model.MigrationState) error {
	sig := EscalationSignals{AvailableQuotaMB: -1}

	dayAgo := o.clock().Add(-24 * time.Hour)
	if n, err := o.store.CountFailedBackups(ctx, state.UserID, dayAgo); err == nil {
		sig.FailedBackups24h = n
	}
	open, err := o.store.ListOpenEscalations(ctx, state.UserID)
	if err != nil {
		return err
	}
	sig.OpenEscalations = len(open)
	if n, err := o.store.CountSyncErrors(ctx, state.UserID); err == nil {
		sig.SyncErrorCount = n
	}
	if o.quota != nil {
		sig.AvailableQuotaMB = o.quota(ctx, state.UserID)
	}

	needed, reason := o.machine.ShouldEscalate(state.State, sig)
	if !needed {
		return nil
	}
	if err := o.escalate(ctx, state.UserID, inferTrigger(state.State, reason), reason); err != nil {
		return err
	}
	if state.State != model.StateEscalated {
		if err := o.machine.ValidateTransition(state, model.StateEscalated, reason); err == nil {
			_, err = o.Transition(ctx, state.UserID, model.StateEscalated, reason)
			return err
		}
	}
	return nil
}

// inferTrigger maps an escalation reason to its trigger type.
func inferTrigger(state model.UserState, reason string) model.EscalationTrigger {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "quota"):
		return model.TriggerQuotaExceeded
	case strings.Contains(lower, "sync error"):
		return model.TriggerSyncError
	case strings.Contains(lower, "timeout"):
		return model.TriggerTimeout
	case state == model.StateFailed:
		return model.TriggerBackupFailure
	default:
		return model.TriggerMultipleFailures
	}
}

// advance applies the automatic transition policy for the current state.
func (o *Orchestrator) advance(ctx context.Context, state *model.MigrationState) error {
	in := NextStateInput{Progress: state.Progress, CloudStatus: model.SyncUnknown}

	if ops, err := o.store.ListBackupOperations(ctx, state.UserID); err == nil && len(ops) > 0 {
		in.LastBackup = ops[len(ops)-1]
	}
	if o.detector != nil {
		if status, err := o.detector.Status(ctx, state.UserID); err == nil {
			in.CloudStatus = status.SyncStatus
		}
	}

	next := o.machine.NextState(state.State, in)
	if next == state.State {
		return nil
	}
	reason := fmt.Sprintf("automatic: %s complete", state.State)
	_, err := o.Transition(ctx, state.UserID, next, reason)
	return err
}

// Transition applies one validated lifecycle transition and records it in
// the history and audit logs.
func (o *Orchestrator) Transition(ctx context.Context, userID string, target model.UserState, reason string) (*model.MigrationState, error) {
	now := o.clock()
	var from model.UserState
	updated, err := o.store.UpdateMigrationState(ctx, userID, func(ms *model.MigrationState) error {
		if err := o.machine.ValidateTransition(ms, target, reason); err != nil {
			return err
		}
		from = ms.State
		ms.State = target
		ms.Status = statusLine(target)
		ms.LastUpdated = now
		ms.AttentionReason = ""
		if target == model.StateReadyForReset || target == model.StateCancelled {
			ms.CompletedAt = &now
		}
		if from == model.StateNotStarted && target == model.StateInitializing && ms.StartedAt == nil {
			ms.StartedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from == target {
		return updated, nil
	}

	tr := model.StateTransition{UserID: userID, From: from, To: target, Reason: reason, Timestamp: now}
	if err := o.store.AppendTransition(ctx, tr); err != nil {
		o.log.Printf("failed to record transition for %s: %v", userID, err)
	}
	o.event(ctx, userID, "transition", fmt.Sprintf("%s -> %s: %s", from, target, reason))
	o.log.Printf("%s: %s -> %s (%s)", userID, from, target, reason)
	return updated, nil
}

// statusLine is the user-facing description of a lifecycle state.
func statusLine(state model.UserState) string {
	switch state {
	case model.StateNotStarted:
		return "Migration not started"
	case model.StateInitializing:
		return "Preparing migration"
	case model.StateWaitingForUser:
		return "Waiting for you to start the backup"
	case model.StateBackupInProgress:
		return "Backing up your data"
	case model.StateBackupCompleted:
		return "Backup complete"
	case model.StateSyncInProgress:
		return "Uploading your files to the cloud"
	case model.StateReadyForReset:
		return "Ready for reset"
	case model.StateFailed:
		return "Migration failed"
	case model.StateCancelled:
		return "Migration cancelled"
	case model.StateEscalated:
		return "Waiting for IT assistance"
	default:
		return string(state)
	}
}

// StartMigration creates or restarts a user's migration and moves it to
// Initializing.
func (o *Orchestrator) StartMigration(ctx context.Context, userID string, deadline *time.Time) (*model.MigrationState, error) {
	now := o.clock()
	if _, err := o.store.GetMigrationState(ctx, userID); err != nil {
		if err != store.ErrNotFound {
			return nil, err
		}
		seed := &model.MigrationState{
			UserID:      userID,
			State:       model.StateNotStarted,
			Status:      statusLine(model.StateNotStarted),
			LastUpdated: now,
			Deadline:    deadline,
		}
		if err := o.store.PutMigrationState(ctx, seed); err != nil {
			return nil, err
		}
	}
	return o.Transition(ctx, userID, model.StateInitializing, "migration started")
}

// HandleBackupStarted records a new backup operation for a category and
// moves a waiting migration into BackupInProgress.
func (o *Orchestrator) HandleBackupStarted(ctx context.Context, userID string, category model.BackupCategory) (*model.BackupOperation, error) {
	op := &model.BackupOperation{
		UserID:    userID,
		Category:  category,
		Status:    model.BackupRunning,
		StartedAt: o.clock(),
	}
	if err := o.store.PutBackupOperation(ctx, op); err != nil {
		return nil, err
	}
	o.event(ctx, userID, "backup_started", string(category))

	state, err := o.store.GetMigrationState(ctx, userID)
	if err != nil {
		return op, err
	}
	if state.State == model.StateWaitingForUser {
		if _, err := o.Transition(ctx, userID, model.StateBackupInProgress, "backup started"); err != nil {
			return op, err
		}
	}
	return op, nil
}

// HandleBackupProgress updates an operation's item count.
func (o *Orchestrator) HandleBackupProgress(ctx context.Context, opID string, itemCount int) error {
	op, err := o.store.GetBackupOperation(ctx, opID)
	if err != nil {
		return err
	}
	op.ItemCount = itemCount
	return o.store.PutBackupOperation(ctx, op)
}

// HandleBackupCompleted finalizes one category's backup operation. When
// every required category has completed the migration moves to
// BackupCompleted; a failure past the retry limit fails the migration.
func (o *Orchestrator) HandleBackupCompleted(ctx context.Context, userID, opID string, success bool, errMsg string) error {
	op, err := o.store.GetBackupOperation(ctx, opID)
	if err != nil {
		return err
	}
	now := o.clock()
	op.CompletedAt = &now
	if success {
		op.Status = model.BackupCompleted
		op.Error = ""
	} else {
		op.Status = model.BackupFailed
		op.Error = errMsg
		op.RetryCount++
	}
	if err := o.store.PutBackupOperation(ctx, op); err != nil {
		return err
	}
	o.event(ctx, userID, "backup_completed", fmt.Sprintf("%s success=%t", op.Category, success))

	if !success {
		if op.RetryCount >= backupRetryLimit {
			reason := fmt.Sprintf("backup category %s failed %d times: %s", op.Category, op.RetryCount, errMsg)
			_, err := o.Transition(ctx, userID, model.StateFailed, reason)
			if err != nil {
				return err
			}
			return o.escalate(ctx, userID, model.TriggerBackupFailure, reason)
		}
		return nil
	}

	done, progress, err := o.backupProgress(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := o.store.UpdateMigrationState(ctx, userID, func(ms *model.MigrationState) error {
		ms.Progress = progress
		return nil
	}); err != nil {
		return err
	}
	if done {
		_, err := o.Transition(ctx, userID, model.StateBackupCompleted, "all backup categories completed")
		return err
	}
	return nil
}

// backupProgress aggregates completion across the required categories.
// Progress is the completed share of the required set, scaled to 0-100.
func (o *Orchestrator) backupProgress(ctx context.Context, userID string) (bool, int, error) {
	ops, err := o.store.ListBackupOperations(ctx, userID)
	if err != nil {
		return false, 0, err
	}
	completed := make(map[model.BackupCategory]bool)
	for _, op := range ops {
		if op.Status == model.BackupCompleted {
			completed[op.Category] = true
		}
	}
	required := model.RequiredBackupCategories()
	n := 0
	for _, cat := range required {
		if completed[cat] {
			n++
		}
	}
	return n == len(required), n * 100 / len(required), nil
}

// HandleDelayRequest records a postponement request and grants it while the
// user has delays left. A granted delay pushes the deadline out.
func (o *Orchestrator) HandleDelayRequest(ctx context.Context, userID, reason string, seconds int) (bool, error) {
	state, err := o.store.GetMigrationState(ctx, userID)
	if err != nil {
		return false, err
	}
	granted := state.DelayCount < maxDelayCount && !state.State.IsTerminal()

	req := &model.DelayRequest{
		UserID:           userID,
		Reason:           reason,
		RequestedSeconds: seconds,
		Granted:          granted,
		CreatedAt:        o.clock(),
	}
	if err := o.store.PutDelayRequest(ctx, req); err != nil {
		return false, err
	}
	if !granted {
		o.event(ctx, userID, "delay_denied", reason)
		return false, nil
	}

	_, err = o.store.UpdateMigrationState(ctx, userID, func(ms *model.MigrationState) error {
		ms.DelayCount++
		if ms.Deadline != nil {
			moved := ms.Deadline.Add(time.Duration(seconds) * time.Second)
			ms.Deadline = &moved
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	o.event(ctx, userID, "delay_granted", fmt.Sprintf("%s (+%ds)", reason, seconds))
	return true, nil
}

// RecordSyncError stores an inbound file sync error for later resolution.
func (o *Orchestrator) RecordSyncError(ctx context.Context, userID, filePath, message string) error {
	e := &model.SyncFileError{
		UserID:       userID,
		FilePath:     filePath,
		ErrorMessage: message,
		CreatedAt:    o.clock(),
	}
	if err := o.store.PutSyncError(ctx, e); err != nil {
		return err
	}
	o.event(ctx, userID, "sync_error", filePath+": "+message)
	return nil
}

// escalate opens an IT escalation unless one with the same trigger is
// already open for the user.
func (o *Orchestrator) escalate(ctx context.Context, userID string, trigger model.EscalationTrigger, reason string) error {
	open, err := o.store.ListOpenEscalations(ctx, userID)
	if err != nil {
		return err
	}
	for _, e := range open {
		if e.TriggerType == trigger {
			return nil
		}
	}
	esc := &model.ITEscalation{
		UserID:        userID,
		TriggerType:   trigger,
		Reason:        reason,
		AutoTriggered: true,
	}
	if err := o.store.PutEscalation(ctx, esc); err != nil {
		return fmt.Errorf("failed to escalate %s: %w", userID, err)
	}
	o.event(ctx, userID, "escalated", reason)
	o.log.Printf("escalated %s: %s (%s)", userID, reason, trigger)
	return nil
}

func (o *Orchestrator) event(ctx context.Context, userID, kind, message string) {
	ev := model.SystemEvent{UserID: userID, Kind: kind, Message: message, Timestamp: o.clock()}
	if err := o.store.AppendEvent(ctx, ev); err != nil {
		o.log.Printf("failed to record event %s for %s: %v", kind, userID, err)
	}
}
