package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/resetprep/resetprep/internal/config"
	"github.com/resetprep/resetprep/internal/model"
	"github.com/resetprep/resetprep/internal/sensors"
	"github.com/resetprep/resetprep/internal/store"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.MemoryStore, *sensors.FakeSensors, string) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "resetprep-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	st := store.NewMemoryStore()
	fake := sensors.NewFakeSensors()
	detector := NewSyncDetector(fake, sensors.NewMarkerProber(), nil, nil)
	cfg := config.OrchestratorConfig{PollInterval: time.Minute, MaxConcurrency: 2}
	orch := NewOrchestrator(st, NewStateMachine(), detector, nil, nil, nil, cfg, nil)
	return orch, st, fake, tmpDir
}

func TestOrchestrator_FullLifecycle(t *testing.T) {
	orch, st, fake, tmpDir := newTestOrchestrator(t)
	ctx := context.Background()
	const userID = "lifecycle.user"

	syncFolder := filepath.Join(tmpDir, "OneDrive")
	if err := os.MkdirAll(syncFolder, 0o755); err != nil {
		t.Fatalf("failed to create sync folder: %v", err)
	}
	path := filepath.Join(syncFolder, "doc.txt")
	writeFile(t, path, "data")
	if err := sensors.WriteSidecar(path, "in_sync", false); err != nil {
		t.Fatalf("failed to write sidecar: %v", err)
	}
	signIn(t, fake, userID, syncFolder)

	state, err := orch.StartMigration(ctx, userID, nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if state.State != model.StateInitializing || state.StartedAt == nil {
		t.Fatalf("unexpected initial state %+v", state)
	}

	// Initializing advances to waiting on the next cycle.
	if err := orch.ProcessUser(ctx, userID); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	state, _ = st.GetMigrationState(ctx, userID)
	if state.State != model.StateWaitingForUser {
		t.Fatalf("expected waiting_for_user, got %s", state.State)
	}

	// All four backup categories complete.
	for _, cat := range model.RequiredBackupCategories() {
		op, err := orch.HandleBackupStarted(ctx, userID, cat)
		if err != nil {
			t.Fatalf("backup start failed: %v", err)
		}
		if err := orch.HandleBackupCompleted(ctx, userID, op.ID, true, ""); err != nil {
			t.Fatalf("backup complete failed: %v", err)
		}
	}
	state, _ = st.GetMigrationState(ctx, userID)
	if state.State != model.StateBackupCompleted || state.Progress != 100 {
		t.Fatalf("expected backup_completed at 100%%, got %s at %d%%", state.State, state.Progress)
	}

	// Two cycles: backup_completed -> sync_in_progress -> ready_for_reset.
	for i := 0; i < 2; i++ {
		if err := orch.ProcessUser(ctx, userID); err != nil {
			t.Fatalf("process failed: %v", err)
		}
	}
	state, _ = st.GetMigrationState(ctx, userID)
	if state.State != model.StateReadyForReset {
		t.Fatalf("expected ready_for_reset, got %s", state.State)
	}
	if state.CompletedAt == nil {
		t.Error("terminal state should set CompletedAt")
	}

	history, _ := st.TransitionHistory(ctx, userID)
	if len(history) != 6 {
		t.Errorf("got %d transitions, want 6", len(history))
	}
}

func TestOrchestrator_PartialBackupDoesNotAdvance(t *testing.T) {
	orch, st, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	const userID = "partial.user"

	if _, err := orch.StartMigration(ctx, userID, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := orch.ProcessUser(ctx, userID); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	op, err := orch.HandleBackupStarted(ctx, userID, model.CategoryFiles)
	if err != nil {
		t.Fatalf("backup start failed: %v", err)
	}
	if err := orch.HandleBackupCompleted(ctx, userID, op.ID, true, ""); err != nil {
		t.Fatalf("backup complete failed: %v", err)
	}

	state, _ := st.GetMigrationState(ctx, userID)
	if state.State != model.StateBackupInProgress {
		t.Errorf("one of four categories should not complete the backup, got %s", state.State)
	}
	if state.Progress != 25 {
		t.Errorf("got progress %d, want 25", state.Progress)
	}
}

func TestOrchestrator_BackupFailurePastRetriesFails(t *testing.T) {
	orch, st, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	const userID = "failing.user"

	if _, err := orch.StartMigration(ctx, userID, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := orch.ProcessUser(ctx, userID); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	op, err := orch.HandleBackupStarted(ctx, userID, model.CategoryEmail)
	if err != nil {
		t.Fatalf("backup start failed: %v", err)
	}

	// Two failures stay in progress, the third fails the migration.
	for i := 0; i < 2; i++ {
		if err := orch.HandleBackupCompleted(ctx, userID, op.ID, false, "mailbox locked"); err != nil {
			t.Fatalf("backup complete failed: %v", err)
		}
	}
	state, _ := st.GetMigrationState(ctx, userID)
	if state.State != model.StateBackupInProgress {
		t.Fatalf("expected backup_in_progress after two failures, got %s", state.State)
	}

	if err := orch.HandleBackupCompleted(ctx, userID, op.ID, false, "mailbox locked"); err != nil {
		t.Fatalf("backup complete failed: %v", err)
	}
	state, _ = st.GetMigrationState(ctx, userID)
	if state.State != model.StateFailed {
		t.Errorf("expected failed, got %s", state.State)
	}
	escalations, _ := st.ListOpenEscalations(ctx, userID)
	var found bool
	for _, e := range escalations {
		if e.TriggerType == model.TriggerBackupFailure {
			found = true
		}
	}
	if !found {
		t.Errorf("exhausted backup should escalate, got %+v", escalations)
	}
}

func TestOrchestrator_WaitingTimeoutEscalates(t *testing.T) {
	orch, st, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	const userID = "stuck.user"

	now := time.Now()
	orch.SetClock(func() time.Time { return now })

	if _, err := orch.StartMigration(ctx, userID, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := orch.ProcessUser(ctx, userID); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	now = now.Add(8 * 24 * time.Hour)
	if err := orch.ProcessUser(ctx, userID); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	state, _ := st.GetMigrationState(ctx, userID)
	if state.State != model.StateEscalated {
		t.Errorf("expected escalated after 8 days waiting, got %s", state.State)
	}
	escalations, _ := st.ListOpenEscalations(ctx, userID)
	if len(escalations) != 1 || escalations[0].TriggerType != model.TriggerTimeout {
		t.Errorf("expected one timeout escalation, got %+v", escalations)
	}
}

func TestOrchestrator_EscalationSeesAdvancedState(t *testing.T) {
	orch, st, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	const userID = "recovered.user"

	if _, err := orch.StartMigration(ctx, userID, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := orch.ProcessUser(ctx, userID); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	// Three categories fail once each, then one succeeds. The failures stay
	// below the per-category retry limit.
	for _, cat := range []model.BackupCategory{model.CategoryFiles, model.CategoryBrowsers, model.CategoryEmail} {
		op, err := orch.HandleBackupStarted(ctx, userID, cat)
		if err != nil {
			t.Fatalf("backup start failed: %v", err)
		}
		if err := orch.HandleBackupCompleted(ctx, userID, op.ID, false, "transient failure"); err != nil {
			t.Fatalf("backup complete failed: %v", err)
		}
	}
	op, err := orch.HandleBackupStarted(ctx, userID, model.CategorySystem)
	if err != nil {
		t.Fatalf("backup start failed: %v", err)
	}
	if err := orch.HandleBackupCompleted(ctx, userID, op.ID, true, ""); err != nil {
		t.Fatalf("backup complete failed: %v", err)
	}

	// The cycle advances on the completed operation; the escalation check
	// then sees the new state, where the failed-backup rule no longer holds.
	if err := orch.ProcessUser(ctx, userID); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	state, _ := st.GetMigrationState(ctx, userID)
	if state.State != model.StateBackupCompleted {
		t.Fatalf("expected backup_completed, got %s", state.State)
	}
	escalations, _ := st.ListOpenEscalations(ctx, userID)
	if len(escalations) != 0 {
		t.Errorf("recovered backup must not escalate, got %+v", escalations)
	}
}

func TestOrchestrator_DelayRequests(t *testing.T) {
	orch, st, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	const userID = "delay.user"

	deadline := time.Now().Add(24 * time.Hour)
	if _, err := orch.StartMigration(ctx, userID, &deadline); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		granted, err := orch.HandleDelayRequest(ctx, userID, "busy week", 3600)
		if err != nil {
			t.Fatalf("delay failed: %v", err)
		}
		if !granted {
			t.Fatalf("delay %d should be granted", i+1)
		}
	}
	granted, err := orch.HandleDelayRequest(ctx, userID, "one more", 3600)
	if err != nil {
		t.Fatalf("delay failed: %v", err)
	}
	if granted {
		t.Error("fourth delay should be denied")
	}

	state, _ := st.GetMigrationState(ctx, userID)
	if state.DelayCount != 3 {
		t.Errorf("got delay count %d, want 3", state.DelayCount)
	}
	wantDeadline := deadline.Add(3 * time.Hour)
	if state.Deadline == nil || !state.Deadline.Equal(wantDeadline) {
		t.Errorf("deadline should move 3 hours, got %v", state.Deadline)
	}

	requests, _ := st.ListDelayRequests(ctx, userID)
	if len(requests) != 4 {
		t.Errorf("got %d delay requests recorded, want 4", len(requests))
	}
}

func TestOrchestrator_InvalidTransitionRejected(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	const userID = "strict.user"

	if _, err := orch.StartMigration(ctx, userID, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	_, err := orch.Transition(ctx, userID, model.StateReadyForReset, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("want ErrInvalidTransition, got %v", err)
	}
}

func TestOrchestrator_TerminalUsersAreSkipped(t *testing.T) {
	orch, st, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	const userID = "cancelled.user"

	if _, err := orch.StartMigration(ctx, userID, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := orch.Transition(ctx, userID, model.StateCancelled, "user opted out"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	before, _ := st.GetMigrationState(ctx, userID)
	if err := orch.ProcessUser(ctx, userID); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	after, _ := st.GetMigrationState(ctx, userID)
	if after.State != before.State || !after.LastUpdated.Equal(before.LastUpdated) {
		t.Errorf("terminal migration must not be touched: %+v vs %+v", before, after)
	}
}
