// Package store provides tests for the in-memory Store implementation.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/resetprep/resetprep/internal/model"
)

func TestMemoryStore_MigrationStateRoundTrip(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if _, err := st.GetMigrationState(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}

	state := &model.MigrationState{UserID: "Jane.Doe", State: model.StateNotStarted, LastUpdated: time.Now()}
	if err := st.PutMigrationState(ctx, state); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	// User keys are case-insensitive.
	got, err := st.GetMigrationState(ctx, "jane.doe")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.UserID != "Jane.Doe" || got.State != model.StateNotStarted {
		t.Errorf("unexpected state %+v", got)
	}

	// The returned value is a copy; mutating it must not leak into the store.
	got.State = model.StateFailed
	again, _ := st.GetMigrationState(ctx, "jane.doe")
	if again.State != model.StateNotStarted {
		t.Error("store row mutated through a returned copy")
	}
}

func TestMemoryStore_UpdateMigrationState(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	seed := &model.MigrationState{UserID: "u", State: model.StateNotStarted, LastUpdated: time.Now()}
	if err := st.PutMigrationState(ctx, seed); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	updated, err := st.UpdateMigrationState(ctx, "u", func(ms *model.MigrationState) error {
		ms.Progress = 42
		return nil
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Progress != 42 {
		t.Errorf("got progress %d, want 42", updated.Progress)
	}

	// A failing mutate leaves the row untouched.
	boom := errors.New("boom")
	_, err = st.UpdateMigrationState(ctx, "u", func(ms *model.MigrationState) error {
		ms.Progress = 99
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want mutate error, got %v", err)
	}
	got, _ := st.GetMigrationState(ctx, "u")
	if got.Progress != 42 {
		t.Errorf("failed mutate leaked: progress %d", got.Progress)
	}
}

func TestMemoryStore_UpdateMigrationStateConcurrent(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	seed := &model.MigrationState{UserID: "u", State: model.StateNotStarted, LastUpdated: time.Now()}
	if err := st.PutMigrationState(ctx, seed); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				st.UpdateMigrationState(ctx, "u", func(ms *model.MigrationState) error {
					ms.DelayCount++
					return nil
				})
			}
		}()
	}
	wg.Wait()

	got, _ := st.GetMigrationState(ctx, "u")
	if got.DelayCount != 1000 {
		t.Errorf("lost updates: got %d increments, want 1000", got.DelayCount)
	}
}

func TestMemoryStore_ListActiveMigrations(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	for user, state := range map[string]model.UserState{
		"b.active":    model.StateSyncInProgress,
		"a.active":    model.StateWaitingForUser,
		"c.done":      model.StateReadyForReset,
		"d.gone":      model.StateCancelled,
		"e.escalated": model.StateEscalated,
	} {
		if err := st.PutMigrationState(ctx, &model.MigrationState{UserID: user, State: state, LastUpdated: time.Now()}); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	active, err := st.ListActiveMigrations(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("got %d active, want 3", len(active))
	}
	// Sorted by user for deterministic cycles.
	if active[0].UserID != "a.active" || active[1].UserID != "b.active" || active[2].UserID != "e.escalated" {
		t.Errorf("unexpected order: %s, %s, %s", active[0].UserID, active[1].UserID, active[2].UserID)
	}
}

func TestMemoryStore_TransitionHistoryOrder(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	moves := []struct{ from, to model.UserState }{
		{model.StateNotStarted, model.StateInitializing},
		{model.StateInitializing, model.StateWaitingForUser},
		{model.StateWaitingForUser, model.StateBackupInProgress},
	}
	for _, mv := range moves {
		if err := st.AppendTransition(ctx, model.StateTransition{UserID: "u", From: mv.from, To: mv.to}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	st.AppendTransition(ctx, model.StateTransition{UserID: "other", From: model.StateNotStarted, To: model.StateInitializing})

	history, err := st.TransitionHistory(ctx, "u")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("got %d transitions, want 3", len(history))
	}
	for i, mv := range moves {
		if history[i].From != mv.from || history[i].To != mv.to {
			t.Errorf("transition %d out of order: %+v", i, history[i])
		}
	}
}

func TestMemoryStore_SyncErrors(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := &model.SyncFileError{UserID: "u", FilePath: fmt.Sprintf("/f%d", i), ErrorMessage: "network"}
		if err := st.PutSyncError(ctx, e); err != nil {
			t.Fatalf("put failed: %v", err)
		}
		if e.ID == "" {
			t.Fatal("ID should be assigned on put")
		}
		if i == 0 {
			e.Resolved = true
			if err := st.PutSyncError(ctx, e); err != nil {
				t.Fatalf("update failed: %v", err)
			}
		}
	}

	unresolved, err := st.ListUnresolvedSyncErrors(ctx, "u")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(unresolved) != 2 {
		t.Errorf("got %d unresolved, want 2", len(unresolved))
	}
	count, _ := st.CountSyncErrors(ctx, "u")
	if count != 2 {
		t.Errorf("got count %d, want 2", count)
	}
}

func TestMemoryStore_EscalationLifecycle(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	esc := &model.ITEscalation{UserID: "u", TriggerType: model.TriggerTimeout, Reason: "stuck"}
	if err := st.PutEscalation(ctx, esc); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if esc.Status != model.EscalationOpen {
		t.Errorf("new escalation should default to open, got %s", esc.Status)
	}

	open, _ := st.ListOpenEscalations(ctx, "u")
	if len(open) != 1 {
		t.Fatalf("got %d open, want 1", len(open))
	}

	if err := st.ResolveEscalation(ctx, esc.ID, "quota raised"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	open, _ = st.ListOpenEscalations(ctx, "u")
	if len(open) != 0 {
		t.Errorf("resolved escalation still listed as open")
	}

	if err := st.ResolveEscalation(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_CountFailedBackups(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)
	for _, op := range []*model.BackupOperation{
		{UserID: "u", Category: model.CategoryFiles, Status: model.BackupFailed, StartedAt: old, CompletedAt: &old},
		{UserID: "u", Category: model.CategoryEmail, Status: model.BackupFailed, StartedAt: recent, CompletedAt: &recent},
		{UserID: "u", Category: model.CategorySystem, Status: model.BackupCompleted, StartedAt: recent, CompletedAt: &recent},
	} {
		if err := st.PutBackupOperation(ctx, op); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	count, err := st.CountFailedBackups(ctx, "u", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("got %d failed in window, want 1", count)
	}
}

func TestMemoryStore_QuotaWarnings(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	w := &model.QuotaWarning{UserID: "u", Level: model.WarnWarning, Type: model.WarnHighUsage, Message: "80%"}
	if err := st.PutQuotaWarning(ctx, w); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := st.ResolveQuotaWarning(ctx, w.ID); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	warnings, _ := st.ListQuotaWarnings(ctx, "u")
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(warnings))
	}
	if !warnings[0].IsResolved || warnings[0].ResolvedAt == nil {
		t.Errorf("warning should be resolved with a timestamp, got %+v", warnings[0])
	}
}

func TestMemoryStore_Events(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := st.AppendEvent(ctx, model.SystemEvent{UserID: "u", Kind: "test", Message: fmt.Sprintf("event %d", i)}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	events, err := st.ListEvents(ctx, "u", 3)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("got %d events, want 3", len(events))
	}
}
