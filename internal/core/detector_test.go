package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/resetprep/resetprep/internal/model"
	"github.com/resetprep/resetprep/internal/sensors"
)

func newTestDetector(t *testing.T) (*SyncDetector, *sensors.FakeSensors, string) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "resetprep-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	fake := sensors.NewFakeSensors()
	detector := NewSyncDetector(fake, sensors.NewMarkerProber(), nil, nil)
	return detector, fake, tmpDir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func signIn(t *testing.T, fake *sensors.FakeSensors, userID, folder string) {
	t.Helper()
	fake.Accounts[userID] = []model.AccountInfo{{
		Email:      userID + "@example.com",
		UserFolder: folder,
		IsPrimary:  true,
	}}
	fake.Running[userID] = true
}

func TestSyncDetector_NotInstalled(t *testing.T) {
	detector, fake, _ := newTestDetector(t)
	fake.Installed = false

	status, err := detector.DetectStatus(context.Background(), "u")
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if status.Installed || status.SyncStatus != model.SyncUnknown {
		t.Errorf("expected unknown status for missing client, got %+v", status)
	}
}

func TestSyncDetector_NotSignedIn(t *testing.T) {
	detector, _, _ := newTestDetector(t)

	status, err := detector.DetectStatus(context.Background(), "u")
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if !status.Installed || status.SignedIn || status.SyncStatus != model.SyncNotSignedIn {
		t.Errorf("expected not_signed_in, got %+v", status)
	}
	if status.Account != nil {
		t.Error("account info should be nil when not signed in")
	}
}

func TestSyncDetector_UpToDate(t *testing.T) {
	detector, fake, tmpDir := newTestDetector(t)
	signIn(t, fake, "u", tmpDir)
	writeFile(t, filepath.Join(tmpDir, "doc.txt"), "data")

	status, err := detector.DetectStatus(context.Background(), "u")
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if !status.SignedIn || status.SyncStatus != model.SyncUpToDate {
		t.Errorf("expected up_to_date, got %+v", status)
	}
	if status.Account == nil || status.Account.Email != "u@example.com" {
		t.Errorf("account should be populated, got %+v", status.Account)
	}
}

func TestSyncDetector_ProcessNotRunning(t *testing.T) {
	detector, fake, tmpDir := newTestDetector(t)
	signIn(t, fake, "u", tmpDir)
	fake.Running["u"] = false

	status, err := detector.DetectStatus(context.Background(), "u")
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if status.SyncStatus != model.SyncAuthRequired {
		t.Errorf("configured account with dead process should need attention, got %s", status.SyncStatus)
	}
	if status.ErrorDetails == "" {
		t.Error("error details should explain the condition")
	}
}

func TestSyncDetector_Paused(t *testing.T) {
	detector, fake, tmpDir := newTestDetector(t)
	signIn(t, fake, "u", tmpDir)
	fake.Paused["u"] = true

	status, err := detector.DetectStatus(context.Background(), "u")
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if status.SyncStatus != model.SyncPaused {
		t.Errorf("expected paused, got %s", status.SyncStatus)
	}
}

func TestSyncDetector_ErrorMarkers(t *testing.T) {
	detector, fake, tmpDir := newTestDetector(t)
	signIn(t, fake, "u", tmpDir)
	writeFile(t, filepath.Join(tmpDir, "bad.txt"+sensors.ErrorMarkerSuffix), "")

	status, err := detector.DetectStatus(context.Background(), "u")
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if status.SyncStatus != model.SyncError {
		t.Errorf("expected error, got %s", status.SyncStatus)
	}
}

func TestSyncDetector_StatusServedFromCache(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "resetprep-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	fake := sensors.NewFakeSensors()
	cache := NewStatusCache(time.Hour, time.Hour)
	detector := NewSyncDetector(fake, sensors.NewMarkerProber(), cache, nil)
	signIn(t, fake, "u", tmpDir)

	first, err := detector.Status(context.Background(), "u")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if first.SyncStatus != model.SyncUpToDate {
		t.Fatalf("expected up_to_date, got %s", first.SyncStatus)
	}

	// The underlying state changes, but the cached snapshot is still fresh.
	fake.Running["u"] = false
	second, err := detector.Status(context.Background(), "u")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if second.SyncStatus != model.SyncUpToDate {
		t.Errorf("cached status should be served, got %s", second.SyncStatus)
	}

	cache.Invalidate("u")
	third, err := detector.Status(context.Background(), "u")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if third.SyncStatus != model.SyncAuthRequired {
		t.Errorf("invalidation should force re-detection, got %s", third.SyncStatus)
	}
}

func TestSyncDetector_FileStatus(t *testing.T) {
	detector, _, tmpDir := newTestDetector(t)
	roots := []string{tmpDir}

	localOnly := filepath.Join(tmpDir, "local.txt")
	writeFile(t, localOnly, "x")

	cloudOnly := filepath.Join(tmpDir, "cloud.txt")
	writeFile(t, cloudOnly, "x")
	if err := sensors.WriteSidecar(cloudOnly, "cloud_only", false); err != nil {
		t.Fatalf("failed to write sidecar: %v", err)
	}

	inSync := filepath.Join(tmpDir, "synced.txt")
	writeFile(t, inSync, "x")
	if err := sensors.WriteSidecar(inSync, "in_sync", false); err != nil {
		t.Fatalf("failed to write sidecar: %v", err)
	}

	pinned := filepath.Join(tmpDir, "pinned.txt")
	writeFile(t, pinned, "x")
	if err := sensors.WriteSidecar(pinned, "locally_available", true); err != nil {
		t.Fatalf("failed to write sidecar: %v", err)
	}

	uploading := filepath.Join(tmpDir, "upload.txt")
	writeFile(t, uploading, "x")
	if err := sensors.WriteSidecar(uploading, "uploading", false); err != nil {
		t.Fatalf("failed to write sidecar: %v", err)
	}

	cases := []struct {
		path string
		want model.FileState
	}{
		{localOnly, model.FileStateLocalOnly},
		{cloudOnly, model.FileStateCloudOnly},
		{inSync, model.FileStateInSync},
		{pinned, model.FileStateLocallyAvailable},
		{uploading, model.FileStateUploading},
	}
	for _, tc := range cases {
		got := detector.FileStatus(tc.path, roots)
		if got.State != tc.want {
			t.Errorf("%s: got %s, want %s", filepath.Base(tc.path), got.State, tc.want)
		}
	}

	if got := detector.FileStatus(pinned, roots); !got.IsPinned {
		t.Error("pinned file should report IsPinned")
	}
	outside := detector.FileStatus(filepath.Join(os.TempDir(), "elsewhere.txt"), roots)
	if outside.State != model.FileStateLocalOnly {
		t.Errorf("file outside roots should be local_only, got %s", outside.State)
	}
	conflict := filepath.Join(tmpDir, "doc-conflict-PC123.txt")
	writeFile(t, conflict, "x")
	if got := detector.FileStatus(conflict, roots); got.State != model.FileStateError {
		t.Errorf("conflict copy should be error, got %s", got.State)
	}
}

func TestSyncDetector_Progress(t *testing.T) {
	detector, _, tmpDir := newTestDetector(t)

	for i, state := range []string{"in_sync", "in_sync", "in_sync"} {
		path := filepath.Join(tmpDir, "synced"+string(rune('a'+i))+".txt")
		writeFile(t, path, "data")
		if err := sensors.WriteSidecar(path, state, false); err != nil {
			t.Fatalf("failed to write sidecar: %v", err)
		}
	}
	writeFile(t, filepath.Join(tmpDir, "pending.txt"), "data")

	progress, err := detector.Progress(context.Background(), tmpDir)
	if err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	if progress.TotalFiles != 4 || progress.FilesSynced != 3 {
		t.Errorf("got %d/%d files, want 3/4", progress.FilesSynced, progress.TotalFiles)
	}
	if progress.PercentComplete != 75 {
		t.Errorf("got %.1f%%, want 75%%", progress.PercentComplete)
	}
	if progress.Status != model.SyncSyncing || progress.IsComplete {
		t.Errorf("pending upload should leave the folder syncing, got %+v", progress)
	}
}

func TestSyncDetector_ProgressEmptyFolderIsComplete(t *testing.T) {
	detector, _, tmpDir := newTestDetector(t)

	progress, err := detector.Progress(context.Background(), tmpDir)
	if err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	if !progress.IsComplete || progress.PercentComplete != 100 {
		t.Errorf("empty folder should be complete, got %+v", progress)
	}
}
