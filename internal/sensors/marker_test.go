package sensors

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func stageFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestIsMarker(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"report.docx.cloudstate", true},
		{"folder.odlock", true},
		{"upload.oderr", true},
		{"chunk.odtmp", true},
		{"report.docx", false},
		{"cloudstate", false},
	}
	for _, tc := range cases {
		if got := IsMarker(tc.name); got != tc.want {
			t.Errorf("IsMarker(%q) = %t, want %t", tc.name, got, tc.want)
		}
	}
}

func TestReadAttributes(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "resetprep-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)
	prober := NewMarkerProber()

	cases := []struct {
		state  string
		pinned bool
		want   FileAttributes
	}{
		{"cloud_only", false, FileAttributes{Placeholder: true, Uploaded: true}},
		{"locally_available", true, FileAttributes{Uploaded: true, Pinned: true}},
		{"in_sync", false, FileAttributes{Uploaded: true}},
		{"uploading", false, FileAttributes{Uploading: true}},
	}
	for _, tc := range cases {
		path := filepath.Join(tmpDir, tc.state+".bin")
		stageFile(t, path, "data")
		if err := WriteSidecar(path, tc.state, tc.pinned); err != nil {
			t.Fatalf("failed to write sidecar: %v", err)
		}
		got, err := prober.ReadAttributes(path)
		if err != nil {
			t.Fatalf("%s: read failed: %v", tc.state, err)
		}
		if got != tc.want {
			t.Errorf("%s: got %+v, want %+v", tc.state, got, tc.want)
		}
	}

	// No sidecar means local-only content, not an error.
	bare := filepath.Join(tmpDir, "bare.txt")
	stageFile(t, bare, "data")
	got, err := prober.ReadAttributes(bare)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got != (FileAttributes{}) {
		t.Errorf("missing sidecar should yield zero attributes, got %+v", got)
	}
}

func TestReadAttributes_CorruptSidecar(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "resetprep-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "broken.txt")
	stageFile(t, path, "data")
	stageFile(t, path+StateSidecarSuffix, "{not json")

	if _, err := NewMarkerProber().ReadAttributes(path); err == nil {
		t.Error("corrupt sidecar should fail")
	}
}

func TestWalk_SkipsMarkers(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "resetprep-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	stageFile(t, filepath.Join(tmpDir, "a.txt"), "data")
	stageFile(t, filepath.Join(tmpDir, "sub", "b.txt"), "data")
	if err := WriteSidecar(filepath.Join(tmpDir, "a.txt"), "in_sync", false); err != nil {
		t.Fatalf("failed to write sidecar: %v", err)
	}
	stageFile(t, filepath.Join(tmpDir, "sub.odlock"), "")

	files, err := NewMarkerProber().Walk(context.Background(), tmpDir)
	if err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2 (markers excluded)", len(files))
	}
	for _, f := range files {
		if IsMarker(f.Path) {
			t.Errorf("marker leaked into walk: %s", f.Path)
		}
		if f.IsDir {
			t.Errorf("walk should list files only, got dir %s", f.Path)
		}
	}
}

func TestWalk_CancelledContext(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "resetprep-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)
	stageFile(t, filepath.Join(tmpDir, "a.txt"), "data")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMarkerProber().Walk(ctx, tmpDir); err == nil {
		t.Error("cancelled context should stop the walk")
	}
}

func TestListDir_IncludesMarkers(t *testing.T) {
	// Folder activity probing depends on seeing lock and error markers.
	tmpDir, err := os.MkdirTemp("", "resetprep-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	stageFile(t, filepath.Join(tmpDir, "doc.txt"), "data")
	stageFile(t, filepath.Join(tmpDir, "doc.txt.odlock"), "")

	entries, err := NewMarkerProber().ListDir(tmpDir)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d entries, want 2 (markers included)", len(entries))
	}
}

func TestDirectoryExists(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "resetprep-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)
	prober := NewMarkerProber()

	if !prober.DirectoryExists(tmpDir) {
		t.Error("existing directory reported missing")
	}
	if prober.DirectoryExists(filepath.Join(tmpDir, "nope")) {
		t.Error("missing directory reported present")
	}
	file := filepath.Join(tmpDir, "f.txt")
	stageFile(t, file, "data")
	if prober.DirectoryExists(file) {
		t.Error("a file is not a directory")
	}
}
