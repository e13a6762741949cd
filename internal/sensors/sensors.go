// Package sensors defines the OS-level probe contracts the orchestration
// core consumes. The real Windows registry/process/attribute heuristics are
// external collaborators; this package specifies their contract and provides
// a marker-file prober so the core is fully exercisable on any OS.
package sensors

import (
	"context"
	"time"

	"github.com/resetprep/resetprep/internal/model"
)

// Sensors reads sync-client installation, account, and process state.
type Sensors interface {
	// IsSyncClientInstalled reports whether the sync client is present.
	IsSyncClientInstalled() bool
	// GetUserAccounts returns the configured accounts for a user.
	// Zero accounts means the user is not signed in.
	GetUserAccounts(userID string) ([]model.AccountInfo, error)
	// IsSyncPaused reports whether the user paused syncing.
	IsSyncPaused(userID string) bool
	// GetSyncedFolders returns the folders under sync scope for a user.
	GetSyncedFolders(userID string) ([]string, error)
	// IsProcessRunningForUser reports whether the sync client process runs
	// in the user's session.
	IsProcessRunningForUser(userID string) bool
}

// FileAttributes is the cloud-placeholder attribute set for one file.
type FileAttributes struct {
	// Placeholder means the content lives only in the cloud.
	Placeholder bool
	// Pinned means the user requested the file always be kept local.
	Pinned bool
	// Uploaded means the cloud already holds the current content.
	Uploaded bool
	// Uploading means an upload is in flight.
	Uploading bool
}

// FileInfo is the minimal view of one filesystem entry.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// FileProber enumerates files and reads their sync attributes.
type FileProber interface {
	DirectoryExists(path string) bool
	// ListDir returns the immediate children of path.
	ListDir(path string) ([]FileInfo, error)
	// Walk returns every regular file under root, recursively. Entries that
	// vanish mid-scan are skipped, not reported as errors.
	Walk(ctx context.Context, root string) ([]FileInfo, error)
	// ReadAttributes inspects the platform attributes of one file.
	ReadAttributes(path string) (FileAttributes, error)
}
