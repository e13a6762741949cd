package core

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/resetprep/resetprep/internal/logging"
	"github.com/resetprep/resetprep/internal/model"
	"github.com/resetprep/resetprep/internal/sensors"
)

// staleTempAge is how old a temp marker must be before it counts as a
// failed-upload leftover rather than an in-flight transfer.
const staleTempAge = time.Hour

// SyncDetector computes sync/account status and per-folder progress from
// the native sensors and filesystem probes.
type SyncDetector struct {
	sensors sensors.Sensors
	prober  sensors.FileProber
	cache   *StatusCache
	log     *logging.Logger
	clock   func() time.Time

	mu        sync.Mutex
	baselines map[string]progressBaseline
}

// progressBaseline anchors the upload-rate estimate for one folder.
type progressBaseline struct {
	startedAt   time.Time
	bytesSynced int64
}

// NewSyncDetector creates a detector over the given sensors and prober.
func NewSyncDetector(sen sensors.Sensors, prober sensors.FileProber, cache *StatusCache, log *logging.Logger) *SyncDetector {
	return &SyncDetector{
		sensors:   sen,
		prober:    prober,
		cache:     cache,
		log:       log,
		clock:     time.Now,
		baselines: make(map[string]progressBaseline),
	}
}

// SetClock injects a deterministic clock for tests.
func (d *SyncDetector) SetClock(clock func() time.Time) {
	if clock != nil {
		d.clock = clock
	}
}

// Status returns the user's sync status, served from cache when fresh.
func (d *SyncDetector) Status(ctx context.Context, userID string) (*model.OneDriveStatus, error) {
	if d.cache != nil {
		if cached, ok := d.cache.Get(userID); ok {
			return &cached, nil
		}
	}
	status, err := d.DetectStatus(ctx, userID)
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		d.cache.Put(userID, *status)
	}
	return status, nil
}

// DetectStatus recomputes the sync client status for a user.
func (d *SyncDetector) DetectStatus(ctx context.Context, userID string) (*model.OneDriveStatus, error) {
	status := &model.OneDriveStatus{
		SyncStatus:  model.SyncUnknown,
		LastChecked: d.clock(),
	}
	if !d.sensors.IsSyncClientInstalled() {
		return status, nil
	}
	status.Installed = true

	accounts, err := d.sensors.GetUserAccounts(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts for %s: %w", userID, err)
	}
	if len(accounts) == 0 {
		status.SyncStatus = model.SyncNotSignedIn
		return status, nil
	}

	account := pickAccount(accounts)
	status.Account = &account
	status.AccountEmail = account.Email
	status.SyncFolder = account.UserFolder
	status.SignedIn = account.Email != "" && d.prober.DirectoryExists(account.UserFolder)
	if !status.SignedIn {
		status.SyncStatus = model.SyncNotSignedIn
		return status, nil
	}

	status.Running = d.sensors.IsProcessRunningForUser(userID)
	if !status.Running {
		// An account is configured but nothing is servicing it.
		status.SyncStatus = model.SyncAuthRequired
		status.ErrorDetails = "sync client process not running for configured account"
		return status, nil
	}

	if d.sensors.IsSyncPaused(userID) {
		status.SyncStatus = model.SyncPaused
		return status, nil
	}

	switch d.probeFolderActivity(account.UserFolder) {
	case model.SyncError:
		status.SyncStatus = model.SyncError
		status.ErrorDetails = "error markers present in sync folder"
	case model.SyncSyncing:
		status.SyncStatus = model.SyncSyncing
	default:
		status.SyncStatus = model.SyncUpToDate
	}
	return status, nil
}

// pickAccount selects the primary account, falling back to the first.
func pickAccount(accounts []model.AccountInfo) model.AccountInfo {
	for _, acct := range accounts {
		if acct.IsPrimary {
			return acct
		}
	}
	return accounts[0]
}

// probeFolderActivity checks a sync folder's top level for lock and error
// marker files. Probe failures degrade to "no activity seen".
func (d *SyncDetector) probeFolderActivity(folder string) model.SyncActivity {
	entries, err := d.prober.ListDir(folder)
	if err != nil {
		d.log.Printf("folder probe failed for %s: %v", folder, err)
		return model.SyncUpToDate
	}
	activity := model.SyncUpToDate
	for _, entry := range entries {
		name := filepath.Base(entry.Path)
		if strings.HasSuffix(name, sensors.ErrorMarkerSuffix) {
			return model.SyncError
		}
		if strings.HasSuffix(name, sensors.LockMarkerSuffix) {
			activity = model.SyncSyncing
		}
	}
	return activity
}

// FileStatus classifies one file's sync placement. syncRoots is the set of
// folders under sync scope; a file outside every root is local-only.
func (d *SyncDetector) FileStatus(path string, syncRoots []string) model.FileSyncStatus {
	status := model.FileSyncStatus{FilePath: path, State: model.FileStateUnknown}

	if isConflictName(path) {
		status.State = model.FileStateError
		status.ErrorMessage = "conflict copy present"
		return status
	}
	if d.hasStaleTempMarker(path) {
		status.State = model.FileStateError
		status.ErrorMessage = "stale temporary upload marker"
		return status
	}
	if !pathWithinAny(path, syncRoots) {
		status.State = model.FileStateLocalOnly
		return status
	}

	attrs, err := d.prober.ReadAttributes(path)
	if err != nil {
		// Conservative fallback: treat the file as already uploaded rather
		// than re-flagging it forever.
		d.log.Printf("attribute probe failed for %s: %v", path, err)
		status.State = model.FileStateInSync
		return status
	}
	status.IsPinned = attrs.Pinned
	switch {
	case attrs.Placeholder:
		status.State = model.FileStateCloudOnly
	case attrs.Uploading:
		status.State = model.FileStateUploading
	case attrs.Uploaded && attrs.Pinned:
		status.State = model.FileStateLocallyAvailable
	case attrs.Uploaded:
		status.State = model.FileStateInSync
	default:
		status.State = model.FileStateLocalOnly
	}
	return status
}

func isConflictName(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	return strings.Contains(name, "-conflict") || strings.Contains(name, "(conflict")
}

func (d *SyncDetector) hasStaleTempMarker(path string) bool {
	entries, err := d.prober.ListDir(filepath.Dir(path))
	if err != nil {
		return false
	}
	marker := filepath.Base(path) + sensors.TempMarkerSuffix
	for _, entry := range entries {
		if filepath.Base(entry.Path) == marker {
			return d.clock().Sub(entry.ModTime) > staleTempAge
		}
	}
	return false
}

// Progress enumerates a folder and derives its sync progress. The folder is
// treated as within sync scope; ETA is estimated from the observed upload
// rate since progress polling for this folder began.
func (d *SyncDetector) Progress(ctx context.Context, folder string) (*model.SyncProgress, error) {
	files, err := d.prober.Walk(ctx, folder)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to enumerate %s: %w", folder, err)
	}

	progress := &model.SyncProgress{FolderPath: folder}
	roots := []string{folder}
	var localOnlyBytes int64
	for _, f := range files {
		status := d.FileStatus(f.Path, roots)
		progress.TotalFiles++
		progress.TotalBytes += f.Size
		switch status.State {
		case model.FileStateError:
			progress.Errors = append(progress.Errors, fmt.Sprintf("%s: %s", f.Path, status.ErrorMessage))
		case model.FileStateUploading:
			progress.ActiveFiles = append(progress.ActiveFiles, f.Path)
		case model.FileStateLocalOnly:
			localOnlyBytes += f.Size
		default:
			if status.State.Uploaded() {
				progress.FilesSynced++
				progress.BytesSynced += f.Size
			}
		}
	}

	if progress.TotalFiles == 0 {
		progress.PercentComplete = 100
	} else {
		progress.PercentComplete = float64(progress.FilesSynced) / float64(progress.TotalFiles) * 100
	}

	switch {
	case len(progress.Errors) > 0:
		progress.Status = model.SyncError
	case localOnlyBytes > 0 || len(progress.ActiveFiles) > 0:
		progress.Status = model.SyncSyncing
	default:
		progress.Status = model.SyncUpToDate
	}
	progress.IsComplete = progress.Status == model.SyncUpToDate && progress.PercentComplete >= 100

	progress.EstimatedTimeRemaining = d.estimateRemaining(folder, progress.BytesSynced, localOnlyBytes)
	return progress, nil
}

// estimateRemaining projects the remaining local-only bytes over the upload
// rate observed since the first progress call for this folder.
func (d *SyncDetector) estimateRemaining(folder string, bytesSynced, remainingBytes int64) time.Duration {
	now := d.clock()
	d.mu.Lock()
	defer d.mu.Unlock()

	base, ok := d.baselines[folder]
	if !ok {
		d.baselines[folder] = progressBaseline{startedAt: now, bytesSynced: bytesSynced}
		return 0
	}
	elapsed := now.Sub(base.startedAt)
	uploaded := bytesSynced - base.bytesSynced
	if elapsed <= 0 || uploaded <= 0 || remainingBytes <= 0 {
		return 0
	}
	rate := float64(uploaded) / elapsed.Seconds()
	return time.Duration(float64(remainingBytes)/rate) * time.Second
}

// ResetProgressBaseline drops the rate anchor for a folder, e.g. when a new
// wait begins.
func (d *SyncDetector) ResetProgressBaseline(folder string) {
	d.mu.Lock()
	delete(d.baselines, folder)
	d.mu.Unlock()
}
