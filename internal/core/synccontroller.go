package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/resetprep/resetprep/internal/config"
	"github.com/resetprep/resetprep/internal/logging"
	"github.com/resetprep/resetprep/internal/model"
	"github.com/resetprep/resetprep/internal/sensors"
)

// ErrOutsideSyncScope means the folder is not under any synced root.
var ErrOutsideSyncScope = errors.New("folder outside sync scope")

const triggerPrefix = ".resetprep-trigger-"

// ScopeFunc returns the folders currently under sync scope.
type ScopeFunc func() ([]string, error)

// SyncController forces a sync to start and waits for it to complete, with
// retry, exponential backoff, and stall detection.
type SyncController struct {
	detector *SyncDetector
	prober   sensors.FileProber
	scope    ScopeFunc
	cfg      config.SyncConfig
	log      *logging.Logger
}

// NewSyncController creates a controller over the given detector and prober.
func NewSyncController(detector *SyncDetector, prober sensors.FileProber, scope ScopeFunc, cfg config.SyncConfig, log *logging.Logger) *SyncController {
	return &SyncController{
		detector: detector,
		prober:   prober,
		scope:    scope,
		cfg:      cfg,
		log:      log,
	}
}

// ForceSync nudges the sync client into picking up a folder's local-only
// files. Up to the configured number of attempts with exponential backoff;
// trigger failures are logged, never returned. Reports whether syncing was
// observed to start (a folder with nothing to upload counts as success).
func (c *SyncController) ForceSync(ctx context.Context, folder string) bool {
	for attempt := 0; attempt < c.cfg.ForceSyncAttempts; attempt++ {
		if attempt > 0 {
			// 2^attempt seconds between attempts.
			if !sleepCtx(ctx, time.Duration(1<<attempt)*time.Second) {
				return false
			}
		}
		started, done := c.forceSyncOnce(ctx, folder)
		if done {
			return started
		}
		if ctx.Err() != nil {
			return false
		}
	}
	c.log.Printf("force sync gave up after %d attempts: %s", c.cfg.ForceSyncAttempts, folder)
	return false
}

// forceSyncOnce runs one trigger attempt. done is false when the attempt
// failed and a retry is worthwhile.
func (c *SyncController) forceSyncOnce(ctx context.Context, folder string) (started, done bool) {
	localOnly := c.listLocalOnly(ctx, folder)
	if ctx.Err() != nil {
		// The walk was cut short; an empty list proves nothing.
		return false, true
	}
	if len(localOnly) == 0 {
		// Nothing to upload: no trigger file is written.
		return true, true
	}

	triggerPath := filepath.Join(folder, triggerPrefix+uuid.NewString()+".tmp")
	if err := os.WriteFile(triggerPath, []byte("sync trigger"), 0o644); err != nil {
		c.log.Printf("failed to write trigger file in %s: %v", folder, err)
		return false, false
	}
	// Cleanup even on cancellation; the trigger must not linger.
	defer os.Remove(triggerPath)

	if !sleepCtx(ctx, c.cfg.TriggerSettle) {
		return false, true
	}

	c.touchFiles(localOnly)
	c.probeSubdirs(localOnly)

	os.Remove(triggerPath)
	if !sleepCtx(ctx, c.cfg.PostTriggerWait) {
		return false, true
	}

	progress, err := c.detector.Progress(ctx, folder)
	if err != nil {
		c.log.Printf("progress re-check failed for %s: %v", folder, err)
		return false, false
	}
	if progress.Status == model.SyncSyncing || len(progress.ActiveFiles) > 0 {
		return true, true
	}
	return false, false
}

// listLocalOnly returns the local-only files under folder.
func (c *SyncController) listLocalOnly(ctx context.Context, folder string) []sensors.FileInfo {
	files, err := c.prober.Walk(ctx, folder)
	if err != nil {
		c.log.Printf("failed to enumerate %s: %v", folder, err)
		return nil
	}
	roots := []string{folder}
	var out []sensors.FileInfo
	for _, f := range files {
		if strings.HasPrefix(filepath.Base(f.Path), triggerPrefix) {
			continue
		}
		if c.detector.FileStatus(f.Path, roots).State == model.FileStateLocalOnly {
			out = append(out, f)
		}
	}
	return out
}

// touchFiles bumps modification times on a bounded set of local-only files
// so the client's change journal notices them.
func (c *SyncController) touchFiles(localOnly []sensors.FileInfo) {
	limit := c.cfg.TouchLimit
	if limit > len(localOnly) {
		limit = len(localOnly)
	}
	now := time.Now()
	for _, f := range localOnly[:limit] {
		if err := os.Chtimes(f.Path, now, now); err != nil {
			c.log.Printf("failed to touch %s: %v", f.Path, err)
		}
	}
}

// probeSubdirs creates and deletes a temp file in a bounded set of distinct
// directories holding local-only files.
func (c *SyncController) probeSubdirs(localOnly []sensors.FileInfo) {
	seen := make(map[string]bool)
	for _, f := range localOnly {
		dir := filepath.Dir(f.Path)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		probe := filepath.Join(dir, triggerPrefix+"probe-"+uuid.NewString()+".tmp")
		if err := os.WriteFile(probe, nil, 0o644); err != nil {
			c.log.Printf("failed to probe %s: %v", dir, err)
		} else {
			os.Remove(probe)
		}
		if len(seen) >= c.cfg.ProbeSubdirLimit {
			break
		}
	}
}

// WaitForSync blocks until the folder's sync completes, the timeout lapses,
// or the sync errors. A folder outside sync scope fails fast with
// ErrOutsideSyncScope. A stall (no byte progress for the stall window)
// re-invokes ForceSync and resets the stall timer.
func (c *SyncController) WaitForSync(ctx context.Context, folder string, timeout time.Duration) (bool, error) {
	progress, err := c.detector.Progress(ctx, folder)
	if err != nil {
		return false, err
	}
	if progress.IsComplete {
		return true, nil
	}

	if err := c.checkScope(folder); err != nil {
		return false, err
	}

	c.detector.ResetProgressBaseline(folder)
	c.ForceSync(ctx, folder)

	// Watch the folder so the loop wakes on changes instead of sleeping out
	// the full poll interval. Best effort: polling alone is sufficient.
	var events <-chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(folder); err == nil {
			events = watcher.Events
		}
		defer watcher.Close()
	}

	deadline := time.Now().Add(timeout)
	lastBytes := progress.BytesSynced
	lastIncrease := time.Now()

	for time.Now().Before(deadline) {
		interval := c.pollInterval(progress.PercentComplete)
		if remaining := time.Until(deadline); interval > remaining {
			interval = remaining
		}
		if !waitCtx(ctx, interval, events) {
			return false, ctx.Err()
		}

		progress, err = c.detector.Progress(ctx, folder)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			c.log.Printf("progress poll failed for %s: %v", folder, err)
			continue
		}
		if progress.IsComplete {
			return true, nil
		}
		if progress.Status == model.SyncError {
			return false, nil
		}

		if progress.BytesSynced > lastBytes {
			lastBytes = progress.BytesSynced
			lastIncrease = time.Now()
		} else if time.Since(lastIncrease) >= c.cfg.StallWindow {
			c.log.Printf("sync stalled in %s for %s, re-triggering", folder, c.cfg.StallWindow)
			c.ForceSync(ctx, folder)
			// The stall timer restarts on every re-trigger.
			lastIncrease = time.Now()
		}
	}
	return false, nil
}

// checkScope verifies the folder sits under a synced root.
func (c *SyncController) checkScope(folder string) error {
	if c.scope == nil {
		return nil
	}
	roots, err := c.scope()
	if err != nil {
		return fmt.Errorf("failed to read sync scope: %w", err)
	}
	if !pathWithinAny(folder, roots) {
		return fmt.Errorf("%w: %s", ErrOutsideSyncScope, folder)
	}
	return nil
}

// pollInterval adapts the polling cadence to how close the sync is to done.
func (c *SyncController) pollInterval(percent float64) time.Duration {
	switch {
	case percent > 90:
		return c.cfg.FastPollInterval
	case percent < 10:
		return c.cfg.SlowPollInterval
	default:
		return c.cfg.PollInterval
	}
}

// pathWithinAny reports whether path is equal to or under one of roots.
func pathWithinAny(path string, roots []string) bool {
	cleaned := filepath.Clean(path)
	for _, root := range roots {
		root = filepath.Clean(root)
		if cleaned == root {
			return true
		}
		if strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// sleepCtx sleeps for d, returning false when the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// waitCtx sleeps for d but wakes early on a filesystem event. Returns false
// when the context is cancelled.
func waitCtx(ctx context.Context, d time.Duration, events <-chan fsnotify.Event) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-events:
		return true
	}
}
