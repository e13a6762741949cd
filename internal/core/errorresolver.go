package core

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/resetprep/resetprep/internal/logging"
	"github.com/resetprep/resetprep/internal/model"
	"github.com/resetprep/resetprep/internal/store"
)

// ErrorCategory is the closed classification of a sync error message.
type ErrorCategory string

const (
	CatFileNotFound   ErrorCategory = "file_not_found"
	CatFileLocked     ErrorCategory = "file_locked"
	CatInvalidPath    ErrorCategory = "invalid_path"
	CatQuotaExceeded  ErrorCategory = "quota_exceeded"
	CatNetworkError   ErrorCategory = "network_error"
	CatAuthentication ErrorCategory = "authentication_error"
	CatUnknown        ErrorCategory = "unknown"
)

// categoryRule maps message substrings to a category. Rules are evaluated
// in order; the first hit wins.
type categoryRule struct {
	category   ErrorCategory
	substrings []string
}

// errorCategoryRules is the full substring mapping table, kept separate so
// it can be tested independently of the resolution logic.
var errorCategoryRules = []categoryRule{
	{CatFileNotFound, []string{"not found", "does not exist", "no such file", "cannot find"}},
	{CatFileLocked, []string{"locked", "in use", "being used by another", "sharing violation", "access is denied"}},
	{CatInvalidPath, []string{"invalid path", "invalid character", "path too long", "filename is not valid", "illegal characters"}},
	{CatQuotaExceeded, []string{"quota", "storage is full", "insufficient storage", "not enough space"}},
	{CatNetworkError, []string{"network", "connection", "timed out", "timeout", "unreachable", "offline", "dns"}},
	{CatAuthentication, []string{"authentication", "unauthorized", "sign in", "credential", "token expired", "forbidden"}},
}

// ClassifyError maps a free-text sync error message to its category.
// Matching is case-insensitive substring search.
func ClassifyError(message string) ErrorCategory {
	lower := strings.ToLower(message)
	for _, rule := range errorCategoryRules {
		for _, sub := range rule.substrings {
			if strings.Contains(lower, sub) {
				return rule.category
			}
		}
	}
	return CatUnknown
}

// invalidPathChars are the characters Windows rejects in file names.
const invalidPathChars = `<>:"|?*`

// retryEscalationThreshold is how many retries a sync error gets before it
// is routed to IT.
const retryEscalationThreshold = 3

// AvailableQuotaFunc reports a user's current available cloud space in MB,
// negative when unknown.
type AvailableQuotaFunc func(ctx context.Context, userID string) int64

// ErrorResolver categorizes unresolved sync errors, attempts automated
// remediation, and escalates exhausted cases.
type ErrorResolver struct {
	store      store.Store
	controller *SyncController
	quota      AvailableQuotaFunc
	log        *logging.Logger

	// lockRetryWait is how long to wait before retesting a locked file.
	lockRetryWait time.Duration
}

// NewErrorResolver creates a resolver.
func NewErrorResolver(st store.Store, controller *SyncController, quota AvailableQuotaFunc, log *logging.Logger) *ErrorResolver {
	return &ErrorResolver{
		store:         st,
		controller:    controller,
		quota:         quota,
		log:           log,
		lockRetryWait: 5 * time.Second,
	}
}

// ResolveErrors processes every unresolved sync error for a user: per-
// category remediation, then escalation of errors whose retries are
// exhausted. Returns the number of errors resolved this pass.
func (r *ErrorResolver) ResolveErrors(ctx context.Context, userID string) (int, error) {
	errs, err := r.store.ListUnresolvedSyncErrors(ctx, userID)
	if err != nil {
		return 0, err
	}

	resolved := 0
	var quotaExhausted *bool
	unknownDirs := make(map[string]bool)

	for _, syncErr := range errs {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		switch ClassifyError(syncErr.ErrorMessage) {
		case CatFileNotFound:
			if _, statErr := os.Stat(syncErr.FilePath); os.IsNotExist(statErr) {
				// Nothing left to sync.
				r.markResolved(ctx, syncErr)
				resolved++
			} else {
				syncErr.RetryAttempts++
				r.put(ctx, syncErr)
			}
		case CatFileLocked:
			if r.resolveLocked(ctx, syncErr) {
				resolved++
			}
		case CatInvalidPath:
			if bad := invalidChars(syncErr.FilePath); bad != "" {
				r.log.Printf("invalid characters %q in %s", bad, syncErr.FilePath)
			}
			// Renaming is a user decision; only count the attempt.
			syncErr.RetryAttempts++
			r.put(ctx, syncErr)
		case CatQuotaExceeded:
			if quotaExhausted == nil {
				// Negative means unknown; only a confirmed zero skips retries.
				exhausted := r.quota != nil && r.quota(ctx, userID) == 0
				quotaExhausted = &exhausted
			}
			if *quotaExhausted {
				syncErr.RetryAttempts = retryEscalationThreshold
			} else {
				syncErr.RetryAttempts++
			}
			r.put(ctx, syncErr)
		case CatNetworkError:
			// Deferred to the next cycle.
			syncErr.RetryAttempts++
			r.put(ctx, syncErr)
		case CatAuthentication:
			// Requires interactive sign-in; never auto-resolved.
		default:
			unknownDirs[filepath.Dir(syncErr.FilePath)] = true
			syncErr.RetryAttempts++
			r.put(ctx, syncErr)
		}
	}

	// Generic remedy for unclassified errors: re-trigger their directories.
	for dir := range unknownDirs {
		if ctx.Err() != nil {
			break
		}
		r.controller.ForceSync(ctx, dir)
	}

	if err := r.escalateExhausted(ctx, userID); err != nil {
		return resolved, err
	}
	return resolved, nil
}

// resolveLocked waits out a transient lock, retests accessibility, and
// re-triggers the file's directory.
func (r *ErrorResolver) resolveLocked(ctx context.Context, syncErr *model.SyncFileError) bool {
	if !sleepCtx(ctx, r.lockRetryWait) {
		return false
	}
	f, err := os.Open(syncErr.FilePath)
	if err != nil {
		syncErr.RetryAttempts++
		r.put(ctx, syncErr)
		return false
	}
	f.Close()
	if r.controller.ForceSync(ctx, filepath.Dir(syncErr.FilePath)) {
		r.markResolved(ctx, syncErr)
		return true
	}
	syncErr.RetryAttempts++
	r.put(ctx, syncErr)
	return false
}

// escalateExhausted routes errors past the retry threshold to IT, once.
func (r *ErrorResolver) escalateExhausted(ctx context.Context, userID string) error {
	errs, err := r.store.ListUnresolvedSyncErrors(ctx, userID)
	if err != nil {
		return err
	}
	for _, syncErr := range errs {
		if syncErr.RetryAttempts < retryEscalationThreshold || syncErr.EscalatedToIT {
			continue
		}
		esc := &model.ITEscalation{
			UserID:        userID,
			TriggerType:   model.TriggerSyncError,
			Reason:        "Multiple unresolved sync errors",
			Details:       syncErr.FilePath + ": " + syncErr.ErrorMessage,
			AutoTriggered: true,
		}
		if err := r.store.PutEscalation(ctx, esc); err != nil {
			return err
		}
		syncErr.EscalatedToIT = true
		r.put(ctx, syncErr)
		r.log.Printf("escalated sync error %s for %s", syncErr.ID, userID)
	}
	return nil
}

func (r *ErrorResolver) markResolved(ctx context.Context, syncErr *model.SyncFileError) {
	now := time.Now()
	syncErr.Resolved = true
	syncErr.ResolvedAt = &now
	r.put(ctx, syncErr)
}

func (r *ErrorResolver) put(ctx context.Context, syncErr *model.SyncFileError) {
	if err := r.store.PutSyncError(ctx, syncErr); err != nil {
		r.log.Printf("failed to persist sync error %s: %v", syncErr.ID, err)
	}
}

// invalidChars returns the Windows-invalid characters present in a path's
// base name.
func invalidChars(path string) string {
	name := filepath.Base(path)
	var bad strings.Builder
	for _, ch := range name {
		if strings.ContainsRune(invalidPathChars, ch) {
			bad.WriteRune(ch)
		}
	}
	return bad.String()
}
