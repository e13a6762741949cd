// Package model defines the core domain models for ResetPrep.
package model

import (
	"time"
)

// UserState represents where a user sits in the migration lifecycle.
type UserState string

const (
	StateNotStarted       UserState = "not_started"
	StateInitializing     UserState = "initializing"
	StateWaitingForUser   UserState = "waiting_for_user"
	StateBackupInProgress UserState = "backup_in_progress"
	StateBackupCompleted  UserState = "backup_completed"
	StateSyncInProgress   UserState = "sync_in_progress"
	StateReadyForReset    UserState = "ready_for_reset"
	StateFailed           UserState = "failed"
	StateCancelled        UserState = "cancelled"
	StateEscalated        UserState = "escalated"
)

// IsTerminal reports whether the state accepts no ordinary forward progress.
// ReadyForReset still admits a forced move to Failed; Cancelled admits nothing.
func (s UserState) IsTerminal() bool {
	return s == StateReadyForReset || s == StateCancelled
}

// MigrationState is the one-per-user lifecycle row.
// Mutated only through validated transitions.
type MigrationState struct {
	UserID          string     `json:"user_id"`
	State           UserState  `json:"state"`
	Status          string     `json:"status"`
	Progress        int        `json:"progress"` // 0-100
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastUpdated     time.Time  `json:"last_updated"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	AttentionReason string     `json:"attention_reason,omitempty"`
	DelayCount      int        `json:"delay_count"`
	IsBlocking      bool       `json:"is_blocking"`
}

// StateTransition records one applied transition for the history log.
type StateTransition struct {
	UserID    string    `json:"user_id"`
	From      UserState `json:"from"`
	To        UserState `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncActivity classifies the sync client's overall activity.
type SyncActivity string

const (
	SyncUnknown      SyncActivity = "unknown"
	SyncNotSignedIn  SyncActivity = "not_signed_in"
	SyncUpToDate     SyncActivity = "up_to_date"
	SyncSyncing      SyncActivity = "syncing"
	SyncPaused       SyncActivity = "paused"
	SyncError        SyncActivity = "error"
	SyncAuthRequired SyncActivity = "authentication_required"
)

// AccountInfo describes one configured sync-client account.
// Absent account info is a nil pointer, never an empty field bundle.
type AccountInfo struct {
	Email      string `json:"email"`
	UserFolder string `json:"user_folder"`
	IsPrimary  bool   `json:"is_primary"`
}

// OneDriveStatus is a point-in-time snapshot of the sync client.
// Recomputed on demand and cached with a TTL; persisted only as a snapshot.
type OneDriveStatus struct {
	Installed    bool         `json:"installed"`
	Running      bool         `json:"running"`
	SignedIn     bool         `json:"signed_in"`
	AccountEmail string       `json:"account_email,omitempty"`
	SyncFolder   string       `json:"sync_folder,omitempty"`
	SyncStatus   SyncActivity `json:"sync_status"`
	Account      *AccountInfo `json:"account,omitempty"`
	ErrorDetails string       `json:"error_details,omitempty"`
	LastChecked  time.Time    `json:"last_checked"`
}

// FileState classifies a single file's sync placement.
type FileState string

const (
	FileStateUnknown          FileState = "unknown"
	FileStateLocalOnly        FileState = "local_only"
	FileStateCloudOnly        FileState = "cloud_only"
	FileStateLocallyAvailable FileState = "locally_available"
	FileStateUploading        FileState = "uploading"
	FileStateInSync           FileState = "in_sync"
	FileStateError            FileState = "error"
)

// Uploaded reports whether the file's content is already in the cloud.
func (s FileState) Uploaded() bool {
	return s == FileStateCloudOnly || s == FileStateLocallyAvailable || s == FileStateInSync
}

// FileSyncStatus is the per-file classification produced by the detector.
type FileSyncStatus struct {
	FilePath     string    `json:"file_path"`
	State        FileState `json:"state"`
	FileSize     int64     `json:"file_size"`
	IsPinned     bool      `json:"is_pinned"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// SyncProgress is the derived per-folder progress view.
// Only the latest value matters; it is never persisted as a timeline.
type SyncProgress struct {
	FolderPath             string        `json:"folder_path"`
	Status                 SyncActivity  `json:"status"`
	TotalFiles             int           `json:"total_files"`
	TotalBytes             int64         `json:"total_bytes"`
	FilesSynced            int           `json:"files_synced"`
	BytesSynced            int64         `json:"bytes_synced"`
	ActiveFiles            []string      `json:"active_files,omitempty"`
	Errors                 []string      `json:"errors,omitempty"`
	EstimatedTimeRemaining time.Duration `json:"estimated_time_remaining,omitempty"`
	PercentComplete        float64       `json:"percent_complete"`
	IsComplete             bool          `json:"is_complete"`
}

// BackupRequirements is the recomputed-on-demand backup size estimate.
type BackupRequirements struct {
	UserID                string           `json:"user_id"`
	ProfileSizeMB         int64            `json:"profile_size_mb"`
	EstimatedBackupSizeMB int64            `json:"estimated_backup_size_mb"`
	RequiredSpaceMB       int64            `json:"required_space_mb"`
	CompressionFactor     float64          `json:"compression_factor"`
	FolderBreakdown       map[string]int64 `json:"folder_breakdown,omitempty"`
	LastCalculated        time.Time        `json:"last_calculated"`
}

// QuotaHealth is the coarse tier of remaining cloud storage.
type QuotaHealth string

const (
	QuotaGood          QuotaHealth = "good"
	QuotaHealthWarning QuotaHealth = "warning"
	QuotaCritical      QuotaHealth = "critical"
	QuotaExceeded      QuotaHealth = "exceeded"
	QuotaUnknown       QuotaHealth = "unknown"
)

// QuotaStatus is the evaluated quota picture for one user.
type QuotaStatus struct {
	UserID               string      `json:"user_id"`
	TotalSpaceMB         int64       `json:"total_space_mb"`
	UsedSpaceMB          int64       `json:"used_space_mb"`
	AvailableSpaceMB     int64       `json:"available_space_mb"`
	RequiredSpaceMB      int64       `json:"required_space_mb"`
	HealthLevel          QuotaHealth `json:"health_level"`
	UsagePercentage      float64     `json:"usage_percentage"`
	CanAccommodateBackup bool        `json:"can_accommodate_backup"`
	ShortfallMB          int64       `json:"shortfall_mb"`
	Issues               []string    `json:"issues,omitempty"`
	Recommendations      []string    `json:"recommendations,omitempty"`
}

// WarningLevel grades a quota warning.
type WarningLevel string

const (
	WarnInfo      WarningLevel = "info"
	WarnWarning   WarningLevel = "warning"
	WarnCritical  WarningLevel = "critical"
	WarnEmergency WarningLevel = "emergency"
)

// WarningType names the condition that produced a quota warning.
type WarningType string

const (
	WarnHighUsage          WarningType = "high_usage"
	WarnInsufficientSpace  WarningType = "insufficient_space"
	WarnBackupTooLarge     WarningType = "backup_too_large"
	WarnQuotaExceeded      WarningType = "quota_exceeded"
	WarnPredictedShortfall WarningType = "predicted_shortfall"
	WarnConfigurationIssue WarningType = "configuration_issue"
)

// QuotaWarning is a deduplicated, rate-limited user-facing warning.
type QuotaWarning struct {
	ID         string       `json:"id"`
	UserID     string       `json:"user_id"`
	Level      WarningLevel `json:"level"`
	Type       WarningType  `json:"type"`
	Message    string       `json:"message"`
	IsResolved bool         `json:"is_resolved"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}

// EscalationTrigger names what tripped an IT escalation.
type EscalationTrigger string

const (
	TriggerQuotaExceeded    EscalationTrigger = "quota_exceeded"
	TriggerSyncError        EscalationTrigger = "sync_error"
	TriggerTimeout          EscalationTrigger = "timeout"
	TriggerBackupFailure    EscalationTrigger = "backup_failure"
	TriggerMultipleFailures EscalationTrigger = "multiple_failures"
	TriggerRepeatedWarnings EscalationTrigger = "repeated_warnings"
)

// EscalationStatus is the lifecycle of an escalation record.
type EscalationStatus string

const (
	EscalationOpen     EscalationStatus = "open"
	EscalationResolved EscalationStatus = "resolved"
)

// ITEscalation is a record routed to human IT support.
// Terminal once resolved with notes.
type ITEscalation struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id,omitempty"`
	TriggerType     EscalationTrigger `json:"trigger_type"`
	Reason          string            `json:"reason"`
	Details         string            `json:"details,omitempty"`
	Status          EscalationStatus  `json:"status"`
	TicketNumber    string            `json:"ticket_number,omitempty"`
	AutoTriggered   bool              `json:"auto_triggered"`
	CreatedAt       time.Time         `json:"created_at"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
	ResolutionNotes string            `json:"resolution_notes,omitempty"`
}

// SyncFileError is one unresolved file-level sync error.
// Lifecycle: created on detection, retried up to the escalation threshold,
// then either resolved or escalated to IT.
type SyncFileError struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	FilePath      string     `json:"file_path"`
	ErrorMessage  string     `json:"error_message"`
	RetryAttempts int        `json:"retry_attempts"`
	EscalatedToIT bool       `json:"escalated_to_it"`
	Resolved      bool       `json:"resolved"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// BackupCategory names one required backup bucket.
type BackupCategory string

const (
	CategoryFiles    BackupCategory = "files"
	CategoryBrowsers BackupCategory = "browsers"
	CategoryEmail    BackupCategory = "email"
	CategorySystem   BackupCategory = "system"
)

// RequiredBackupCategories is the set every migration must complete.
func RequiredBackupCategories() []BackupCategory {
	return []BackupCategory{CategoryFiles, CategoryBrowsers, CategoryEmail, CategorySystem}
}

// BackupOpStatus is the lifecycle of one backup operation.
type BackupOpStatus string

const (
	BackupPending   BackupOpStatus = "pending"
	BackupRunning   BackupOpStatus = "running"
	BackupCompleted BackupOpStatus = "completed"
	BackupFailed    BackupOpStatus = "failed"
)

// BackupOperation is one category backup attempt for a user.
type BackupOperation struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Category    BackupCategory `json:"category"`
	Status      BackupOpStatus `json:"status"`
	ItemCount   int            `json:"item_count"`
	RetryCount  int            `json:"retry_count"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// DelayRequest records a user's request to postpone their migration.
type DelayRequest struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Reason           string    `json:"reason"`
	RequestedSeconds int       `json:"requested_seconds"`
	Granted          bool      `json:"granted"`
	CreatedAt        time.Time `json:"created_at"`
}

// SystemEvent is one line in the service's audit log.
type SystemEvent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
