// Package store defines the persistence contract consumed by the
// orchestration core. The relational store itself is an external
// collaborator; this package specifies its operations and ships an
// in-memory implementation for tests and demo runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/resetprep/resetprep/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence surface the core depends on.
// Every operation is expected to be individually transactional.
type Store interface {
	// Migration state. UpdateMigrationState performs a read-modify-write of
	// one user's row under that row's transaction; two racing callers never
	// lose an update.
	GetMigrationState(ctx context.Context, userID string) (*model.MigrationState, error)
	PutMigrationState(ctx context.Context, state *model.MigrationState) error
	UpdateMigrationState(ctx context.Context, userID string, mutate func(*model.MigrationState) error) (*model.MigrationState, error)
	ListActiveMigrations(ctx context.Context) ([]*model.MigrationState, error)
	AppendTransition(ctx context.Context, tr model.StateTransition) error
	TransitionHistory(ctx context.Context, userID string) ([]model.StateTransition, error)

	// Backup operations.
	PutBackupOperation(ctx context.Context, op *model.BackupOperation) error
	GetBackupOperation(ctx context.Context, opID string) (*model.BackupOperation, error)
	ListBackupOperations(ctx context.Context, userID string) ([]*model.BackupOperation, error)
	CountFailedBackups(ctx context.Context, userID string, since time.Time) (int, error)

	// Sync errors.
	PutSyncError(ctx context.Context, e *model.SyncFileError) error
	ListUnresolvedSyncErrors(ctx context.Context, userID string) ([]*model.SyncFileError, error)
	CountSyncErrors(ctx context.Context, userID string) (int, error)

	// Sync client snapshots.
	PutOneDriveStatus(ctx context.Context, userID string, status *model.OneDriveStatus) error
	GetOneDriveStatus(ctx context.Context, userID string) (*model.OneDriveStatus, error)

	// Quota.
	PutQuotaStatus(ctx context.Context, status *model.QuotaStatus) error
	GetQuotaStatus(ctx context.Context, userID string) (*model.QuotaStatus, error)
	PutQuotaWarning(ctx context.Context, w *model.QuotaWarning) error
	ListQuotaWarnings(ctx context.Context, userID string) ([]*model.QuotaWarning, error)
	ResolveQuotaWarning(ctx context.Context, warningID string) error

	// IT escalations.
	PutEscalation(ctx context.Context, e *model.ITEscalation) error
	ListOpenEscalations(ctx context.Context, userID string) ([]*model.ITEscalation, error)
	ResolveEscalation(ctx context.Context, escalationID, notes string) error

	// Delay requests and the audit log.
	PutDelayRequest(ctx context.Context, d *model.DelayRequest) error
	ListDelayRequests(ctx context.Context, userID string) ([]*model.DelayRequest, error)
	AppendEvent(ctx context.Context, ev model.SystemEvent) error
	ListEvents(ctx context.Context, userID string, limit int) ([]model.SystemEvent, error)
}
