package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/resetprep/resetprep/internal/logging"
	"github.com/resetprep/resetprep/internal/model"
)

// Coordinator is the slice of the orchestrator the dispatcher drives.
type Coordinator interface {
	StartMigration(ctx context.Context, userID string, deadline *time.Time) (*model.MigrationState, error)
	Transition(ctx context.Context, userID string, target model.UserState, reason string) (*model.MigrationState, error)
	HandleBackupStarted(ctx context.Context, userID string, category model.BackupCategory) (*model.BackupOperation, error)
	HandleBackupProgress(ctx context.Context, opID string, itemCount int) error
	HandleBackupCompleted(ctx context.Context, userID, opID string, success bool, errMsg string) error
	HandleDelayRequest(ctx context.Context, userID, reason string, seconds int) (bool, error)
	RecordSyncError(ctx context.Context, userID, filePath, message string) error
}

// StateReader exposes the migration view returned in status updates.
type StateReader interface {
	GetMigrationState(ctx context.Context, userID string) (*model.MigrationState, error)
}

// Dispatcher decodes inbound agent messages and routes them to the
// orchestrator, producing the reply envelope.
type Dispatcher struct {
	coord  Coordinator
	states StateReader
	log    *logging.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(coord Coordinator, states StateReader, log *logging.Logger) *Dispatcher {
	return &Dispatcher{coord: coord, states: states, log: log}
}

// Handle processes one raw inbound message and returns the reply, nil when
// the message warrants none.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) (*Envelope, error) {
	env, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	d.log.Printf("agent message %s from %s", env.Type, env.UserID)

	switch env.Type {
	case MsgAgentStarted:
		return d.statusReply(ctx, env.UserID, nil)

	case MsgBackupStarted:
		var p BackupStarted
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("agent: decode %s: %w", env.Type, err)
		}
		op, err := d.coord.HandleBackupStarted(ctx, env.UserID, model.BackupCategory(p.Category))
		if err != nil {
			return nil, err
		}
		return NewEnvelope(MsgStatusUpdate, env.UserID, StatusUpdate{
			State:  string(model.StateBackupInProgress),
			Status: "operation " + op.ID + " recorded",
		})

	case MsgBackupProgress:
		var p BackupProgress
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("agent: decode %s: %w", env.Type, err)
		}
		return nil, d.coord.HandleBackupProgress(ctx, p.OperationID, p.ItemCount)

	case MsgBackupCompleted:
		var p BackupCompleted
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("agent: decode %s: %w", env.Type, err)
		}
		if err := d.coord.HandleBackupCompleted(ctx, env.UserID, p.OperationID, p.Success, p.Error); err != nil {
			return nil, err
		}
		return d.statusReply(ctx, env.UserID, nil)

	case MsgDelayRequest:
		var p DelayRequest
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("agent: decode %s: %w", env.Type, err)
		}
		granted, err := d.coord.HandleDelayRequest(ctx, env.UserID, p.Reason, p.RequestedSeconds)
		if err != nil {
			return nil, err
		}
		return d.statusReply(ctx, env.UserID, &granted)

	case MsgUserAction:
		var p UserAction
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("agent: decode %s: %w", env.Type, err)
		}
		switch p.Action {
		case "start":
			if _, err := d.coord.StartMigration(ctx, env.UserID, nil); err != nil {
				return nil, err
			}
		case "cancel":
			if _, err := d.coord.Transition(ctx, env.UserID, model.StateCancelled, userReason(p.Reason)); err != nil {
				return nil, err
			}
		}
		return d.statusReply(ctx, env.UserID, nil)

	case MsgErrorReport:
		var p ErrorReport
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("agent: decode %s: %w", env.Type, err)
		}
		return nil, d.coord.RecordSyncError(ctx, env.UserID, p.FilePath, p.Message)

	default:
		return nil, fmt.Errorf("agent: unsupported message type %q", env.Type)
	}
}

func userReason(reason string) string {
	if reason == "" {
		return "cancelled by user"
	}
	return reason
}

// statusReply builds a status_update envelope from the stored state.
func (d *Dispatcher) statusReply(ctx context.Context, userID string, granted *bool) (*Envelope, error) {
	state, err := d.states.GetMigrationState(ctx, userID)
	if err != nil {
		return nil, err
	}
	return NewEnvelope(MsgStatusUpdate, userID, StatusUpdate{
		State:           string(state.State),
		Status:          state.Status,
		Progress:        state.Progress,
		AttentionReason: state.AttentionReason,
		Granted:         granted,
	})
}
