// Package agent implements the message protocol between the per-user agent
// and the orchestration service. Messages travel as JSON envelopes; each
// payload is validated against its JSON Schema before dispatch.
package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// MessageType names one protocol message.
type MessageType string

// Agent to service.
const (
	MsgAgentStarted    MessageType = "agent_started"
	MsgBackupStarted   MessageType = "backup_started"
	MsgBackupProgress  MessageType = "backup_progress"
	MsgBackupCompleted MessageType = "backup_completed"
	MsgDelayRequest    MessageType = "delay_request"
	MsgUserAction      MessageType = "user_action"
	MsgErrorReport     MessageType = "error_report"
)

// Service to agent.
const (
	MsgBackupRequest       MessageType = "backup_request"
	MsgStatusUpdate        MessageType = "status_update"
	MsgEscalationNotice    MessageType = "escalation_notice"
	MsgConfigurationUpdate MessageType = "configuration_update"
	MsgShutdownRequest     MessageType = "shutdown_request"
)

// Envelope wraps every protocol message.
type Envelope struct {
	Type      MessageType     `json:"type"`
	UserID    string          `json:"user_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Inbound payloads.
type (
	// AgentStarted announces a user's agent coming online.
	AgentStarted struct {
		Hostname     string `json:"hostname"`
		AgentVersion string `json:"agent_version"`
	}

	// BackupStarted reports one category backup beginning.
	BackupStarted struct {
		Category string `json:"category"`
	}

	// BackupProgress reports item counts for a running operation.
	BackupProgress struct {
		OperationID string `json:"operation_id"`
		ItemCount   int    `json:"item_count"`
	}

	// BackupCompleted reports one operation's outcome.
	BackupCompleted struct {
		OperationID string `json:"operation_id"`
		Success     bool   `json:"success"`
		ItemCount   int    `json:"item_count"`
		Error       string `json:"error,omitempty"`
	}

	// DelayRequest asks to postpone the migration.
	DelayRequest struct {
		Reason           string `json:"reason"`
		RequestedSeconds int    `json:"requested_seconds"`
	}

	// UserAction reports an explicit user decision.
	UserAction struct {
		// Action is one of start, cancel.
		Action string `json:"action"`
		Reason string `json:"reason,omitempty"`
	}

	// ErrorReport carries a file-level sync error seen by the agent.
	ErrorReport struct {
		FilePath string `json:"file_path"`
		Message  string `json:"message"`
	}
)

// Outbound payloads.
type (
	// BackupRequest asks the agent to run one category backup.
	BackupRequest struct {
		Category string `json:"category"`
	}

	// StatusUpdate pushes the current migration view to the agent.
	StatusUpdate struct {
		State           string `json:"state"`
		Status          string `json:"status"`
		Progress        int    `json:"progress"`
		AttentionReason string `json:"attention_reason,omitempty"`
		Granted         *bool  `json:"granted,omitempty"`
	}

	// EscalationNotice tells the agent IT has been engaged.
	EscalationNotice struct {
		Reason string `json:"reason"`
	}

	// ShutdownRequest asks the agent to exit.
	ShutdownRequest struct {
		Reason string `json:"reason"`
	}
)

const envelopeSchema = `{
	"type": "object",
	"required": ["type", "user_id", "timestamp"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"user_id": {"type": "string", "minLength": 1},
		"timestamp": {"type": "string"},
		"payload": {"type": "object"}
	}
}`

// payloadSchemas validates each inbound payload by message type.
var payloadSchemas = map[MessageType]string{
	MsgAgentStarted: `{
		"type": "object",
		"properties": {
			"hostname": {"type": "string"},
			"agent_version": {"type": "string"}
		}
	}`,
	MsgBackupStarted: `{
		"type": "object",
		"required": ["category"],
		"properties": {
			"category": {"enum": ["files", "browsers", "email", "system"]}
		}
	}`,
	MsgBackupProgress: `{
		"type": "object",
		"required": ["operation_id"],
		"properties": {
			"operation_id": {"type": "string", "minLength": 1},
			"item_count": {"type": "integer", "minimum": 0}
		}
	}`,
	MsgBackupCompleted: `{
		"type": "object",
		"required": ["operation_id", "success"],
		"properties": {
			"operation_id": {"type": "string", "minLength": 1},
			"success": {"type": "boolean"},
			"item_count": {"type": "integer", "minimum": 0},
			"error": {"type": "string"}
		}
	}`,
	MsgDelayRequest: `{
		"type": "object",
		"required": ["requested_seconds"],
		"properties": {
			"reason": {"type": "string"},
			"requested_seconds": {"type": "integer", "minimum": 1}
		}
	}`,
	MsgUserAction: `{
		"type": "object",
		"required": ["action"],
		"properties": {
			"action": {"enum": ["start", "cancel"]},
			"reason": {"type": "string"}
		}
	}`,
	MsgErrorReport: `{
		"type": "object",
		"required": ["file_path", "message"],
		"properties": {
			"file_path": {"type": "string", "minLength": 1},
			"message": {"type": "string", "minLength": 1}
		}
	}`,
}

var compiledEnvelope *jsonschema.Schema
var compiledPayloads = make(map[MessageType]*jsonschema.Schema)

func init() {
	compiledEnvelope = mustCompile("envelope.json", envelopeSchema)
	for typ, src := range payloadSchemas {
		compiledPayloads[typ] = mustCompile(string(typ)+".json", src)
	}
}

func mustCompile(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("agent: schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("agent: schema %s: %v", name, err))
	}
	sch, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("agent: schema %s: %v", name, err))
	}
	return sch
}

// Decode parses and validates one inbound envelope. Unknown message types
// and schema violations are rejected before any payload struct is built.
func Decode(raw []byte) (*Envelope, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("agent: malformed message: %w", err)
	}
	if err := compiledEnvelope.Validate(inst); err != nil {
		return nil, fmt.Errorf("agent: invalid envelope: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("agent: malformed envelope: %w", err)
	}
	sch, ok := compiledPayloads[env.Type]
	if !ok {
		return nil, fmt.Errorf("agent: unsupported message type %q", env.Type)
	}
	payload := env.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	inst, err = jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("agent: malformed %s payload: %w", env.Type, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("agent: invalid %s payload: %w", env.Type, err)
	}
	return &env, nil
}

// NewEnvelope builds an outbound envelope around a payload.
func NewEnvelope(typ MessageType, userID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("agent: encode %s payload: %w", typ, err)
	}
	return &Envelope{
		Type:      typ,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}
