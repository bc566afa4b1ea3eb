// Package workerproto defines the messages exchanged between an orchestrator
// instance and its workers. Messages flow over WebSocket connections as a
// JSON envelope with a type discriminator.
package workerproto

import "encoding/json"

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Worker -> orchestrator messages

// RegisterMessage sent when worker first connects
type RegisterMessage struct {
	WorkerID string `json:"worker_id"`
	MaxJobs  int    `json:"max_jobs"`
}

// ReadyMessage sent when worker has available slots
type ReadyMessage struct {
	Slots int `json:"slots"`
}

// StartMessage claims an assigned subtask for execution
type StartMessage struct {
	Seq       uint64 `json:"seq"`
	SubtaskID string `json:"subtask_id"`
	Version   int64  `json:"version"`
}

// HeartbeatMessage proves the worker is still alive on a subtask
type HeartbeatMessage struct {
	SubtaskID string `json:"subtask_id"`
}

// CheckpointMessage records intermediate progress
type CheckpointMessage struct {
	Seq       uint64 `json:"seq"`
	SubtaskID string `json:"subtask_id"`
	Step      int64  `json:"step"`
	Data      []byte `json:"data,omitempty"`
}

// OutcomeMessage reports the result of one attempt
type OutcomeMessage struct {
	Seq       uint64 `json:"seq"`
	SubtaskID string `json:"subtask_id"`
	Version   int64  `json:"version"`
	Status    string `json:"status"` // completed, failed or skipped
	Result    []byte `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Credits   int64  `json:"credits,omitempty"`
}

// Orchestrator -> worker messages

// AssignmentMessage hands a subtask to a worker
type AssignmentMessage struct {
	SubtaskID      string           `json:"subtask_id"`
	RunID          string           `json:"run_id"`
	Index          int              `json:"index"`
	IdempotencyKey string           `json:"idempotency_key"`
	Version        int64            `json:"version"`
	Attempt        int              `json:"attempt"`
	Payload        []byte           `json:"payload,omitempty"`
	Checkpoint     *CheckpointState `json:"checkpoint,omitempty"`
}

// CheckpointState is the latest checkpoint to resume from
type CheckpointState struct {
	Step int64  `json:"step"`
	Data []byte `json:"data,omitempty"`
}

// CancelMessage asks a worker to stop a subtask
type CancelMessage struct {
	SubtaskID string `json:"subtask_id"`
	Reason    string `json:"reason,omitempty"`
}

// AckMessage answers a start, checkpoint or outcome request
type AckMessage struct {
	Seq       uint64 `json:"seq"`
	SubtaskID string `json:"subtask_id"`
	Version   int64  `json:"version"`        // subtask version after the change
	Error     string `json:"error,omitempty"` // empty on success
	Stale     bool   `json:"stale,omitempty"` // the worker no longer owns the subtask
}

// Message type constants
const (
	TypeRegister   = "register"
	TypeReady      = "ready"
	TypeStart      = "start"
	TypeHeartbeat  = "heartbeat"
	TypeCheckpoint = "checkpoint"
	TypeOutcome    = "outcome"
	TypeAssignment = "assignment"
	TypeCancel     = "cancel"
	TypeAck        = "ack"
)
