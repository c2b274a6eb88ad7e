// Package v1 defines the wire types shared between the CES HTTP API and
// its internal components.
package v1

import "time"

// EventKind classifies a single unit of interpreter output.
type EventKind string

const (
	EventStdout    EventKind = "stdout"
	EventStderr    EventKind = "stderr"
	EventLog       EventKind = "log"
	EventDisplay   EventKind = "display"
	EventResult    EventKind = "result"
	EventError     EventKind = "error"
	EventStatus    EventKind = "status"
	EventArtifact  EventKind = "artifact"
	EventVariables EventKind = "variables"
	// EventTruncated marks the point where a stream hub dropped its oldest
	// buffered events; late joiners see it before the retained suffix.
	EventTruncated EventKind = "truncated"
)

// OutputEvent is one ordered unit of observable activity within an execution.
type OutputEvent struct {
	Seq      int64     `json:"seq"`
	Kind     EventKind `json:"kind"`
	Payload  any       `json:"payload"`
	Terminal bool      `json:"terminal,omitempty"`
}

// LogEntry is a structured log line emitted by an extension during execution.
type LogEntry struct {
	Level string `json:"level"`
	Tag   string `json:"tag"`
	Text  string `json:"text"`
}

// Artifact describes a file produced under the session working directory.
// The bytes live on disk; only metadata travels over the wire.
type Artifact struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	FileName string `json:"file_name"`
	Size     int64  `json:"size,omitempty"`
}

// Variable is a user-defined name surfaced after an execution.
type Variable struct {
	Name     string `json:"name"`
	TypeRepr string `json:"type"`
}

// ErrorPayload carries a structured interpreter error.
type ErrorPayload struct {
	Name      string   `json:"name"`
	Message   string   `json:"message"`
	Traceback []string `json:"traceback,omitempty"`
}

// ExecutionResult is the assembled outcome of one execution.
type ExecutionResult struct {
	ExecID       string     `json:"exec_id"`
	Code         string     `json:"code"`
	Success      bool       `json:"success"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Output       string     `json:"output"`
	Stdout       []string   `json:"stdout"`
	Stderr       []string   `json:"stderr"`
	Logs         []LogEntry `json:"logs"`
	Artifacts    []Artifact `json:"artifacts"`
	Variables    []Variable `json:"variables"`
}

// SessionInfo is the metadata snapshot returned by list/get.
type SessionInfo struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExecutionCount int       `json:"execution_count"`
	Extensions     []string  `json:"extensions,omitempty"`
	EnvID          string    `json:"env_id,omitempty"`
}

// ExecutionRecord is one row of the per-session execution history.
type ExecutionRecord struct {
	SessionID     string    `json:"session_id" db:"session_id"`
	ExecID        string    `json:"exec_id" db:"exec_id"`
	Success       bool      `json:"success" db:"success"`
	ErrorMessage  string    `json:"error_message,omitempty" db:"error_message"`
	DurationMS    int64     `json:"duration_ms" db:"duration_ms"`
	StdoutBytes   int64     `json:"stdout_bytes" db:"stdout_bytes"`
	StderrBytes   int64     `json:"stderr_bytes" db:"stderr_bytes"`
	ArtifactCount int       `json:"artifact_count" db:"artifact_count"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// CreateSessionRequest optionally supplies a client-chosen session id.
type CreateSessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// ExecuteRequest submits one code unit for execution.
type ExecuteRequest struct {
	ExecID string `json:"exec_id"`
	Code   string `json:"code"`
	Stream bool   `json:"stream,omitempty"`
}

// ExecuteAccepted is returned for streaming executions: the caller follows
// StreamURL instead of waiting for the assembled result.
type ExecuteAccepted struct {
	ExecID    string `json:"exec_id"`
	StreamURL string `json:"stream_url"`
}

// LoadExtensionRequest registers and loads an extension into a session.
type LoadExtensionRequest struct {
	Name   string            `json:"name"`
	Source string            `json:"source"`
	Config map[string]string `json:"config,omitempty"`
}

// UpdateVariablesRequest overwrites user-namespace bindings.
type UpdateVariablesRequest struct {
	Bindings map[string]any `json:"bindings"`
}

// UploadFileRequest places a file into the session working directory.
type UploadFileRequest struct {
	Filename      string `json:"filename"`
	ContentBase64 string `json:"content_base64"`
}

// HealthResponse reports service liveness.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	ActiveSessions int    `json:"active_sessions"`
	EnvID          string `json:"env_id,omitempty"`
}
