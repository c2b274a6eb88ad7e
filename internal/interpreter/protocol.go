package interpreter

import (
	"encoding/json"
	"fmt"
	"strings"

	v1 "github.com/kandev/ces/pkg/api/v1"
)

// Channel identifies which interpreter output stream a message arrived on.
type Channel string

const (
	ChannelStdout       Channel = "stdout"
	ChannelStderr       Channel = "stderr"
	ChannelLog          Channel = "log"
	ChannelDisplay      Channel = "display"
	ChannelStatus       Channel = "status"
	ChannelExecuteReply Channel = "execute_reply"
	ChannelError        Channel = "error"
	ChannelVariables    Channel = "variables"
	ChannelArtifact     Channel = "artifact"
)

// Interpreter status states carried on the status channel.
const (
	StateIdle = "idle"
	StateBusy = "busy"
)

// Execute-reply statuses.
const (
	ReplyOK    = "ok"
	ReplyError = "error"
)

// Message is one decoded unit from the interpreter's output channel.
// The interpreter (via its control adapter) emits newline-delimited JSON
// objects on stdout; which fields are set depends on the channel.
type Message struct {
	Channel Channel `json:"channel"`

	// stdout / stderr
	Text string `json:"text,omitempty"`

	// status
	State string `json:"state,omitempty"`

	// display
	MimeType   string `json:"mime_type,omitempty"`
	DataBase64 string `json:"data_base64,omitempty"`

	// execute_reply
	Status string `json:"status,omitempty"`

	// error
	ErrName   string   `json:"ename,omitempty"`
	ErrValue  string   `json:"evalue,omitempty"`
	Traceback []string `json:"traceback,omitempty"`

	// variables
	Variables []v1.Variable `json:"variables,omitempty"`

	// artifact
	Artifact *v1.Artifact `json:"artifact,omitempty"`

	// log, reclassified from a sentinel-prefixed stdout line
	Log *v1.LogEntry `json:"-"`
}

// ErrorText flattens an error-channel message into one traceback string.
func (m *Message) ErrorText() string {
	if len(m.Traceback) > 0 {
		return strings.Join(m.Traceback, "\n")
	}
	if m.ErrName != "" {
		return fmt.Sprintf("%s: %s", m.ErrName, m.ErrValue)
	}
	return m.ErrValue
}

// Directive ops understood by the control adapter.
const (
	OpSessionInit = "session_init"
	OpExtRegister = "ext_register"
	OpExtLoad     = "ext_load"
	OpPreExec     = "pre_exec"
	OpPostExec    = "post_exec"
	OpVarUpdate   = "var_update"
	OpExec        = "exec"
	OpInterrupt   = "interrupt"
	OpShutdown    = "shutdown"
)

// directivePrefix tags control input so the adapter can tell directives
// apart from anything else arriving on the interpreter's stdin.
const directivePrefix = "%%ces:"

// logSentinel marks stdout lines that carry structured extension log
// entries in the form [CES-LOG]level|tag|text.
const logSentinel = "[CES-LOG]"

// Directive is a single structured control line sent to the interpreter.
// User code is framed as a directive too (OpExec) so that everything on
// stdin is unambiguously tagged.
type Directive struct {
	Op        string            `json:"op"`
	SessionID string            `json:"session_id,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	ExecID    string            `json:"exec_id,omitempty"`
	Index     int               `json:"index,omitempty"`
	Name      string            `json:"name,omitempty"`
	Source    string            `json:"source,omitempty"`
	Config    map[string]string `json:"config,omitempty"`
	Bindings  map[string]any    `json:"bindings,omitempty"`
	Code      string            `json:"code,omitempty"`
}

// SessionInit establishes session identity and working directory.
func SessionInit(sessionID, cwd string) Directive {
	return Directive{Op: OpSessionInit, SessionID: sessionID, Cwd: cwd}
}

// ExtRegister stores extension source in the adapter's registry.
func ExtRegister(name, source string) Directive {
	return Directive{Op: OpExtRegister, Name: name, Source: source}
}

// ExtLoad instantiates a registered extension with its config map.
func ExtLoad(name string, cfg map[string]string) Directive {
	return Directive{Op: OpExtLoad, Name: name, Config: cfg}
}

// PreExec frames the start of a user code execution.
func PreExec(execID string, index int) Directive {
	return Directive{Op: OpPreExec, ExecID: execID, Index: index}
}

// PostExec triggers the variable snapshot and artifact scan.
func PostExec(execID string, index int) Directive {
	return Directive{Op: OpPostExec, ExecID: execID, Index: index}
}

// VarUpdate overwrites user-namespace bindings from outside.
func VarUpdate(bindings map[string]any) Directive {
	return Directive{Op: OpVarUpdate, Bindings: bindings}
}

// Exec submits a unit of user code.
func Exec(code string) Directive {
	return Directive{Op: OpExec, Code: code}
}

// Interrupt asks the adapter to interrupt the running execution.
func Interrupt() Directive {
	return Directive{Op: OpInterrupt}
}

// Shutdown asks the interpreter to exit cleanly.
func Shutdown() Directive {
	return Directive{Op: OpShutdown}
}

// EncodeDirective renders a directive as a single tagged input line.
func EncodeDirective(d Directive) ([]byte, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode directive %s: %w", d.Op, err)
	}
	line := make([]byte, 0, len(directivePrefix)+len(body)+1)
	line = append(line, directivePrefix...)
	line = append(line, body...)
	line = append(line, '\n')
	return line, nil
}

// DecodeMessage parses one output line into a Message. Lines that are not
// valid JSON messages are treated as plain stdout text so a misbehaving
// interpreter cannot wedge the read loop. Stdout lines carrying the log
// sentinel are reclassified onto the log channel.
func DecodeMessage(line []byte) *Message {
	trimmed := strings.TrimRight(string(line), "\r\n")
	if trimmed == "" {
		return nil
	}

	var msg Message
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil || msg.Channel == "" {
		return &Message{Channel: ChannelStdout, Text: trimmed + "\n"}
	}

	if msg.Channel == ChannelStdout {
		if entry, ok := parseLogLine(msg.Text); ok {
			return &Message{Channel: ChannelLog, Log: entry}
		}
	}
	return &msg
}

// parseLogLine extracts a structured log entry from a sentinel-prefixed
// stdout line of the form [CES-LOG]level|tag|text.
func parseLogLine(text string) (*v1.LogEntry, bool) {
	trimmed := strings.TrimRight(text, "\n")
	if !strings.HasPrefix(trimmed, logSentinel) {
		return nil, false
	}
	rest := strings.TrimPrefix(trimmed, logSentinel)
	parts := strings.SplitN(rest, "|", 3)
	if len(parts) != 3 {
		return nil, false
	}
	return &v1.LogEntry{Level: parts[0], Tag: parts[1], Text: parts[2]}, true
}
