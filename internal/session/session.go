package session

import "time"

// State represents the lifecycle state of a session.
type State string

const (
	StateCreated    State = "created"
	StateCompiling  State = "compiling"
	StateRunning    State = "running"
	StateTerminated State = "terminated"
)

// Reason records why a session terminated.
type Reason string

const (
	ReasonExited          Reason = "exited"
	ReasonCompileFailed   Reason = "compile_failed"
	ReasonCompileTimeout  Reason = "compile_timeout"
	ReasonStartFailed     Reason = "start_failed"
	ReasonWorkspaceFailed Reason = "workspace_failed"
	ReasonStopped         Reason = "stopped"
	ReasonDisconnected    Reason = "disconnected"
	ReasonIdleTimeout     Reason = "idle_timeout"
	ReasonResourceLimit   Reason = "resource_limit"
	ReasonShutdown        Reason = "shutdown"
)

// Session is a point-in-time view of one execution session.
type Session struct {
	ID           string     `json:"id"`
	Language     string     `json:"language"`
	Interactive  bool       `json:"interactive"`
	State        State      `json:"state"`
	WorkDir      string     `json:"workDir,omitempty"`
	Reason       Reason     `json:"reason,omitempty"`
	ExitCode     *int       `json:"exitCode,omitempty"`
	Message      string     `json:"message,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActivity time.Time  `json:"lastActivity"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
}

// OutputEventType distinguishes stdout, stderr, and exit events.
type OutputEventType string

const (
	OutputStdout OutputEventType = "stdout"
	OutputStderr OutputEventType = "stderr"
	OutputExit   OutputEventType = "exit"
)

// OutputEvent is a chunk of process output, or the final exit event that
// ends a session's stream. Data holds the bytes exactly as the process wrote
// them.
type OutputEvent struct {
	SessionID string          `json:"sessionId"`
	Type      OutputEventType `json:"type"`
	Data      []byte          `json:"data,omitempty"`
	ExitCode  *int            `json:"exitCode,omitempty"`
	Reason    Reason          `json:"reason,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
