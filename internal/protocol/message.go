package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate     = "session.update"
	TypeSessionOutput     = "session.output"
	TypeSessionTerminated = "session.terminated"
	TypeFilesUpdate       = "files.update"
	TypeFilesTree         = "files.tree"
	TypeLanguages         = "languages"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeSessionStart         = "session.start"
	TypeSessionInput         = "session.input"
	TypeSessionStop          = "session.stop"
	TypeSessionResetTemplate = "session.resetTemplate"
	TypeFilesRequestTree     = "files.requestTree"
	TypeLanguagesList        = "languages.list"
)

// ErrInvalidMessage is the error code for malformed client messages. All
// other error codes are the engine's error codes.
const ErrInvalidMessage = "INVALID_MESSAGE"

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID          string `json:"id"`
	Language    string `json:"language"`
	Interactive bool   `json:"interactive"`
	State       string `json:"state"`
	CreatedAt   string `json:"createdAt"`
}

// SessionOutputPayload carries raw process output. Data is base64 encoded on
// the wire so arbitrary bytes survive JSON.
type SessionOutputPayload struct {
	SessionID string `json:"sessionId"`
	Stream    string `json:"stream"` // "stdout" | "stderr"
	Data      []byte `json:"data"`
}

type SessionTerminatedPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Reason    string `json:"reason"`
	Message   string `json:"message,omitempty"`
}

type FilesUpdatePayload struct {
	SessionID string `json:"sessionId"`
	FileCount int    `json:"fileCount"`
}

type FilesTreePayload struct {
	SessionID string     `json:"sessionId"`
	Tree      []FileNode `json:"tree"`
}

type LanguagesPayload struct {
	Languages []LanguageInfo `json:"languages"`
}

// LanguageInfo describes a language to clients.
type LanguageInfo struct {
	Key        string `json:"key"`
	Name       string `json:"name"`
	MonacoLang string `json:"monacoLang"`
	Main       string `json:"main"`
	Template   string `json:"template,omitempty"`
	Compiled   bool   `json:"compiled"`
	HasRepl    bool   `json:"hasRepl"`
}

type ErrorPayload struct {
	Message string         `json:"message"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// Client → Server payloads.

type SessionStartPayload struct {
	Language    string `json:"language"`
	Source      string `json:"source"`
	Interactive bool   `json:"interactive"`
}

// SessionInputPayload carries bytes for the process's stdin (base64 on the
// wire). EOF closes stdin after Data has been written.
type SessionInputPayload struct {
	SessionID string `json:"sessionId"`
	Data      []byte `json:"data,omitempty"`
	EOF       bool   `json:"eof,omitempty"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

// FileNode represents a file or directory in the tree.
type FileNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	IsDir    bool       `json:"isDir"`
	Children []FileNode `json:"children,omitempty"`
	Size     int64      `json:"size,omitempty"`
}
