// Package client talks to a polyrun server over REST and WebSocket.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperr "polyrun/internal/errors"
	"polyrun/internal/protocol"
)

const defaultTimeout = 10 * time.Second

// Client is a polyrun API client.
type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
}

// New creates a client for the server at baseURL (http or https).
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		dialer:  websocket.DefaultDialer,
	}
}

// Languages lists the languages the server supports.
func (c *Client) Languages(ctx context.Context) ([]protocol.LanguageInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/languages", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list languages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var out []protocol.LanguageInfo
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode languages: %w", err)
	}
	return out, nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Code == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return remoteError(body.Code, body.Message, body.Details)
}

func remoteError(code, message string, details map[string]any) error {
	e := apperr.Newf(apperr.ErrorCode(code), "%s", message)
	for k, v := range details {
		e.WithDetail(k, v)
	}
	return e
}

// Connect opens a WebSocket connection to the server.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	ws, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", u, err)
	}
	return &Conn{ws: ws}, nil
}

// Conn is one WebSocket connection. Sessions started on it are stopped by
// the server when it closes.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *Conn) send(msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

// Start asks the server to start a session.
func (c *Conn) Start(req protocol.SessionStartPayload) error {
	return c.send(protocol.TypeSessionStart, req)
}

// Input sends bytes to a session's stdin; eof closes it afterwards.
func (c *Conn) Input(sessionID string, data []byte, eof bool) error {
	return c.send(protocol.TypeSessionInput, protocol.SessionInputPayload{
		SessionID: sessionID,
		Data:      data,
		EOF:       eof,
	})
}

// Stop terminates a session.
func (c *Conn) Stop(sessionID string) error {
	return c.send(protocol.TypeSessionStop, protocol.SessionIDPayload{SessionID: sessionID})
}

// Next reads the next server message.
func (c *Conn) Next() (protocol.Message, error) {
	var msg protocol.Message
	err := c.ws.ReadJSON(&msg)
	return msg, err
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// Run starts a session and relays its output to stdout and stderr until it
// terminates. started, when non-nil, is called with the session id once the
// session is running. A server error before the session starts is returned
// as a coded error.
func (c *Conn) Run(ctx context.Context, req protocol.SessionStartPayload, stdout, stderr io.Writer, started func(id string)) (protocol.SessionTerminatedPayload, error) {
	var term protocol.SessionTerminatedPayload

	stop := context.AfterFunc(ctx, func() { c.ws.Close() })
	defer stop()

	if err := c.Start(req); err != nil {
		return term, fmt.Errorf("start session: %w", err)
	}

	var sessionID string
	for {
		msg, err := c.Next()
		if err != nil {
			if ctx.Err() != nil {
				return term, ctx.Err()
			}
			return term, fmt.Errorf("read: %w", err)
		}

		switch msg.Type {
		case protocol.TypeSessionUpdate:
			var p protocol.SessionUpdatePayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return term, err
			}
			if sessionID == "" {
				sessionID = p.ID
				if started != nil {
					started(p.ID)
				}
			}

		case protocol.TypeSessionOutput:
			var p protocol.SessionOutputPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return term, err
			}
			w := stdout
			if p.Stream == "stderr" {
				w = stderr
			}
			w.Write(p.Data)

		case protocol.TypeSessionTerminated:
			if err := json.Unmarshal(msg.Payload, &term); err != nil {
				return term, err
			}
			if term.SessionID == sessionID {
				return term, nil
			}

		case protocol.TypeError:
			var p protocol.ErrorPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return term, err
			}
			err := remoteError(p.Code, p.Message, p.Details)
			// Errors about input to a finished session are not fatal.
			if sessionID != "" && apperr.Is(err, apperr.SessionNotRunning) {
				continue
			}
			return term, err
		}
	}
}
