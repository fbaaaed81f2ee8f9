// Package realtime exposes sessions over WebSocket and REST.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperr "polyrun/internal/errors"
	"polyrun/internal/langs"
	"polyrun/internal/protocol"
	"polyrun/internal/session"
	"polyrun/internal/watcher"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	maxFrameSize  = 1 << 20
	sendBuffer    = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server manages WebSocket connections and routes messages between
// clients, the session manager, and the file watcher.
type Server struct {
	sessionMgr     *session.Manager
	registry       *langs.Registry
	fileWatch      *watcher.Watcher
	logger         *zap.Logger
	metricsHandler http.Handler
	staticDir      string

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// owners maps a session to the connection that started it.
	owners   map[string]*client
	ownersMu sync.RWMutex
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metricsHandler = h
	}
}

// WithStaticDir serves files from dir on /.
func WithStaticDir(dir string) Option {
	return func(s *Server) {
		s.staticDir = dir
	}
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	owned  map[string]bool
	subs   map[string]string // sessionID → subscriptionID
}

// New creates a new realtime server.
func New(sessionMgr *session.Manager, registry *langs.Registry, fileWatch *watcher.Watcher, opts ...Option) *Server {
	s := &Server{
		sessionMgr: sessionMgr,
		registry:   registry,
		fileWatch:  fileWatch,
		clients:    make(map[*client]bool),
		owners:     make(map[string]*client),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{id}/output", s.handleSessionOutput)
	mux.HandleFunc("POST /sessions/{id}/input", s.handleSendInput)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /languages", s.handleListLanguages)
	mux.HandleFunc("GET /languages/{key}", s.handleGetLanguage)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		server: s,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		owned:  make(map[string]bool),
		subs:   make(map[string]string),
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// enqueue hands data to the write pump, waiting while the buffer is full.
// It reports false once the client is gone.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	}
}

// claim records that c owns sessionID. It fails once c has disconnected.
func (c *client) claim(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.owned[sessionID] = true
	return true
}

// removeClient cleans up a disconnected client and stops the sessions it
// owns.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	c.mu.Lock()
	c.closed = true
	owned := c.owned
	subs := c.subs
	c.owned = map[string]bool{}
	c.subs = map[string]string{}
	c.mu.Unlock()

	c.cancel()
	close(c.done)

	for sessionID, subID := range subs {
		s.sessionMgr.Unsubscribe(sessionID, subID)
	}
	for sessionID := range owned {
		s.clearOwner(sessionID, c)
		s.sessionMgr.OnDisconnect(sessionID)
	}
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error(), nil)
		return
	}

	switch msg.Type {
	case protocol.TypeSessionStart:
		var p protocol.SessionStartPayload
		json.Unmarshal(msg.Payload, &p)
		// Compilation can take a while; keep reading meanwhile.
		go s.startSession(c, p)

	case protocol.TypeSessionInput:
		var p protocol.SessionInputPayload
		json.Unmarshal(msg.Payload, &p)
		if len(p.Data) > 0 {
			if err := s.sessionMgr.SendInput(p.SessionID, p.Data); err != nil {
				s.sendAppError(c, err)
				return
			}
		}
		if p.EOF {
			if err := s.sessionMgr.CloseInput(p.SessionID); err != nil {
				s.sendAppError(c, err)
			}
		}

	case protocol.TypeSessionStop:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.sessionMgr.StopSession(p.SessionID); err != nil {
			s.sendAppError(c, err)
		}

	case protocol.TypeSessionResetTemplate:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.sessionMgr.ResetTemplate(p.SessionID); err != nil {
			s.sendAppError(c, err)
		}

	case protocol.TypeFilesRequestTree:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		s.sendFilesTree(c, p.SessionID)

	case protocol.TypeLanguagesList:
		s.send(c, protocol.TypeLanguages, protocol.LanguagesPayload{Languages: languageInfos(s.registry)})
	}
}

func (s *Server) startSession(c *client, p protocol.SessionStartPayload) {
	sess, err := s.sessionMgr.StartSession(c.ctx, p.Language, p.Source, p.Interactive)
	if err != nil {
		s.sendAppError(c, err)
		return
	}
	if !c.claim(sess.ID) {
		s.sessionMgr.OnDisconnect(sess.ID)
		return
	}
	s.setOwner(sess.ID, c)

	s.send(c, protocol.TypeSessionUpdate, updatePayload(sess))
	s.watch(sess)
	s.subscribe(c, sess.ID)
}

// watch starts file notifications for a session. A session that ended
// before the watch was registered is unwatched again, since its teardown
// has already run.
func (s *Server) watch(sess session.Session) {
	if s.fileWatch == nil {
		return
	}
	if err := s.fileWatch.Watch(sess.ID, sess.WorkDir); err != nil {
		s.logger.Warn("watch workspace", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	if cur, err := s.sessionMgr.Get(sess.ID); err != nil || cur.State == session.StateTerminated {
		s.fileWatch.Unwatch(sess.ID)
	}
}

// subscribe forwards a session's output to c until the session ends or c
// disconnects.
func (s *Server) subscribe(c *client, sessionID string) {
	subID, ch, history, err := s.sessionMgr.Subscribe(sessionID)
	if err != nil {
		s.sendAppError(c, err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.sessionMgr.Unsubscribe(sessionID, subID)
		return
	}
	c.subs[sessionID] = subID
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.subs, sessionID)
			c.mu.Unlock()
			s.sessionMgr.Unsubscribe(sessionID, subID)
		}()

		for _, ev := range history {
			if !s.forward(c, ev) {
				return
			}
		}
		for ev := range ch {
			if !s.forward(c, ev) {
				return
			}
		}
	}()
}

func (s *Server) forward(c *client, ev session.OutputEvent) bool {
	if ev.Type != session.OutputExit {
		return s.send(c, protocol.TypeSessionOutput, protocol.SessionOutputPayload{
			SessionID: ev.SessionID,
			Stream:    string(ev.Type),
			Data:      ev.Data,
		})
	}

	s.clearOwner(ev.SessionID, c)
	c.mu.Lock()
	delete(c.owned, ev.SessionID)
	c.mu.Unlock()

	if !s.send(c, protocol.TypeSessionTerminated, protocol.SessionTerminatedPayload{
		SessionID: ev.SessionID,
		ExitCode:  ev.ExitCode,
		Reason:    string(ev.Reason),
		Message:   ev.Message,
	}) {
		return false
	}
	if sess, err := s.sessionMgr.Get(ev.SessionID); err == nil {
		s.send(c, protocol.TypeSessionUpdate, updatePayload(sess))
	}
	return false
}

func (s *Server) sendFilesTree(c *client, sessionID string) {
	workDir, err := s.sessionMgr.WorkDir(sessionID)
	if err != nil {
		s.sendAppError(c, err)
		return
	}
	s.send(c, protocol.TypeFilesTree, protocol.FilesTreePayload{
		SessionID: sessionID,
		Tree:      watcher.BuildFileTree(workDir, watcher.MaxTreeDepth),
	})
}

// OnFileUpdate is the callback for the file watcher. Updates go to the
// connection that owns the session.
func (s *Server) OnFileUpdate(sessionID string, fileCount int) {
	s.ownersMu.RLock()
	c := s.owners[sessionID]
	s.ownersMu.RUnlock()
	if c == nil {
		return
	}
	s.send(c, protocol.TypeFilesUpdate, protocol.FilesUpdatePayload{
		SessionID: sessionID,
		FileCount: fileCount,
	})
}

func (s *Server) setOwner(sessionID string, c *client) {
	s.ownersMu.Lock()
	s.owners[sessionID] = c
	s.ownersMu.Unlock()
}

func (s *Server) clearOwner(sessionID string, c *client) {
	s.ownersMu.Lock()
	if s.owners[sessionID] == c {
		delete(s.owners, sessionID)
	}
	s.ownersMu.Unlock()
}

// Close disconnects every client.
func (s *Server) Close() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (s *Server) send(c *client, msgType string, payload any) bool {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		s.logger.Error("encode message", zap.String("type", msgType), zap.Error(err))
		return true
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return true
	}
	return c.enqueue(data)
}

func (s *Server) sendError(c *client, code, message string, details map[string]any) {
	s.send(c, protocol.TypeError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
}

func (s *Server) sendAppError(c *client, err error) {
	e := apperr.GetError(err)
	s.sendError(c, string(e.Code), e.Error(), e.Details)
}

func updatePayload(sess session.Session) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:          sess.ID,
		Language:    sess.Language,
		Interactive: sess.Interactive,
		State:       string(sess.State),
		CreatedAt:   sess.CreatedAt.Format(time.RFC3339Nano),
	}
}

func languageInfos(reg *langs.Registry) []protocol.LanguageInfo {
	profiles := reg.Profiles()
	infos := make([]protocol.LanguageInfo, len(profiles))
	for i, p := range profiles {
		infos[i] = languageInfo(p)
	}
	return infos
}

func languageInfo(p langs.Profile) protocol.LanguageInfo {
	return protocol.LanguageInfo{
		Key:        p.Key,
		Name:       p.Name,
		MonacoLang: p.MonacoLang,
		Main:       p.Main,
		Template:   p.Template,
		Compiled:   p.Compile != "",
		HasRepl:    p.Repl != "",
	}
}
