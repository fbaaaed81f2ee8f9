// Package session supervises execution sessions: one workspace, one process
// and one I/O bridge per session, torn down exactly once.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperr "polyrun/internal/errors"
	"polyrun/internal/langs"
	"polyrun/internal/observer"
	"polyrun/internal/process"
	"polyrun/internal/store"
	"polyrun/internal/workspace"
)

const historyTimeout = 3 * time.Second

// Manager owns the mapping from session id to workspace, process and bridge,
// and enforces the session lifecycle.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*managedSession
	active   int
	closed   bool

	cfg        Config
	registry   *langs.Registry
	workspaces *workspace.Manager
	orch       *process.Orchestrator
	history    store.Store
	metrics    observer.MetricsRecorder
	logger     *zap.Logger
	hooks      []func(Session)

	workers    sync.WaitGroup
	stopReaper chan struct{}
	reaperDone chan struct{}
}

type managedSession struct {
	mu      sync.Mutex
	sess    Session
	profile langs.Profile
	handle  *process.Handle
	bridge  *bridge
	ctx     context.Context
	cancel  context.CancelFunc

	// pubMu orders publishes against subscription snapshots; subMu guards
	// the subscriber map only.
	pubMu       sync.Mutex
	ringBuf     *RingBuffer
	subMu       sync.Mutex
	subscribers map[string]*subscriber
	subsClosed  bool

	lastActivity atomic.Int64
	termOnce     sync.Once
	finished     chan struct{}
}

type subscriber struct {
	ch   chan OutputEvent
	done chan struct{}
	once sync.Once
}

// NewManager creates a session manager and starts its reaper.
func NewManager(cfg Config, registry *langs.Registry, workspaces *workspace.Manager, orch *process.Orchestrator, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		sessions:   make(map[string]*managedSession),
		cfg:        cfg,
		registry:   registry,
		workspaces: workspaces,
		orch:       orch,
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.metrics == nil {
		m.metrics = observer.NoopMetricsRecorder{}
	}
	if m.history == nil {
		m.history = store.NewMemoryStore(0)
	}

	go m.reap()
	return m
}

// StartSession creates a workspace for source, compiles it if the language
// needs it and starts the program (or its REPL when interactive). It returns
// once the process is running; on any failure no live session remains.
func (m *Manager) StartSession(ctx context.Context, language, source string, interactive bool) (Session, error) {
	profile, err := m.registry.Resolve(language)
	if err != nil {
		m.metrics.ObserveRejected(string(apperr.GetCode(err)))
		return Session{}, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Session{}, apperr.Newf(apperr.CapacityExceeded, "server is shutting down")
	}
	if m.active >= m.cfg.MaxSessions {
		m.mu.Unlock()
		m.metrics.ObserveRejected(string(apperr.CapacityExceeded))
		return Session{}, apperr.Newf(apperr.CapacityExceeded, "maximum session limit reached (%d)", m.cfg.MaxSessions)
	}
	ms := m.newManagedSession(profile, interactive)
	m.sessions[ms.sess.ID] = ms
	m.active++
	m.mu.Unlock()

	id := ms.sess.ID
	m.metrics.SessionStarted(profile.Key)
	log := m.logger.With(zap.String("session_id", id), zap.String("language", profile.Key))
	log.Info("session created", zap.Bool("interactive", interactive))

	dir, err := m.workspaces.Create(id, profile, source)
	if err != nil {
		return Session{}, m.abort(ms, ReasonWorkspaceFailed, err)
	}
	ms.mu.Lock()
	if ms.sess.State == StateTerminated {
		ms.mu.Unlock()
		m.workspaces.Destroy(dir)
		return Session{}, m.abort(ms, ReasonWorkspaceFailed, apperr.New(apperr.SessionNotRunning))
	}
	ms.sess.WorkDir = dir
	if profile.Compile != "" {
		ms.sess.State = StateCompiling
	}
	ms.mu.Unlock()

	if profile.Compile != "" {
		if err := m.compile(ctx, ms); err != nil {
			reason := ReasonCompileFailed
			switch {
			case ctx.Err() != nil:
				reason = ReasonDisconnected
			case apperr.Is(err, apperr.Timeout):
				reason = ReasonCompileTimeout
			case apperr.Is(err, apperr.ProcessStartError):
				reason = ReasonStartFailed
			}
			return Session{}, m.abort(ms, reason, err)
		}
	}

	mode := process.ModeRun
	if interactive {
		mode = process.ModeRepl
	}
	h, err := m.orch.Start(profile, dir, mode)
	if err != nil {
		return Session{}, m.abort(ms, ReasonStartFailed, err)
	}

	ms.mu.Lock()
	if ms.sess.State == StateTerminated {
		ms.mu.Unlock()
		m.orch.Stop(h)
		h.Stdout.Close()
		h.Stderr.Close()
		return Session{}, m.abort(ms, ReasonStartFailed, apperr.New(apperr.SessionNotRunning))
	}
	ms.handle = h
	ms.bridge = newBridge(h, m.cfg.InputQueue, m.cfg.MaxOutputBytes, func(t OutputEventType, data []byte) {
		m.metrics.ObserveOutput(profile.Key, string(t), len(data))
		ms.touch()
		ms.publish(OutputEvent{SessionID: id, Type: t, Data: data, Timestamp: time.Now().UTC()})
	}, log)
	ms.sess.State = StateRunning
	ms.mu.Unlock()

	ms.touch()
	ms.bridge.start()
	m.workers.Add(1)
	go m.supervise(ms)

	log.Info("session running", zap.Int("pid", h.Pid), zap.String("mode", mode.String()))
	return ms.snapshot(), nil
}

func (m *Manager) newManagedSession(profile langs.Profile, interactive bool) *managedSession {
	now := time.Now().UTC()
	ctx, cancel := context.WithCancel(context.Background())
	ms := &managedSession{
		sess: Session{
			ID:          uuid.New().String(),
			Language:    profile.Key,
			Interactive: interactive,
			State:       StateCreated,
			CreatedAt:   now,
		},
		profile:     profile,
		ctx:         ctx,
		cancel:      cancel,
		ringBuf:     NewRingBuffer(m.cfg.RingBuffer, m.cfg.RingBufferBytes),
		subscribers: make(map[string]*subscriber),
		finished:    make(chan struct{}),
	}
	ms.lastActivity.Store(now.UnixNano())
	return ms
}

func (m *Manager) compile(ctx context.Context, ms *managedSession) error {
	cctx, cancel := context.WithTimeout(ms.ctx, m.cfg.CompileTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	res, err := m.orch.Compile(cctx, ms.profile, ms.sess.WorkDir)
	m.metrics.ObserveCompile(ms.profile.Key, err == nil, res.Duration)
	if err != nil {
		return err
	}
	// Warnings are replayed to the first subscriber.
	if res.Output != "" {
		ms.publish(OutputEvent{
			SessionID: ms.sess.ID,
			Type:      OutputStderr,
			Data:      []byte(res.Output),
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

// abort tears down a session that failed before reaching running and
// removes its live record. The history record remains.
func (m *Manager) abort(ms *managedSession, reason Reason, cause error) error {
	m.terminate(ms, reason, cause.Error())
	m.finish(ms)

	m.mu.Lock()
	delete(m.sessions, ms.sess.ID)
	m.mu.Unlock()

	if snap := ms.snapshot(); snap.Reason != reason {
		return apperr.Newf(apperr.SessionNotRunning, "session %s ended during startup: %s", snap.ID, snap.Reason)
	}
	return cause
}

// supervise is the per-session worker. It waits for the process to exit or
// for a limit to trip, then drains output and ends the session's stream.
func (m *Manager) supervise(ms *managedSession) {
	defer m.workers.Done()

	h, b := ms.handle, ms.bridge
	var idle <-chan time.Time
	if m.cfg.IdleTimeout > 0 {
		interval := m.cfg.IdleTimeout / 4
		if interval > time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		idle = ticker.C
	}

	var reason Reason
	var message string
loop:
	for {
		select {
		case <-h.Done():
			reason = ReasonExited
			// Let the pumps collect everything the process wrote.
			b.waitPumps(m.cfg.DrainTimeout)
			break loop
		case <-b.limitExceeded():
			reason = ReasonResourceLimit
			message = fmt.Sprintf("output exceeded %d bytes", m.cfg.MaxOutputBytes)
			break loop
		case <-ms.ctx.Done():
			break loop
		case <-idle:
			if time.Since(ms.lastActive()) >= m.cfg.IdleTimeout {
				reason = ReasonIdleTimeout
				message = fmt.Sprintf("no activity for %s", m.cfg.IdleTimeout)
				break loop
			}
		}
	}

	// Blocks until teardown has completed, whichever path started it.
	m.terminate(ms, reason, message)
	if !b.waitPumps(m.cfg.DrainTimeout) {
		m.logger.Debug("output still open after drain timeout", zap.String("session_id", ms.sess.ID))
	}
	b.close()
	<-b.pumpsDone
	m.finish(ms)
}

// terminate is the single teardown path. The first caller's reason wins;
// later callers return once teardown has completed.
func (m *Manager) terminate(ms *managedSession, reason Reason, message string) {
	ms.termOnce.Do(func() {
		ms.mu.Lock()
		ms.sess.State = StateTerminated
		ms.sess.Reason = reason
		ms.sess.Message = message
		h, dir := ms.handle, ms.sess.WorkDir
		ms.mu.Unlock()

		ms.cancel()
		if h != nil {
			m.orch.Stop(h)
		}
		if dir != "" {
			if err := m.workspaces.Destroy(dir); err != nil {
				m.logger.Error("destroy workspace", zap.String("session_id", ms.sess.ID), zap.Error(err))
			}
		}

		now := time.Now().UTC()
		ms.mu.Lock()
		if h != nil {
			select {
			case <-h.Done():
				code := h.ExitCode()
				ms.sess.ExitCode = &code
				if ms.sess.Message == "" {
					ms.sess.Message = exitMessage(h)
				}
			default:
			}
		}
		ms.sess.EndedAt = &now
		ms.mu.Unlock()
		snap := ms.snapshot()

		m.mu.Lock()
		m.active--
		m.mu.Unlock()

		m.recordHistory(snap)
		m.metrics.SessionEnded(snap.Language, string(reason), now.Sub(snap.CreatedAt))
		for _, hook := range m.hooks {
			hook(snap)
		}
		m.logger.Info("session terminated",
			zap.String("session_id", snap.ID),
			zap.String("language", snap.Language),
			zap.String("reason", string(reason)),
			zap.String("message", snap.Message))
	})
}

func exitMessage(h *process.Handle) string {
	if sig := h.Signal(); sig != "" {
		return "killed by signal: " + sig
	}
	return fmt.Sprintf("exited with status %d", h.ExitCode())
}

func (m *Manager) recordHistory(s Session) {
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	rec := store.Record{
		ID:          s.ID,
		Language:    s.Language,
		Interactive: s.Interactive,
		Reason:      string(s.Reason),
		ExitCode:    s.ExitCode,
		Message:     s.Message,
		CreatedAt:   s.CreatedAt,
	}
	if s.EndedAt != nil {
		rec.EndedAt = *s.EndedAt
	}
	if err := m.history.Save(ctx, rec); err != nil {
		m.logger.Warn("save session history", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// finish publishes the exit event and closes every subscriber channel.
func (m *Manager) finish(ms *managedSession) {
	snap := ms.snapshot()
	ms.publish(OutputEvent{
		SessionID: snap.ID,
		Type:      OutputExit,
		ExitCode:  snap.ExitCode,
		Reason:    snap.Reason,
		Message:   snap.Message,
		Timestamp: time.Now().UTC(),
	})
	ms.closeSubscribers()
	close(ms.finished)
}

// Get returns a session by ID, falling back to the history of ended
// sessions.
func (m *Manager) Get(id string) (Session, error) {
	if ms, ok := m.lookup(id); ok {
		return ms.snapshot(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	rec, err := m.history.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	return fromRecord(rec), nil
}

// List returns all live sessions ordered by creation time.
func (m *Manager) List() []Session {
	m.mu.RLock()
	result := make([]Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		result = append(result, ms.snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Active returns the number of sessions that have not terminated.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// History returns up to limit ended sessions, most recent first.
func (m *Manager) History(ctx context.Context, limit int) ([]Session, error) {
	recs, err := m.history.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	result := make([]Session, len(recs))
	for i, rec := range recs {
		result[i] = fromRecord(rec)
	}
	return result, nil
}

// SendInput queues bytes for a running session's stdin.
func (m *Manager) SendInput(id string, data []byte) error {
	return m.input(id, data, false)
}

// CloseInput closes a running session's stdin after pending input.
func (m *Manager) CloseInput(id string) error {
	return m.input(id, nil, true)
}

func (m *Manager) input(id string, data []byte, eof bool) error {
	ms, ok := m.lookup(id)
	if !ok {
		if _, err := m.Get(id); err == nil {
			return apperr.Newf(apperr.SessionNotRunning, "session %s has terminated", id)
		}
		return apperr.Newf(apperr.NotFound, "session %s not found", id)
	}

	ms.mu.Lock()
	state, b := ms.sess.State, ms.bridge
	ms.mu.Unlock()
	if state != StateRunning || b == nil {
		return apperr.Newf(apperr.SessionNotRunning, "session %s is %s", id, state)
	}

	if err := b.Enqueue(data, eof); err != nil {
		return err
	}
	ms.touch()
	return nil
}

// StopSession terminates a session and releases its workspace and process.
// Stopping an already terminated session is a no-op.
func (m *Manager) StopSession(id string) error {
	ms, ok := m.lookup(id)
	if !ok {
		_, err := m.Get(id)
		return err
	}
	m.terminate(ms, ReasonStopped, "stopped by request")
	return nil
}

// OnDisconnect terminates a session whose client has gone away.
func (m *Manager) OnDisconnect(id string) {
	if ms, ok := m.lookup(id); ok {
		m.terminate(ms, ReasonDisconnected, "client disconnected")
	}
}

// ResetTemplate overwrites a live session's main file with the language
// template.
func (m *Manager) ResetTemplate(id string) error {
	ms, ok := m.lookup(id)
	if !ok {
		return apperr.Newf(apperr.NotFound, "session %s not found", id)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.sess.State == StateTerminated || ms.sess.WorkDir == "" {
		return apperr.Newf(apperr.SessionNotRunning, "session %s is %s", id, ms.sess.State)
	}
	return m.workspaces.WriteTemplate(ms.sess.WorkDir, ms.profile)
}

// WorkDir returns the workspace directory of a live session.
func (m *Manager) WorkDir(id string) (string, error) {
	ms, ok := m.lookup(id)
	if !ok {
		return "", apperr.Newf(apperr.NotFound, "session %s not found", id)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.sess.State == StateTerminated || ms.sess.WorkDir == "" {
		return "", apperr.Newf(apperr.SessionNotRunning, "session %s is %s", id, ms.sess.State)
	}
	return ms.sess.WorkDir, nil
}

// Subscribe creates a channel that receives output events for a session,
// together with the buffered history that precedes them. The channel is
// closed after the exit event.
func (m *Manager) Subscribe(id string) (string, <-chan OutputEvent, []OutputEvent, error) {
	ms, ok := m.lookup(id)
	if !ok {
		return "", nil, nil, apperr.Newf(apperr.NotFound, "session %s not found", id)
	}

	subID := uuid.New().String()
	sub := &subscriber{
		ch:   make(chan OutputEvent, defaultSubscriberBufCap),
		done: make(chan struct{}),
	}

	ms.pubMu.Lock()
	defer ms.pubMu.Unlock()
	history := ms.ringBuf.ReadAll()
	if ms.subsClosed {
		close(sub.ch)
		return subID, sub.ch, history, nil
	}
	ms.subMu.Lock()
	ms.subscribers[subID] = sub
	ms.subMu.Unlock()
	return subID, sub.ch, history, nil
}

// Unsubscribe removes a subscriber. A publish blocked on it is released.
func (m *Manager) Unsubscribe(sessionID, subID string) {
	ms, ok := m.lookup(sessionID)
	if !ok {
		return
	}
	ms.subMu.Lock()
	sub, exists := ms.subscribers[subID]
	delete(ms.subscribers, subID)
	ms.subMu.Unlock()
	if exists {
		sub.once.Do(func() { close(sub.done) })
	}
}

// Shutdown terminates every live session concurrently and waits for their
// workers to finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	live := make([]*managedSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		live = append(live, ms)
	}
	m.mu.Unlock()

	close(m.stopReaper)
	<-m.reaperDone

	var g errgroup.Group
	for _, ms := range live {
		g.Go(func() error {
			m.terminate(ms, ReasonShutdown, "server shutting down")
			return nil
		})
	}
	g.Wait()

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) reap() {
	defer close(m.reaperDone)

	interval := m.cfg.Retention / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopReaper:
			return
		case now := <-ticker.C:
			if n := m.reapExpired(now); n > 0 {
				m.logger.Debug("reaped terminated sessions", zap.Int("count", n))
			}
		}
	}
}

// reapExpired drops finished sessions that ended more than the retention
// period before now. Their history records stay queryable.
func (m *Manager) reapExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, ms := range m.sessions {
		select {
		case <-ms.finished:
		default:
			continue
		}
		snap := ms.snapshot()
		if snap.EndedAt != nil && now.Sub(*snap.EndedAt) >= m.cfg.Retention {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

func (m *Manager) lookup(id string) (*managedSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[id]
	return ms, ok
}

func (ms *managedSession) snapshot() Session {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s := ms.sess
	s.LastActivity = ms.lastActive()
	return s
}

func (ms *managedSession) touch() {
	ms.lastActivity.Store(time.Now().UnixNano())
}

func (ms *managedSession) lastActive() time.Time {
	return time.Unix(0, ms.lastActivity.Load()).UTC()
}

// publish records ev for replay and hands it to every subscriber, waiting
// for each to take it or unsubscribe.
func (ms *managedSession) publish(ev OutputEvent) {
	ms.pubMu.Lock()
	defer ms.pubMu.Unlock()
	if ms.subsClosed {
		return
	}
	ms.ringBuf.Write(ev)

	ms.subMu.Lock()
	subs := make([]*subscriber, 0, len(ms.subscribers))
	for _, sub := range ms.subscribers {
		subs = append(subs, sub)
	}
	ms.subMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		}
	}
}

func (ms *managedSession) closeSubscribers() {
	ms.pubMu.Lock()
	defer ms.pubMu.Unlock()
	ms.subsClosed = true

	ms.subMu.Lock()
	defer ms.subMu.Unlock()
	for id, sub := range ms.subscribers {
		close(sub.ch)
		delete(ms.subscribers, id)
	}
}

func fromRecord(rec store.Record) Session {
	ended := rec.EndedAt
	return Session{
		ID:           rec.ID,
		Language:     rec.Language,
		Interactive:  rec.Interactive,
		State:        StateTerminated,
		Reason:       Reason(rec.Reason),
		ExitCode:     rec.ExitCode,
		Message:      rec.Message,
		CreatedAt:    rec.CreatedAt,
		LastActivity: rec.EndedAt,
		EndedAt:      &ended,
	}
}
