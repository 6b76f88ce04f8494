package sshterminal

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/webterm/internal/logutil"
)

// SessionState represents the lifecycle state of a terminal session.
type SessionState string

const (
	// SessionConnecting covers the synchronous Connect call inside Open.
	SessionConnecting SessionState = "connecting"
	// SessionActive means the connection is up and the pump is running.
	SessionActive SessionState = "active"
	// SessionClosed means the session was closed, replaced or lost.
	SessionClosed SessionState = "closed"
)

// pumpStopTimeout bounds how long Close waits for a session pump to exit.
const pumpStopTimeout = time.Second

var (
	ErrMissingSessionID = errors.New("session id is required")
	ErrManagerClosed    = errors.New("terminal manager is closed")
	ErrSessionAbandoned = errors.New("session was closed while connecting")
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	ConnOptions

	// PollInterval is the pump sleep between receives.
	PollInterval time.Duration
	// UploadDir is the remote directory uploads are written to.
	UploadDir string

	RecordingEnabled    bool
	RecordingMaxEntries int

	// NewConn overrides construction of connections. Defaults to NewConn.
	NewConn func(Target, ConnOptions) (Conn, error)
}

// Session is one live terminal bound to exactly one Conn.
type Session struct {
	ID        string
	Target    Target // Password is always empty
	CreatedAt time.Time
	Recording *SessionRecording

	conn Conn

	mu    sync.Mutex
	state SessionState
	cols  int
	rows  int

	// closed is set once by whoever tears the session down. emitMu orders
	// pump emissions against the closing side so no output follows a close.
	closed   atomic.Bool
	emitMu   sync.Mutex
	pumpDone chan struct{}

	// quiet suppresses the pump's terminal_disconnected on replace and
	// CloseAll. released is closed once the closing side has emitted its
	// own events.
	quiet       atomic.Bool
	released    chan struct{}
	releaseOnce sync.Once

	cancelConnect context.CancelFunc
}

func (s *Session) Protocol() Protocol { return s.Target.Protocol }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Geometry returns the last applied PTY size. Telnet sessions report 0x0.
func (s *Session) Geometry() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Connected reports whether the underlying connection is still alive.
func (s *Session) Connected() bool {
	return !s.closed.Load() && s.conn.Connected()
}

// SessionInfo is a point-in-time snapshot of a session for listings.
type SessionInfo struct {
	ID        string       `json:"session_id"`
	Protocol  Protocol     `json:"protocol"`
	Host      string       `json:"host"`
	Port      int          `json:"port"`
	Username  string       `json:"username,omitempty"`
	State     SessionState `json:"state"`
	Cols      int          `json:"cols,omitempty"`
	Rows      int          `json:"rows,omitempty"`
	Recording bool         `json:"recording"`
	CreatedAt time.Time    `json:"created_at"`
}

func (s *Session) Info() SessionInfo {
	cols, rows := s.Geometry()
	return SessionInfo{
		ID:        s.ID,
		Protocol:  s.Target.Protocol,
		Host:      s.Target.Host,
		Port:      s.Target.Port,
		Username:  s.Target.Username,
		State:     s.State(),
		Cols:      cols,
		Rows:      rows,
		Recording: s.Recording != nil,
		CreatedAt: s.CreatedAt,
	}
}

// Manager is the session registry of one client connection. The map is
// guarded by mu, which is held only for map operations and never across
// Connect, Send, Resize or Upload.
type Manager struct {
	cfg     ManagerConfig
	emitter Emitter

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager returns an empty registry that reports events to emitter.
func NewManager(cfg ManagerConfig, emitter Emitter) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = DefaultUploadDir
	}
	if cfg.NewConn == nil {
		cfg.NewConn = NewConn
	}
	return &Manager{
		cfg:      cfg,
		emitter:  emitter,
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) emit(e Event) {
	if m.emitter != nil {
		m.emitter.Emit(e)
	}
}

// emitSession emits e unless s has been closed. The recording sees exactly
// the output the client sees.
func (m *Manager) emitSession(s *Session, e Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.closed.Load() {
		return
	}
	if e.Type == EventOutput && s.Recording != nil {
		s.Recording.RecordOutput(e.Data)
	}
	m.emit(e)
}

// Open connects a new session under sessionID, replacing any session already
// registered there. The session is listed as connecting while Connect runs.
// On success terminal_connected is emitted and the pump is started; on
// failure terminal_error carries the connect error message and the same
// error is returned.
func (m *Manager) Open(ctx context.Context, sessionID string, t Target) error {
	fail := func(err error) error {
		m.emit(Event{Type: EventError, SessionID: sessionID, Error: err.Error()})
		return err
	}
	if sessionID == "" {
		return fail(ErrMissingSessionID)
	}
	if t.Port <= 0 {
		t.Port = t.Protocol.DefaultPort()
	}

	if m.closeSession(sessionID, false) {
		log.Printf("[session-mgr] replacing session %s", logutil.SanitizeForLog(sessionID))
	}

	conn, err := m.cfg.NewConn(t, m.cfg.ConnOptions)
	if err != nil {
		return fail(err)
	}

	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	listed := t
	listed.Password = ""
	s := &Session{
		ID:            sessionID,
		Target:        listed,
		CreatedAt:     time.Now(),
		conn:          conn,
		state:         SessionConnecting,
		pumpDone:      make(chan struct{}),
		released:      make(chan struct{}),
		cancelConnect: cancel,
	}
	if _, ok := conn.(Resizer); ok {
		s.cols, s.rows = initialCols, initialRows
	}
	if m.cfg.RecordingEnabled {
		s.Recording = NewSessionRecording(RecordingHeader{
			SessionID: sessionID,
			Protocol:  t.Protocol,
			Host:      t.Host,
			Cols:      initialCols,
			Rows:      initialRows,
			StartedAt: s.CreatedAt,
		}, m.cfg.RecordingMaxEntries)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return fail(ErrManagerClosed)
	}
	prev := m.sessions[sessionID]
	m.sessions[sessionID] = s
	m.mu.Unlock()

	// A concurrent Open for the same ID installed first; the later one wins.
	if prev != nil {
		m.shutdown(prev, true, nil)
	}

	log.Printf("[session-mgr] connecting session %s: %s %s@%s",
		logutil.SanitizeForLog(sessionID), t.Protocol,
		logutil.SanitizeForLog(t.Username), logutil.SanitizeForLog(t.Addr()))

	err = conn.Connect(connectCtx)

	// Whoever sets closed while the state is still connecting leaves the
	// connection to us.
	s.mu.Lock()
	abandoned := s.closed.Load()
	if err == nil && !abandoned {
		s.state = SessionActive
	}
	s.mu.Unlock()

	if err != nil || abandoned {
		m.removeIfCurrent(s)
		s.closed.Store(true)
		s.setState(SessionClosed)
		conn.Close()
		close(s.pumpDone)
		if abandoned {
			log.Printf("[session-mgr] session %s closed while connecting", logutil.SanitizeForLog(sessionID))
			return ErrSessionAbandoned
		}
		log.Printf("[session-mgr] session %s connect failed: %v", logutil.SanitizeForLog(sessionID), err)
		return fail(err)
	}

	// The pump blocks on emitMu until connected has been emitted.
	s.emitMu.Lock()
	if !s.closed.Load() {
		m.emit(Event{Type: EventConnected, SessionID: sessionID, Protocol: t.Protocol, Message: "connected"})
	}
	go m.pump(s)
	s.emitMu.Unlock()

	log.Printf("[session-mgr] session %s connected (%s)", logutil.SanitizeForLog(sessionID), t.Protocol)
	return nil
}

// Send writes data to the session's remote shell. It returns false when the
// session does not exist or the write failed.
func (m *Manager) Send(sessionID string, data []byte) bool {
	s := m.Get(sessionID)
	if s == nil || s.closed.Load() {
		return false
	}
	if err := s.conn.Send(data); err != nil {
		log.Printf("[session-mgr] session %s send failed: %v", logutil.SanitizeForLog(sessionID), err)
		return false
	}
	if s.Recording != nil {
		s.Recording.RecordInput(data)
	}
	return true
}

// Resize applies a new PTY size. It is a no-op returning false for unknown
// sessions, Telnet sessions and non-positive dimensions. Dimensions are
// clamped to MaxTermCols x MaxTermRows.
func (m *Manager) Resize(sessionID string, cols, rows int) bool {
	s := m.Get(sessionID)
	if s == nil {
		return false
	}
	r, ok := s.conn.(Resizer)
	if !ok {
		return false
	}
	cols, rows, ok = ClampGeometry(cols, rows)
	if !ok {
		return false
	}
	if err := r.Resize(cols, rows); err != nil {
		log.Printf("[session-mgr] session %s resize failed: %v", logutil.SanitizeForLog(sessionID), err)
		return false
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	return true
}

// Close tears down the session and emits terminal_closed. The exiting pump
// then emits terminal_disconnected. It reports whether a session was
// registered under sessionID.
func (m *Manager) Close(sessionID string) bool {
	return m.closeSession(sessionID, true)
}

// closeSession removes and shuts down the session under sessionID. Without
// announce the teardown is silent, as for a replace.
func (m *Manager) closeSession(sessionID string, announce bool) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	if !announce {
		m.shutdown(s, true, nil)
		return true
	}
	m.shutdown(s, false, func() {
		m.emit(Event{Type: EventClosed, SessionID: sessionID})
		log.Printf("[session-mgr] closed session %s", logutil.SanitizeForLog(sessionID))
	})
	return true
}

// shutdown marks s closed, closes its connection, runs announce and waits
// (bounded) for the pump to exit. The caller has already removed s from the
// map. With quiet set the pump exits without terminal_disconnected.
func (m *Manager) shutdown(s *Session, quiet bool, announce func()) {
	if quiet {
		s.quiet.Store(true)
	}
	if s.closed.CompareAndSwap(false, true) {
		s.mu.Lock()
		connecting := s.state == SessionConnecting
		s.state = SessionClosed
		s.mu.Unlock()
		if connecting {
			// Open still owns the connection and closes it once Connect returns.
			s.cancelConnect()
		} else {
			s.conn.Close()
		}
	}
	// Wait out any emission that passed the closed check before we set it.
	s.emitMu.Lock()
	s.emitMu.Unlock()

	if announce != nil {
		announce()
	}
	s.releaseOnce.Do(func() { close(s.released) })

	select {
	case <-s.pumpDone:
	case <-time.After(pumpStopTimeout):
		log.Printf("[session-mgr] session %s pump did not stop within %s", logutil.SanitizeForLog(s.ID), pumpStopTimeout)
	}
}

// CloseAll closes every session without emitting events and rejects further
// Opens. Used when the client connection goes away.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			m.shutdown(s, true, nil)
		}(s)
	}
	wg.Wait()
	if len(sessions) > 0 {
		log.Printf("[session-mgr] closed %d sessions", len(sessions))
	}
}

// Get returns the session registered under sessionID, or nil.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// Sessions returns a snapshot of all sessions, oldest first.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// removeIfCurrent deletes the map entry for s.ID only if it still points at s.
func (m *Manager) removeIfCurrent(s *Session) {
	m.mu.Lock()
	if m.sessions[s.ID] == s {
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()
}
