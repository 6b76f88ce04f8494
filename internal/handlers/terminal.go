package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/webterm/internal/config"
	"github.com/gluk-w/webterm/internal/logutil"
	"github.com/gluk-w/webterm/internal/sshaudit"
	"github.com/gluk-w/webterm/internal/sshkeys"
	"github.com/gluk-w/webterm/internal/sshterminal"
	"github.com/google/uuid"
)

// TermConfig is set from main.go during init. Every WebSocket connection gets
// its own Manager built from it.
var TermConfig sshterminal.ManagerConfig

// ResolveDevice looks up a stored device by ID. When nil, no device directory
// is configured and messages carrying device_id are rejected.
var ResolveDevice func(id uint) (sshterminal.Target, error)

const (
	// defaultReadLimit fits a base64 upload of a few tens of megabytes.
	defaultReadLimit = 64 << 20

	outboundQueueSize = 256

	defaultCols = 80
	defaultRows = 24
)

// Inbound message types.
const (
	msgSSHConnect    = "ssh_connect"
	msgTelnetConnect = "telnet_connect"
	msgInput         = "terminal_input"
	msgResize        = "resize_terminal"
	msgClose         = "close_terminal"
	msgUpload        = "upload_file"
)

// clientMessage is the union of all inbound command frames.
type clientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`

	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID *uint  `json:"device_id"`

	Data string `json:"data"`

	Cols int `json:"cols"`
	Rows int `json:"rows"`

	Filename string `json:"filename"`
	Filedata string `json:"filedata"`
	Filesize int64  `json:"filesize"`
}

type helloMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

// TerminalWS serves the terminal gateway. A connection may open any number
// of SSH and Telnet sessions, each addressed by a client-chosen session_id.
// All of them are closed when the WebSocket goes away.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	// Cross-origin pages are refused unless allowed explicitly.
	opts := &websocket.AcceptOptions{
		OriginPatterns:     config.Cfg.AllowedOrigins,
		InsecureSkipVerify: config.Cfg.AllowAnyOrigin,
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.Printf("[ws-terminal] failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	readLimit := config.Cfg.WSReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	conn.SetReadLimit(readLimit)

	c := newTermClient(r.Context(), conn, sshaudit.ExtractSourceIP(r))
	c.serve(r.Context())

	conn.Close(websocket.StatusNormalClosure, "")
}

// openedSession is the audit bookkeeping for a session this client opened.
type openedSession struct {
	target sshaudit.Target
	at     time.Time
}

// termClient is one WebSocket connection and the sessions it owns.
type termClient struct {
	id       string
	sourceIP string
	conn     *websocket.Conn
	mgr      *sshterminal.Manager
	queue    *serialQueue
	limiter  *sshterminal.RateLimiter

	// All frames go through out to the single writer goroutine.
	out        chan []byte
	writeCtx   context.Context
	stopWrite  context.CancelFunc
	writerDone chan struct{}

	mu     sync.Mutex
	opened map[string]openedSession
}

func newTermClient(ctx context.Context, conn *websocket.Conn, sourceIP string) *termClient {
	c := &termClient{
		id:         uuid.NewString(),
		sourceIP:   sourceIP,
		conn:       conn,
		queue:      newSerialQueue(),
		limiter:    sshterminal.NewRateLimiter(sshterminal.MessageRateLimit, sshterminal.MessageRateBurst),
		out:        make(chan []byte, outboundQueueSize),
		writerDone: make(chan struct{}),
		opened:     make(map[string]openedSession),
	}
	c.writeCtx, c.stopWrite = context.WithCancel(ctx)
	c.mgr = sshterminal.NewManager(TermConfig, sshterminal.EmitterFunc(c.emit))
	return c
}

func (c *termClient) serve(ctx context.Context) {
	go c.writeLoop()
	Clients.add(c)
	log.Printf("[ws-terminal] client %s connected from %s", c.id, logutil.SanitizeForLog(c.sourceIP))

	c.send(helloMessage{Type: "hello", ClientID: c.id})

	readCtx, cancel := context.WithCancel(ctx)
	for {
		typ, data, err := c.conn.Read(readCtx)
		if err != nil {
			break
		}
		if typ != websocket.MessageText {
			continue
		}
		c.handle(readCtx, data)
	}

	// Abort in-flight connects and uploads, then tear everything down.
	cancel()
	c.queue.wait()
	Clients.remove(c)
	c.mgr.CloseAll()
	c.auditCloseAll()
	c.stopWrite()
	<-c.writerDone
	log.Printf("[ws-terminal] client %s disconnected", c.id)
}

func (c *termClient) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case data := <-c.out:
			if err := c.conn.Write(c.writeCtx, websocket.MessageText, data); err != nil {
				c.stopWrite()
				return
			}
		case <-c.writeCtx.Done():
			return
		}
	}
}

// send queues v for the writer. It blocks while the queue is full and gives
// up once the writer has stopped.
func (c *termClient) send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[ws-terminal] failed to encode frame: %v", err)
		return
	}
	select {
	case c.out <- data:
	case <-c.writeCtx.Done():
	}
}

// emit is the Manager's event sink.
func (c *termClient) emit(e sshterminal.Event) {
	switch e.Type {
	case sshterminal.EventClosed:
		c.auditEnd(e.SessionID, sshaudit.LogClose)
	case sshterminal.EventDisconnected:
		c.auditEnd(e.SessionID, sshaudit.LogDisconnected)
	}
	c.send(e)
}

func (c *termClient) sendError(sessionID, msg string) {
	c.send(sshterminal.Event{Type: sshterminal.EventError, SessionID: sessionID, Error: msg})
}

func (c *termClient) handle(ctx context.Context, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "Invalid message format")
		return
	}

	switch msg.Type {
	case msgSSHConnect, msgTelnetConnect:
		c.queue.do(msg.SessionID, func() { c.open(ctx, msg) })

	case msgInput:
		if !c.limiter.Allow() {
			return
		}
		if len(msg.Data) > sshterminal.MaxInputMessageSize {
			log.Printf("[ws-terminal] input message too large: session=%s size=%d limit=%d",
				logutil.SanitizeForLog(msg.SessionID), len(msg.Data), sshterminal.MaxInputMessageSize)
			return
		}
		c.queue.do(msg.SessionID, func() { c.mgr.Send(msg.SessionID, []byte(msg.Data)) })

	case msgResize:
		if !c.limiter.Allow() {
			return
		}
		cols, rows := msg.Cols, msg.Rows
		if cols == 0 {
			cols = defaultCols
		}
		if rows == 0 {
			rows = defaultRows
		}
		c.queue.do(msg.SessionID, func() { c.mgr.Resize(msg.SessionID, cols, rows) })

	case msgClose:
		c.queue.do(msg.SessionID, func() {
			// The client always gets terminal_closed, even for unknown sessions.
			if !c.mgr.Close(msg.SessionID) {
				c.send(sshterminal.Event{Type: sshterminal.EventClosed, SessionID: msg.SessionID})
			}
		})

	case msgUpload:
		c.queue.do(msg.SessionID, func() { c.upload(ctx, msg) })

	default:
		c.sendError(msg.SessionID, fmt.Sprintf("Unknown message type: %q", msg.Type))
	}
}

func (c *termClient) open(ctx context.Context, msg clientMessage) {
	target := sshterminal.Target{
		Protocol: sshterminal.ProtocolSSH,
		Host:     msg.Host,
		Port:     msg.Port,
		Username: msg.Username,
		Password: msg.Password,
	}
	if msg.Type == msgTelnetConnect {
		target.Protocol = sshterminal.ProtocolTelnet
		target.Username, target.Password = "", ""
	}

	if msg.DeviceID != nil {
		resolved, err := c.resolveDevice(*msg.DeviceID)
		if err != nil {
			log.Printf("[ws-terminal] device %d lookup failed: %v", *msg.DeviceID, err)
			c.sendError(msg.SessionID, "Device lookup failed: "+err.Error())
			return
		}
		target = resolved
	}

	at := c.auditTarget(msg.SessionID, target)
	if c.mgr.Get(msg.SessionID) != nil {
		c.auditEnd(msg.SessionID, sshaudit.LogClose)
	}

	// Registered before Open so a disconnect racing the return is audited.
	c.mu.Lock()
	c.opened[msg.SessionID] = openedSession{target: at, at: time.Now()}
	c.mu.Unlock()

	if err := c.mgr.Open(ctx, msg.SessionID, target); err != nil {
		c.mu.Lock()
		delete(c.opened, msg.SessionID)
		c.mu.Unlock()

		var hkErr *sshkeys.HostKeyError
		switch {
		case errors.Is(err, sshterminal.ErrSessionAbandoned):
			// Closed while connecting; the close was audited.
		case errors.As(err, &hkErr):
			sshaudit.LogHostKeyRejected(at, hkErr.Error())
		default:
			sshaudit.LogOpenFailed(at, err.Error())
		}
		return
	}
	sshaudit.LogOpen(at)
	log.Printf("[ws-terminal] terminal session opened: client=%s session=%s %s %s",
		c.id, logutil.SanitizeForLog(msg.SessionID), target.Protocol, logutil.SanitizeForLog(target.Addr()))
}

func (c *termClient) resolveDevice(id uint) (sshterminal.Target, error) {
	if ResolveDevice == nil {
		return sshterminal.Target{}, errors.New("device directory is not configured")
	}
	return ResolveDevice(id)
}

func (c *termClient) upload(ctx context.Context, msg clientMessage) {
	res, err := c.mgr.Upload(ctx, sshterminal.UploadRequest{
		SessionID: msg.SessionID,
		Filename:  msg.Filename,
		Payload:   msg.Filedata,
		Size:      msg.Filesize,
	})
	// Requests rejected before a destination was chosen are not audited.
	if res.Path == "" {
		return
	}

	c.mu.Lock()
	o, ok := c.opened[msg.SessionID]
	c.mu.Unlock()
	if !ok {
		o.target = sshaudit.Target{SessionID: msg.SessionID, ClientID: c.id, SourceIP: c.sourceIP}
	}
	sshaudit.LogUpload(o.target, res.Path, res.Bytes, err)
}

func (c *termClient) auditTarget(sessionID string, t sshterminal.Target) sshaudit.Target {
	port := t.Port
	if port <= 0 {
		port = t.Protocol.DefaultPort()
	}
	return sshaudit.Target{
		SessionID: sessionID,
		ClientID:  c.id,
		Protocol:  string(t.Protocol),
		Host:      t.Host,
		Port:      port,
		Username:  t.Username,
		SourceIP:  c.sourceIP,
	}
}

// auditEnd records the end of an opened session at most once.
func (c *termClient) auditEnd(sessionID string, record func(sshaudit.Target, int64)) {
	c.mu.Lock()
	o, ok := c.opened[sessionID]
	delete(c.opened, sessionID)
	c.mu.Unlock()
	if ok {
		record(o.target, time.Since(o.at).Milliseconds())
	}
}

func (c *termClient) auditCloseAll() {
	c.mu.Lock()
	opened := c.opened
	c.opened = make(map[string]openedSession)
	c.mu.Unlock()
	for _, o := range opened {
		sshaudit.LogClose(o.target, time.Since(o.at).Milliseconds())
	}
}
