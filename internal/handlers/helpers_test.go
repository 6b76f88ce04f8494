package handlers

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/webterm/internal/database"
	"github.com/gluk-w/webterm/internal/sshaudit"
	"github.com/gluk-w/webterm/internal/sshkeys"
	"github.com/gluk-w/webterm/internal/sshterminal"
	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testUser     = "operator"
	testPassword = "letmein"
)

// --- In-process remote hosts ---

// startEchoSSHServer starts an SSH server accepting testUser/testPassword.
// Shells echo input prefixed with "echo:", window changes are reported as
// "resize:<cols>x<rows>" and the sftp subsystem is served from the local
// filesystem.
func startEchoSSHServer(t *testing.T) (host string, port int) {
	t.Helper()

	hostSigner, err := sshkeys.NewSigner()
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	cfg := &gossh.ServerConfig{
		PasswordCallback: func(conn gossh.ConnMetadata, password []byte) (*gossh.Permissions, error) {
			if conn.User() == testUser && string(password) == testPassword {
				return &gossh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
	}
	cfg.AddHostKey(hostSigner)

	return serveTCP(t, func(c net.Conn) {
		sshConn, chans, reqs, err := gossh.NewServerConn(c, cfg)
		if err != nil {
			c.Close()
			return
		}
		defer sshConn.Close()
		go gossh.DiscardRequests(reqs)
		for newChan := range chans {
			if newChan.ChannelType() != "session" {
				newChan.Reject(gossh.UnknownChannelType, "unknown channel type")
				continue
			}
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go serveEchoSession(ch, requests)
		}
	})
}

func serveEchoSession(ch gossh.Channel, requests <-chan *gossh.Request) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "pty-req":
			req.Reply(true, nil)
		case "window-change":
			if len(req.Payload) >= 8 {
				fmt.Fprintf(ch, "resize:%dx%d\r\n",
					binary.BigEndian.Uint32(req.Payload[0:4]), binary.BigEndian.Uint32(req.Payload[4:8]))
			}
		case "shell":
			req.Reply(true, nil)
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := ch.Read(buf)
					if n > 0 {
						ch.Write(append([]byte("echo:"), buf[:n]...))
					}
					if err != nil {
						return
					}
				}
			}()
		case "subsystem":
			if len(req.Payload) < 4 || string(req.Payload[4:]) != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				server, err := sftp.NewServer(ch)
				if err != nil {
					ch.Close()
					return
				}
				server.Serve()
				ch.Close()
			}()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// startEchoTelnetServer starts a plain TCP echo server.
func startEchoTelnetServer(t *testing.T) (host string, port int) {
	t.Helper()
	return serveTCP(t, func(c net.Conn) {
		defer c.Close()
		io.Copy(c, c)
	})
}

func serveTCP(t *testing.T, handle func(net.Conn)) (string, int) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	conns := make(chan net.Conn, 64)
	go func() {
		defer close(done)
		for {
			c, err := listener.Accept()
			if err != nil {
				return
			}
			select {
			case conns <- c:
			default:
			}
			go handle(c)
		}
	}()
	t.Cleanup(func() {
		listener.Close()
		<-done
		close(conns)
		for c := range conns {
			c.Close()
		}
	})
	addr := listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// --- Database and audit ---

// setupTestDB points database.DB at a fresh in-memory SQLite database with
// the audit table and installs a global Auditor on it.
func setupTestDB(t *testing.T) *sshaudit.Auditor {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	// Every pooled connection to :memory: would get its own database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&database.Device{}, &database.Setting{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}

	auditor, err := sshaudit.NewAuditor(db, 30)
	if err != nil {
		t.Fatalf("NewAuditor: %v", err)
	}

	prev := database.DB
	database.DB = db
	sshaudit.SetGlobal(auditor)
	t.Cleanup(func() {
		sshaudit.SetGlobal(nil)
		database.Close()
		database.DB = prev
	})
	return auditor
}

// auditEvents returns the event types recorded for sessionID, oldest first.
func auditEvents(t *testing.T, a *sshaudit.Auditor, sessionID string) []sshaudit.EventType {
	t.Helper()
	entries, _, err := a.Query(sshaudit.QueryOptions{SessionID: sessionID})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	types := make([]sshaudit.EventType, len(entries))
	for i, e := range entries {
		types[len(entries)-1-i] = e.EventType
	}
	return types
}

// --- Gateway ---

// startGateway serves TerminalWS with fast polling and returns its ws:// URL.
func startGateway(t *testing.T, mutate ...func(*sshterminal.ManagerConfig)) string {
	t.Helper()

	prev := TermConfig
	TermConfig = sshterminal.ManagerConfig{
		ConnOptions: sshterminal.ConnOptions{
			ConnectTimeout: 5 * time.Second,
			ReceiveTimeout: 20 * time.Millisecond,
		},
		PollInterval: 2 * time.Millisecond,
		UploadDir:    t.TempDir(),
	}
	for _, fn := range mutate {
		fn(&TermConfig)
	}

	srv := httptest.NewServer(http.HandlerFunc(TerminalWS))
	t.Cleanup(func() {
		srv.Close()
		TermConfig = prev
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// frame is any outbound gateway message.
type frame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
	Protocol  string `json:"protocol"`
	Message   string `json:"message"`
	Error     string `json:"error"`
	Data      string `json:"data"`
}

type wsClient struct {
	t        *testing.T
	conn     *websocket.Conn
	clientID string
	output   map[string]string
}

// dialTerminal connects to the gateway and consumes the hello frame.
func dialTerminal(t *testing.T, url string) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetReadLimit(1 << 20)
	c := &wsClient{t: t, conn: conn, output: make(map[string]string)}
	t.Cleanup(func() { conn.CloseNow() })

	hello := c.next()
	if hello.Type != "hello" || hello.ClientID == "" {
		t.Fatalf("first frame = %+v, want hello with client_id", hello)
	}
	c.clientID = hello.ClientID
	return c
}

func (c *wsClient) send(v interface{}) {
	c.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) sendRaw(data string) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// next reads one frame. Output frames are also accumulated per session.
func (c *wsClient) next() frame {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.t.Fatalf("unmarshal %q: %v", data, err)
	}
	if f.Type == "terminal_output" {
		c.output[f.SessionID] += f.Data
	}
	return f
}

// expect reads until a frame of type typ for sessionID arrives.
func (c *wsClient) expect(typ, sessionID string) frame {
	c.t.Helper()
	for {
		f := c.next()
		if f.Type == typ && f.SessionID == sessionID {
			return f
		}
	}
}

// expectOutput reads until the accumulated output of sessionID contains want.
func (c *wsClient) expectOutput(sessionID, want string) {
	c.t.Helper()
	for !strings.Contains(c.output[sessionID], want) {
		c.next()
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
