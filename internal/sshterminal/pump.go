package sshterminal

import (
	"errors"
	"io"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gluk-w/webterm/internal/logutil"
)

// pump is the only reader of s.conn. It forwards output as terminal_output
// events until the connection drops or the registry closes the session, and
// emits terminal_disconnected exactly once on the way out. After a Close that
// event follows terminal_closed; replace and CloseAll suppress it.
func (m *Manager) pump(s *Session) {
	defer close(s.pumpDone)

	var pending []byte
	var readErr error
	for {
		if s.closed.Load() {
			m.pumpClosed(s)
			return
		}
		if !s.conn.Connected() {
			break
		}

		data, err := s.conn.Receive()
		if s.closed.Load() {
			m.pumpClosed(s)
			return
		}
		if len(data) > 0 {
			var text string
			text, pending = splitUTF8(append(pending, data...))
			if text != "" {
				m.emitSession(s, Event{Type: EventOutput, SessionID: s.ID, Data: text})
			}
		}
		if err != nil {
			readErr = err
			break
		}
		time.Sleep(m.cfg.PollInterval)
	}

	if !s.closed.CompareAndSwap(false, true) {
		m.pumpClosed(s)
		return
	}
	if len(pending) > 0 {
		if text := strings.ToValidUTF8(string(pending), ""); text != "" {
			m.emit(Event{Type: EventOutput, SessionID: s.ID, Data: text})
		}
	}
	m.removeIfCurrent(s)
	s.setState(SessionClosed)
	s.conn.Close()

	if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, ErrNotConnected) {
		log.Printf("[session-mgr] session %s read failed: %v", logutil.SanitizeForLog(s.ID), readErr)
	}
	log.Printf("[session-mgr] session %s disconnected", logutil.SanitizeForLog(s.ID))
	m.emit(Event{Type: EventDisconnected, SessionID: s.ID})
}

// pumpClosed finishes a pump whose session was closed by the registry. Buffered
// output is dropped.
func (m *Manager) pumpClosed(s *Session) {
	<-s.released
	if s.quiet.Load() {
		return
	}
	log.Printf("[session-mgr] session %s disconnected", logutil.SanitizeForLog(s.ID))
	m.emit(Event{Type: EventDisconnected, SessionID: s.ID})
}

// splitUTF8 returns the longest prefix of b that does not end inside a
// multi-byte sequence, with invalid bytes dropped, plus the incomplete tail
// to carry into the next read.
func splitUTF8(b []byte) (string, []byte) {
	cut := len(b)
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				cut = i
			}
			break
		}
	}
	var rest []byte
	if cut < len(b) {
		rest = append([]byte(nil), b[cut:]...)
	}
	return strings.ToValidUTF8(string(b[:cut]), ""), rest
}
