package sshterminal

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/gluk-w/webterm/internal/logutil"
	"github.com/pkg/sftp"
)

// DefaultUploadDir is the remote directory uploads land in.
const DefaultUploadDir = "/tmp"

var (
	ErrUploadIncomplete   = errors.New("incomplete upload request")
	ErrSessionNotFound    = errors.New("terminal session not found")
	ErrUploadNotSSH       = fmt.Errorf("file upload is only supported over SSH: %w", ErrUnsupported)
	ErrUploadNotConnected = fmt.Errorf("SSH connection is not established: %w", ErrNotConnected)
)

// PayloadError reports an undecodable upload payload or unusable filename.
type PayloadError struct {
	Reason string
	Err    error
}

func (e *PayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid upload payload: %s: %v", e.Reason, e.Err)
	}
	return "invalid upload payload: " + e.Reason
}

func (e *PayloadError) Unwrap() error { return e.Err }

// UploadRequest is a single-file upload into the session's remote host.
type UploadRequest struct {
	SessionID string
	Filename  string
	// Payload is base64, optionally prefixed with a data-URI header.
	Payload string
	// Size is the client-declared size. It is advisory and never checked.
	Size int64
}

// UploadResult describes an upload. Path is set once the destination was
// chosen, including when the transfer itself failed.
type UploadResult struct {
	Path  string
	Bytes int
}

// Upload writes req's payload to UploadDir/<basename> over SFTP on the
// session's SSH connection. Every outcome, success or failure, is reported
// to the client as one terminal_output line; the session and its pump are
// never affected by a failed upload.
func (m *Manager) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	var s *Session
	report := func(line string) {
		e := Event{Type: EventOutput, SessionID: req.SessionID, Data: "\r\n" + line + "\r\n"}
		if s != nil {
			m.emitSession(s, e)
			return
		}
		m.emit(e)
	}
	fail := func(err error) (UploadResult, error) {
		report("Error: " + err.Error())
		return UploadResult{}, err
	}

	if req.SessionID == "" || req.Filename == "" || req.Payload == "" {
		return fail(ErrUploadIncomplete)
	}
	if s = m.Get(req.SessionID); s == nil {
		return fail(ErrSessionNotFound)
	}
	up, ok := s.conn.(Uploader)
	if !ok || s.Protocol() != ProtocolSSH {
		return fail(ErrUploadNotSSH)
	}
	if !s.Connected() {
		return fail(ErrUploadNotConnected)
	}

	remotePath, err := uploadPath(m.cfg.UploadDir, req.Filename)
	if err != nil {
		return fail(err)
	}
	data, err := decodePayload(req.Payload)
	if err != nil {
		return fail(err)
	}

	if err := up.Upload(ctx, remotePath, data); err != nil {
		log.Printf("[session-mgr] session %s upload to %s failed: %v",
			logutil.SanitizeForLog(req.SessionID), logutil.SanitizeForLog(remotePath), err)
		report("Upload failed: " + err.Error())
		return UploadResult{Path: remotePath}, err
	}

	log.Printf("[session-mgr] session %s uploaded %s (%d bytes)",
		logutil.SanitizeForLog(req.SessionID), logutil.SanitizeForLog(remotePath), len(data))
	report(fmt.Sprintf("Uploaded %s (%d bytes)", remotePath, len(data)))
	return UploadResult{Path: remotePath, Bytes: len(data)}, nil
}

// uploadPath confines filename to dir by keeping only its base name.
func uploadPath(dir, filename string) (string, error) {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	switch base {
	case "", ".", "..", "/":
		return "", &PayloadError{Reason: fmt.Sprintf("unusable filename %q", filename)}
	}
	return path.Join(dir, base), nil
}

// decodePayload strips an optional data-URI header and decodes base64,
// accepting padded and unpadded input.
func decodePayload(payload string) ([]byte, error) {
	if i := strings.IndexByte(payload, ','); i >= 0 {
		payload = payload[i+1:]
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, &PayloadError{Reason: "empty payload"}
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		var rawErr error
		if data, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); rawErr != nil {
			return nil, &PayloadError{Reason: "base64 decode", Err: err}
		}
	}
	return data, nil
}

// Upload writes data to remotePath through an SFTP client opened on the
// same SSH connection as the shell.
func (c *SSHConn) Upload(ctx context.Context, remotePath string, data []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return fmt.Errorf("open sftp session: %w", err)
	}
	defer client.Close()
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	f, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", remotePath, err)
	}
	return nil
}
