// Package sshterminal manages interactive terminal sessions against remote
// hosts reached over SSH or raw Telnet.
//
// # Core Components
//
//   - [Conn]: a live remote shell. [SSHConn] wraps golang.org/x/crypto/ssh
//     with an xterm PTY; [TelnetConn] is a plain TCP socket with no option
//     negotiation.
//   - [Manager]: the session registry of one client connection. It maps
//     client-chosen session IDs to [Session] values and dispatches
//     open/input/resize/close/upload commands.
//   - The session pump: one goroutine per active session, the only reader of
//     its Conn, forwarding output as [EventOutput] events.
//   - [SessionRecording]: optional timestamped I/O capture, exportable as JSON
//     or asciicast v2.
//   - [RateLimiter]: token bucket used by the WebSocket gateway.
//
// # Session Lifecycle
//
//  1. [Manager.Open] closes any session already using the ID, installs the
//     new one as [SessionConnecting] and connects synchronously. No lock is
//     held while connecting. Closing a connecting session cancels the
//     connect and Open returns [ErrSessionAbandoned].
//
//  2. On success the session becomes [SessionActive], [EventConnected] is
//     emitted and the pump starts. On failure [EventError] carries the
//     [ConnectError] message and the entry is removed.
//
//  3. [Manager.Close] removes the entry, closes the connection and emits
//     [EventClosed]. The pump then exits with a single [EventDisconnected]
//     and no further output.
//
//  4. If the remote end goes away the pump removes its own entry and emits
//     [EventDisconnected] exactly once.
//
// Replacing a session and [Manager.CloseAll] tear sessions down silently.
//
// # Polling
//
// Receive is bounded by the receive timeout (100ms by default) and returns
// nil data when nothing arrived. The pump sleeps the poll interval (10ms)
// between receives, so a close or disconnect is observed within one
// receive timeout plus one poll interval.
//
// # Uploads
//
// [Manager.Upload] writes a base64 payload to a file under the upload
// directory using github.com/pkg/sftp over the session's SSH client. Results
// are reported as terminal output lines; upload failures never affect the
// shell.
//
// # Log Prefixes
//
// Registry and pump operations log at the [session-mgr] prefix. Connection
// teardown logs at [sshterminal].
package sshterminal
