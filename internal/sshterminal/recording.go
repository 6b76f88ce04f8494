package sshterminal

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"
)

// RecordingEntry is one timestamped chunk of terminal I/O.
type RecordingEntry struct {
	// Elapsed is the time since session start in seconds.
	Elapsed float64 `json:"elapsed"`
	// Type is "o" for output, "i" for input.
	Type string `json:"type"`
	Data string `json:"data"`
}

// RecordingHeader describes the recorded session.
type RecordingHeader struct {
	SessionID string    `json:"session_id"`
	Protocol  Protocol  `json:"protocol"`
	Host      string    `json:"host"`
	Cols      int       `json:"width"`
	Rows      int       `json:"height"`
	StartedAt time.Time `json:"started_at"`
}

// SessionRecording captures terminal I/O of one session. It is safe for
// concurrent use; the pump records output while command handlers record
// input.
type SessionRecording struct {
	mu         sync.Mutex
	header     RecordingHeader
	entries    []RecordingEntry
	maxEntries int
	dropped    int
}

// NewSessionRecording creates an empty recording. maxEntries <= 0 means
// unbounded.
func NewSessionRecording(header RecordingHeader, maxEntries int) *SessionRecording {
	if header.StartedAt.IsZero() {
		header.StartedAt = time.Now()
	}
	return &SessionRecording{header: header, maxEntries: maxEntries}
}

func (sr *SessionRecording) RecordOutput(data string) { sr.record("o", data) }

func (sr *SessionRecording) RecordInput(data []byte) { sr.record("i", string(data)) }

func (sr *SessionRecording) record(kind, data string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.maxEntries > 0 && len(sr.entries) >= sr.maxEntries {
		sr.dropped++
		return
	}
	sr.entries = append(sr.entries, RecordingEntry{
		Elapsed: time.Since(sr.header.StartedAt).Seconds(),
		Type:    kind,
		Data:    data,
	})
}

// Entries returns a copy of all recorded entries.
func (sr *SessionRecording) Entries() []RecordingEntry {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	result := make([]RecordingEntry, len(sr.entries))
	copy(result, sr.entries)
	return result
}

// Dropped returns how many entries were discarded after reaching capacity.
func (sr *SessionRecording) Dropped() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.dropped
}

// ExportJSON returns the header and entries as a single JSON document.
func (sr *SessionRecording) ExportJSON() ([]byte, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return json.Marshal(struct {
		RecordingHeader
		Dropped int              `json:"dropped"`
		Entries []RecordingEntry `json:"entries"`
	}{sr.header, sr.dropped, sr.entries})
}

// ExportAsciicast renders the recording in asciicast v2 format: a header
// object followed by one [elapsed, type, data] array per line.
func (sr *SessionRecording) ExportAsciicast() ([]byte, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	header := map[string]any{
		"version":   2,
		"width":     sr.header.Cols,
		"height":    sr.header.Rows,
		"timestamp": sr.header.StartedAt.Unix(),
		"title":     sr.header.SessionID,
	}
	if err := enc.Encode(header); err != nil {
		return nil, err
	}
	for _, e := range sr.entries {
		if err := enc.Encode([]any{e.Elapsed, e.Type, e.Data}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
