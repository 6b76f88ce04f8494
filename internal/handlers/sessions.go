package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ListSessions returns the live terminal sessions of all gateway clients.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := Clients.Sessions()
	if sessions == nil {
		sessions = []ClientSession{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
	})
}

// GetSessionRecording exports the recording of a live session.
//
// Query parameters:
//
//	client_id - owning gateway client, when several clients use the same session ID
//	format    - "json" (default) or "asciicast"
func GetSessionRecording(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	s := Clients.Find(r.URL.Query().Get("client_id"), sessionID)
	if s == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if s.Recording == nil {
		writeError(w, http.StatusNotFound, "Recording is not enabled for this session")
		return
	}

	var (
		data        []byte
		err         error
		contentType string
		ext         string
	)
	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		data, err = s.Recording.ExportJSON()
		contentType, ext = "application/json", "json"
	case "asciicast":
		data, err = s.Recording.ExportAsciicast()
		contentType, ext = "application/x-asciicast", "cast"
	default:
		writeError(w, http.StatusBadRequest, "Invalid format (use json or asciicast)")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to export recording")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="recording-%s.%s"`, uuid.NewString(), ext))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
