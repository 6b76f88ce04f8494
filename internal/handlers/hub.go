package handlers

import (
	"sort"
	"sync"

	"github.com/gluk-w/webterm/internal/sshterminal"
)

// Clients tracks every live gateway connection for the HTTP API.
var Clients = NewHub()

// Hub is the set of connected terminal clients. Each client owns its own
// session registry; the hub only aggregates them for listings.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*termClient
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*termClient)}
}

func (h *Hub) add(c *termClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) remove(c *termClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
}

func (h *Hub) snapshot() []*termClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := make([]*termClient, 0, len(h.clients))
	for _, c := range h.clients {
		list = append(list, c)
	}
	return list
}

// ClientCount returns the number of connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SessionCount returns the number of live sessions across all clients.
func (h *Hub) SessionCount() int {
	n := 0
	for _, c := range h.snapshot() {
		n += c.mgr.Count()
	}
	return n
}

// ClientSession is a session listing entry tagged with its owning client.
type ClientSession struct {
	ClientID string `json:"client_id"`
	SourceIP string `json:"source_ip"`
	sshterminal.SessionInfo
}

// Sessions lists live sessions of every client, oldest first.
func (h *Hub) Sessions() []ClientSession {
	var list []ClientSession
	for _, c := range h.snapshot() {
		for _, info := range c.mgr.Sessions() {
			list = append(list, ClientSession{ClientID: c.id, SourceIP: c.sourceIP, SessionInfo: info})
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Find returns the session registered under sessionID. Session IDs are
// chosen by clients, so clientID narrows the search when it is set;
// otherwise the oldest match wins.
func (h *Hub) Find(clientID, sessionID string) *sshterminal.Session {
	var found *sshterminal.Session
	for _, c := range h.snapshot() {
		if clientID != "" && c.id != clientID {
			continue
		}
		s := c.mgr.Get(sessionID)
		if s != nil && (found == nil || s.CreatedAt.Before(found.CreatedAt)) {
			found = s
		}
	}
	return found
}
