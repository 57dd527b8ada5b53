package events

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrNoSession is returned when the audience has no connected session.
var ErrNoSession = errors.New("events: no session for audience")

// Session is a single connected client. Writes are serialized; gorilla
// connections do not allow concurrent writers.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) send(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

// WSRegistry tracks connected rider and driver sessions by audience ID
// and implements Publisher over them.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*Session)}
}

func (r *WSRegistry) Add(audienceID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[audienceID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[audienceID] = &Session{conn: conn}
}

func (r *WSRegistry) Remove(audienceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[audienceID]; ok {
		_ = s.conn.Close()
		delete(r.sessions, audienceID)
	}
}

func (r *WSRegistry) Publish(audienceID, event string, payload any) error {
	r.mu.RLock()
	s, ok := r.sessions[audienceID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(Envelope{Event: event, Payload: payload})
}
