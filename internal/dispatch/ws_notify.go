package dispatch

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/mobility-sync/internal/broadcast"
	"github.com/example/mobility-sync/internal/models"
)

// WSSession is one connected browser context.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds live websocket sessions keyed by user id. It serves
// double duty: targeted notifications (Notify) and relaying broadcast
// events out to connected clients (Relay), which is how a browser peer
// rides the same fan-out as in-process peers.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[userID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, userID)
}

func (r *WSRegistry) Notify(userID string, n models.Notification) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(n); err != nil {
		log.Printf("ws send error: %v", err)
		return err
	}
	return nil
}

// Relay pushes a broadcast event to every connected session except the
// sender's own.
func (r *WSRegistry) Relay(ev broadcast.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, s := range r.sessions {
		if id == ev.SenderID {
			continue
		}
		if err := s.send(ev); err != nil {
			log.Printf("ws relay error for %s: %v", id, err)
		}
	}
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
