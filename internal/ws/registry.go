package ws

import (
	"sync"
)

// Subscriber is a live connection that can receive broadcast payloads.
// Send reports false when the connection is no longer open.
type Subscriber interface {
	ID() string
	Send(payload []byte) bool
}

type closer interface {
	Close()
}

// Registry maps session ids to the connections subscribed to them and keeps
// every live connection, joined or not, so shutdown can reach all of them. It
// is in-process only; a restart loses it and clients rejoin.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Subscriber
	live     map[string]Subscriber
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]map[string]Subscriber),
		live:     make(map[string]Subscriber),
	}
}

// Attach records a connection as live from upgrade until Detach.
func (r *Registry) Attach(conn Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[conn.ID()] = conn
}

func (r *Registry) Detach(conn Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, conn.ID())
}

// Subscribe adds conn to the session's set, creating the set if needed.
func (r *Registry) Subscribe(sessionID string, conn Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.sessions[sessionID]
	if !ok {
		subs = make(map[string]Subscriber)
		r.sessions[sessionID] = subs
	}
	subs[conn.ID()] = conn
}

// Unsubscribe removes conn and drops the session entry once it is empty.
func (r *Registry) Unsubscribe(sessionID string, conn Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.sessions[sessionID]; ok {
		delete(subs, conn.ID())
		if len(subs) == 0 {
			delete(r.sessions, sessionID)
		}
	}
}

// Broadcast sends payload to every open subscriber of the session and
// returns how many accepted it. Closed connections are skipped.
func (r *Registry) Broadcast(sessionID string, payload []byte) int {
	return r.BroadcastExcept(sessionID, payload, nil)
}

// BroadcastExcept is Broadcast without the excluded connection.
func (r *Registry) BroadcastExcept(sessionID string, payload []byte, except Subscriber) int {
	delivered := 0
	for _, sub := range r.snapshot(sessionID) {
		if except != nil && sub.ID() == except.ID() {
			continue
		}
		if sub.Send(payload) {
			delivered++
		}
	}
	return delivered
}

// Count returns the number of connections subscribed to a session.
func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

// Len returns the number of sessions with at least one subscriber.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every live connection, subscribed or still unjoined. Used
// at shutdown; the connections detach themselves as their read loops exit.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	all := make(map[string]Subscriber, len(r.live))
	for id, sub := range r.live {
		all[id] = sub
	}
	for _, set := range r.sessions {
		for id, sub := range set {
			all[id] = sub
		}
	}
	r.mu.RUnlock()

	subs := make([]Subscriber, 0, len(all))
	for _, sub := range all {
		subs = append(subs, sub)
	}

	for _, sub := range subs {
		if c, ok := sub.(closer); ok {
			c.Close()
		}
	}
}

func (r *Registry) snapshot(sessionID string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.sessions[sessionID]
	out := make([]Subscriber, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub)
	}
	return out
}
