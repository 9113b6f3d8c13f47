package ws

import "sync"

// Identity is what a customer told us before any session existed.
type Identity struct {
	CustomerName  *string
	CustomerEmail *string
}

// PendingIdentities holds identity for connections not yet bound to a session.
type PendingIdentities struct {
	mu      sync.Mutex
	entries map[string]Identity
}

func NewPendingIdentities() *PendingIdentities {
	return &PendingIdentities{entries: make(map[string]Identity)}
}

// Remember stores identity for conn. Nil fields keep an earlier value.
func (p *PendingIdentities) Remember(conn Subscriber, customerName, customerEmail *string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.entries[conn.ID()]
	if customerName != nil {
		id.CustomerName = customerName
	}
	if customerEmail != nil {
		id.CustomerEmail = customerEmail
	}
	p.entries[conn.ID()] = id
}

func (p *PendingIdentities) Recall(conn Subscriber) (Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.entries[conn.ID()]
	return id, ok
}

func (p *PendingIdentities) Forget(conn Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, conn.ID())
}

func (p *PendingIdentities) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
