package session

import "context"

// Connection tracks one client connection's ownership: the sessions it
// owns and the trace patterns registered before any session existed for
// their binary.
type Connection struct {
	ID       string
	sessions map[string]struct{}
	// pendingPatterns maps a binary path to trace patterns to apply when a
	// session is next created for it on this connection.
	pendingPatterns map[string][]TracePattern
}

// RegisterConnection creates the connection record for a newly accepted
// client.
func (c *Coordinator) RegisterConnection(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[connID] = &Connection{
		ID:              connID,
		sessions:        make(map[string]struct{}),
		pendingPatterns: make(map[string][]TracePattern),
	}
}

// DropConnection clears a departed client: every owned non-retained
// session is stopped and its state cleared.
func (c *Coordinator) DropConnection(connID string) {
	c.mu.Lock()
	conn, ok := c.conns[connID]
	if ok {
		delete(c.conns, connID)
	}
	var owned []string
	if ok {
		for id := range conn.sessions {
			owned = append(owned, id)
		}
	}
	c.mu.Unlock()

	for _, id := range owned {
		s, err := c.Get(id)
		if err != nil {
			continue
		}
		s.mu.RLock()
		retained := s.retained
		s.mu.RUnlock()
		if retained {
			continue
		}
		if err := c.Stop(context.Background(), id, false); err != nil {
			c.logger.Warn("stop on connection drop failed", "session", id, "error", err)
		}
		c.removeSession(id)
	}
}

// AddPendingPatterns records trace patterns for a binary with no session
// yet; Launch applies them once the session exists.
func (c *Coordinator) AddPendingPatterns(connID, binary string, patterns []TracePattern) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[connID]; ok {
		conn.pendingPatterns[binary] = append(conn.pendingPatterns[binary], patterns...)
	}
}

// TakePendingPatterns removes and returns the patterns registered for a
// binary on this connection.
func (c *Coordinator) TakePendingPatterns(connID, binary string) []TracePattern {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[connID]
	if !ok {
		return nil
	}
	patterns := conn.pendingPatterns[binary]
	delete(conn.pendingPatterns, binary)
	return patterns
}
