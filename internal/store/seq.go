package store

import "sync"

// seqGenerator hands out strictly increasing millisecond timestamps per
// session, so two messages stored within the same millisecond still sort in
// append order by created_at.
type seqGenerator struct {
	mu         sync.Mutex
	perSession map[string]int64
}

func newSeqGenerator() *seqGenerator {
	return &seqGenerator{perSession: make(map[string]int64)}
}

func (g *seqGenerator) nextForSession(sessionID string, proposed int64) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if last := g.perSession[sessionID]; proposed <= last {
		proposed = last + 1
	}
	g.perSession[sessionID] = proposed
	return proposed
}

func (g *seqGenerator) observe(sessionID string, ts int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ts > g.perSession[sessionID] {
		g.perSession[sessionID] = ts
	}
}

func (g *seqGenerator) forget(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.perSession, sessionID)
}
