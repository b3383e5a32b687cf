// Package memory holds the process-wide conversational state: one bounded
// ring of completed turns per session. The store is created when the service
// starts and discarded when it stops; nothing is persisted across restarts.
package memory

import (
	"sync"

	"voiceagent/core"
)

// Store maps session identifiers to bounded conversation histories. Reads
// and appends for different sessions never block one another; operations on
// the same session are serialized so turn order stays exactly append order.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*history
}

// history is a fixed-capacity ring of turns, oldest overwritten first.
// Capacity is fixed when the session is first seen.
type history struct {
	mu    sync.Mutex
	turns []core.Turn
	head  int
	count int
}

// NewStore creates an empty session table.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*history)}
}

// Read returns up to maxTurns most recent turns for the session, oldest
// first. Unknown sessions yield an empty slice. The returned slice is a
// copy; callers cannot mutate stored history through it.
func (s *Store) Read(sessionID string, maxTurns int) []core.Turn {
	s.mu.RLock()
	h := s.sessions[sessionID]
	s.mu.RUnlock()

	if h == nil || maxTurns <= 0 {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.count
	if maxTurns < n {
		n = maxTurns
	}
	out := make([]core.Turn, n)
	for i := 0; i < n; i++ {
		idx := (h.head + h.count - n + i) % len(h.turns)
		out[i] = h.turns[idx]
	}
	return out
}

// Append records one completed turn for the session, creating its history
// with capacity maxTurns on first use and evicting the oldest turn once the
// bound is reached.
func (s *Store) Append(sessionID, userText, assistantText string, maxTurns int) {
	if maxTurns <= 0 {
		return
	}

	s.mu.RLock()
	h := s.sessions[sessionID]
	s.mu.RUnlock()

	if h == nil {
		s.mu.Lock()
		h = s.sessions[sessionID]
		if h == nil {
			h = &history{turns: make([]core.Turn, maxTurns)}
			s.sessions[sessionID] = h
		}
		s.mu.Unlock()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	turn := core.Turn{User: userText, Assistant: assistantText}
	if h.count == len(h.turns) {
		h.turns[h.head] = turn
		h.head = (h.head + 1) % len(h.turns)
		return
	}
	h.turns[(h.head+h.count)%len(h.turns)] = turn
	h.count++
}

// Sessions returns the number of sessions seen so far.
func (s *Store) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
