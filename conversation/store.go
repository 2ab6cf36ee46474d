package conversation

import "sync"

// Key scopes a wizard to one identity on one channel.
type Key struct {
	Channel    string
	IdentityID string
}

// session is one live wizard with its retry budget.
type session struct {
	wizard wizard
	tries  int
}

// Store holds live wizard sessions. State is transient: it lives for the
// duration of a flow and is cleared on completion, reset or interruption.
type Store interface {
	Get(key Key) (*session, bool)
	Put(key Key, s *session)
	Clear(key Key)
}

// MemoryStore is the Store used in-process, scoped to the service instance
// rather than shared globally.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[Key]*session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[Key]*session)}
}

func (m *MemoryStore) Get(key Key) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

func (m *MemoryStore) Put(key Key, s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[key] = s
}

func (m *MemoryStore) Clear(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
}
