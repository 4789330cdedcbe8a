package session

import (
	"fmt"
	"sync"
)

// Store is the Session Store (§4.9): two dictionaries, sid -> session
// and stream_id -> sid, all mutations serialized by one mutex. Modeled
// on pkg/realtimeapi/server.go's session-by-id store.
type Store struct {
	mu           sync.Mutex
	bySocketID   map[string]*Session
	sidByStream  map[string]string
}

// NewStore creates an empty Session Store.
func NewStore() *Store {
	return &Store{
		bySocketID:  make(map[string]*Session),
		sidByStream: make(map[string]string),
	}
}

// Create inserts a new session. It is idempotent per (socketID, streamID)
// in the sense required by stream:init (§4.10): a second create for the
// same socket before deletion is rejected.
func (st *Store) Create(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.bySocketID[s.SocketID]; exists {
		return fmt.Errorf("session already exists for socket %s", s.SocketID)
	}
	st.bySocketID[s.SocketID] = s
	st.sidByStream[s.StreamID] = s.SocketID
	return nil
}

// GetBySocketID looks up a session by socket id.
func (st *Store) GetBySocketID(socketID string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.bySocketID[socketID]
	return s, ok
}

// GetByStreamID looks up a session by stream id.
func (st *Store) GetByStreamID(streamID string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sid, ok := st.sidByStream[streamID]
	if !ok {
		return nil, false
	}
	s, ok := st.bySocketID[sid]
	return s, ok
}

// Delete removes a session by socket id. Completed is terminal: the
// session is deleted from the store (§4.9). It is also used on socket
// disconnect (§4.10).
func (st *Store) Delete(socketID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.bySocketID[socketID]
	if !ok {
		return
	}
	delete(st.sidByStream, s.StreamID)
	delete(st.bySocketID, socketID)
}

// List returns a snapshot of all active sessions.
func (st *Store) List() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*Session, 0, len(st.bySocketID))
	for _, s := range st.bySocketID {
		out = append(out, s)
	}
	return out
}

// Count returns the number of active sessions.
func (st *Store) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.bySocketID)
}
