package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrDuplicateSession is returned by Create when the session ID is already live.
var ErrDuplicateSession = errors.New("session id is already active")

type sessionEntry struct {
	id        string
	kind      string
	createdAt time.Time
	turns     []Turn
	pending   []AudioChunk
}

// SessionStore is the authoritative in-memory registry of active sessions.
// All mutations go through the store's mutex, so check-then-act sequences
// (Create, DrainAudioChunks) are atomic.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	order    []string
	now      func() time.Time
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*sessionEntry),
		now:      time.Now,
	}
}

// SetNow overrides the store clock. Test hook.
func (s *SessionStore) SetNow(now func() time.Time) {
	if now == nil {
		return
	}
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Create registers a new live session. The existence check and the insert
// happen under one lock hold; a concurrent Create for the same ID cannot slip
// between them.
func (s *SessionStore) Create(id, kind string) (Session, error) {
	if id == "" {
		return Session{}, fmt.Errorf("session id is required")
	}
	if kind != KindVoice && kind != KindChat {
		return Session{}, fmt.Errorf("unsupported session kind %q", kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[id]; exists {
		return Session{}, ErrDuplicateSession
	}
	entry := &sessionEntry{
		id:        id,
		kind:      kind,
		createdAt: s.now(),
		turns:     make([]Turn, 0, 16),
	}
	s.sessions[id] = entry
	s.order = append(s.order, id)
	return entry.snapshot(), nil
}

func (s *SessionStore) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return entry.snapshot(), true
}

func (s *SessionStore) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// Delete removes a session. Idempotent: deleting an absent ID is a no-op.
func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return
	}
	delete(s.sessions, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// ListAll returns a snapshot of every live session in insertion order, for
// observer synchronization on join.
func (s *SessionStore) ListAll() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.order))
	for _, id := range s.order {
		if entry, ok := s.sessions[id]; ok {
			out = append(out, entry.snapshot())
		}
	}
	return out
}

func (s *SessionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// AppendTurn records an utterance against a session. Appending to an absent
// session is a silent no-op; transcript logging must never fail a live call.
// Callers that need to surface an error check Exists first.
func (s *SessionStore) AppendTurn(id string, turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	entry.turns = append(entry.turns, turn)
}

// BufferAudioChunk appends a chunk to the session's pending audio sequence.
func (s *SessionStore) BufferAudioChunk(id string, chunk AudioChunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return false
	}
	entry.pending = append(entry.pending, chunk)
	return true
}

// DrainAudioChunks atomically takes and clears the pending audio sequence,
// sorted by the sender-supplied chunk index. Arrival order is not trusted:
// network reordering is expected and corrected here, before consumers act.
func (s *SessionStore) DrainAudioChunks(id string) []AudioChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok || len(entry.pending) == 0 {
		return nil
	}
	chunks := entry.pending
	entry.pending = nil
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks
}

func (e *sessionEntry) snapshot() Session {
	return Session{
		ID:        e.id,
		Kind:      e.kind,
		CreatedAt: e.createdAt,
		Turns:     cloneTurns(e.turns),
	}
}
