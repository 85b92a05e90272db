package microsoft

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// StateTTL bounds how long a consent round trip may take.
const StateTTL = 10 * time.Minute

// StateStore issues single-use CSRF state values bound to the user that
// started the login.
type StateStore struct {
	mu      sync.Mutex
	pending map[string]pendingState
	ttl     time.Duration
	now     func() time.Time
}

type pendingState struct {
	userID    string
	expiresAt time.Time
}

func NewStateStore(ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = StateTTL
	}
	return &StateStore{
		pending: make(map[string]pendingState),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Issue creates a state value for userID.
func (s *StateStore) Issue(userID string) string {
	b := make([]byte, 16)
	rand.Read(b)
	state := hex.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, p := range s.pending {
		if now.After(p.expiresAt) {
			delete(s.pending, k)
		}
	}
	s.pending[state] = pendingState{userID: userID, expiresAt: now.Add(s.ttl)}
	return state
}

// Consume returns the user bound to state and invalidates it.
func (s *StateStore) Consume(state string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[state]
	if !ok {
		return "", false
	}
	delete(s.pending, state)
	if s.now().After(p.expiresAt) {
		return "", false
	}
	return p.userID, true
}
