package session

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-memory session store used in single-instance
// deployments and tests.
type MemoryStore struct {
	byToken  map[string]*Session
	byWallet map[string]string // wallet → token of the active session
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byToken:  make(map[string]*Session),
		byWallet: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet := strings.ToLower(s.WalletAddress)
	if token, ok := m.byWallet[wallet]; ok {
		if existing := m.byToken[token]; existing != nil && existing.Status == StatusActive {
			return ErrActiveSessionExists
		}
	}

	m.byToken[s.Token] = s
	m.byWallet[wallet] = s.Token
	return nil
}

func (m *MemoryStore) GetByToken(_ context.Context, token string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.byToken[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := copySession(s)
	return cp, nil
}

func (m *MemoryStore) GetActiveByWallet(_ context.Context, wallet string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	token, ok := m.byWallet[strings.ToLower(wallet)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s, ok := m.byToken[token]
	if !ok || s.Status != StatusActive {
		return nil, ErrSessionNotFound
	}
	cp := copySession(s)
	return cp, nil
}

func (m *MemoryStore) Update(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byToken[s.Token]; !ok {
		return ErrSessionNotFound
	}
	m.byToken[s.Token] = copySession(s)

	// A terminal session frees the wallet for a new one.
	if s.IsTerminal() {
		wallet := strings.ToLower(s.WalletAddress)
		if m.byWallet[wallet] == s.Token {
			delete(m.byWallet, wallet)
		}
	}
	return nil
}

func (m *MemoryStore) AppendUsage(_ context.Context, sessionID string, e UsageEntry, newTotal int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.byToken {
		if s.ID == sessionID {
			s.Usage = append(s.Usage, e)
			s.TotalCostCents = newTotal
			s.LastActivityAt = at
			return nil
		}
	}
	return ErrSessionNotFound
}

func (m *MemoryStore) ListIdle(_ context.Context, idleSince time.Time, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.byToken {
		if s.Status != StatusActive {
			continue
		}
		if s.LastActivityAt.Before(idleSince) {
			result = append(result, copySession(s))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) CountActive(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, s := range m.byToken {
		if s.Status == StatusActive {
			count++
		}
	}
	return count, nil
}

func copySession(s *Session) *Session {
	cp := *s
	cp.Usage = make([]UsageEntry, len(s.Usage))
	copy(cp.Usage, s.Usage)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
