package token

import (
	"sync"
	"time"

	"github.com/openbtps/btps-node-sub001/berrors"
)

// MemoryStore is an in-process reference Store. Safe for concurrent
// use; loses all tokens on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	primary   map[string]Record            // holder\x00token -> Record
	byUser    map[string]map[string]struct{} // userIdentity -> set of primary keys
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		primary: make(map[string]Record),
		byUser:  make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) Store(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := primaryKey(rec.Holder, rec.Token)
	m.primary[key] = rec
	if m.byUser[rec.UserIdentity] == nil {
		m.byUser[rec.UserIdentity] = make(map[string]struct{})
	}
	m.byUser[rec.UserIdentity][key] = struct{}{}
	return nil
}

func (m *MemoryStore) Get(holder, tok string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.primary[primaryKey(holder, tok)]
	if !ok {
		return Record{}, berrors.AuthenticationInvalidError("token not found")
	}
	if rec.Expired(time.Now()) {
		return Record{}, berrors.AuthenticationInvalidError("token expired")
	}
	return rec, nil
}

func (m *MemoryStore) Remove(holder, tok string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := primaryKey(holder, tok)
	m.removeLocked(key)
	return nil
}

// removeLocked must be called with m.mu held for writing.
func (m *MemoryStore) removeLocked(key string) {
	rec, ok := m.primary[key]
	if !ok {
		return
	}
	delete(m.primary, key)
	if set, ok := m.byUser[rec.UserIdentity]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(m.byUser, rec.UserIdentity)
		}
	}
}

func (m *MemoryStore) Cleanup(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int
	for key, rec := range m.primary {
		if rec.Expired(now) {
			m.removeLocked(key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) GetTokensByUser(userIdentity string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	out := make([]Record, 0, len(m.byUser[userIdentity]))
	for key := range m.byUser[userIdentity] {
		if rec, ok := m.primary[key]; ok && !rec.Expired(now) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryStore) RevokeAllForUser(userIdentity string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.byUser[userIdentity]))
	for key := range m.byUser[userIdentity] {
		keys = append(keys, key)
	}
	for _, key := range keys {
		m.removeLocked(key)
	}
	return len(keys), nil
}
