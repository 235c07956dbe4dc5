package trust

import (
	"sync"
	"time"

	"github.com/jmhodges/clock"

	"github.com/openbtps/btps-node-sub001/berrors"
)

// MemoryStore is an in-process reference Store, useful for tests and
// for single-node deployments that accept losing trust state on
// restart. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	clk     clock.Clock
}

// NewMemoryStore returns an empty MemoryStore. clk is used only to
// stamp KeyHistoryEntry.LastSeen on rotation; pass clock.New() in
// production and a clock.NewFake() in tests.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), clk: clk}
}

func (m *MemoryStore) GetByID(id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, errNotFound(id)
	}
	return rec, nil
}

func (m *MemoryStore) GetAll(receiverID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if receiverID != "" && rec.ReceiverID != receiverID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryStore) Create(id string, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[id]; exists {
		return Record{}, berrors.TrustAlreadyActiveError("trust record %q already exists", id)
	}
	rec.ID = id
	m.records[id] = rec
	return rec, nil
}

func (m *MemoryStore) Update(id string, patch Patch) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, errNotFound(id)
	}
	applyPatch(&rec, patch, m.clk.Now())
	m.records[id] = rec
	return rec, nil
}

func (m *MemoryStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

// applyPatch merges patch into rec in place, appending to KeyHistory
// rather than replacing it so rotation history is never lost.
func applyPatch(rec *Record, patch Patch, now time.Time) {
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.DecidedBy != nil {
		rec.DecidedBy = *patch.DecidedBy
	}
	if patch.DecidedAt != nil {
		rec.DecidedAt = patch.DecidedAt
	}
	if patch.ExpiresAt != nil {
		rec.ExpiresAt = patch.ExpiresAt
	}
	if patch.AppendKeyHistory != nil {
		entry := *patch.AppendKeyHistory
		if entry.FirstSeen.IsZero() {
			entry.FirstSeen = now
		}
		if entry.LastSeen.IsZero() {
			entry.LastSeen = now
		}
		rec.KeyHistory = append(rec.KeyHistory, entry)
	}
	if patch.PublicKeyBase64 != nil {
		rec.PublicKeyBase64 = *patch.PublicKeyBase64
	}
	if patch.PublicKeyFingerprint != nil {
		rec.PublicKeyFingerprint = *patch.PublicKeyFingerprint
	}
	if patch.Metadata != nil {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			rec.Metadata[k] = v
		}
	}
}
