package trust

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbtps/btps-node-sub001/blog"
)

func TestIDIsOrderSensitiveAndDeterministic(t *testing.T) {
	a := ID("alice$a.com", "bob$b.com")
	b := ID("alice$a.com", "bob$b.com")
	c := ID("bob$b.com", "alice$a.com")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestRecordIsActive(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	assert.True(t, Record{Status: StatusAccepted}.IsActive(now))
	assert.True(t, Record{Status: StatusAccepted, ExpiresAt: &future}.IsActive(now))
	assert.False(t, Record{Status: StatusAccepted, ExpiresAt: &past}.IsActive(now))
	assert.False(t, Record{Status: StatusPending}.IsActive(now))
}

func TestMemoryStoreCRUD(t *testing.T) {
	clk := clock.NewFake()
	store := NewMemoryStore(clk)

	id := ID("alice$a.com", "bob$b.com")
	rec := Record{SenderID: "alice$a.com", ReceiverID: "bob$b.com", Status: StatusPending}
	created, err := store.Create(id, rec)
	require.NoError(t, err)
	assert.Equal(t, id, created.ID)

	_, err = store.Create(id, rec)
	assert.Error(t, err)

	got, err := store.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	accepted := StatusAccepted
	decider := "bob$b.com"
	updated, err := store.Update(id, Patch{Status: &accepted, DecidedBy: &decider})
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, updated.Status)
	assert.Equal(t, "bob$b.com", updated.DecidedBy)

	all, err := store.GetAll("bob$b.com")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.Delete(id))
	_, err = store.GetByID(id)
	assert.Error(t, err)
}

func TestMemoryStoreUpdateAppendsKeyHistory(t *testing.T) {
	clk := clock.NewFake()
	store := NewMemoryStore(clk)
	id := ID("alice$a.com", "bob$b.com")
	_, err := store.Create(id, Record{SenderID: "alice$a.com", ReceiverID: "bob$b.com", Status: StatusAccepted, PublicKeyFingerprint: "fp1"})
	require.NoError(t, err)

	newFP := "fp2"
	updated, err := store.Update(id, Patch{
		PublicKeyFingerprint: &newFP,
		AppendKeyHistory:     &KeyHistoryEntry{Fingerprint: "fp1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "fp2", updated.PublicKeyFingerprint)
	require.Len(t, updated.KeyHistory, 1)
	assert.Equal(t, "fp1", updated.KeyHistory[0].Fingerprint)
}

func TestJSONStoreFlushesSynchronouslyAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trust.json")
	log := blog.NewDevelopment()
	clk := clock.NewFake()

	store, err := NewJSONStore(path, clk, log, 0)
	require.NoError(t, err)

	id := ID("alice$a.com", "bob$b.com")
	_, err = store.Create(id, Record{SenderID: "alice$a.com", ReceiverID: "bob$b.com", Status: StatusPending})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), id)

	reopened, err := NewJSONStore(path, clk, log, 0)
	require.NoError(t, err)
	got, err := reopened.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestJSONStoreCreateDuplicateFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trust.json")
	store, err := NewJSONStore(path, clock.NewFake(), blog.NewDevelopment(), 0)
	require.NoError(t, err)

	id := ID("alice$a.com", "bob$b.com")
	rec := Record{SenderID: "alice$a.com", ReceiverID: "bob$b.com", Status: StatusPending}
	_, err = store.Create(id, rec)
	require.NoError(t, err)
	_, err = store.Create(id, rec)
	assert.Error(t, err)
}
