package token

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbtps/btps-node-sub001/blog"
)

func TestMemoryStoreStoreGetRemove(t *testing.T) {
	store := NewMemoryStore()
	rec := Record{
		Token:        "tok1",
		Holder:       "btps_ag_1",
		UserIdentity: "alice$a.com",
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	require.NoError(t, store.Store(rec))

	got, err := store.Get("btps_ag_1", "tok1")
	require.NoError(t, err)
	assert.Equal(t, "alice$a.com", got.UserIdentity)

	require.NoError(t, store.Remove("btps_ag_1", "tok1"))
	_, err = store.Get("btps_ag_1", "tok1")
	assert.Error(t, err)
}

func TestMemoryStoreGetRejectsExpired(t *testing.T) {
	store := NewMemoryStore()
	rec := Record{Token: "tok1", Holder: "btps_ag_1", UserIdentity: "alice$a.com", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, store.Store(rec))
	_, err := store.Get("btps_ag_1", "tok1")
	assert.Error(t, err)
}

func TestMemoryStoreCleanupRemovesOnlyExpired(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	require.NoError(t, store.Store(Record{Token: "a", Holder: "h1", UserIdentity: "alice$a.com", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, store.Store(Record{Token: "b", Holder: "h1", UserIdentity: "alice$a.com", ExpiresAt: now.Add(time.Hour)}))

	removed, err := store.Cleanup(now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Get("h1", "b")
	assert.NoError(t, err)
}

func TestMemoryStoreByUserIndexAndRevoke(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	require.NoError(t, store.Store(Record{Token: "a", Holder: "h1", UserIdentity: "alice$a.com", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, store.Store(Record{Token: "b", Holder: "h2", UserIdentity: "alice$a.com", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, store.Store(Record{Token: "c", Holder: "h3", UserIdentity: "bob$b.com", ExpiresAt: now.Add(time.Hour)}))

	toks, err := store.GetTokensByUser("alice$a.com")
	require.NoError(t, err)
	assert.Len(t, toks, 2)

	removed, err := store.RevokeAllForUser("alice$a.com")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	toks, err = store.GetTokensByUser("alice$a.com")
	require.NoError(t, err)
	assert.Len(t, toks, 0)
}

func TestJSONStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.json")
	log := blog.NewDevelopment()

	store, err := NewJSONStore(path, log, 0)
	require.NoError(t, err)
	require.NoError(t, store.Store(Record{Token: "tok1", Holder: "btps_ag_1", UserIdentity: "alice$a.com", ExpiresAt: time.Now().Add(time.Hour)}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "tok1")

	reopened, err := NewJSONStore(path, log, 0)
	require.NoError(t, err)
	got, err := reopened.Get("btps_ag_1", "tok1")
	require.NoError(t, err)
	assert.Equal(t, "alice$a.com", got.UserIdentity)
}

func TestSweeperRunsCleanupOnSchedule(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Store(Record{Token: "a", Holder: "h1", UserIdentity: "alice$a.com", ExpiresAt: time.Now().Add(-time.Minute)}))

	sweeper, err := NewSweeper(store, blog.NewDevelopment(), "@every 50ms")
	require.NoError(t, err)
	sweeper.Start()
	defer sweeper.Stop()

	time.Sleep(150 * time.Millisecond)
	_, err = store.Get("h1", "a")
	assert.Error(t, err)
}
