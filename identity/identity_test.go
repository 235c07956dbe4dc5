package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIdentity(t *testing.T) {
	id, err := Parse("alice$a.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, "a.com", id.Domain)
	assert.Equal(t, "btps1._btp.alice.a.com", id.KeyRecordName("btps1"))
	assert.Equal(t, "_btps.a.com", id.HostRecordName())
}

func TestParseIdentityRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"alice", "alice@a.com", "alice$a", "$a.com"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseHostRecord(t *testing.T) {
	rec, ok, err := ParseHostRecord("v=BTP1; u=btps://inbox.b.com:3443; s=btps1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "inbox.b.com", rec.Host)
	assert.Equal(t, 3443, rec.Port)
	assert.Equal(t, "btps1", rec.CurrentSelector)
}

func TestParseHostRecordIgnoresUnknownVersion(t *testing.T) {
	_, ok, err := ParseHostRecord("v=BTP2; u=btps://inbox.b.com:3443")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseKeyRecordRejectsUnknownKeyType(t *testing.T) {
	_, _, err := ParseKeyRecord("v=BTP1; k=dsa; p=AAAA")
	assert.Error(t, err)
}
