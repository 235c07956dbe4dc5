package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbtps/btps-node-sub001/cryptoprim"
)

var encryptionStub = cryptoprim.EncryptionBlock{
	Algorithm:    cryptoprim.AlgorithmAES256GCM,
	Mode:         cryptoprim.ModeStandardEncrypt,
	EncryptedKey: "x",
	IV:           "y",
}

func TestDetectTransporter(t *testing.T) {
	raw := []byte(`{"version":"1.0","id":"abc","issuedAt":"2026-01-01T00:00:00Z","type":"TRUST_REQ","from":"alice$a.com","to":"bob$b.com","selector":"btps1","signature":{"algorithmHash":"sha256","value":"x","fingerprint":"y"},"document":{"name":"Alice","privacyType":"unencrypted"}}`)
	p, err := Detect(raw)
	require.NoError(t, err)
	assert.Equal(t, VariantTransporter, p.Variant)
	tr := p.Value.(Transporter)
	assert.Equal(t, TrustReq, tr.Type)
}

func TestDetectAgent(t *testing.T) {
	raw := []byte(`{"id":"abc","action":"auth.request","agentId":"btps_ag_1","issuedAt":"2026-01-01T00:00:00Z","signature":{"algorithmHash":"sha256","value":"x","fingerprint":"y"},"document":{"publicKey":"..."}}`)
	p, err := Detect(raw)
	require.NoError(t, err)
	assert.Equal(t, VariantAgent, p.Variant)
}

func TestDetectControl(t *testing.T) {
	raw := []byte(`{"version":"1.0","id":"abc","issuedAt":"2026-01-01T00:00:00Z","action":"PING"}`)
	p, err := Detect(raw)
	require.NoError(t, err)
	assert.Equal(t, VariantControl, p.Variant)
}

func TestDetectIdentityLookup(t *testing.T) {
	raw := []byte(`{"version":"1.0","id":"abc","issuedAt":"2026-01-01T00:00:00Z","identity":"alice$a.com","from":"bob$b.com","hostSelector":"btps1"}`)
	p, err := Detect(raw)
	require.NoError(t, err)
	assert.Equal(t, VariantIdentityLookup, p.Variant)
}

func TestDetectRejectsUnknownShape(t *testing.T) {
	_, err := Detect([]byte(`{"foo":"bar"}`))
	assert.Error(t, err)
}

func TestValidateTransporterRequiresDocumentSchema(t *testing.T) {
	raw := []byte(`{"version":"1.0","id":"abc","issuedAt":"2026-01-01T00:00:00Z","type":"TRUST_REQ","from":"alice$a.com","to":"bob$b.com","selector":"btps1","signature":{"algorithmHash":"sha256","value":"x","fingerprint":"y"},"document":{"name":"","privacyType":"unencrypted"}}`)
	p, err := Detect(raw)
	require.NoError(t, err)
	assert.Error(t, Validate(p))
}

func TestValidateAuthRequestRejectsEncryption(t *testing.T) {
	a := Agent{
		ID:      "abc",
		AgentID: "btps_ag_1",
		Action:  ActionAuthRequest,
		Document: []byte(`{"publicKey":"pem"}`),
	}
	a.Encryption = &encryptionStub
	err := Validate(Parsed{Variant: VariantAgent, Value: a})
	assert.Error(t, err)
}

func TestValidateAgentRequiresDocumentForTrustRequest(t *testing.T) {
	a := Agent{ID: "abc", AgentID: "btps_ag_1", Action: ActionTrustRequest}
	err := Validate(Parsed{Variant: VariantAgent, Value: a})
	assert.Error(t, err)
}

func TestIsImmediateAndRequiresDocument(t *testing.T) {
	assert.True(t, IsImmediate(ActionAuthRequest))
	assert.True(t, IsImmediate(ActionSentboxList))
	assert.True(t, RequiresDocument(ActionTrustRequest))
	assert.False(t, RequiresDocument(ActionSystemPing))
}
