package cryptoprim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateRSAKeyPair(t *testing.T) (privPEM, pubPEM []byte, priv *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})

	spki, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: spki})

	return privPEM, pubPEM, key
}

func TestCanonicalizeSortsKeysAtEveryDepth(t *testing.T) {
	raw := []byte(`{"b":1,"a":{"d":2,"c":3},"e":[3,1,2]}`)
	out, err := CanonicalizeRaw(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"c":3,"d":2},"b":1,"e":[3,1,2]}`, string(out))
}

func TestCanonicalizeIsIdempotent(t *testing.T) {
	once, err := CanonicalizeRaw([]byte(`{"z":1,"a":2}`))
	require.NoError(t, err)
	twice, err := CanonicalizeRaw(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	privPEM, pubPEM, _ := generateRSAKeyPair(t)
	priv, err := ParsePrivateKey(privPEM)
	require.NoError(t, err)

	payload := []byte(`{"a":1}`)
	sig, err := Sign(payload, priv)
	require.NoError(t, err)
	assert.Equal(t, "sha256", sig.AlgorithmHash)

	assert.NoError(t, Verify(payload, sig, pubPEM))
}

func TestVerifyFailsOnTamperedPayload(t *testing.T) {
	privPEM, pubPEM, _ := generateRSAKeyPair(t)
	priv, err := ParsePrivateKey(privPEM)
	require.NoError(t, err)

	sig, err := Sign([]byte(`{"a":1}`), priv)
	require.NoError(t, err)
	err = Verify([]byte(`{"a":2}`), sig, pubPEM)
	assert.Error(t, err)
}

func TestVerifyFailsOnFingerprintMismatch(t *testing.T) {
	_, pubPEMA, privA := generateRSAKeyPair(t)
	_, pubPEMB, _ := generateRSAKeyPair(t)
	_ = pubPEMA

	privKeyA, err := ParsePrivateKey(pemFromRSA(t, privA))
	require.NoError(t, err)
	sig, err := Sign([]byte(`{"a":1}`), privKeyA)
	require.NoError(t, err)

	err = Verify([]byte(`{"a":1}`), sig, pubPEMB)
	require.Error(t, err)
}

func pemFromRSA(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
}

func TestHybridEncryptDecryptStandard(t *testing.T) {
	_, pubPEM, priv := generateRSAKeyPair(t)
	document := []byte(`{"amount":100}`)

	ct, block, err := Encrypt(document, pubPEM, ModeStandardEncrypt, nil)
	require.NoError(t, err)

	plain, err := DecryptWithKey(ct, block, priv, nil)
	require.NoError(t, err)
	assert.Equal(t, document, plain)
}

func TestHybridEncrypt2FARequiresSecondFactor(t *testing.T) {
	_, pubPEM, priv := generateRSAKeyPair(t)
	document := []byte(`{"amount":100}`)
	secondFactor := []byte("session-bound-secret")

	ct, block, err := Encrypt(document, pubPEM, Mode2FAEncrypt, secondFactor)
	require.NoError(t, err)

	_, err = DecryptWithKey(ct, block, priv, nil)
	assert.Error(t, err)

	plain, err := DecryptWithKey(ct, block, priv, secondFactor)
	require.NoError(t, err)
	assert.Equal(t, document, plain)
}

func TestGenerateAuthTokenLengthAndAlphabet(t *testing.T) {
	tok, err := GenerateAuthToken(12, "")
	require.NoError(t, err)
	assert.Len(t, tok, 12)
	for _, c := range tok {
		assert.Contains(t, defaultAuthTokenAlphabet, string(c))
	}
}

func TestGenerateRefreshTokenIsURLSafe(t *testing.T) {
	tok, err := GenerateRefreshToken(32)
	require.NoError(t, err)
	assert.NotContains(t, tok, "+")
	assert.NotContains(t, tok, "/")
}

func TestGenerateAgentIDFormat(t *testing.T) {
	id := GenerateAgentID()
	assert.Regexp(t, `^btps_ag_[0-9a-f-]{36}$`, id)
}

func TestWithoutFieldsStripsSignature(t *testing.T) {
	type artifact struct {
		ID        string          `json:"id"`
		Signature json.RawMessage `json:"signature"`
	}
	a := artifact{ID: "abc", Signature: json.RawMessage(`{"value":"x"}`)}
	m, err := WithoutFields(a, "signature")
	require.NoError(t, err)
	_, hasSig := m["signature"]
	assert.False(t, hasSig)
	assert.Equal(t, "abc", m["id"])
}
