package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"testing"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbtps/btps-node-sub001/artifact"
	"github.com/openbtps/btps-node-sub001/auth"
	"github.com/openbtps/btps-node-sub001/token"
	"github.com/openbtps/btps-node-sub001/trust"
)

func generatePublicKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func newTestDispatcher(t *testing.T) (*serverDispatcher, *auth.Service) {
	t.Helper()
	clk := clock.NewFake()
	svc := &auth.Service{
		AuthTokens:    token.NewMemoryStore(),
		RefreshTokens: token.NewMemoryStore(),
		TrustStore:    trust.NewMemoryStore(clk),
		Clock:         clk,
	}
	return &serverDispatcher{Auth: svc}, svc
}

func TestDispatchAuthRequestMintsAgent(t *testing.T) {
	d, svc := newTestDispatcher(t)
	require.NoError(t, svc.StoreAuthToken("tok1", "alice$a.com", nil))

	doc, err := json.Marshal(authDocument{AuthToken: "tok1", PublicKey: string(generatePublicKeyPEM(t))})
	require.NoError(t, err)

	res, handled, err := d.Dispatch(context.Background(), artifact.Parsed{Value: artifact.Agent{
		Action:   artifact.ActionAuthRequest,
		To:       "alice$a.com",
		Document: doc,
	}}, "req1")
	require.NoError(t, err)
	assert.True(t, handled)
	assert.True(t, res.Status.OK)

	body, err := json.Marshal(res.Document)
	require.NoError(t, err)
	var parsed struct {
		AgentID      string `json:"agentId"`
		RefreshToken string `json:"refreshToken"`
	}
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.NotEmpty(t, parsed.AgentID)
	assert.NotEmpty(t, parsed.RefreshToken)
}

func TestDispatchAuthRequestRejectsInvalidToken(t *testing.T) {
	d, _ := newTestDispatcher(t)
	doc, err := json.Marshal(authDocument{AuthToken: "bad", PublicKey: string(generatePublicKeyPEM(t))})
	require.NoError(t, err)

	_, handled, err := d.Dispatch(context.Background(), artifact.Parsed{Value: artifact.Agent{
		Action:   artifact.ActionAuthRequest,
		To:       "alice$a.com",
		Document: doc,
	}}, "req1")
	assert.False(t, handled)
	assert.Error(t, err)
}

func TestDispatchAuthRefreshRotatesToken(t *testing.T) {
	d, svc := newTestDispatcher(t)
	require.NoError(t, svc.StoreAuthToken("tok1", "alice$a.com", nil))
	created, err := svc.CreateAgent(auth.CreateAgentRequest{
		UserIdentity: "alice$a.com",
		PublicKeyPEM: generatePublicKeyPEM(t),
		DecidedBy:    "alice$a.com",
	})
	require.NoError(t, err)

	doc, err := json.Marshal(refreshDocument{RefreshToken: created.RefreshToken, PublicKey: string(generatePublicKeyPEM(t))})
	require.NoError(t, err)

	res, handled, err := d.Dispatch(context.Background(), artifact.Parsed{Value: artifact.Agent{
		Action:   artifact.ActionAuthRefresh,
		AgentID:  created.AgentID,
		Document: doc,
	}}, "req2")
	require.NoError(t, err)
	assert.True(t, handled)
	assert.True(t, res.Status.OK)
}

func TestDispatchIgnoresNonAuthActions(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, handled, err := d.Dispatch(context.Background(), artifact.Parsed{Value: artifact.Agent{
		Action: artifact.ActionSystemPing,
	}}, "req3")
	require.NoError(t, err)
	assert.False(t, handled)
}
