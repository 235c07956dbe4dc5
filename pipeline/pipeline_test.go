package pipeline

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
	"github.com/openbtps/btps-node-sub001/berrors"
	"github.com/openbtps/btps-node-sub001/cryptoprim"
	"github.com/openbtps/btps-node-sub001/identity"
	"github.com/openbtps/btps-node-sub001/middleware"
	"github.com/openbtps/btps-node-sub001/response"
	"github.com/openbtps/btps-node-sub001/trust"
)

type fixedResolver struct {
	pem []byte
}

func (f fixedResolver) ResolvePublicKey(ctx context.Context, id identity.Identity, selector string) ([]byte, error) {
	return f.pem, nil
}

func generateRSAPair(t *testing.T) (privPEM, pubPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM
}

func signTransporter(t *testing.T, privPEM []byte, tr artifact.Transporter) artifact.Transporter {
	t.Helper()
	priv, err := cryptoprim.ParsePrivateKey(privPEM)
	require.NoError(t, err)
	stripped, err := cryptoprim.WithoutFields(tr, "signature")
	require.NoError(t, err)
	payload, err := cryptoprim.Canonicalize(stripped)
	require.NoError(t, err)
	sig, err := cryptoprim.Sign(payload, priv)
	require.NoError(t, err)
	tr.Signature = sig
	return tr
}

func TestPipelineHappyTrustHandshake(t *testing.T) {
	privPEM, pubPEM := generateRSAPair(t)
	resolver := fixedResolver{pem: pubPEM}
	store := trust.NewMemoryStore(clock.NewFake())

	p := &Pipeline{Resolver: resolver, TrustStore: store, Clock: clock.NewFake()}

	tr := artifact.Transporter{
		Version:  "1.0",
		ID:       "req1",
		IssuedAt: "2026-01-01T00:00:00Z",
		Type:     artifact.TrustReq,
		From:     "alice$a.com",
		To:       "bob$b.com",
		Selector: "btps1",
		Document: json.RawMessage(`{"name":"Alice","privacyType":"unencrypted"}`),
	}
	tr = signTransporter(t, privPEM, tr)
	raw, err := json.Marshal(tr)
	require.NoError(t, err)

	result := p.Run(context.Background(), raw)
	require.True(t, result.Response.Status.OK)
	assert.Equal(t, StateResponded, result.Transitions[len(result.Transitions)-1].To)

	rec, err := store.GetByID(trust.ID("alice$a.com", "bob$b.com"))
	require.NoError(t, err)
	assert.Equal(t, trust.StatusPending, rec.Status)

	// Repeating the request before it's decided re-requests rather
	// than erroring, since the record isn't active yet.
	tr2 := tr
	tr2.ID = "req2"
	tr2 = signTransporter(t, privPEM, tr2)
	raw2, err := json.Marshal(tr2)
	require.NoError(t, err)
	result2 := p.Run(context.Background(), raw2)
	assert.True(t, result2.Response.Status.OK)
}

func TestPipelineRejectsSecondTrustRequestWhenActive(t *testing.T) {
	privPEM, pubPEM := generateRSAPair(t)
	resolver := fixedResolver{pem: pubPEM}
	store := trust.NewMemoryStore(clock.NewFake())
	p := &Pipeline{Resolver: resolver, TrustStore: store, Clock: clock.NewFake()}

	id := trust.ID("alice$a.com", "bob$b.com")
	_, err := store.Create(id, trust.Record{SenderID: "alice$a.com", ReceiverID: "bob$b.com", Status: trust.StatusAccepted})
	require.NoError(t, err)

	tr := artifact.Transporter{
		Version: "1.0", ID: "req1", IssuedAt: "2026-01-01T00:00:00Z",
		Type: artifact.TrustReq, From: "alice$a.com", To: "bob$b.com", Selector: "btps1",
		Document: json.RawMessage(`{"name":"Alice","privacyType":"unencrypted"}`),
	}
	tr = signTransporter(t, privPEM, tr)
	raw, err := json.Marshal(tr)
	require.NoError(t, err)

	result := p.Run(context.Background(), raw)
	assert.False(t, result.Response.Status.OK)
	assert.Equal(t, 409, result.Response.Status.Code)
}

func TestPipelineBTPSDocRequiresActiveTrust(t *testing.T) {
	privPEM, pubPEM := generateRSAPair(t)
	resolver := fixedResolver{pem: pubPEM}
	store := trust.NewMemoryStore(clock.NewFake())
	p := &Pipeline{Resolver: resolver, TrustStore: store, Clock: clock.NewFake()}

	tr := artifact.Transporter{
		Version: "1.0", ID: "req1", IssuedAt: "2026-01-01T00:00:00Z",
		Type: artifact.BTPSDoc, From: "c$y.com", To: "bob$b.com", Selector: "btps1",
		Document: json.RawMessage(`{"invoiceId":"inv1","amount":10,"currency":"USD"}`),
	}
	tr = signTransporter(t, privPEM, tr)
	raw, err := json.Marshal(tr)
	require.NoError(t, err)

	result := p.Run(context.Background(), raw)
	assert.False(t, result.Response.Status.OK)
	assert.Equal(t, response.TypeError, result.Response.Type)
}

func TestPipelineInvalidJSONProducesErrorResponse(t *testing.T) {
	p := &Pipeline{Clock: clock.NewFake()}
	result := p.Run(context.Background(), []byte(`not json`))
	assert.False(t, result.Response.Status.OK)
	assert.Equal(t, StateErrored, result.Transitions[len(result.Transitions)-1].To)
}

func TestPipelineRunsMiddlewareBeforeParsingAndCanShortCircuit(t *testing.T) {
	mgr := middleware.NewManager()
	require.NoError(t, mgr.AddDefinition(middleware.Definition{
		Phase: middleware.PhaseBefore,
		Step:  middleware.StepParsing,
		Handler: func(ctx *middleware.StepContext, res *middleware.ResponseController) {
			res.SendError(berrors.RateLimiterError("blocked by test middleware"))
		},
	}))
	p := &Pipeline{Clock: clock.NewFake(), Middleware: mgr}

	result := p.Run(context.Background(), []byte(`{}`))
	assert.False(t, result.Response.Status.OK)
	assert.Equal(t, 429, result.Response.Status.Code)
}

func TestPipelineOnArtifactMiddlewareObservesTrustedFlag(t *testing.T) {
	privPEM, pubPEM := generateRSAPair(t)
	resolver := fixedResolver{pem: pubPEM}
	store := trust.NewMemoryStore(clock.NewFake())
	id := trust.ID("alice$a.com", "bob$b.com")
	_, err := store.Create(id, trust.Record{SenderID: "alice$a.com", ReceiverID: "bob$b.com", Status: trust.StatusAccepted})
	require.NoError(t, err)

	var observedTrusted bool
	mgr := middleware.NewManager()
	require.NoError(t, mgr.AddDefinition(middleware.Definition{
		Phase: middleware.PhaseBefore,
		Step:  middleware.StepOnArtifact,
		Handler: func(ctx *middleware.StepContext, res *middleware.ResponseController) {
			trusted, ok := ctx.IsTrusted()
			observedTrusted = ok && trusted
		},
	}))
	p := &Pipeline{Resolver: resolver, TrustStore: store, Middleware: mgr, Clock: clock.NewFake()}

	tr := artifact.Transporter{
		Version: "1.0", ID: "req1", IssuedAt: "2026-01-01T00:00:00Z",
		Type: artifact.BTPSDoc, From: "alice$a.com", To: "bob$b.com", Selector: "btps1",
		Document: json.RawMessage(`{"invoiceId":"inv1","amount":10,"currency":"USD"}`),
	}
	tr = signTransporter(t, privPEM, tr)
	raw, err := json.Marshal(tr)
	require.NoError(t, err)

	result := p.Run(context.Background(), raw)
	assert.True(t, result.Response.Status.OK)
	assert.True(t, observedTrusted)
}
