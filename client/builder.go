// Package client implements C10's write side of the wire format — the
// four deterministic steps that turn a document and a keypair into a
// signed (and optionally encrypted) artifact — plus C9's client-side
// authenticate/refreshSession flows built on top of it, generalizing
// the shape boulder's own ACME client helpers give a CSR (assemble the
// to-be-signed bytes, then sign, never the other way around) to BTPS's
// transporter and agent artifacts.
package client

import (
	"context"
	"crypto"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/openbtps/btps-node-sub001/artifact"
	"github.com/openbtps/btps-node-sub001/berrors"
	"github.com/openbtps/btps-node-sub001/cryptoprim"
	"github.com/openbtps/btps-node-sub001/identity"
)

// KeyResolver is the subset of identity.Resolver the builder needs to
// look up a recipient's current selector and public key when encryption
// is requested.
type KeyResolver interface {
	ResolveHost(ctx context.Context, id identity.Identity) (identity.HostEndpoint, error)
	ResolvePublicKey(ctx context.Context, id identity.Identity, selector string) ([]byte, error)
}

// KeyPair is the local signing identity a builder signs artifacts with.
type KeyPair struct {
	PrivateKey   crypto.Signer
	PublicKeyPEM []byte
	Selector     string
}

// Builder assembles and signs outgoing artifacts per spec section 4.9's
// four deterministic steps.
type Builder struct {
	Resolver KeyResolver
}

// EncryptOptions requests the builder encrypt a document for a
// recipient identity before signing.
type EncryptOptions struct {
	RecipientIdentity identity.Identity
	Mode              cryptoprim.EncryptionMode
	SecondFactorKey   []byte
}

// TransporterOptions carries the inputs BuildTransporter needs beyond
// the four-step algorithm itself.
type TransporterOptions struct {
	Type     artifact.TransporterType
	From     string
	To       string
	Document interface{}
	Key      KeyPair
	Encrypt  *EncryptOptions
	Now      time.Time
}

// BuildTransporter runs the four steps over a Transporter shape: resolve
// (if encrypting), encrypt (if requested), assemble the canonical outer
// object without signature, then sign it.
func (b *Builder) BuildTransporter(ctx context.Context, opts TransporterOptions) (artifact.Transporter, error) {
	docBytes, encBlock, err := b.prepareDocument(ctx, opts.Document, opts.Encrypt)
	if err != nil {
		return artifact.Transporter{}, err
	}

	tr := artifact.Transporter{
		Version:    "1.0",
		ID:         uuid.NewString(),
		IssuedAt:   issuedAt(opts.Now),
		Type:       opts.Type,
		From:       opts.From,
		To:         opts.To,
		Selector:   opts.Key.Selector,
		Encryption: encBlock,
		Document:   docBytes,
	}

	sig, err := signArtifact(tr, opts.Key.PrivateKey)
	if err != nil {
		return artifact.Transporter{}, err
	}
	tr.Signature = sig
	return tr, nil
}

// AgentOptions carries the inputs BuildAgent needs.
type AgentOptions struct {
	Action   artifact.AgentAction
	AgentID  string
	To       string
	Document interface{}
	Key      KeyPair
	Encrypt  *EncryptOptions
	Now      time.Time
}

// BuildAgent runs the same four-step algorithm over an Agent shape.
func (b *Builder) BuildAgent(ctx context.Context, opts AgentOptions) (artifact.Agent, error) {
	var docBytes json.RawMessage
	var encBlock *cryptoprim.EncryptionBlock
	if opts.Document != nil {
		var err error
		docBytes, encBlock, err = b.prepareDocument(ctx, opts.Document, opts.Encrypt)
		if err != nil {
			return artifact.Agent{}, err
		}
	}

	a := artifact.Agent{
		ID:         uuid.NewString(),
		Action:     opts.Action,
		AgentID:    opts.AgentID,
		To:         opts.To,
		IssuedAt:   issuedAt(opts.Now),
		Encryption: encBlock,
		Document:   docBytes,
	}

	sig, err := signArtifact(a, opts.Key.PrivateKey)
	if err != nil {
		return artifact.Agent{}, err
	}
	a.Signature = sig
	return a, nil
}

// prepareDocument performs steps (i) and (ii): resolving the recipient's
// key and encrypting the document when opts requests it, otherwise
// canonicalizing the plain document as the outgoing bytes.
func (b *Builder) prepareDocument(ctx context.Context, document interface{}, opts *EncryptOptions) (json.RawMessage, *cryptoprim.EncryptionBlock, error) {
	plain, err := json.Marshal(document)
	if err != nil {
		return nil, nil, berrors.Wrap(berrors.InvalidJSON, err, "marshal outgoing document")
	}
	if opts == nil {
		return json.RawMessage(plain), nil, nil
	}
	if b.Resolver == nil {
		return nil, nil, berrors.UnsupportedEncryptError("encryption requested but no key resolver is configured")
	}

	host, err := b.Resolver.ResolveHost(ctx, opts.RecipientIdentity)
	if err != nil {
		return nil, nil, err
	}
	recipientPEM, err := b.Resolver.ResolvePublicKey(ctx, opts.RecipientIdentity, host.Selector)
	if err != nil {
		return nil, nil, err
	}

	mode := opts.Mode
	if mode == "" {
		mode = cryptoprim.ModeStandardEncrypt
	}
	ciphertext, block, err := cryptoprim.Encrypt(plain, recipientPEM, mode, opts.SecondFactorKey)
	if err != nil {
		return nil, nil, err
	}
	ctJSON, err := json.Marshal(ciphertext)
	if err != nil {
		return nil, nil, berrors.Wrap(berrors.InvalidJSON, err, "marshal ciphertext")
	}
	return json.RawMessage(ctJSON), &block, nil
}

// signArtifact performs steps (iii) and (iv): canonicalize v with its
// signature field stripped, then sign those exact bytes. The builder
// must produce the same bytes the server canonicalizes for verification,
// so this mirrors pipeline.verifySignature's stripping exactly.
func signArtifact(v interface{}, priv crypto.Signer) (cryptoprim.SignatureBlock, error) {
	stripped, err := cryptoprim.WithoutFields(v, "signature")
	if err != nil {
		return cryptoprim.SignatureBlock{}, err
	}
	payload, err := cryptoprim.Canonicalize(stripped)
	if err != nil {
		return cryptoprim.SignatureBlock{}, err
	}
	return cryptoprim.Sign(payload, priv)
}

func issuedAt(now time.Time) string {
	if now.IsZero() {
		now = time.Now()
	}
	return now.UTC().Format(time.RFC3339)
}
