package pipeline

import (
	"context"

	"github.com/openbtps/btps-node-sub001/artifact"
	"github.com/openbtps/btps-node-sub001/berrors"
	"github.com/openbtps/btps-node-sub001/cryptoprim"
	"github.com/openbtps/btps-node-sub001/identity"
)

// KeyResolver is the subset of identity.Resolver the pipeline needs:
// resolving a (identity, selector) pair to a PEM-encoded public key.
// Accepting the narrow interface rather than *identity.Resolver keeps
// the pipeline testable without live DNS.
type KeyResolver interface {
	ResolvePublicKey(ctx context.Context, id identity.Identity, selector string) ([]byte, error)
}

// verifyAttestation checks delegation.Attestation, if present: resolve
// the attestor's key by (attestation.signedBy, delegation.selector) and
// verify its signature over the canonical delegation block with the
// attestation itself stripped out (spec section 4.6 step 2).
func verifyAttestation(ctx context.Context, resolver KeyResolver, d artifact.Delegation) error {
	if d.Attestation == nil {
		return nil
	}
	signerID, err := identity.Parse(d.Attestation.SignedBy)
	if err != nil {
		return berrors.AttestationVerificationError("attestation signedBy invalid: %s", err)
	}
	pem, err := resolver.ResolvePublicKey(ctx, signerID, d.Selector)
	if err != nil {
		return berrors.Wrap(berrors.AttestationVerification, err, "resolve attestor key")
	}

	stripped, err := cryptoprim.WithoutFields(d, "attestation")
	if err != nil {
		return berrors.Wrap(berrors.AttestationVerification, err, "strip attestation field")
	}
	payload, err := cryptoprim.Canonicalize(stripped)
	if err != nil {
		return berrors.Wrap(berrors.AttestationVerification, err, "canonicalize delegation")
	}

	sig := cryptoprim.SignatureBlock{
		AlgorithmHash: d.Attestation.AlgorithmHash,
		Value:         d.Attestation.Value,
		Fingerprint:   d.Attestation.Fingerprint,
	}
	if err := cryptoprim.Verify(payload, sig, pem); err != nil {
		return berrors.Wrap(berrors.AttestationVerification, err, "verify attestation")
	}
	return nil
}

// delegationSignedFields is the subset of Delegation the delegation
// signature covers, per spec section 4.6 step 3: {agentId, agentPubKey,
// signedBy, issuedAt}.
type delegationSignedFields struct {
	AgentID     string `json:"agentId"`
	AgentPubKey string `json:"agentPubKey"`
	SignedBy    string `json:"signedBy"`
	IssuedAt    string `json:"issuedAt"`
}

// verifyDelegation checks a present delegation: resolve the delegator's
// key by (delegation.signedBy, delegation.selector), verify the
// delegation signature over {agentId,agentPubKey,signedBy,issuedAt},
// and confirm the artifact's declared from matches delegation.signedBy
// (spec section 4.6 step 3).
func verifyDelegation(ctx context.Context, resolver KeyResolver, d artifact.Delegation, artifactFrom string) error {
	if artifactFrom != d.SignedBy {
		return berrors.DelegationInvalidError("artifact from %q does not match delegation signedBy %q", artifactFrom, d.SignedBy)
	}

	delegatorID, err := identity.Parse(d.SignedBy)
	if err != nil {
		return berrors.DelegationInvalidError("delegation signedBy invalid: %s", err)
	}
	pem, err := resolver.ResolvePublicKey(ctx, delegatorID, d.Selector)
	if err != nil {
		return berrors.Wrap(berrors.DelegationSigVerification, err, "resolve delegator key")
	}

	payload, err := cryptoprim.Canonicalize(delegationSignedFields{
		AgentID:     d.AgentID,
		AgentPubKey: d.AgentPubKey,
		SignedBy:    d.SignedBy,
		IssuedAt:    d.IssuedAt,
	})
	if err != nil {
		return berrors.Wrap(berrors.DelegationSigVerification, err, "canonicalize delegation fields")
	}

	if err := cryptoprim.Verify(payload, d.Signature, pem); err != nil {
		if berrors.Is(err, berrors.SigMismatch) {
			return berrors.DelegationInvalidError("delegation signature fingerprint mismatch")
		}
		return berrors.Wrap(berrors.DelegationSigVerification, err, "verify delegation signature")
	}
	return nil
}

// signingKeyForTransporter resolves the key a Transporter artifact's
// own signature must verify under: the delegate's agentPubKey when a
// delegation was accepted, otherwise the sender's key by (from,
// selector) (spec section 4.6 step 4).
func signingKeyForTransporter(ctx context.Context, resolver KeyResolver, t artifact.Transporter) ([]byte, error) {
	if t.Delegation != nil {
		return []byte(t.Delegation.AgentPubKey), nil
	}
	fromID, err := identity.Parse(t.From)
	if err != nil {
		return nil, berrors.IdentityError("transporter from invalid: %s", err)
	}
	return resolver.ResolvePublicKey(ctx, fromID, t.Selector)
}

// verifySignature verifies artifact v's Signature over v stripped of
// its own signature field, under the resolved pem key.
func verifySignature(v interface{}, sig cryptoprim.SignatureBlock, pem []byte) error {
	stripped, err := cryptoprim.WithoutFields(v, "signature")
	if err != nil {
		return berrors.Wrap(berrors.SigVerification, err, "strip signature field")
	}
	payload, err := cryptoprim.Canonicalize(stripped)
	if err != nil {
		return berrors.Wrap(berrors.SigVerification, err, "canonicalize artifact")
	}
	return cryptoprim.Verify(payload, sig, pem)
}
