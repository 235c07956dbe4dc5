package pipeline

import (
	"encoding/json"
	"time"

	"github.com/openbtps/btps-node-sub001/artifact"
	"github.com/openbtps/btps-node-sub001/berrors"
	"github.com/openbtps/btps-node-sub001/trust"
)

// runTrustStage applies spec section 4.6 step 5's per-variant trust
// rules. now is injected so callers can drive it with a fake clock in
// tests.
func runTrustStage(store trust.Store, p artifact.Parsed, now time.Time) error {
	switch v := p.Value.(type) {
	case artifact.Transporter:
		return trustStageTransporter(store, v, now)
	case artifact.Agent:
		return trustStageAgent(store, v, now)
	default:
		// Control and identity-lookup artifacts carry no trust
		// relationship to check.
		return nil
	}
}

func trustStageTransporter(store trust.Store, t artifact.Transporter, now time.Time) error {
	switch t.Type {
	case artifact.TrustReq:
		id := trust.ID(t.From, t.To)
		existing, err := store.GetByID(id)
		if err == nil {
			if existing.IsActive(now) {
				return berrors.TrustAlreadyActiveError("active trust already exists between %q and %q", t.From, t.To)
			}
			// A prior record exists (pending/rejected/revoked/blocked)
			// but isn't active: re-requesting trust resets it to
			// pending rather than erroring on the duplicate id.
			pending := trust.StatusPending
			fp := t.Signature.Fingerprint
			_, err := store.Update(id, trust.Patch{Status: &pending, PublicKeyFingerprint: &fp})
			return err
		}
		_, err = store.Create(id, trust.Record{
			SenderID:             t.From,
			ReceiverID:           t.To,
			Status:               trust.StatusPending,
			CreatedAt:            now,
			PublicKeyFingerprint: t.Signature.Fingerprint,
			PrivacyType:          trust.PrivacyUnencrypted,
		})
		return err

	case artifact.TrustRes:
		id := trust.ID(t.To, t.From)
		rec, err := store.GetByID(id)
		if err != nil {
			return berrors.TrustNonExistentError("no pending trust request from %q to %q", t.To, t.From)
		}
		if rec.ReceiverID != t.From {
			return berrors.TrustNotAllowedError("trust response must be authored by %q, got %q", rec.ReceiverID, t.From)
		}

		var doc artifact.TrustResponseDocument
		if err := json.Unmarshal(t.Document, &doc); err != nil {
			return berrors.Wrap(berrors.Validation, err, "decode trust-response document")
		}
		status, err := decisionToStatus(doc.Decision)
		if err != nil {
			return err
		}
		decidedAt := now
		_, err = store.Update(id, trust.Patch{
			Status:    &status,
			DecidedBy: &t.From,
			DecidedAt: &decidedAt,
		})
		return err

	case artifact.BTPSDoc:
		id := trust.ID(t.From, t.To)
		rec, err := store.GetByID(id)
		if err != nil || !rec.IsActive(now) {
			return berrors.TrustNonExistentError("no active trust record between %q and %q", t.From, t.To)
		}
		return nil

	default:
		return berrors.ValidationError("unknown transporter type %q", t.Type)
	}
}

func trustStageAgent(store trust.Store, a artifact.Agent, now time.Time) error {
	if a.Action == artifact.ActionAuthRequest {
		// auth.request bootstraps the agent/user trust record; there
		// is nothing to check yet.
		return nil
	}
	id := trust.ID(a.AgentID, a.To)
	rec, err := store.GetByID(id)
	if err != nil || !rec.IsActive(now) {
		return berrors.TrustNonExistentError("no active trust record for agent %q", a.AgentID)
	}
	return nil
}

func decisionToStatus(decision string) (trust.Status, error) {
	switch decision {
	case "accepted":
		return trust.StatusAccepted, nil
	case "rejected":
		return trust.StatusRejected, nil
	case "blocked":
		return trust.StatusBlocked, nil
	default:
		return "", berrors.ValidationError("unknown trust decision %q", decision)
	}
}
