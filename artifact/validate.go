package artifact

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/openbtps/btps-node-sub001/berrors"
)

var structValidator = validator.New()

// TrustRequestDocument, TrustResponseDocument and InvoiceDocument are the
// three document schemas a Transporter artifact's document may match,
// keyed by TransporterType per spec section 4.3.
type TrustRequestDocument struct {
	Name         string `json:"name" validate:"required"`
	Message      string `json:"message,omitempty"`
	PrivacyType  string `json:"privacyType" validate:"required,oneof=unencrypted encrypted mixed"`
}

type TrustResponseDocument struct {
	Decision string `json:"decision" validate:"required,oneof=accepted rejected blocked"`
	Reason   string `json:"reason,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

type InvoiceDocument struct {
	InvoiceID string  `json:"invoiceId" validate:"required"`
	Amount    float64 `json:"amount" validate:"required,gt=0"`
	Currency  string  `json:"currency" validate:"required,len=3"`
	DueDate   string  `json:"dueDate,omitempty"`
}

// Validate runs full schema-level validation on a Parsed artifact,
// including the conditional rules spec section 4.3 calls out:
// encrypted transporter documents must be strings, agent actions in the
// requires-document set must carry a document, and auth.request may
// never carry encryption.
func Validate(p Parsed) error {
	switch p.Variant {
	case VariantTransporter:
		return validateTransporter(p.Value.(Transporter))
	case VariantAgent:
		return validateAgent(p.Value.(Agent))
	case VariantControl:
		return validateControl(p.Value.(Control))
	case VariantIdentityLookup:
		return validateIdentityLookup(p.Value.(IdentityLookup))
	default:
		return berrors.ValidationError("unknown artifact variant")
	}
}

func validateTransporter(t Transporter) error {
	if err := structValidator.Struct(struct {
		Version string `validate:"required"`
		ID      string `validate:"required"`
		From    string `validate:"required"`
		To      string `validate:"required"`
	}{t.Version, t.ID, t.From, t.To}); err != nil {
		return berrors.Wrap(berrors.Validation, err, "transporter envelope invalid")
	}

	if t.Encryption != nil {
		var asString string
		if err := json.Unmarshal(t.Document, &asString); err != nil {
			return berrors.ValidationError("encrypted transporter document must be a base64 string")
		}
		return nil
	}

	switch t.Type {
	case TrustReq, TrustRes:
		var doc TrustRequestDocument
		if t.Type == TrustRes {
			var resDoc TrustResponseDocument
			if err := json.Unmarshal(t.Document, &resDoc); err != nil {
				return berrors.Wrap(berrors.Validation, err, "trust-response document invalid")
			}
			if err := structValidator.Struct(resDoc); err != nil {
				return berrors.Wrap(berrors.Validation, err, "trust-response document invalid")
			}
			return nil
		}
		if err := json.Unmarshal(t.Document, &doc); err != nil {
			return berrors.Wrap(berrors.Validation, err, "trust-request document invalid")
		}
		if err := structValidator.Struct(doc); err != nil {
			return berrors.Wrap(berrors.Validation, err, "trust-request document invalid")
		}
		return nil
	case BTPSDoc:
		var doc InvoiceDocument
		if err := json.Unmarshal(t.Document, &doc); err != nil {
			return berrors.Wrap(berrors.Validation, err, "invoice document invalid")
		}
		if err := structValidator.Struct(doc); err != nil {
			return berrors.Wrap(berrors.Validation, err, "invoice document invalid")
		}
		return nil
	default:
		return berrors.ValidationError("unknown transporter type %q", t.Type)
	}
}

func validateAgent(a Agent) error {
	if err := structValidator.Struct(struct {
		ID      string `validate:"required"`
		AgentID string `validate:"required"`
		Action  string `validate:"required"`
	}{a.ID, a.AgentID, string(a.Action)}); err != nil {
		return berrors.Wrap(berrors.Validation, err, "agent envelope invalid")
	}

	if a.Action == ActionAuthRequest && a.Encryption != nil {
		return berrors.ValidationError("auth.request must not carry encryption: the server has no decrypt key yet")
	}

	if RequiresDocument(a.Action) {
		if len(a.Document) == 0 {
			return berrors.ValidationError("action %q requires a document", a.Action)
		}
		if a.Encryption != nil {
			var asString string
			if err := json.Unmarshal(a.Document, &asString); err != nil {
				return berrors.ValidationError("encrypted agent document must be a base64 string")
			}
			return nil
		}
		// Encrypted documents are opaque strings that only the pipeline
		// can validate post-decryption; cleartext documents for actions
		// outside trust.*/artifact.send are free-form payloads owned by
		// the host application's own business rules, which spec section
		// 1 places out of scope.
	}
	return nil
}

func validateControl(c Control) error {
	if c.Action != Ping && c.Action != Quit {
		return berrors.ValidationError("unknown control action %q", c.Action)
	}
	return nil
}

func validateIdentityLookup(l IdentityLookup) error {
	return structValidator.Struct(struct {
		Identity     string `validate:"required"`
		From         string `validate:"required"`
		HostSelector string `validate:"required"`
	}{l.Identity, l.From, l.HostSelector})
}
