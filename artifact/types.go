// Package artifact implements C3: the tagged-variant artifact model and
// its schema-level validator. Variant dispatch is a closed pattern
// match over JSON shape (spec section 9's "replace the discriminated-
// union schema with a closed sum over artifact kinds; validation is a
// pattern match, not a superRefine callback"), generalizing the shape
// boulder's core package gives its own closed set of ACME object types
// (core/objects.go: Registration, Authorization, Certificate, ...).
package artifact

import (
	"encoding/json"

	"github.com/openbtps/btps-node-sub001/cryptoprim"
)

// Variant identifies which of the four tagged artifact shapes a parsed
// JSON document is.
type Variant string

const (
	VariantTransporter    Variant = "transporter"
	VariantAgent          Variant = "agent"
	VariantControl        Variant = "control"
	VariantIdentityLookup Variant = "identity_lookup"
)

// TransporterType enumerates spec section 3's Transporter.type values.
type TransporterType string

const (
	TrustReq TransporterType = "TRUST_REQ"
	TrustRes TransporterType = "TRUST_RES"
	BTPSDoc  TransporterType = "BTPS_DOC"
)

// ControlAction enumerates spec section 3's Control.action values.
type ControlAction string

const (
	Ping ControlAction = "PING"
	Quit ControlAction = "QUIT"
)

// AgentAction enumerates the full range of actions an Agent artifact may
// carry, spanning trust/inbox/outbox/draft/system/auth/artifact
// concerns per spec section 3.
type AgentAction string

const (
	ActionTrustRequest  AgentAction = "trust.request"
	ActionTrustRespond  AgentAction = "trust.respond"
	ActionTrustUpdate   AgentAction = "trust.update"
	ActionTrustDelete   AgentAction = "trust.delete"
	ActionArtifactSend  AgentAction = "artifact.send"
	ActionAuthRequest   AgentAction = "auth.request"
	ActionAuthRefresh   AgentAction = "auth.refresh"
	ActionInboxSeen     AgentAction = "inbox.seen"
	ActionInboxDelete   AgentAction = "inbox.delete"
	ActionOutboxCancel  AgentAction = "outbox.cancel"
	ActionDraftCreate   AgentAction = "draft.create"
	ActionDraftUpdate   AgentAction = "draft.update"
	ActionDraftDelete   AgentAction = "draft.delete"
	ActionTrashDelete   AgentAction = "trash.delete"
	ActionSystemPing    AgentAction = "system.ping"
	ActionSentboxList   AgentAction = "sentbox.list"
)

// Delegation mirrors spec section 3's delegation shape.
type Delegation struct {
	AgentID      string                     `json:"agentId"`
	AgentPubKey  string                     `json:"agentPubKey"`
	SignedBy     string                     `json:"signedBy"`
	IssuedAt     string                     `json:"issuedAt"`
	Signature    cryptoprim.SignatureBlock  `json:"signature"`
	Selector     string                     `json:"selector"`
	Attestation  *Attestation               `json:"attestation,omitempty"`
}

// Attestation has the same shape as a signature plus signedBy, serving
// as a counter-signature over a delegation.
type Attestation struct {
	AlgorithmHash string `json:"algorithmHash"`
	Value         string `json:"value"`
	Fingerprint   string `json:"fingerprint"`
	SignedBy      string `json:"signedBy"`
}

// Transporter is the federated trust/document artifact shape.
type Transporter struct {
	Version    string                           `json:"version"`
	ID         string                           `json:"id"`
	IssuedAt   string                           `json:"issuedAt"`
	Type       TransporterType                  `json:"type"`
	From       string                           `json:"from"`
	To         string                           `json:"to"`
	Selector   string                           `json:"selector"`
	Signature  cryptoprim.SignatureBlock        `json:"signature"`
	Encryption *cryptoprim.EncryptionBlock      `json:"encryption,omitempty"`
	Document   json.RawMessage                  `json:"document"`
	Delegation *Delegation                      `json:"delegation,omitempty"`
}

// Agent is the per-device/session artifact shape.
type Agent struct {
	ID         string                      `json:"id"`
	Action     AgentAction                 `json:"action"`
	AgentID    string                      `json:"agentId"`
	To         string                      `json:"to,omitempty"`
	IssuedAt   string                      `json:"issuedAt"`
	Signature  cryptoprim.SignatureBlock   `json:"signature"`
	Encryption *cryptoprim.EncryptionBlock `json:"encryption,omitempty"`
	Document   json.RawMessage             `json:"document,omitempty"`
	Delegation *Delegation                 `json:"delegation,omitempty"`
}

// Control is a bare PING/QUIT liveness artifact.
type Control struct {
	Version  string        `json:"version"`
	ID       string        `json:"id"`
	IssuedAt string        `json:"issuedAt"`
	Action   ControlAction `json:"action"`
}

// IdentityLookup requests host/key discovery for an identity over the
// live connection rather than a separate DNS round-trip.
type IdentityLookup struct {
	Version          string `json:"version"`
	ID               string `json:"id"`
	IssuedAt         string `json:"issuedAt"`
	Identity         string `json:"identity"`
	From             string `json:"from"`
	HostSelector     string `json:"hostSelector"`
	IdentitySelector string `json:"identitySelector,omitempty"`
}

// requiresDocument is the set of agent actions spec section 4.3 calls
// out as needing a present, schema-validated document.
var requiresDocument = map[AgentAction]bool{
	ActionTrustRequest: true,
	ActionTrustRespond: true,
	ActionTrustUpdate:  true,
	ActionTrustDelete:  true,
	ActionArtifactSend: true,
	ActionAuthRequest:  true,
	ActionAuthRefresh:  true,
	ActionInboxSeen:    true,
	ActionInboxDelete:  true,
	ActionOutboxCancel: true,
	ActionDraftCreate:  true,
	ActionDraftUpdate:  true,
	ActionDraftDelete:  true,
	ActionTrashDelete:  true,
}

// immediateAgentActions is the set of agent actions whose response must
// be computed and written on the same connection (spec section 4.6 step
// 1 / glossary "immediate action").
var immediateAgentActions = map[AgentAction]bool{
	ActionSystemPing:   true,
	ActionAuthRequest:  true,
	ActionAuthRefresh:  true,
	ActionInboxSeen:    true,
	ActionInboxDelete:  true,
	ActionOutboxCancel: true,
	ActionDraftCreate:  true,
	ActionDraftUpdate:  true,
	ActionDraftDelete:  true,
	ActionTrustRequest: true,
	ActionTrustRespond: true,
	ActionTrustUpdate:  true,
	ActionTrustDelete:  true,
	ActionSentboxList:  true,
	ActionTrashDelete:  true,
	ActionArtifactSend: true,
}

// RequiresDocument reports whether action is in the requires-document set.
func RequiresDocument(action AgentAction) bool { return requiresDocument[action] }

// IsImmediate reports whether an agent action's response must be
// computed synchronously on the originating connection.
func IsImmediate(action AgentAction) bool { return immediateAgentActions[action] }
