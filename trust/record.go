// Package trust implements C4: the trust store contract, a durable
// mapping keyed by hash(senderId,receiverId) with CRUD, key history and
// expiry, generalizing the split StorageGetter/StorageAdder shape
// boulder's core.StorageAuthority gives its SQL-backed registration and
// authorization records (core/interfaces.go) to BTPS's own record kind.
package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status is a trust record's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusRevoked  Status = "revoked"
	StatusBlocked  Status = "blocked"
)

// PrivacyType constrains how documents exchanged under a trust record
// must be carried.
type PrivacyType string

const (
	PrivacyUnencrypted PrivacyType = "unencrypted"
	PrivacyEncrypted   PrivacyType = "encrypted"
	PrivacyMixed       PrivacyType = "mixed"
)

// KeyHistoryEntry records a fingerprint that was once current for a
// trust record's counterparty key, and the window it was seen in.
type KeyHistoryEntry struct {
	Fingerprint string    `json:"fingerprint"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Record is the durable trust relationship between a sender and a
// receiver identity (or between an agent and its owning user identity,
// for the auth-bootstrapped case spec section 4.6 step 5 describes).
type Record struct {
	ID                   string            `json:"id"`
	SenderID             string            `json:"senderId"`
	ReceiverID           string            `json:"receiverId"`
	Status               Status            `json:"status"`
	CreatedAt            time.Time         `json:"createdAt"`
	DecidedBy            string            `json:"decidedBy,omitempty"`
	DecidedAt            *time.Time        `json:"decidedAt,omitempty"`
	ExpiresAt            *time.Time        `json:"expiresAt,omitempty"`
	PublicKeyBase64      string            `json:"publicKeyBase64"`
	PublicKeyFingerprint string            `json:"publicKeyFingerprint"`
	KeyHistory           []KeyHistoryEntry `json:"keyHistory,omitempty"`
	PrivacyType          PrivacyType       `json:"privacyType"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// IsActive reports whether the record is an active trust per spec
// section 3: accepted, and either no expiry or an expiry still ahead
// of now.
func (r Record) IsActive(now time.Time) bool {
	if r.Status != StatusAccepted {
		return false
	}
	return r.ExpiresAt == nil || r.ExpiresAt.After(now)
}

// ID computes the deterministic trust record id for an ordered
// (sender, receiver) pair. The pair is encoded in the order given, so
// callers must be consistent about which side is sender vs receiver
// for a given relationship (spec section 3: "id is deterministic from
// the unordered pair encoded in order (sender,receiver)").
func ID(senderID, receiverID string) string {
	h := sha256.New()
	h.Write([]byte(senderID))
	h.Write([]byte{0})
	h.Write([]byte(receiverID))
	return hex.EncodeToString(h.Sum(nil))
}
