// Package token implements C5: the token store contract covering both
// short-lived auth tokens and longer-lived refresh tokens, generalizing
// the same split read/write storage shape trust.Store gives trust
// records (itself grounded on core.StorageGetter/StorageAdder) to a
// (holder,token) keyed record with a secondary per-user index for
// enumeration and mass revocation.
package token

import "time"

// Record is a single stored token: an auth token keyed by
// (userIdentity, token), or a refresh token keyed by (agentId, token).
// Holder is whichever of those the caller used as the primary key's
// first component.
type Record struct {
	Token        string            `json:"token"`
	Holder       string            `json:"holder"`
	UserIdentity string            `json:"userIdentity"`
	CreatedAt    time.Time         `json:"createdAt"`
	ExpiresAt    time.Time         `json:"expiresAt"`
	DecryptBy    string            `json:"decryptBy,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the record's TTL has elapsed as of now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

func primaryKey(holder, tok string) string {
	return holder + "\x00" + tok
}
