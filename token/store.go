package token

import "time"

// Store is the C5 contract: store/get/remove/cleanup on a (holder,
// token) primary key, plus user-scoped enumeration and mass revocation
// keyed by userIdentity. Expired tokens must never be returned by Get,
// whether or not Cleanup has swept them yet.
type Store interface {
	// Store persists rec under (rec.Holder, rec.Token). A record
	// already present under the same key is overwritten.
	Store(rec Record) error

	// Get returns the record stored under (holder, token). Returns an
	// AuthenticationInvalid berrors.Error if absent or expired.
	Get(holder, tok string) (Record, error)

	// Remove deletes the record stored under (holder, token), if any.
	Remove(holder, tok string) error

	// Cleanup sweeps and removes every expired record, returning the
	// count removed.
	Cleanup(now time.Time) (int, error)

	// GetTokensByUser returns every non-expired record whose
	// UserIdentity matches userIdentity.
	GetTokensByUser(userIdentity string) ([]Record, error)

	// RevokeAllForUser removes every record (expired or not) whose
	// UserIdentity matches userIdentity, returning the count removed.
	RevokeAllForUser(userIdentity string) (int, error)
}
