package trust

import (
	"time"

	"github.com/openbtps/btps-node-sub001/berrors"
)

// Patch carries the subset of Record fields an update mutates. A nil
// pointer field leaves the stored value untouched, matching spec
// section 4.4's "atomic patch merge" requirement. DecidedAt and
// ExpiresAt transitions in BTPS only ever move from unset to set, so a
// plain *time.Time (present = set this value) is enough; neither field
// needs to be clearable back to absent.
type Patch struct {
	Status               *Status
	DecidedBy            *string
	DecidedAt            *time.Time
	ExpiresAt            *time.Time
	PublicKeyBase64      *string
	PublicKeyFingerprint *string
	AppendKeyHistory     *KeyHistoryEntry
	Metadata             map[string]string
}

// Getter is the trust store's read-only surface.
type Getter interface {
	// GetByID returns the record with the given id, or a NotFound
	// berrors.Error if none exists.
	GetByID(id string) (Record, error)

	// GetAll returns every record, optionally filtered to those whose
	// ReceiverID matches receiverID when it is non-empty.
	GetAll(receiverID string) ([]Record, error)
}

// Adder is the trust store's write surface.
type Adder interface {
	// Create inserts a new record under id, which the caller computes
	// via ID(senderID, receiverID). Returns TrustAlreadyActive if a
	// record already exists under id.
	Create(id string, rec Record) (Record, error)

	// Update atomically merges patch into the record stored at id.
	Update(id string, patch Patch) (Record, error)

	// Delete removes the record stored at id. Deleting a record that
	// does not exist is not an error.
	Delete(id string) error
}

// Store is the full C4 contract: a durable mapping keyed by
// hash(senderId,receiverId) with CRUD, key history and expiry.
type Store interface {
	Getter
	Adder
}

// errNotFound is returned by GetByID/Update when no record exists
// under the given id, tagged with the taxonomy's TRUST_NON_EXISTENT
// code per spec section 4.3's handling of trust lookups that miss.
func errNotFound(id string) error {
	return berrors.TrustNonExistentError("trust record %q not found", id)
}
