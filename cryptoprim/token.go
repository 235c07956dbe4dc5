package cryptoprim

import (
	"crypto/rand"
	"encoding/base64"
	"math/big"

	"github.com/google/uuid"

	"github.com/openbtps/btps-node-sub001/berrors"
)

const defaultAuthTokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateAuthToken produces a uniformly-random token of length
// characters drawn from alphabet (defaulting to an uppercase+digit
// URL-safe alphabet), matching spec section 4.2's
// generateAuthToken(identity, length=12, alphabet).
func GenerateAuthToken(length int, alphabet string) (string, error) {
	if length <= 0 {
		length = 12
	}
	if alphabet == "" {
		alphabet = defaultAuthTokenAlphabet
	}
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", berrors.Wrap(berrors.Unknown, err, "generate auth token")
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}

// GenerateRefreshToken emits base64url(randomBytes(size)), per spec
// section 4.2's generateRefreshToken(size=32).
func GenerateRefreshToken(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", berrors.Wrap(berrors.Unknown, err, "generate refresh token")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateAgentID mints a btps_ag_<uuidv4> agent identifier.
func GenerateAgentID() string {
	return "btps_ag_" + uuid.NewString()
}
