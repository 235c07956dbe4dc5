package cryptoprim

import (
	"encoding/base64"

	"github.com/openbtps/btps-node-sub001/berrors"
)

// EncodeBase64PEM encodes a PEM-encoded key for the wire/storage
// boundary (trust.Record.PublicKeyBase64 and similar fields): PEM is
// the internal representation everywhere crypto operations, caching
// and DNS TXT parsing touch a key; base64 of the PEM bytes is only how
// it is carried on the wire or on disk.
func EncodeBase64PEM(pemKey []byte) string {
	return base64.StdEncoding.EncodeToString(pemKey)
}

// DecodeBase64PEM reverses EncodeBase64PEM, recovering the PEM bytes a
// stored base64 public key field holds.
func DecodeBase64PEM(b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, berrors.Wrap(berrors.ResolvePubkey, err, "decode base64 public key")
	}
	return raw, nil
}
