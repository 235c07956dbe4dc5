package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/openbtps/btps-node-sub001/berrors"
)

// EncryptionAlgorithm and EncryptionMode mirror spec section 3's closed
// enums for the encryption block.
type EncryptionAlgorithm string
type EncryptionMode string

const (
	AlgorithmAES256GCM EncryptionAlgorithm = "aes-256-gcm"
	AlgorithmAES256CBC EncryptionAlgorithm = "aes-256-cbc"

	ModeStandardEncrypt EncryptionMode = "standardEncrypt"
	Mode2FAEncrypt      EncryptionMode = "2faEncrypt"
)

// EncryptionBlock mirrors spec section 3's encryption block shape.
type EncryptionBlock struct {
	Algorithm    EncryptionAlgorithm `json:"algorithm"`
	Mode         EncryptionMode      `json:"mode"`
	EncryptedKey string              `json:"encryptedKey"`
	IV           string              `json:"iv"`
	AuthTag      string              `json:"authTag,omitempty"`
}

// Encrypt hybrid-encrypts document under recipientPubPEM: a fresh
// 32-byte secret is RSA-OAEP-wrapped to the recipient's public key, and
// the AES-256-GCM key that actually seals the document is derived from
// that secret. For ModeStandardEncrypt the derived key is the secret
// itself; for Mode2FAEncrypt it is HKDF-SHA256(secret, secondFactorKey),
// so recovering the wrapped secret with the recipient's RSA key alone is
// not enough to recover the sealing key (spec section 4.2: "absent the
// second key the recipient cannot decrypt").
func Encrypt(document []byte, recipientPubPEM []byte, mode EncryptionMode, secondFactorKey []byte) (ciphertext string, block EncryptionBlock, err error) {
	pub, err := ParsePublicKey(recipientPubPEM)
	if err != nil {
		return "", EncryptionBlock{}, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return "", EncryptionBlock{}, berrors.UnsupportedEncryptError("hybrid encryption requires an RSA recipient key, got %T", pub)
	}
	if mode == Mode2FAEncrypt && len(secondFactorKey) == 0 {
		return "", EncryptionBlock{}, berrors.UnsupportedEncryptError("2faEncrypt requires a second-factor wrapping key")
	}

	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return "", EncryptionBlock{}, berrors.Wrap(berrors.UnsupportedEncrypt, err, "generate content secret")
	}
	sealingKey := deriveSealingKey(secret, mode, secondFactorKey)

	aead, err := newGCM(sealingKey)
	if err != nil {
		return "", EncryptionBlock{}, err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", EncryptionBlock{}, berrors.Wrap(berrors.UnsupportedEncrypt, err, "generate iv")
	}
	sealed := aead.Seal(nil, iv, document, nil)
	ctLen := len(sealed) - aead.Overhead()
	ct, tag := sealed[:ctLen], sealed[ctLen:]

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaPub, secret, nil)
	if err != nil {
		return "", EncryptionBlock{}, berrors.Wrap(berrors.UnsupportedEncrypt, err, "rsa-oaep wrap content secret")
	}

	return base64.StdEncoding.EncodeToString(ct), EncryptionBlock{
		Algorithm:    AlgorithmAES256GCM,
		Mode:         mode,
		EncryptedKey: base64.StdEncoding.EncodeToString(wrapped),
		IV:           base64.StdEncoding.EncodeToString(iv),
		AuthTag:      base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// DecryptWithKey reverses Encrypt: RSA-unwrap the content secret, derive
// the sealing key (mixing in secondFactorKey for 2faEncrypt), then
// AES-GCM open the ciphertext. A wrong or absent secondFactorKey derives
// the wrong sealing key and fails GCM authentication, which this
// function reports as DECRYPTION_UNINTENDED per spec section 4.2.
func DecryptWithKey(ciphertextB64 string, block EncryptionBlock, recipientPriv *rsa.PrivateKey, secondFactorKey []byte) ([]byte, error) {
	if block.Algorithm != AlgorithmAES256GCM {
		return nil, berrors.UnsupportedEncryptError("unsupported encryption algorithm %q", block.Algorithm)
	}
	if block.Mode == Mode2FAEncrypt && len(secondFactorKey) == 0 {
		return nil, berrors.DecryptionUnintendedError("2faEncrypt document requires a second-factor key to decrypt")
	}

	wrapped, err := base64.StdEncoding.DecodeString(block.EncryptedKey)
	if err != nil {
		return nil, berrors.UnsupportedEncryptError("encryptedKey is not valid base64")
	}
	secret, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, recipientPriv, wrapped, nil)
	if err != nil {
		return nil, berrors.DecryptionUnintendedError("content secret does not unwrap with this private key")
	}
	sealingKey := deriveSealingKey(secret, block.Mode, secondFactorKey)

	aead, err := newGCM(sealingKey)
	if err != nil {
		return nil, err
	}
	iv, err := base64.StdEncoding.DecodeString(block.IV)
	if err != nil {
		return nil, berrors.UnsupportedEncryptError("iv is not valid base64")
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, berrors.UnsupportedEncryptError("document is not valid base64 ciphertext")
	}
	var tag []byte
	if block.AuthTag != "" {
		tag, err = base64.StdEncoding.DecodeString(block.AuthTag)
		if err != nil {
			return nil, berrors.UnsupportedEncryptError("authTag is not valid base64")
		}
	}
	sealed := append(append([]byte{}, ct...), tag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, berrors.DecryptionUnintendedError("content does not decrypt with the recovered key")
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, berrors.Wrap(berrors.UnsupportedEncrypt, err, "construct aes cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, berrors.Wrap(berrors.UnsupportedEncrypt, err, "construct gcm")
	}
	return aead, nil
}

// deriveSealingKey returns secret unchanged for ModeStandardEncrypt, or
// HKDF-SHA256(secret, secondFactorKey) for Mode2FAEncrypt.
func deriveSealingKey(secret []byte, mode EncryptionMode, secondFactorKey []byte) []byte {
	if mode != Mode2FAEncrypt {
		return secret
	}
	h := hkdf.New(sha256.New, secret, secondFactorKey, []byte("btps-2fa-wrap"))
	out := make([]byte, 32)
	_, _ = io.ReadFull(h, out)
	return out
}
