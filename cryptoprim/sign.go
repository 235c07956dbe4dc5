package cryptoprim

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"

	"github.com/openbtps/btps-node-sub001/berrors"
)

// SignatureBlock mirrors spec section 3's signature block shape exactly,
// so it can be embedded directly in artifact structs and round-tripped
// through encoding/json without a translation layer.
type SignatureBlock struct {
	AlgorithmHash string `json:"algorithmHash"`
	Value         string `json:"value"`
	Fingerprint   string `json:"fingerprint"`
}

// KeyFingerprint computes base64(sha256(SPKI DER)) for a PEM-encoded
// public key, the value both SignatureBlock.fingerprint and the trust
// record's publicKeyFingerprint carry.
func KeyFingerprint(pemKey []byte) (string, error) {
	pub, err := ParsePublicKey(pemKey)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", berrors.Wrap(berrors.ResolvePubkey, err, "marshal public key for fingerprint")
	}
	sum := sha256.Sum256(der)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// ParsePublicKey decodes a PEM block into a crypto.PublicKey of one of
// the three types spec section 3 allows (rsa, ed25519, ecdsa).
func ParsePublicKey(pemKey []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, berrors.ResolvePubkeyError("not a PEM-encoded public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, berrors.Wrap(berrors.ResolvePubkey, err, "parse SPKI public key")
	}
	switch pub.(type) {
	case *rsa.PublicKey, ed25519.PublicKey, *ecdsa.PublicKey:
		return pub, nil
	default:
		return nil, berrors.ResolvePubkeyError("unsupported public key type %T", pub)
	}
}

// ParsePrivateKey decodes a PEM PKCS8 private key of one of the three
// supported types.
func ParsePrivateKey(pemKey []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, berrors.IdentityError("not a PEM-encoded private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, berrors.Wrap(berrors.Identity, err, "parse PKCS8 private key")
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, berrors.IdentityError("private key type %T does not support signing", key)
	}
	return signer, nil
}

// Sign signs canonical payload bytes with priv, returning the signature
// block spec section 4.2 defines: sha256 digest, base64 signature value,
// and the fingerprint of the *signer's* public key so a verifier can
// cross-check it against the resolved key (SIG_MISMATCH if they
// disagree).
func Sign(payload []byte, priv crypto.Signer) (SignatureBlock, error) {
	digest := sha256.Sum256(payload)

	var sigBytes []byte
	var err error
	switch key := priv.(type) {
	case *rsa.PrivateKey:
		sigBytes, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	case ed25519.PrivateKey:
		sigBytes = ed25519.Sign(key, payload)
	case *ecdsa.PrivateKey:
		sigBytes, err = ecdsa.SignASN1(rand.Reader, key, digest[:])
	default:
		return SignatureBlock{}, berrors.IdentityError("unsupported private key type %T", priv)
	}
	if err != nil {
		return SignatureBlock{}, berrors.Wrap(berrors.SigVerification, err, "sign payload")
	}

	pubDER, err := x509.MarshalPKIXPublicKey(priv.Public())
	if err != nil {
		return SignatureBlock{}, berrors.Wrap(berrors.ResolvePubkey, err, "marshal signer public key")
	}
	fpSum := sha256.Sum256(pubDER)

	return SignatureBlock{
		AlgorithmHash: "sha256",
		Value:         base64.StdEncoding.EncodeToString(sigBytes),
		Fingerprint:   base64.StdEncoding.EncodeToString(fpSum[:]),
	}, nil
}

// Verify checks sig over payload against the resolved PEM public key.
// Per spec section 4.2: a fingerprint mismatch between sig and the
// resolved key is SIG_MISMATCH; a cryptographic verification failure is
// SIG_VERIFICATION.
func Verify(payload []byte, sig SignatureBlock, resolvedPEM []byte) error {
	wantFP, err := KeyFingerprint(resolvedPEM)
	if err != nil {
		return err
	}
	if !constantTimeEqual(wantFP, sig.Fingerprint) {
		return berrors.SigMismatchError("signature fingerprint does not match resolved key")
	}

	pub, err := ParsePublicKey(resolvedPEM)
	if err != nil {
		return err
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig.Value)
	if err != nil {
		return berrors.SigVerificationError("signature value is not valid base64")
	}
	digest := sha256.Sum256(payload)

	switch key := pub.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sigBytes); err != nil {
			return berrors.SigVerificationError("rsa signature verification failed")
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(key, payload, sigBytes) {
			return berrors.SigVerificationError("ed25519 signature verification failed")
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest[:], sigBytes) {
			return berrors.SigVerificationError("ecdsa signature verification failed")
		}
	default:
		return berrors.SigVerificationError("unsupported public key type %T", pub)
	}
	return nil
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
