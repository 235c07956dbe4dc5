// Package berrors defines the closed sum of error codes the BTPS core
// surfaces, generalizing boulder's errors.BoulderError (ErrorType +
// Detail, New/Is, one constructor per type) from ACME error kinds to the
// BTPS taxonomy of spec section 7.
package berrors

import "fmt"

// Code is a coarse, stable category for an Error, serialized as the
// string the wire response and observability middleware key on.
type Code int

const (
	Unknown Code = iota
	InvalidJSON
	Validation
	Identity
	ResolveDNS
	ResolvePubkey
	SelectorNotFound
	SigMismatch
	SigVerification
	DelegationSigVerification
	DelegationInvalid
	AttestationVerification
	UnsupportedEncrypt
	DecryptionUnintended
	TrustNonExistent
	TrustAlreadyActive
	TrustBlocked
	TrustNotAllowed
	AuthenticationInvalid
	RateLimiter
	SocketTimeout
	SocketClosed
	InvalidConfig
)

var codeNames = map[Code]string{
	Unknown:                   "UNKNOWN",
	InvalidJSON:               "INVALID_JSON",
	Validation:                "VALIDATION",
	Identity:                  "IDENTITY",
	ResolveDNS:                "RESOLVE_DNS",
	ResolvePubkey:             "RESOLVE_PUBKEY",
	SelectorNotFound:          "SELECTOR_NOT_FOUND",
	SigMismatch:               "SIG_MISMATCH",
	SigVerification:           "SIG_VERIFICATION",
	DelegationSigVerification: "DELEGATION_SIG_VERIFICATION",
	DelegationInvalid:         "DELEGATION_INVALID",
	AttestationVerification:   "ATTESTATION_VERIFICATION",
	UnsupportedEncrypt:        "UNSUPPORTED_ENCRYPT",
	DecryptionUnintended:      "DECRYPTION_UNINTENDED",
	TrustNonExistent:          "TRUST_NON_EXISTENT",
	TrustAlreadyActive:        "TRUST_ALREADY_ACTIVE",
	TrustBlocked:              "TRUST_BLOCKED",
	TrustNotAllowed:           "TRUST_NOT_ALLOWED",
	AuthenticationInvalid:     "AUTHENTICATION_INVALID",
	RateLimiter:               "RATE_LIMITER",
	SocketTimeout:             "SOCKET_TIMEOUT",
	SocketClosed:              "SOCKET_CLOSED",
	InvalidConfig:             "INVALID_CONFIG",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "UNKNOWN"
}

// Error is the BTPS error type every pipeline stage, store contract, and
// middleware handler returns instead of a bare error, so that C11 can
// shape a btps_error response straight from it.
type Error struct {
	Code   Code
	Detail string
	Cause  error
	Meta   map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// New is the base constructor; the per-code helpers below are the ones
// call sites actually use.
func New(code Code, msg string, args ...interface{}) error {
	return &Error{Code: code, Detail: fmt.Sprintf(msg, args...)}
}

// Wrap attaches a causing error, for store/driver failures that must
// surface under the BTPS taxonomy without losing the underlying cause.
func Wrap(code Code, cause error, msg string, args ...interface{}) error {
	return &Error{Code: code, Detail: fmt.Sprintf(msg, args...), Cause: cause}
}

// WithMeta attaches structured metadata (e.g. {"identity": "..."}) to an
// existing BTPS error, used by observability middleware.
func WithMeta(err error, meta map[string]interface{}) error {
	be, ok := err.(*Error)
	if !ok {
		return err
	}
	cp := *be
	cp.Meta = meta
	return &cp
}

// Is reports whether err is a *Error of the given code, the BTPS
// equivalent of boulder's errors.Is(err, errType).
func Is(err error, code Code) bool {
	be, ok := err.(*Error)
	if !ok {
		return false
	}
	return be.Code == code
}

// AsBTPSError extracts the *Error from err if present.
func AsBTPSError(err error) (*Error, bool) {
	be, ok := err.(*Error)
	return be, ok
}

func InvalidJSONError(msg string, args ...interface{}) error { return New(InvalidJSON, msg, args...) }
func ValidationError(msg string, args ...interface{}) error  { return New(Validation, msg, args...) }
func IdentityError(msg string, args ...interface{}) error    { return New(Identity, msg, args...) }
func ResolveDNSError(msg string, args ...interface{}) error  { return New(ResolveDNS, msg, args...) }
func ResolvePubkeyError(msg string, args ...interface{}) error {
	return New(ResolvePubkey, msg, args...)
}
func SelectorNotFoundError(msg string, args ...interface{}) error {
	return New(SelectorNotFound, msg, args...)
}
func SigMismatchError(msg string, args ...interface{}) error {
	return New(SigMismatch, msg, args...)
}
func SigVerificationError(msg string, args ...interface{}) error {
	return New(SigVerification, msg, args...)
}
func DelegationSigVerificationError(msg string, args ...interface{}) error {
	return New(DelegationSigVerification, msg, args...)
}
func DelegationInvalidError(msg string, args ...interface{}) error {
	return New(DelegationInvalid, msg, args...)
}
func AttestationVerificationError(msg string, args ...interface{}) error {
	return New(AttestationVerification, msg, args...)
}
func UnsupportedEncryptError(msg string, args ...interface{}) error {
	return New(UnsupportedEncrypt, msg, args...)
}
func DecryptionUnintendedError(msg string, args ...interface{}) error {
	return New(DecryptionUnintended, msg, args...)
}
func TrustNonExistentError(msg string, args ...interface{}) error {
	return New(TrustNonExistent, msg, args...)
}
func TrustAlreadyActiveError(msg string, args ...interface{}) error {
	return New(TrustAlreadyActive, msg, args...)
}
func TrustBlockedError(msg string, args ...interface{}) error {
	return New(TrustBlocked, msg, args...)
}
func TrustNotAllowedError(msg string, args ...interface{}) error {
	return New(TrustNotAllowed, msg, args...)
}
func AuthenticationInvalidError(msg string, args ...interface{}) error {
	return New(AuthenticationInvalid, msg, args...)
}
func RateLimiterError(msg string, args ...interface{}) error {
	return New(RateLimiter, msg, args...)
}
func SocketTimeoutError(msg string, args ...interface{}) error {
	return New(SocketTimeout, msg, args...)
}
func SocketClosedError(msg string, args ...interface{}) error {
	return New(SocketClosed, msg, args...)
}
func InvalidConfigError(msg string, args ...interface{}) error {
	return New(InvalidConfig, msg, args...)
}
func UnknownError(msg string, args ...interface{}) error { return New(Unknown, msg, args...) }

// HTTPStatus maps a Code to the HTTP-style numeric status spec section 6
// requires on Response.status.code.
func HTTPStatus(code Code) int {
	switch code {
	case Unknown:
		return 500
	case InvalidConfig:
		return 500
	case InvalidJSON, Validation, UnsupportedEncrypt, DelegationInvalid:
		return 400
	case Identity, ResolveDNS, ResolvePubkey, SelectorNotFound,
		SigMismatch, SigVerification, DelegationSigVerification,
		AttestationVerification, DecryptionUnintended,
		TrustBlocked, TrustNotAllowed, AuthenticationInvalid:
		return 403
	case TrustNonExistent:
		return 403
	case TrustAlreadyActive:
		return 409
	case RateLimiter:
		return 429
	case SocketTimeout:
		return 408
	case SocketClosed:
		return 499
	default:
		return 500
	}
}
