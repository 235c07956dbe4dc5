// Package response implements C11: the canonical response envelope
// every connection writes back, mirroring the status-code-plus-detail
// shape boulder's own problem-details responses use (dns/problem.go,
// core's ACME error bodies) but carrying BTPS's ok/code/message triple
// instead of an RFC 7807 problem document.
package response

import (
	"time"

	"github.com/google/uuid"

	"github.com/openbtps/btps-node-sub001/berrors"
	"github.com/openbtps/btps-node-sub001/cryptoprim"
)

// Type distinguishes a successful artifact acknowledgement from an
// error response.
type Type string

const (
	TypeOK    Type = "btps_response"
	TypeError Type = "btps_error"
)

// Status is the ok/code/message triple spec section 3 defines, with
// numeric codes compatible with HTTP-style semantics (200/400/403/408/
// 429/500 per spec section 4.4, extended per berrors.HTTPStatus for the
// taxonomy's full code set).
type Status struct {
	OK      bool   `json:"ok"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Response is the wire envelope written, newline-terminated and
// canonicalized, on every connection.
type Response struct {
	Version    string                       `json:"version"`
	Status     Status                       `json:"status"`
	ID         string                       `json:"id"`
	IssuedAt   string                       `json:"issuedAt"`
	Type       Type                         `json:"type"`
	ReqID      string                       `json:"reqId,omitempty"`
	Document   interface{}                  `json:"document,omitempty"`
	Signature  *cryptoprim.SignatureBlock   `json:"signature,omitempty"`
	Encryption *cryptoprim.EncryptionBlock  `json:"encryption,omitempty"`
	SignedBy   string                       `json:"signedBy,omitempty"`
}

// OK builds a successful acknowledgement for reqID, optionally carrying
// a response document.
func OK(reqID string, document interface{}) Response {
	return Response{
		Version:  "1.0",
		Status:   Status{OK: true, Code: 200},
		ID:       uuid.NewString(),
		IssuedAt: time.Now().UTC().Format(time.RFC3339),
		Type:     TypeOK,
		ReqID:    reqID,
		Document: document,
	}
}

// FromError builds an error response for reqID from err, mapping a
// tagged berrors.Error to its taxonomy status code and message, and
// anything else to a generic 500.
func FromError(reqID string, err error) Response {
	code := 500
	msg := err.Error()
	if be, ok := berrors.AsBTPSError(err); ok {
		code = berrors.HTTPStatus(be.Code)
		msg = be.Error()
	}
	return Response{
		Version:  "1.0",
		Status:   Status{OK: false, Code: code, Message: msg},
		ID:       uuid.NewString(),
		IssuedAt: time.Now().UTC().Format(time.RFC3339),
		Type:     TypeError,
		ReqID:    reqID,
	}
}

// Canonicalize renders r with its own Signature field absent, the byte
// form a server-side signer signs and a client verifies signedBy
// against (spec section 4.2's "stripped of its signature field" rule
// applied to the response envelope itself).
func Canonicalize(r Response) ([]byte, error) {
	stripped, err := cryptoprim.WithoutFields(r, "signature")
	if err != nil {
		return nil, err
	}
	return cryptoprim.Canonicalize(stripped)
}
