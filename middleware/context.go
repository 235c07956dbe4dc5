package middleware

import (
	"sync"

	"github.com/openbtps/btps-node-sub001/artifact"
)

// StepContext carries exactly the fields a given (phase,step)
// guarantees are populated, per spec section 4.5's context invariants:
// parsing/before sees only RawPacket; parsing/after adds Data;
// signatureVerification/after adds IsValid; trustVerification/after
// adds IsTrusted; onArtifact sees both IsValid and IsTrusted.
// Unpopulated fields are left at their zero value — callers must check
// the accessor's second return rather than assume presence.
type StepContext struct {
	ConnID string

	rawPacket  []byte
	hasData    bool
	data       artifact.Parsed
	hasValid   bool
	isValid    bool
	hasTrusted bool
	isTrusted  bool
}

// NewParsingBeforeContext builds the context available to
// parsing/before handlers.
func NewParsingBeforeContext(connID string, raw []byte) *StepContext {
	return &StepContext{ConnID: connID, rawPacket: raw}
}

// RawPacket returns the unparsed line, available from parsing/before
// onward.
func (c *StepContext) RawPacket() []byte { return c.rawPacket }

// WithData attaches the parsed artifact, populating Data from
// parsing/after onward.
func (c *StepContext) WithData(p artifact.Parsed) *StepContext {
	c.data = p
	c.hasData = true
	return c
}

// Data returns the parsed artifact and whether it has been populated
// yet.
func (c *StepContext) Data() (artifact.Parsed, bool) { return c.data, c.hasData }

// WithValid attaches the signature verification result, populating
// IsValid from signatureVerification/after onward.
func (c *StepContext) WithValid(v bool) *StepContext {
	c.isValid = v
	c.hasValid = true
	return c
}

// IsValid returns the signature verification result and whether it has
// been populated yet.
func (c *StepContext) IsValid() (bool, bool) { return c.isValid, c.hasValid }

// WithTrusted attaches the trust verification result, populating
// IsTrusted from trustVerification/after onward.
func (c *StepContext) WithTrusted(v bool) *StepContext {
	c.isTrusted = v
	c.hasTrusted = true
	return c
}

// IsTrusted returns the trust verification result and whether it has
// been populated yet.
func (c *StepContext) IsTrusted() (bool, bool) { return c.isTrusted, c.hasTrusted }

// ResponseController is the res argument handlers use for flow
// control: sendError/sendRes short-circuit the remaining chain, and
// responseSent is observed by Manager.Run and the pipeline after every
// handler.
type ResponseController struct {
	mu           sync.Mutex
	sent         bool
	errorPayload error
	resPayload   interface{}
}

// SendError marks the response as sent with an error payload. Only the
// first call has effect; later calls are no-ops, since spec section
// 4.5 treats responseSent as a one-way latch.
func (r *ResponseController) SendError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent {
		return
	}
	r.sent = true
	r.errorPayload = err
}

// SendRes marks the response as sent with a success payload.
func (r *ResponseController) SendRes(payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent {
		return
	}
	r.sent = true
	r.resPayload = payload
}

// ResponseSent reports whether SendError or SendRes has been called.
func (r *ResponseController) ResponseSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

// Result returns whatever was passed to SendError/SendRes, and which
// one it was (err != nil means SendError won).
func (r *ResponseController) Result() (res interface{}, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resPayload, r.errorPayload
}
