package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmhodges/clock"

	"github.com/openbtps/btps-node-sub001/artifact"
	"github.com/openbtps/btps-node-sub001/berrors"
	"github.com/openbtps/btps-node-sub001/blog"
	"github.com/openbtps/btps-node-sub001/cryptoprim"
	"github.com/openbtps/btps-node-sub001/metrics"
	"github.com/openbtps/btps-node-sub001/middleware"
	"github.com/openbtps/btps-node-sub001/response"
	"github.com/openbtps/btps-node-sub001/trust"
)

// Dispatcher emits the dispatch-stage artifact event (spec section 4.6
// step 6). For an immediate action it may compute and return a
// response synchronously; otherwise it returns handled=false and the
// pipeline writes the default ok/200 acknowledgement.
type Dispatcher interface {
	Dispatch(ctx context.Context, p artifact.Parsed, reqID string) (res response.Response, handled bool, err error)
}

// DispatcherFunc adapts a plain function to a Dispatcher.
type DispatcherFunc func(ctx context.Context, p artifact.Parsed, reqID string) (response.Response, bool, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, p artifact.Parsed, reqID string) (response.Response, bool, error) {
	return f(ctx, p, reqID)
}

// Pipeline wires the stage dependencies together and runs each framed
// line through them in order.
type Pipeline struct {
	Resolver   KeyResolver
	TrustStore trust.Store
	Dispatcher Dispatcher
	Middleware *middleware.Manager
	Clock      clock.Clock
	Log        blog.Logger
	Scope      metrics.Scope
}

// Result is the outcome of running one artifact through the pipeline:
// its final state, the transition history, and the response to write.
type Result struct {
	Transitions []Transition
	Response    response.Response
}

// timeStep records how long the stage that left `from` took, per
// SPEC_FULL's per-step latency metric.
func (p *Pipeline) timeStep(from State, d time.Duration) {
	if p.Scope != nil {
		p.Scope.TimingDuration("pipeline.step."+string(from), d)
	}
}

// countError increments a per-error-code counter, per SPEC_FULL's
// per-error-code metric.
func (p *Pipeline) countError(err error) {
	if p.Scope == nil {
		return
	}
	code := berrors.Unknown
	if be, ok := berrors.AsBTPSError(err); ok {
		code = be.Code
	}
	p.Scope.Inc("pipeline.errors."+code.String(), 1)
}

func (p *Pipeline) now() time.Time {
	if p.Clock != nil {
		return p.Clock.Now()
	}
	return time.Now()
}

// Run executes the parse/attestation/delegation/signature/trust/
// dispatch sequence over one framed line, with the middleware manager's
// before/after chains interleaved at the parsing, signatureVerification,
// trustVerification, onArtifact and onError steps per spec section 4.5's
// control flow, and returns the response to write back, never an error:
// every failure is folded into an errored-state Result carrying a
// btps_error Response, because exactly one response frame must be
// written per spec section 4.6's state machine regardless of where the
// chain stopped.
func (p *Pipeline) Run(ctx context.Context, raw []byte) Result {
	state := StateAccepted
	var transitions []Transition
	mctx := middleware.NewParsingBeforeContext(connIDFrom(ctx), raw)
	checkpoint := p.now()

	// step records a transition to `to` on success or to StateErrored
	// on failure, times the stage that just ran, counts the error code
	// on failure, and reports whether the stage succeeded.
	step := func(to State, err error) bool {
		now := p.now()
		p.timeStep(state, now.Sub(checkpoint))
		checkpoint = now
		if err != nil {
			to = StateErrored
			p.countError(err)
		}
		transitions = append(transitions, Transition{From: state, To: to, Err: err})
		state = to
		return err == nil
	}

	if res, sent, reqID := p.runBefore(middleware.StepParsing, mctx, ""); sent {
		return p.errorResult(transitions, reqID, nil, res)
	}

	parsed, reqID, err := p.parse(raw)
	if !step(StateParsed, err) {
		return p.runOnError(transitions, mctx, reqID, err)
	}
	mctx = mctx.WithData(parsed)
	if res, sent, _ := p.runAfter(middleware.StepParsing, mctx, reqID); sent {
		return p.errorResult(transitions, reqID, nil, res)
	}

	if res, sent, _ := p.runBefore(middleware.StepSignatureVerification, mctx, reqID); sent {
		return p.errorResult(transitions, reqID, nil, res)
	}

	if d := delegationOf(parsed); d != nil {
		if err := verifyAttestation(ctx, p.Resolver, *d); !step(StateAttested, err) {
			return p.runOnError(transitions, mctx, reqID, err)
		}

		if err := verifyDelegation(ctx, p.Resolver, *d, fromOf(parsed)); !step(StateDelegated, err) {
			return p.runOnError(transitions, mctx, reqID, err)
		}
	}

	sigErr := p.verifySignature(ctx, parsed)
	if !step(StateSigned, sigErr) {
		return p.runOnError(transitions, mctx, reqID, sigErr)
	}
	mctx = mctx.WithValid(true)
	if res, sent, _ := p.runAfter(middleware.StepSignatureVerification, mctx, reqID); sent {
		return p.errorResult(transitions, reqID, nil, res)
	}

	if res, sent, _ := p.runBefore(middleware.StepTrustVerification, mctx, reqID); sent {
		return p.errorResult(transitions, reqID, nil, res)
	}
	trustErr := runTrustStage(p.TrustStore, parsed, p.now())
	if !step(StateTrusted, trustErr) {
		return p.runOnError(transitions, mctx, reqID, trustErr)
	}
	mctx = mctx.WithTrusted(true)
	if res, sent, _ := p.runAfter(middleware.StepTrustVerification, mctx, reqID); sent {
		return p.errorResult(transitions, reqID, nil, res)
	}

	if res, sent, _ := p.runBefore(middleware.StepOnArtifact, mctx, reqID); sent {
		return p.errorResult(transitions, reqID, nil, res)
	}
	dispatched, handled, dispatchErr := p.dispatch(ctx, parsed, reqID)
	if !step(StateDispatched, dispatchErr) {
		return p.runOnError(transitions, mctx, reqID, dispatchErr)
	}
	step(StateResponded, nil)

	if !handled {
		dispatched = response.OK(reqID, nil)
	}
	if res, sent, _ := p.runAfter(middleware.StepOnArtifact, mctx, reqID); sent {
		dispatched = res
	}

	p.fireResponseSent(mctx)
	return Result{Transitions: transitions, Response: dispatched}
}

// runBefore runs the manager's phase=before chain for step, returning
// the response it short-circuited to (if any) and whether it did.
func (p *Pipeline) runBefore(step middleware.Step, mctx *middleware.StepContext, reqID string) (response.Response, bool, string) {
	return p.runPhase(middleware.PhaseBefore, step, mctx, reqID)
}

// runAfter runs the manager's phase=after chain for step.
func (p *Pipeline) runAfter(step middleware.Step, mctx *middleware.StepContext, reqID string) (response.Response, bool, string) {
	return p.runPhase(middleware.PhaseAfter, step, mctx, reqID)
}

func (p *Pipeline) runPhase(phase middleware.Phase, step middleware.Step, mctx *middleware.StepContext, reqID string) (response.Response, bool, string) {
	if p.Middleware == nil {
		return response.Response{}, false, reqID
	}
	res := &middleware.ResponseController{}
	p.Middleware.Run(phase, step, mctx, res)
	if !res.ResponseSent() {
		return response.Response{}, false, reqID
	}
	return middlewareResponse(res, reqID), true, reqID
}

// runOnError runs the onError step's before/after chains (which may
// observe or override the error response) and folds the result into an
// errored-state Result.
func (p *Pipeline) runOnError(transitions []Transition, mctx *middleware.StepContext, reqID string, err error) Result {
	fallback := response.FromError(reqID, err)
	if p.Middleware == nil {
		return Result{Transitions: transitions, Response: fallback}
	}
	res := &middleware.ResponseController{}
	p.Middleware.Run(middleware.PhaseBefore, middleware.StepOnError, mctx, res)
	p.Middleware.Run(middleware.PhaseAfter, middleware.StepOnError, mctx, res)
	if res.ResponseSent() {
		fallback = middlewareResponse(res, reqID)
	}
	p.fireResponseSent(mctx)
	return Result{Transitions: transitions, Response: fallback}
}

func (p *Pipeline) fireResponseSent(mctx *middleware.StepContext) {
	if p.Middleware != nil {
		p.Middleware.FireResponseSent(mctx)
	}
}

// middlewareResponse converts whatever a ResponseController latched onto
// into a wire Response: an error payload maps through response.FromError,
// a response.Response payload passes through unchanged, and any other
// payload is wrapped as a successful document.
func middlewareResponse(res *middleware.ResponseController, reqID string) response.Response {
	payload, err := res.Result()
	if err != nil {
		return response.FromError(reqID, err)
	}
	if r, ok := payload.(response.Response); ok {
		return r
	}
	return response.OK(reqID, payload)
}

func (p *Pipeline) dispatch(ctx context.Context, parsed artifact.Parsed, reqID string) (response.Response, bool, error) {
	if p.Dispatcher == nil {
		return response.Response{}, false, nil
	}
	return p.Dispatcher.Dispatch(ctx, parsed, reqID)
}

func (p *Pipeline) parse(raw []byte) (artifact.Parsed, string, error) {
	parsed, err := artifact.Detect(raw)
	if err != nil {
		return artifact.Parsed{}, "", err
	}
	if err := artifact.Validate(parsed); err != nil {
		return artifact.Parsed{}, idOf(parsed), err
	}
	return parsed, idOf(parsed), nil
}

func (p *Pipeline) errorResult(transitions []Transition, reqID string, err error, override response.Response) Result {
	if err == nil {
		return Result{Transitions: transitions, Response: override}
	}
	return Result{Transitions: transitions, Response: response.FromError(reqID, err)}
}

func (p *Pipeline) verifySignature(ctx context.Context, parsed artifact.Parsed) error {
	switch v := parsed.Value.(type) {
	case artifact.Transporter:
		pem, err := signingKeyForTransporter(ctx, p.Resolver, v)
		if err != nil {
			return err
		}
		err = verifySignature(v, v.Signature, pem)
		if v.Delegation != nil && berrors.Is(err, berrors.SigMismatch) {
			// Under an accepted delegation the outer signature is
			// verified against delegation.agentPubKey; a fingerprint
			// disagreement there means the delegation itself doesn't
			// back this signer, not an ordinary signature mismatch.
			return berrors.DelegationInvalidError("artifact signature does not match delegation.agentPubKey fingerprint")
		}
		return err

	case artifact.Agent:
		return p.verifyAgentSignature(v)

	default:
		// Control and identity-lookup artifacts carry no payload
		// signature to verify.
		return nil
	}
}

// verifyAgentSignature fetches the agent's key from the trust record
// keyed by (agentId, to) and checks the fingerprint before verifying,
// per spec section 4.6 step 4's agent-artifact rule. auth.request has
// no trust record yet, so it is a self-signed bootstrap artifact:
// verified against the public key it carries in its own document
// instead of a stored fingerprint.
func (p *Pipeline) verifyAgentSignature(a artifact.Agent) error {
	if a.Action == artifact.ActionAuthRequest {
		return verifyBootstrapAgentSignature(a)
	}
	id := trust.ID(a.AgentID, a.To)
	rec, err := p.TrustStore.GetByID(id)
	if err != nil {
		return berrors.TrustNonExistentError("no trust record for agent %q", a.AgentID)
	}
	if rec.PublicKeyFingerprint != a.Signature.Fingerprint {
		return berrors.SigMismatchError("agent %q public key fingerprint does not match signature", a.AgentID)
	}
	pem, err := cryptoprim.DecodeBase64PEM(rec.PublicKeyBase64)
	if err != nil {
		return berrors.Wrap(berrors.SigVerification, err, "decode agent public key")
	}
	return verifySignature(a, a.Signature, pem)
}

// verifyBootstrapAgentSignature verifies an auth.request artifact
// against the public key it carries in its own document, since no
// trust record can exist yet for an agent that hasn't been minted.
func verifyBootstrapAgentSignature(a artifact.Agent) error {
	var doc struct {
		PublicKey string `json:"publicKey"`
	}
	if err := json.Unmarshal(a.Document, &doc); err != nil {
		return berrors.Wrap(berrors.Validation, err, "decode auth.request document")
	}
	if doc.PublicKey == "" {
		return berrors.ValidationError("auth.request document missing publicKey")
	}
	return verifySignature(a, a.Signature, []byte(doc.PublicKey))
}

func delegationOf(p artifact.Parsed) *artifact.Delegation {
	switch v := p.Value.(type) {
	case artifact.Transporter:
		return v.Delegation
	case artifact.Agent:
		return v.Delegation
	default:
		return nil
	}
}

func fromOf(p artifact.Parsed) string {
	switch v := p.Value.(type) {
	case artifact.Transporter:
		return v.From
	case artifact.Agent:
		return v.AgentID
	default:
		return ""
	}
}

func idOf(p artifact.Parsed) string {
	switch v := p.Value.(type) {
	case artifact.Transporter:
		return v.ID
	case artifact.Agent:
		return v.ID
	case artifact.Control:
		return v.ID
	case artifact.IdentityLookup:
		return v.ID
	default:
		return ""
	}
}
