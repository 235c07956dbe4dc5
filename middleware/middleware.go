// Package middleware implements C6: the middleware manager that loads,
// validates, priority-sorts and runs per-step handler chains around the
// request pipeline, generalizing the wrapping-handler-with-generic-
// per-request-behavior shape wfe2.WebFrontEndImpl.HandleFunc gives HTTP
// routes (Replay-Nonce, CORS, method checks layered around one
// wfeHandlerFunc) to BTPS's phase/step-scoped artifact pipeline.
package middleware

import (
	"math"
	"sort"

	"github.com/openbtps/btps-node-sub001/berrors"
)

// Phase is which side of a step's work a handler runs on.
type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseAfter  Phase = "after"
)

// Step names a point in the request pipeline a handler attaches to.
type Step string

const (
	StepParsing               Step = "parsing"
	StepSignatureVerification Step = "signatureVerification"
	StepTrustVerification     Step = "trustVerification"
	StepOnArtifact            Step = "onArtifact"
	StepOnError               Step = "onError"
)

var validPhases = map[Phase]bool{PhaseBefore: true, PhaseAfter: true}

var validSteps = map[Step]bool{
	StepParsing:               true,
	StepSignatureVerification: true,
	StepTrustVerification:     true,
	StepOnArtifact:            true,
	StepOnError:               true,
}

// noPriority is the sort key a Definition with a nil Priority gets,
// matching spec section 4.5's "missing priority = +infinity".
const noPriority = math.MaxInt

// HandlerFunc is a middleware handler. It must call res.Next to
// continue the chain, or call res.SendError/res.SendRes to
// short-circuit it; calling neither stalls the connection, exactly as
// calling next() is required in the handler shape spec section 4.5
// describes.
type HandlerFunc func(ctx *StepContext, res *ResponseController)

// Definition is one middleware registration.
type Definition struct {
	Phase    Phase
	Step     Step
	Priority *int
	Config   map[string]interface{}
	Handler  HandlerFunc
	Disabled bool
}

func (d Definition) priorityKey() int {
	if d.Priority == nil {
		return noPriority
	}
	return *d.Priority
}

// validate rejects unknown phase/step, a nil handler, and negative
// priorities, per spec section 4.5's loader validation rule.
func (d Definition) validate() error {
	if !validPhases[d.Phase] {
		return berrors.ValidationError("middleware: unknown phase %q", d.Phase)
	}
	if !validSteps[d.Step] {
		return berrors.ValidationError("middleware: unknown step %q", d.Step)
	}
	if d.Handler == nil {
		return berrors.ValidationError("middleware: handler is required")
	}
	if d.Priority != nil && *d.Priority < 0 {
		return berrors.ValidationError("middleware: negative priority %d", *d.Priority)
	}
	return nil
}

// Factory builds a Definition slice given injected dependencies. BTPS
// middleware is registered by name rather than loaded from an
// arbitrary filesystem path at runtime: Go has no portable, safe
// equivalent of a dynamic require(path) that also works across the
// static binaries this module ships (see DESIGN.md's open-question
// note). Hosts call Register at init time, then Manager.Load by name.
type Factory func(deps interface{}) ([]Definition, error)

var registry = map[string]Factory{}

// Register adds a named middleware factory to the package-level
// registry. Intended to be called from an init() in the package that
// implements the middleware, mirroring how Go SQL drivers register
// themselves with database/sql.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// Manager holds the validated, priority-sorted handler chains for
// every (phase,step) pair, plus the three lifecycle hooks.
type Manager struct {
	chains map[Phase]map[Step][]Definition

	onServerStart  []func()
	onServerStop   []func()
	onResponseSent []func(*StepContext)
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{chains: make(map[Phase]map[Step][]Definition)}
}

// Load resolves name in the registry, calls its factory with deps,
// validates every returned Definition, drops Disabled ones, and merges
// the rest into the manager's chains, sorted ascending by priority.
func (m *Manager) Load(name string, deps interface{}) error {
	factory, ok := registry[name]
	if !ok {
		return berrors.ValidationError("middleware: no factory registered under %q", name)
	}
	defs, err := factory(deps)
	if err != nil {
		return berrors.Wrap(berrors.InvalidConfig, err, "middleware factory %q", name)
	}
	for _, d := range defs {
		if d.Disabled {
			continue
		}
		if err := d.validate(); err != nil {
			return err
		}
		m.add(d)
	}
	return nil
}

// AddDefinition validates and adds a single Definition directly,
// bypassing the registry. Useful for host-app-builtin middleware that
// has no reason to round-trip through Register/Load.
func (m *Manager) AddDefinition(d Definition) error {
	if d.Disabled {
		return nil
	}
	if err := d.validate(); err != nil {
		return err
	}
	m.add(d)
	return nil
}

func (m *Manager) add(d Definition) {
	if m.chains[d.Phase] == nil {
		m.chains[d.Phase] = make(map[Step][]Definition)
	}
	m.chains[d.Phase][d.Step] = append(m.chains[d.Phase][d.Step], d)
	defs := m.chains[d.Phase][d.Step]
	sort.SliceStable(defs, func(i, j int) bool {
		return defs[i].priorityKey() < defs[j].priorityKey()
	})
}

// Run executes every handler registered for (phase,step) in priority
// order, stopping as soon as one calls SendError/SendRes (observed via
// ctx's ResponseController becoming ResponseSent), per spec section
// 4.5's flow-control rule.
func (m *Manager) Run(phase Phase, step Step, ctx *StepContext, res *ResponseController) {
	for _, d := range m.chains[phase][step] {
		if res.ResponseSent() {
			return
		}
		d.Handler(ctx, res)
	}
}

// OnServerStart registers a hook run once when the server comes up.
func (m *Manager) OnServerStart(fn func()) { m.onServerStart = append(m.onServerStart, fn) }

// OnServerStop registers a hook run once during graceful shutdown.
func (m *Manager) OnServerStop(fn func()) { m.onServerStop = append(m.onServerStop, fn) }

// OnResponseSent registers a hook run after every response frame is
// written, receiving the StepContext the response was computed from.
func (m *Manager) OnResponseSent(fn func(*StepContext)) {
	m.onResponseSent = append(m.onResponseSent, fn)
}

// FireServerStart runs every registered onServerStart hook.
func (m *Manager) FireServerStart() {
	for _, fn := range m.onServerStart {
		fn()
	}
}

// FireServerStop runs every registered onServerStop hook.
func (m *Manager) FireServerStop() {
	for _, fn := range m.onServerStop {
		fn()
	}
}

// FireResponseSent runs every registered onResponseSent hook.
func (m *Manager) FireResponseSent(ctx *StepContext) {
	for _, fn := range m.onResponseSent {
		fn(ctx)
	}
}
