package middleware

import (
	"sync"
	"time"

	"github.com/jmhodges/clock"

	"github.com/openbtps/btps-node-sub001/artifact"
	"github.com/openbtps/btps-node-sub001/berrors"
	"github.com/openbtps/btps-node-sub001/blog"
)

// AuditLogDeps is what the "auditlog" factory needs.
type AuditLogDeps struct {
	Log blog.Logger
}

func init() {
	Register("auditlog", newAuditLogDefinitions)
	Register("ratelimit.identity", newIdentityRateLimitDefinitions)
}

// newAuditLogDefinitions builds the default audit-log middleware: a
// single onArtifact/before handler that records which sender and
// artifact action reached dispatch, the same "always-on wrapper around
// the handler chain" role boulder's metrics/measured_http plays for
// every HTTP request.
func newAuditLogDefinitions(deps interface{}) ([]Definition, error) {
	d, ok := deps.(AuditLogDeps)
	if !ok {
		return nil, berrors.InvalidConfigError("auditlog: expected AuditLogDeps, got %T", deps)
	}
	if d.Log == nil {
		return nil, berrors.InvalidConfigError("auditlog: Log is required")
	}
	return []Definition{
		{
			Phase: PhaseBefore,
			Step:  StepOnArtifact,
			Handler: func(ctx *StepContext, res *ResponseController) {
				parsed, ok := ctx.Data()
				if !ok {
					return
				}
				d.Log.Infof("conn %s: dispatching %s %s", ctx.ConnID, artifactVariant(parsed), artifactSubject(parsed))
			},
		},
	}, nil
}

// RateLimitDeps is what the "ratelimit.identity" factory needs.
type RateLimitDeps struct {
	Limit  int
	Window time.Duration
	Clock  clock.Clock
}

// newIdentityRateLimitDefinitions builds a before/onArtifact handler
// that enforces a per-sender-identity request budget, complementing the
// connection manager's IP-keyed limiter with the sender-identity-keyed
// half of spec section 4.7's "shared rate counters ... keyed by IP and
// by sender identity". Unlike the connection manager's cron-swept
// counters, this limiter's buckets are garbage-collected lazily on
// access, since middleware factories have no lifecycle hook to start a
// background sweeper from.
func newIdentityRateLimitDefinitions(deps interface{}) ([]Definition, error) {
	d, ok := deps.(RateLimitDeps)
	if !ok {
		return nil, berrors.InvalidConfigError("ratelimit.identity: expected RateLimitDeps, got %T", deps)
	}
	if d.Limit <= 0 {
		return nil, berrors.InvalidConfigError("ratelimit.identity: Limit must be positive")
	}
	if d.Window <= 0 {
		d.Window = time.Minute
	}
	limiter := &identityLimiter{limit: d.Limit, window: d.Window, clk: d.Clock, buckets: make(map[string]*identityBucket)}

	return []Definition{
		{
			Phase: PhaseBefore,
			Step:  StepOnArtifact,
			Handler: func(ctx *StepContext, res *ResponseController) {
				parsed, ok := ctx.Data()
				if !ok {
					return
				}
				identity := artifactSubject(parsed)
				if identity == "" {
					return
				}
				if err := limiter.allow(identity); err != nil {
					res.SendError(err)
				}
			},
		},
	}, nil
}

type identityBucket struct {
	count      int
	windowEnds time.Time
}

type identityLimiter struct {
	mu      sync.Mutex
	buckets map[string]*identityBucket
	limit   int
	window  time.Duration
	clk     clock.Clock
}

func (l *identityLimiter) now() time.Time {
	if l.clk != nil {
		return l.clk.Now()
	}
	return time.Now()
}

func (l *identityLimiter) allow(key string) error {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, b := range l.buckets {
		if now.After(b.windowEnds) && k != key {
			delete(l.buckets, k)
		}
	}

	b, ok := l.buckets[key]
	if !ok || now.After(b.windowEnds) {
		b = &identityBucket{windowEnds: now.Add(l.window)}
		l.buckets[key] = b
	}
	b.count++
	if b.count > l.limit {
		return berrors.RateLimiterError("rate limit exceeded for identity %q", key)
	}
	return nil
}

func artifactVariant(p artifact.Parsed) string {
	switch p.Value.(type) {
	case artifact.Transporter:
		return "transporter"
	case artifact.Agent:
		return "agent"
	case artifact.Control:
		return "control"
	case artifact.IdentityLookup:
		return "identity_lookup"
	default:
		return "unknown"
	}
}

func artifactSubject(p artifact.Parsed) string {
	switch v := p.Value.(type) {
	case artifact.Transporter:
		return v.From
	case artifact.Agent:
		return v.AgentID
	case artifact.IdentityLookup:
		return v.From
	default:
		return ""
	}
}
