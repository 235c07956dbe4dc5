package middleware

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbtps/btps-node-sub001/artifact"
	"github.com/openbtps/btps-node-sub001/blog"
)

func transporterCtx(from string) *StepContext {
	ctx := NewParsingBeforeContext("conn1", nil)
	return ctx.WithData(artifact.Parsed{Value: artifact.Transporter{
		From: from, To: "bob$b.com", Document: json.RawMessage(`{}`),
	}})
}

func TestAuditLogFactoryRejectsMissingLogger(t *testing.T) {
	_, err := newAuditLogDefinitions(AuditLogDeps{})
	assert.Error(t, err)
}

func TestAuditLogFactoryLogsOnDispatch(t *testing.T) {
	defs, err := newAuditLogDefinitions(AuditLogDeps{Log: blog.NewDevelopment()})
	require.NoError(t, err)
	require.Len(t, defs, 1)

	res := &ResponseController{}
	defs[0].Handler(transporterCtx("alice$a.com"), res)
	assert.False(t, res.ResponseSent())
}

func TestIdentityRateLimitBlocksOverLimit(t *testing.T) {
	defs, err := newIdentityRateLimitDefinitions(RateLimitDeps{Limit: 1, Window: time.Minute, Clock: clock.NewFake()})
	require.NoError(t, err)
	require.Len(t, defs, 1)

	res1 := &ResponseController{}
	defs[0].Handler(transporterCtx("alice$a.com"), res1)
	assert.False(t, res1.ResponseSent())

	res2 := &ResponseController{}
	defs[0].Handler(transporterCtx("alice$a.com"), res2)
	assert.True(t, res2.ResponseSent())

	res3 := &ResponseController{}
	defs[0].Handler(transporterCtx("carol$c.com"), res3)
	assert.False(t, res3.ResponseSent())
}
