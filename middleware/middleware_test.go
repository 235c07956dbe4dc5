package middleware

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestDefinitionValidateRejectsUnknownPhaseAndStep(t *testing.T) {
	d := Definition{Phase: "sideways", Step: StepParsing, Handler: func(*StepContext, *ResponseController) {}}
	assert.Error(t, d.validate())

	d2 := Definition{Phase: PhaseBefore, Step: "unknown", Handler: func(*StepContext, *ResponseController) {}}
	assert.Error(t, d2.validate())
}

func TestDefinitionValidateRejectsNilHandlerAndNegativePriority(t *testing.T) {
	d := Definition{Phase: PhaseBefore, Step: StepParsing}
	assert.Error(t, d.validate())

	neg := -1
	d2 := Definition{Phase: PhaseBefore, Step: StepParsing, Priority: &neg, Handler: func(*StepContext, *ResponseController) {}}
	assert.Error(t, d2.validate())
}

func TestManagerRunsInPriorityOrder(t *testing.T) {
	m := NewManager()
	var order []int

	require.NoError(t, m.AddDefinition(Definition{
		Phase: PhaseBefore, Step: StepParsing, Priority: intPtr(10),
		Handler: func(*StepContext, *ResponseController) { order = append(order, 10) },
	}))
	require.NoError(t, m.AddDefinition(Definition{
		Phase: PhaseBefore, Step: StepParsing, Priority: intPtr(1),
		Handler: func(*StepContext, *ResponseController) { order = append(order, 1) },
	}))
	require.NoError(t, m.AddDefinition(Definition{
		Phase: PhaseBefore, Step: StepParsing,
		Handler: func(*StepContext, *ResponseController) { order = append(order, 999) },
	}))

	ctx := NewParsingBeforeContext("conn1", []byte("{}"))
	res := &ResponseController{}
	m.Run(PhaseBefore, StepParsing, ctx, res)

	assert.Equal(t, []int{1, 10, 999}, order)
}

func TestManagerStopsChainOnResponseSent(t *testing.T) {
	m := NewManager()
	var ran []string

	require.NoError(t, m.AddDefinition(Definition{
		Phase: PhaseBefore, Step: StepParsing, Priority: intPtr(1),
		Handler: func(ctx *StepContext, res *ResponseController) {
			ran = append(ran, "first")
			res.SendError(errors.New("boom"))
		},
	}))
	require.NoError(t, m.AddDefinition(Definition{
		Phase: PhaseBefore, Step: StepParsing, Priority: intPtr(2),
		Handler: func(ctx *StepContext, res *ResponseController) { ran = append(ran, "second") },
	}))

	ctx := NewParsingBeforeContext("conn1", []byte("{}"))
	res := &ResponseController{}
	m.Run(PhaseBefore, StepParsing, ctx, res)

	assert.Equal(t, []string{"first"}, ran)
	assert.True(t, res.ResponseSent())
	_, err := res.Result()
	assert.Error(t, err)
}

func TestDisabledDefinitionIsOmitted(t *testing.T) {
	m := NewManager()
	var ran bool
	require.NoError(t, m.AddDefinition(Definition{
		Phase: PhaseBefore, Step: StepParsing, Disabled: true,
		Handler: func(*StepContext, *ResponseController) { ran = true },
	}))

	ctx := NewParsingBeforeContext("conn1", []byte("{}"))
	res := &ResponseController{}
	m.Run(PhaseBefore, StepParsing, ctx, res)
	assert.False(t, ran)
}

func TestLoadUsesRegisteredFactory(t *testing.T) {
	Register("test-noop", func(deps interface{}) ([]Definition, error) {
		return []Definition{{
			Phase: PhaseAfter, Step: StepOnArtifact,
			Handler: func(*StepContext, *ResponseController) {},
		}}, nil
	})

	m := NewManager()
	require.NoError(t, m.Load("test-noop", nil))
	assert.Len(t, m.chains[PhaseAfter][StepOnArtifact], 1)
}

func TestLoadRejectsUnknownName(t *testing.T) {
	m := NewManager()
	assert.Error(t, m.Load("does-not-exist", nil))
}

func TestLifecycleHooksFire(t *testing.T) {
	m := NewManager()
	var started, stopped, responded bool
	m.OnServerStart(func() { started = true })
	m.OnServerStop(func() { stopped = true })
	m.OnResponseSent(func(*StepContext) { responded = true })

	m.FireServerStart()
	m.FireServerStop()
	m.FireResponseSent(NewParsingBeforeContext("c", nil))

	assert.True(t, started)
	assert.True(t, stopped)
	assert.True(t, responded)
}
