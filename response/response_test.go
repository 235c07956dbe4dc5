package response

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbtps/btps-node-sub001/berrors"
)

func TestOKBuildsSuccessEnvelope(t *testing.T) {
	r := OK("req1", map[string]string{"hello": "world"})
	assert.True(t, r.Status.OK)
	assert.Equal(t, 200, r.Status.Code)
	assert.Equal(t, TypeOK, r.Type)
	assert.Equal(t, "req1", r.ReqID)
}

func TestFromErrorMapsTaxonomyCode(t *testing.T) {
	err := berrors.TrustAlreadyActiveError("already active")
	r := FromError("req1", err)
	assert.False(t, r.Status.OK)
	assert.Equal(t, TypeError, r.Type)
	assert.Equal(t, berrors.HTTPStatus(berrors.TrustAlreadyActive), r.Status.Code)
}

func TestFromErrorFallsBackToFiveHundred(t *testing.T) {
	r := FromError("req1", assertPlainError{})
	assert.Equal(t, 500, r.Status.Code)
}

type assertPlainError struct{}

func (assertPlainError) Error() string { return "boom" }

func TestCanonicalizeOmitsSignatureField(t *testing.T) {
	r := OK("req1", nil)
	raw, err := Canonicalize(r)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "\"signature\"")
}
