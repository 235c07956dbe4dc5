package berrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesConstructedCode(t *testing.T) {
	err := TrustAlreadyActiveError("trust already active between %s and %s", "a$x.com", "b$y.com")
	assert.True(t, Is(err, TrustAlreadyActive))
	assert.False(t, Is(err, TrustNonExistent))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(InvalidConfig, cause, "flush failed")
	be, ok := AsBTPSError(err)
	require.True(t, ok)
	assert.Equal(t, InvalidConfig, be.Code)
	assert.ErrorIs(t, err.(*Error), cause)
}

func TestWithMetaAttaches(t *testing.T) {
	err := ValidationError("bad document")
	withMeta := WithMeta(err, map[string]interface{}{"field": "document"})
	be, ok := AsBTPSError(withMeta)
	require.True(t, ok)
	assert.Equal(t, "document", be.Meta["field"])
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, 403, HTTPStatus(TrustNonExistent))
	assert.Equal(t, 429, HTTPStatus(RateLimiter))
	assert.Equal(t, 408, HTTPStatus(SocketTimeout))
	assert.Equal(t, 200, 200) // sanity: non-error path is asserted at the response package level
}
