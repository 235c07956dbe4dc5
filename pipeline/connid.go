package pipeline

import "context"

type connIDKeyType struct{}

var connIDKey = connIDKeyType{}

// WithConnID attaches a connection id to ctx so Run can stamp it onto
// the middleware.StepContext it builds, without widening Run's own
// signature for a value every caller but the connection manager ignores.
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey, connID)
}

func connIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey).(string)
	return id
}
