package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbtps/btps-node-sub001/pipeline"
	"github.com/openbtps/btps-node-sub001/response"
)

type stubRunner struct {
	fn func(ctx context.Context, raw []byte) pipeline.Result
}

func (s stubRunner) Run(ctx context.Context, raw []byte) pipeline.Result {
	return s.fn(ctx, raw)
}

func echoRunner() Runner {
	return stubRunner{fn: func(ctx context.Context, raw []byte) pipeline.Result {
		return pipeline.Result{Response: response.OK("req1", map[string]string{"echo": string(raw)})}
	}}
}

// pipeListener adapts a pair of net.Conn (from net.Pipe) into a
// net.Listener that yields the server-side conn exactly once, letting
// tests drive Serve without a real TLS socket.
type pipeListener struct {
	conns chan net.Conn
	done  chan struct{}
}

func newPipeListener() *pipeListener {
	return &pipeListener{conns: make(chan net.Conn, 1), done: make(chan struct{})}
}

func (p *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-p.conns:
		return c, nil
	case <-p.done:
		return nil, net.ErrClosed
	}
}

func (p *pipeListener) Close() error {
	close(p.done)
	return nil
}

func (p *pipeListener) Addr() net.Addr { return dummyAddr{} }

type dummyAddr struct{}

func (dummyAddr) Network() string { return "tcp" }
func (dummyAddr) String() string  { return "pipe" }

func TestServerEchoesOneResponseLinePerRequest(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	ln := newPipeListener()
	ln.conns <- serverConn

	srv := New(Config{Pipeline: echoRunner(), IdleTimeout: time.Second})
	go srv.Serve(ln)

	_, err := clientConn.Write([]byte(`{"action":"system.ping"}` + "\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(clientConn)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var res response.Response
	require.NoError(t, json.Unmarshal(line, &res))
	assert.True(t, res.Status.OK)

	clientConn.Close()
	srv.Shutdown(context.Background(), time.Second)
}

func TestServerRejectsOverRateLimit(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	ln := newPipeListener()
	ln.conns <- serverConn

	rl, err := NewRateLimiter(1, time.Minute, "@every 1h")
	require.NoError(t, err)

	srv := New(Config{Pipeline: echoRunner(), IdleTimeout: time.Second, RateLimiter: rl})
	go srv.Serve(ln)

	_, err = clientConn.Write([]byte(`{"action":"system.ping"}` + "\n"))
	require.NoError(t, err)
	reader := bufio.NewReader(clientConn)
	first, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	var firstRes response.Response
	require.NoError(t, json.Unmarshal(first, &firstRes))
	assert.True(t, firstRes.Status.OK)

	_, err = clientConn.Write([]byte(`{"action":"system.ping"}` + "\n"))
	require.NoError(t, err)
	second, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	var secondRes response.Response
	require.NoError(t, json.Unmarshal(second, &secondRes))
	assert.False(t, secondRes.Status.OK)
	assert.Equal(t, 429, secondRes.Status.Code)

	clientConn.Close()
	srv.Shutdown(context.Background(), time.Second)
}

func TestRateLimiterAllowsUnderLimitAndBlocksOver(t *testing.T) {
	rl, err := NewRateLimiter(2, time.Minute, "@every 1h")
	require.NoError(t, err)

	assert.NoError(t, rl.Allow("1.2.3.4"))
	assert.NoError(t, rl.Allow("1.2.3.4"))
	assert.Error(t, rl.Allow("1.2.3.4"))
	assert.NoError(t, rl.Allow("5.6.7.8"))
}
