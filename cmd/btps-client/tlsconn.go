package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"time"
)

// tlsTransport implements client.Transport over a single short-lived
// TLS connection: dial, write one line, read one line, close, the same
// one-shot request/response shape spec section 6 gives every framed
// line.
type tlsTransport struct {
	addr       string
	skipVerify bool
	timeout    time.Duration
}

func (t *tlsTransport) Send(ctx context.Context, line []byte) ([]byte, error) {
	dialer := &tls.Dialer{Config: &tls.Config{InsecureSkipVerify: t.skipVerify}}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.addr, err)
	}
	defer conn.Close()

	if t.timeout > 0 {
		conn.SetDeadline(time.Now().Add(t.timeout))
	}

	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	reader := bufio.NewReader(conn)
	resp, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return trimNewline(resp), nil
}

func trimNewline(line []byte) []byte {
	n := len(line)
	for n > 0 && (line[n-1] == '\n' || line[n-1] == '\r') {
		n--
	}
	return line[:n]
}
