package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// ProbeTimeout bounds the connect attempt used to detect whether a daemon
// is already listening (spec.md §4.10).
const ProbeTimeout = 300 * time.Millisecond

// CallTimeout bounds how long Call waits for a response once connected.
const CallTimeout = 10 * time.Second

// Client is a connection to a running daemon's IPC socket.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	fr   *frameReader
}

// Probe dials address with ProbeTimeout and reports whether a daemon is
// listening. It closes the probe connection itself; real traffic dials
// fresh via Connect, since Probe's sole purpose is the startup
// bind-or-proxy decision in reuse.go.
func Probe(address string) bool {
	conn, err := dialWithTimeout(address, ProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func dialWithTimeout(address string, timeout time.Duration) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := Dial(address)
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("dial %s: timed out after %s", address, timeout)
	}
}

// Connect dials address for sustained use as a proxying client.
func Connect(address string) (*Client, error) {
	conn, err := dialWithTimeout(address, ProbeTimeout)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, fr: newFrameReader(conn)}, nil
}

// Call sends one request and waits for its matching response. Concurrent
// Call invocations on the same Client are serialized: the protocol has no
// request multiplexing, matching the daemon's one-request-then-response
// handling per connection.
func (c *Client) Call(id, method string, params interface{}) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return Response{}, fmt.Errorf("marshal params: %w", err)
		}
		raw = encoded
	}
	req := Request{ID: id, Method: method, Params: raw}
	if err := req.Validate(); err != nil {
		return Response{}, err
	}

	if err := c.conn.SetDeadline(time.Now().Add(CallTimeout)); err != nil {
		return Response{}, err
	}
	if err := writeFrame(c.conn, req); err != nil {
		return Response{}, fmt.Errorf("write request: %w", err)
	}

	line, err := c.fr.readLine()
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
