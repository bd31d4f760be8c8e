package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the 1 MiB request/response size ceiling (spec.md §4.10).
const MaxMessageSize = 1 << 20

// MaxIDLen and MaxMethodLen bound Request.ID and Request.Method.
const (
	MaxIDLen     = 100
	MaxMethodLen = 100
)

// Request is one newline-delimited JSON RPC request (spec.md §4.10).
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Validate enforces the id/method length limits.
func (r Request) Validate() error {
	if len(r.ID) == 0 || len(r.ID) > MaxIDLen {
		return fmt.Errorf("request id must be 1..%d bytes", MaxIDLen)
	}
	if len(r.Method) == 0 || len(r.Method) > MaxMethodLen {
		return fmt.Errorf("request method must be 1..%d bytes", MaxMethodLen)
	}
	return nil
}

// Response is one newline-delimited JSON RPC response.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ErrorResponse builds a {ok:false,error} response for id.
func ErrorResponse(id string, err error) Response {
	return Response{ID: id, OK: false, Error: err.Error()}
}

// OKResponse builds a {ok:true,result} response for id, marshaling result.
func OKResponse(id string, result interface{}) Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return ErrorResponse(id, fmt.Errorf("marshal result: %w", err))
	}
	return Response{ID: id, OK: true, Result: raw}
}

// frameReader reads newline-terminated JSON messages, rejecting any single
// line over MaxMessageSize (spec.md §4.10: "requests exceeding either limit
// receive a failure response and the socket is destroyed").
type frameReader struct {
	scanner *bufio.Scanner
}

func newFrameReader(r io.Reader) *frameReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxMessageSize+1)
	return &frameReader{scanner: s}
}

func (fr *frameReader) readLine() ([]byte, error) {
	if !fr.scanner.Scan() {
		if err := fr.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := fr.scanner.Bytes()
	if len(line) > MaxMessageSize {
		return nil, fmt.Errorf("message exceeds %d bytes", MaxMessageSize)
	}
	out := make([]byte, len(line))
	copy(out, line)
	return out, nil
}

func writeFrame(w io.Writer, v interface{}) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(line) > MaxMessageSize {
		return fmt.Errorf("message exceeds %d bytes", MaxMessageSize)
	}
	line = append(line, '\n')
	_, err = w.Write(line)
	return err
}
