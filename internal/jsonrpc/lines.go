// ABOUTME: Newline-delimited JSON codec used by stdio tool servers.
// ABOUTME: Blank lines are skipped; arbitrarily long lines are supported.

package jsonrpc

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/2389/coven-relay/internal/jsonx"
)

// LineCodec reads and writes one JSON value per line.
type LineCodec struct {
	r      *bufio.Reader
	w      io.Writer
	closer io.Closer

	writeMu sync.Mutex
}

// NewLineCodec builds a line codec. closer may be nil.
func NewLineCodec(r io.Reader, w io.Writer, closer io.Closer) *LineCodec {
	return &LineCodec{r: bufio.NewReaderSize(r, 64*1024), w: w, closer: closer}
}

// Read returns the next non-empty line. Lines that are not JSON come back as
// a *ProtocolError; tool servers sometimes print logs to stdout.
func (c *LineCodec) Read() ([]byte, error) {
	for {
		line, err := c.r.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			if !jsonx.Valid(trimmed) {
				return nil, &ProtocolError{Reason: "non-JSON line: " + truncate(string(trimmed), 120)}
			}
			return trimmed, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, &TransportError{Op: "read", Err: err}
		}
	}
}

// Write sends body followed by a newline.
func (c *LineCodec) Write(body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	buf := make([]byte, 0, len(body)+1)
	buf = append(buf, body...)
	buf = append(buf, '\n')
	if _, err := c.w.Write(buf); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Close closes the underlying stream if a closer was supplied.
func (c *LineCodec) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
