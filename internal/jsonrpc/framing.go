// ABOUTME: Content-Length framed codec used on the backend's stdio pipes.
// ABOUTME: The reader tolerates arbitrary partial reads and never merges or skips frames.

package jsonrpc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

var headerTerminator = []byte("\r\n\r\n")

const (
	readChunkSize = 32 * 1024

	// MaxFrameSize bounds a single declared body length.
	MaxFrameSize = 64 << 20
)

// FrameReader extracts Content-Length framed bodies from a byte stream.
type FrameReader struct {
	r   io.Reader
	buf []byte
	eof bool
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Next returns the next complete body. It returns io.EOF once the stream ends
// and no complete frame remains; a trailing partial frame is discarded. A
// header block without a usable Content-Length yields a *ProtocolError and
// the block is skipped, so the caller may keep reading.
func (f *FrameReader) Next() ([]byte, error) {
	for {
		if body, ok, err := f.extract(); err != nil || ok {
			return body, err
		}
		if f.eof {
			return nil, io.EOF
		}
		if err := f.fill(); err != nil {
			return nil, err
		}
	}
}

// extract tries to cut one frame out of the buffer.
func (f *FrameReader) extract() ([]byte, bool, error) {
	end := bytes.Index(f.buf, headerTerminator)
	if end < 0 {
		return nil, false, nil
	}
	header := string(f.buf[:end])
	length, err := parseContentLength(header)
	if err != nil {
		f.buf = f.buf[end+len(headerTerminator):]
		return nil, false, &ProtocolError{Reason: "bad frame header", Err: err}
	}
	start := end + len(headerTerminator)
	if len(f.buf)-start < length {
		return nil, false, nil
	}
	body := make([]byte, length)
	copy(body, f.buf[start:start+length])
	f.buf = f.buf[start+length:]
	return body, true, nil
}

func (f *FrameReader) fill() error {
	chunk := make([]byte, readChunkSize)
	n, err := f.r.Read(chunk)
	if n > 0 {
		f.buf = append(f.buf, chunk[:n]...)
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			f.eof = true
			return nil
		}
		return &TransportError{Op: "read", Err: err}
	}
	return nil
}

func parseContentLength(header string) (int, error) {
	for _, line := range strings.Split(header, "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("content-length %q: %w", value, err)
		}
		if n < 0 || n > MaxFrameSize {
			return 0, fmt.Errorf("content-length %d out of range", n)
		}
		return n, nil
	}
	return 0, errors.New("missing Content-Length")
}

// EncodeFrame returns body with its Content-Length header prepended. The
// length counts bytes of the UTF-8 body.
func EncodeFrame(body []byte) []byte {
	header := "Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n"
	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	return append(out, body...)
}

// FramedCodec reads and writes Content-Length frames.
type FramedCodec struct {
	reader *FrameReader
	w      io.Writer
	closer io.Closer

	writeMu sync.Mutex
}

// NewFramedCodec builds a codec from a reader and writer. closer may be nil.
func NewFramedCodec(r io.Reader, w io.Writer, closer io.Closer) *FramedCodec {
	return &FramedCodec{reader: NewFrameReader(r), w: w, closer: closer}
}

// Read returns the next frame body.
func (c *FramedCodec) Read() ([]byte, error) {
	return c.reader.Next()
}

// Write sends one frame. Writes are serialized so frames never interleave.
func (c *FramedCodec) Write(body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(EncodeFrame(body)); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Close closes the underlying stream if a closer was supplied.
func (c *FramedCodec) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// WriteFrame writes one framed body to w.
func WriteFrame(w io.Writer, body []byte) error {
	if _, err := w.Write(EncodeFrame(body)); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}
