package serial

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"time"

	"catsocks/internal/domain"
)

// Channel owns byte-level access to the physical link. It is not
// internally locked: the link arbiter in the modem layer guarantees a
// single reader/writer at a time, and everything above it goes through
// that discipline.
type Channel struct {
	port domain.SerialPort
	r    *bufio.Reader

	// pending holds a partially read line so a ReadLine that times out
	// mid-line (routine for the demux poll loop) resumes where it left
	// off instead of losing bytes.
	pending bytes.Buffer
}

func NewChannel(port domain.SerialPort) *Channel {
	return &Channel{
		port: port,
		r:    bufio.NewReader(port),
	}
}

// Write appends to the outgoing stream.
func (c *Channel) Write(p []byte) error {
	if _, err := c.port.Write(p); err != nil {
		return mapErr(err)
	}
	return nil
}

// ReadLine returns the next complete CRLF-terminated line with the
// delimiter stripped, blocking up to timeout.
func (c *Channel) ReadLine(timeout time.Duration) (string, error) {
	if err := c.port.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", mapErr(err)
	}
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return "", mapErr(err)
		}
		if b == '\n' {
			line := string(bytes.TrimRight(c.pending.Bytes(), "\r"))
			c.pending.Reset()
			return line, nil
		}
		c.pending.WriteByte(b)
	}
}

// ReadExact returns exactly n raw bytes, treating them as opaque: no
// line-delimiter interpretation, no token scanning. Callers invoke it
// only at a line boundary (right after a receive notification), so the
// partial-line buffer is empty.
func (c *Channel) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	if err := c.port.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, mapErr(err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, mapErr(err)
	}
	return buf, nil
}

// ReadLineOrPrompt reads like ReadLine but also recognizes prompt as a
// complete token when it arrives at the start of a line, the way the
// modem's single-byte send prompt does. It shares the partial-line
// buffer with ReadLine, so a line split across an earlier timed-out
// read is reassembled here rather than re-scanned byte by byte.
func (c *Channel) ReadLineOrPrompt(prompt byte, timeout time.Duration) (string, bool, error) {
	if err := c.port.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", false, mapErr(err)
	}
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return "", false, mapErr(err)
		}
		if b == prompt && c.pending.Len() == 0 {
			return "", true, nil
		}
		if b == '\n' {
			line := string(bytes.TrimRight(c.pending.Bytes(), "\r"))
			c.pending.Reset()
			return line, false, nil
		}
		c.pending.WriteByte(b)
	}
}

// Close closes the underlying transport.
func (c *Channel) Close() error {
	return c.port.Close()
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return domain.ErrLinkTimeout
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, fs.ErrClosed):
		return domain.ErrLinkClosed
	}
	return fmt.Errorf("%w: %v", domain.ErrLinkClosed, err)
}
