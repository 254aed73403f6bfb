package domain

import (
	"io"
	"net"
	"time"
)

// SerialPort is the raw transport under the serial channel. A real tty
// (*os.File on a poller-registered fd) satisfies it, and so does one
// end of net.Pipe in tests.
type SerialPort interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Resolver turns a hostname from a SOCKS request into an IPv4 address.
type Resolver interface {
	Resolve(host string) (net.IP, error)
}
