package modem

import (
	"strconv"
	"sync"
	"sync/atomic"

	"catsocks/internal/domain"
)

// inboundDepth bounds how many undelivered payload chunks a socket may
// queue. Overflow fails the socket instead of stalling the demux loop.
const inboundDepth = 64

// Socket is a network connection that exists only as modem-side state,
// manipulated through the command protocol. One socket is bound to at
// most one client connection for its whole life.
type Socket struct {
	id   int
	host string
	port int

	state   atomic.Int32
	inbound chan []byte

	// done is closed when the socket leaves the open states; it wakes
	// any pending Receive without the demux path stalling.
	done     chan struct{}
	doneOnce sync.Once
}

func newSocket(id int, host string, port int) *Socket {
	s := &Socket{
		id:      id,
		host:    host,
		port:    port,
		inbound: make(chan []byte, inboundDepth),
		done:    make(chan struct{}),
	}
	s.state.Store(int32(domain.SocketOpening))
	return s
}

func (s *Socket) ID() int { return s.id }

func (s *Socket) Remote() string {
	return s.host + ":" + strconv.Itoa(s.port)
}

func (s *Socket) State() domain.SocketState {
	return domain.SocketState(s.state.Load())
}

func (s *Socket) setState(st domain.SocketState) {
	s.state.Store(int32(st))
}

// terminate moves the socket to a terminal state exactly once. Closed
// and Failed are never left again; a new connection needs a fresh id.
func (s *Socket) terminate(st domain.SocketState) {
	s.doneOnce.Do(func() {
		s.state.Store(int32(st))
		close(s.done)
	})
}
