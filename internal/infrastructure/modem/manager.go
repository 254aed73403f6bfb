package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"catsocks/internal/domain"
)

// Config is the modem-facing tuning surface.
type Config struct {
	ContextID     int           // PDP context id embedded in open commands
	PoolSize      int           // max concurrent modem sockets
	ChunkSize     int           // hardware per-send ceiling, bytes
	OpenTimeout   time.Duration // connection setup is slow on cellular
	PromptTimeout time.Duration
	AckTimeout    time.Duration
	CloseTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ContextID == 0 {
		c.ContextID = 1
	}
	if c.PoolSize == 0 {
		c.PoolSize = 12 // Quectel connect ids run 0..11
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 1024
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.PromptTimeout == 0 {
		c.PromptTimeout = 5 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = 2 * time.Second
	}
	return c
}

var qiopenRe = regexp.MustCompile(`\+QIOPEN: (\d+),(\d+)`)

// Quectel TCP/IP stack result codes seen on +QIOPEN.
var openResultText = map[int]string{
	550: "unknown error",
	551: "operation blocked",
	552: "invalid parameters",
	553: "memory not enough",
	554: "create socket failed",
	561: "open PDP context failed",
	563: "socket identity has been used",
	564: "DNS busy",
	565: "DNS parse failed",
	566: "socket connect failed",
	567: "socket has been closed",
	568: "operation busy",
	569: "operation timeout",
}

// Manager maps socket ids to virtual sockets and serializes every
// link-using operation through the driver. Ids come from a bounded
// pool; an id is held by at most one client at a time and only returns
// to the pool after Close.
type Manager struct {
	drv *Driver
	log *slog.Logger
	cfg Config

	free chan int

	mu     sync.Mutex
	active map[int]*Socket
}

func NewManager(drv *Driver, log *slog.Logger, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		drv:    drv,
		log:    log,
		cfg:    cfg,
		free:   make(chan int, cfg.PoolSize),
		active: make(map[int]*Socket),
	}
	for id := 0; id < cfg.PoolSize; id++ {
		m.free <- id
	}
	return m
}

// Init brings the modem up: optionally wait for the boot RDY line,
// then disable command echo.
func (m *Manager) Init(ctx context.Context, waitReady bool, readyTimeout time.Duration) error {
	if waitReady {
		if err := m.drv.WaitReady(ctx, readyTimeout); err != nil {
			return err
		}
	}
	return m.drv.DisableEcho(ctx)
}

// FreeIDs reports how many socket ids are available.
func (m *Manager) FreeIDs() int { return len(m.free) }

// Open allocates an id and asks the modem for a TCP connection in
// direct-push mode. Result code 0 (or a CONNECT line) opens the
// socket; any other recognized code, a rejection, or silence until the
// deadline fails it and returns the id to the pool. With no id free it
// fails immediately, before anything touches the wire.
func (m *Manager) Open(ctx context.Context, host string, port int) (*Socket, error) {
	var id int
	select {
	case id = <-m.free:
	default:
		return nil, domain.ErrPoolExhausted
	}

	s := newSocket(id, host, port)
	m.mu.Lock()
	m.active[id] = s
	m.mu.Unlock()

	cmd := fmt.Sprintf(`AT+QIOPEN=%d,%d,"TCP","%s",%d,0,1`, m.cfg.ContextID, id, host, port)
	accept := []string{fmt.Sprintf("+QIOPEN: %d,", id), "CONNECT"}
	resp, err := m.drv.Execute(ctx, cmd, accept, m.cfg.OpenTimeout)
	if err != nil {
		m.release(s, domain.SocketFailed)
		if errors.Is(err, domain.ErrCommandTimeout) {
			return nil, fmt.Errorf("%w: %s", domain.ErrOpenTimeout, s.Remote())
		}
		return nil, err
	}

	code, hasCode := parseOpenResult(resp, id)
	if (hasCode && code == 0) || strings.Contains(resp, "CONNECT") {
		s.setState(domain.SocketOpen)
		m.log.Info("socket open", "id", id, "remote", s.Remote())
		return s, nil
	}
	m.release(s, domain.SocketFailed)
	reason := "no result code"
	if hasCode {
		reason = strconv.Itoa(code)
		if text, ok := openResultText[code]; ok {
			reason += " " + text
		}
	}
	return nil, fmt.Errorf("open %s failed: %s", s.Remote(), reason)
}

// Send splits p into chunks no larger than the hardware ceiling and
// pushes them in order. Any chunk failing marks the socket Failed and
// aborts: the stream position on the wire is unknown at that point, so
// the caller must close the socket rather than retry.
func (m *Manager) Send(ctx context.Context, s *Socket, p []byte) error {
	if s.State() != domain.SocketOpen {
		return domain.ErrSocketClosed
	}
	for off := 0; off < len(p); off += m.cfg.ChunkSize {
		end := min(off+m.cfg.ChunkSize, len(p))
		if _, err := m.drv.ExecuteChunkedSend(ctx, s.id, p[off:end], m.cfg.PromptTimeout, m.cfg.AckTimeout); err != nil {
			s.terminate(domain.SocketFailed)
			return err
		}
	}
	return nil
}

// Receive waits cooperatively on the socket's inbound queue. It
// returns (nil, nil) when the timeout elapses with no data, pending
// payload even when the socket has since closed, ErrSocketClosed once
// the queue is drained and the socket is gone.
func (m *Manager) Receive(ctx context.Context, s *Socket, timeout time.Duration) ([]byte, error) {
	select {
	case p := <-s.inbound:
		return p, nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-s.inbound:
		return p, nil
	case <-s.done:
		select {
		case p := <-s.inbound:
			return p, nil
		default:
		}
		return nil, domain.ErrSocketClosed
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the modem-side connection. The close command is
// best-effort: whatever it answers, the socket is Closed from here and
// the id goes back to the pool. Idempotent.
func (m *Manager) Close(ctx context.Context, s *Socket) {
	m.mu.Lock()
	current := m.active[s.id] == s
	m.mu.Unlock()
	if !current {
		return
	}
	if s.State() == domain.SocketOpen {
		s.setState(domain.SocketClosing)
	}
	cmd := fmt.Sprintf("AT+QICLOSE=%d,10", s.id)
	if _, err := m.drv.Execute(ctx, cmd, []string{"OK"}, m.cfg.CloseTimeout); err != nil {
		m.log.Debug("close command failed", "id", s.id, "error", err)
	}
	m.release(s, domain.SocketClosed)
	m.log.Info("socket closed", "id", s.id, "remote", s.Remote())
}

// release moves s to a terminal state, unregisters it and returns the
// id to the pool. Notifications for the id arriving after this are
// dropped by Deliver/RemoteClosed, never queued for the next occupant.
func (m *Manager) release(s *Socket, st domain.SocketState) {
	s.terminate(st)
	m.mu.Lock()
	owned := m.active[s.id] == s
	if owned {
		delete(m.active, s.id)
	}
	m.mu.Unlock()
	if owned {
		m.free <- s.id
	}
}

// Deliver implements Sink. Payload for an id with no live occupant is
// consumed and dropped. Delivery never blocks; a full queue fails the
// socket, since silently dropping mid-stream bytes would corrupt the
// relayed connection.
func (m *Manager) Deliver(id int, payload []byte) {
	m.mu.Lock()
	s := m.active[id]
	m.mu.Unlock()
	if s == nil {
		m.log.Debug("payload for unknown socket dropped", "id", id, "len", len(payload))
		return
	}
	switch s.State() {
	case domain.SocketOpening, domain.SocketOpen:
	default:
		m.log.Debug("payload for dead socket dropped", "id", id, "len", len(payload))
		return
	}
	select {
	case s.inbound <- payload:
	default:
		m.log.Warn("inbound queue overflow, failing socket", "id", id)
		s.terminate(domain.SocketFailed)
	}
}

// RemoteClosed implements Sink.
func (m *Manager) RemoteClosed(id int) {
	m.mu.Lock()
	s := m.active[id]
	m.mu.Unlock()
	if s == nil {
		return
	}
	m.log.Info("remote closed", "id", id)
	s.terminate(domain.SocketClosed)
}

func parseOpenResult(resp string, id int) (int, bool) {
	for _, match := range qiopenRe.FindAllStringSubmatch(resp, -1) {
		gotID, _ := strconv.Atoi(match[1])
		if gotID != id {
			continue
		}
		code, err := strconv.Atoi(match[2])
		if err != nil {
			continue
		}
		return code, true
	}
	return 0, false
}
