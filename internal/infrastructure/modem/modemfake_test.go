package modem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"catsocks/internal/infrastructure/serial"
)

// fakeModem scripts the far end of the serial link. It parses commands
// strictly, one exchange at a time: two exchanges overlapping on the
// wire show up as garbage command text or payload byte drift and fail
// the test, which is exactly the framing property the arbiter exists
// to protect.
type fakeModem struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader

	// openCode scripts the +QIOPEN result per socket id; nil means
	// always 0. A negative code swallows the command without answering.
	openCode func(id int) int
	// noPrompt swallows QISEND commands without emitting the prompt.
	noPrompt bool

	wmu sync.Mutex // serializes run() responses against push()

	mu     sync.Mutex
	sent   map[int][]byte
	chunks map[int][]int
	opens  int
	closes int
}

func newFakeModem(t *testing.T, conn net.Conn) *fakeModem {
	return &fakeModem{
		t:      t,
		conn:   conn,
		r:      bufio.NewReader(conn),
		sent:   make(map[int][]byte),
		chunks: make(map[int][]int),
	}
}

func (fm *fakeModem) run() {
	for {
		raw, err := fm.r.ReadString('\r')
		if err != nil {
			return
		}
		cmd := strings.TrimSuffix(raw, "\r")
		switch {
		case cmd == "AT" || cmd == "ATE0":
			fm.write("\r\nOK\r\n")
		case strings.HasPrefix(cmd, "AT+QIOPEN="):
			fm.handleOpen(cmd)
		case strings.HasPrefix(cmd, "AT+QISEND="):
			fm.handleSend(cmd)
		case strings.HasPrefix(cmd, "AT+QICLOSE="):
			fm.mu.Lock()
			fm.closes++
			fm.mu.Unlock()
			fm.write("\r\nOK\r\n")
		default:
			fm.t.Errorf("fake modem: malformed command %q", cmd)
			fm.write("\r\nERROR\r\n")
		}
	}
}

func (fm *fakeModem) handleOpen(cmd string) {
	fields := strings.Split(strings.TrimPrefix(cmd, "AT+QIOPEN="), ",")
	if len(fields) != 7 {
		fm.t.Errorf("fake modem: malformed open %q", cmd)
		return
	}
	id, _ := strconv.Atoi(fields[1])
	fm.mu.Lock()
	fm.opens++
	fm.mu.Unlock()

	code := 0
	if fm.openCode != nil {
		code = fm.openCode(id)
	}
	if code < 0 {
		return // scripted silence, the driver must time out
	}
	fm.write("\r\nOK\r\n")
	fm.write(fmt.Sprintf("\r\n+QIOPEN: %d,%d\r\n", id, code))
}

func (fm *fakeModem) handleSend(cmd string) {
	fields := strings.Split(strings.TrimPrefix(cmd, "AT+QISEND="), ",")
	if len(fields) != 2 {
		fm.t.Errorf("fake modem: malformed send %q", cmd)
		return
	}
	id, _ := strconv.Atoi(fields[0])
	n, _ := strconv.Atoi(fields[1])
	if fm.noPrompt {
		return
	}
	fm.write("\r\n> ")

	payload := make([]byte, n+1)
	if _, err := io.ReadFull(fm.r, payload); err != nil {
		fm.t.Errorf("fake modem: short payload on socket %d: %v", id, err)
		return
	}
	if payload[n] != 0x1A {
		fm.t.Errorf("fake modem: payload not terminated with Ctrl-Z on socket %d", id)
	}
	fm.mu.Lock()
	fm.sent[id] = append(fm.sent[id], payload[:n]...)
	fm.chunks[id] = append(fm.chunks[id], n)
	fm.mu.Unlock()

	fm.write("\r\nSEND OK\r\n")
}

// push emits a data-available notification followed by the raw payload.
func (fm *fakeModem) push(id int, payload []byte) {
	fm.wmu.Lock()
	defer fm.wmu.Unlock()
	fm.conn.Write([]byte(fmt.Sprintf("\r\n+QIURC: \"recv\",%d,%d\r\n", id, len(payload))))
	fm.conn.Write(payload)
}

func (fm *fakeModem) pushClosed(id int) {
	fm.wmu.Lock()
	defer fm.wmu.Unlock()
	fm.conn.Write([]byte(fmt.Sprintf("\r\n+QIURC: \"closed\",%d\r\n", id)))
}

func (fm *fakeModem) write(s string) {
	fm.wmu.Lock()
	defer fm.wmu.Unlock()
	fm.conn.Write([]byte(s))
}

func (fm *fakeModem) sentTo(id int) []byte {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return append([]byte(nil), fm.sent[id]...)
}

func (fm *fakeModem) chunksTo(id int) []int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return append([]int(nil), fm.chunks[id]...)
}

func (fm *fakeModem) openCount() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.opens
}

// stack wires a full modem layer against a fakeModem over net.Pipe.
type stack struct {
	ctx context.Context
	fm  *fakeModem
	drv *Driver
	mgr *Manager
	dmx *Demux
}

func startStack(t *testing.T, cfg Config) *stack {
	near, far := net.Pipe()
	fm := newFakeModem(t, far)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ch := serial.NewChannel(near)
	arb := NewArbiter()
	drv := NewDriver(ch, arb, log)
	mgr := NewManager(drv, log, cfg)
	dmx := NewDemux(ch, arb, mgr, log)
	dmx.pollInterval = 10 * time.Millisecond
	drv.BindURC(dmx)

	ctx, cancel := context.WithCancel(context.Background())
	go fm.run()
	go dmx.Run(ctx)
	t.Cleanup(func() {
		cancel()
		near.Close()
		far.Close()
	})
	return &stack{ctx: ctx, fm: fm, drv: drv, mgr: mgr, dmx: dmx}
}
