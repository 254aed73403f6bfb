package modem

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"catsocks/internal/domain"
	"catsocks/internal/infrastructure/serial"
)

// Unsolicited result codes in direct-push mode:
//
//	+QIURC: "recv",<id>,<len>   followed by exactly <len> raw bytes
//	+QIURC: "closed",<id>
var (
	recvRe   = regexp.MustCompile(`^\+QIURC: "recv",(\d+),(\d+)$`)
	closedRe = regexp.MustCompile(`^\+QIURC: "closed",(\d+)$`)
)

// Sink receives demultiplexed notifications. Implementations must not
// block: the demux loop holds the link arbiter while delivering.
type Sink interface {
	Deliver(id int, payload []byte)
	RemoteClosed(id int)
}

// Demux continuously classifies lines arriving on the channel between
// command exchanges. It competes for the arbiter in short slices so an
// idle link is polled for notifications without ever starving command
// issuers.
type Demux struct {
	ch   *serial.Channel
	arb  *Arbiter
	sink Sink
	log  *slog.Logger

	pollInterval   time.Duration
	payloadTimeout time.Duration
}

func NewDemux(ch *serial.Channel, arb *Arbiter, sink Sink, log *slog.Logger) *Demux {
	return &Demux{
		ch:             ch,
		arb:            arb,
		sink:           sink,
		log:            log,
		pollInterval:   100 * time.Millisecond,
		payloadTimeout: 2 * time.Second,
	}
}

// HandleURC classifies one line. A data notification consumes its
// announced payload from the channel immediately, before any other
// line can be interpreted; the length is authoritative and the bytes
// are never scanned for tokens. Returns false for lines that are not
// notifications (command responses stay with the driver).
func (d *Demux) HandleURC(line string) bool {
	if m := recvRe.FindStringSubmatch(line); m != nil {
		id, _ := strconv.Atoi(m[1])
		n, _ := strconv.Atoi(m[2])
		payload, err := d.ch.ReadExact(n, d.payloadTimeout)
		if err != nil {
			d.log.Error("lost announced payload", "id", id, "len", n, "error", err)
			return true
		}
		d.sink.Deliver(id, payload)
		return true
	}
	if m := closedRe.FindStringSubmatch(line); m != nil {
		id, _ := strconv.Atoi(m[1])
		d.sink.RemoteClosed(id)
		return true
	}
	return false
}

// Run is the dedicated consumption loop. It exits when the context is
// cancelled or the link is gone.
func (d *Demux) Run(ctx context.Context) error {
	for {
		if err := d.arb.Acquire(ctx); err != nil {
			return err
		}
		line, err := d.ch.ReadLine(d.pollInterval)
		if err == nil && line != "" {
			if !d.HandleURC(line) {
				d.log.Debug("stray line dropped", "line", line)
			}
		}
		d.arb.Release()
		if err != nil && errors.Is(err, domain.ErrLinkClosed) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
