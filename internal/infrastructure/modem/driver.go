package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"catsocks/internal/domain"
	"catsocks/internal/infrastructure/serial"
)

const (
	// promptByte is the single control byte announcing the modem is
	// ready to receive payload bytes for a pending send.
	promptByte = '>'
	// payloadTerminator is Ctrl-Z, ending a payload write.
	payloadTerminator = 0x1A

	lineTerminator = "\r"

	atProbeTimeout     = 5 * time.Second
	echoCommandTimeout = 2 * time.Second
)

// URCHandler consumes unsolicited result codes. HandleURC reports
// whether the line was a notification; when it was, the handler has
// already consumed it, including any announced payload bytes, before
// returning.
type URCHandler interface {
	HandleURC(line string) bool
}

// Driver issues one AT command exchange at a time over the channel,
// under the arbiter. Unsolicited lines the modem interleaves into a
// response are routed to the bound URCHandler rather than accumulated,
// so a data notification can never be read as response text.
type Driver struct {
	ch    *serial.Channel
	arb   *Arbiter
	log   *slog.Logger
	stats *LinkStats
	urc   URCHandler

	probeTimeout time.Duration
}

func NewDriver(ch *serial.Channel, arb *Arbiter, log *slog.Logger) *Driver {
	return &Driver{
		ch:           ch,
		arb:          arb,
		log:          log,
		stats:        NewLinkStats(),
		probeTimeout: atProbeTimeout,
	}
}

// BindURC installs the notification handler. Must be called before the
// first exchange that can race with unsolicited traffic.
func (d *Driver) BindURC(h URCHandler) { d.urc = h }

func (d *Driver) Stats() *LinkStats { return d.stats }

// Execute writes cmd and accumulates response lines until one contains
// an accept token. An ERROR/+CME ERROR line fails the exchange with
// ErrCommandRejected; the deadline elapsing fails it with
// ErrCommandTimeout. The arbiter is released unconditionally, and the
// accumulated text is returned even on failure for diagnostics.
func (d *Driver) Execute(ctx context.Context, cmd string, accept []string, timeout time.Duration) (string, error) {
	if err := d.arb.Acquire(ctx); err != nil {
		return "", err
	}
	defer d.arb.Release()

	start := time.Now()
	d.log.Debug("AT command", "cmd", cmd)
	if err := d.ch.Write([]byte(cmd + lineTerminator)); err != nil {
		return "", err
	}

	deadline := start.Add(timeout)
	var buf strings.Builder
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return buf.String(), fmt.Errorf("%w: %s", domain.ErrCommandTimeout, cmd)
		}
		line, err := d.ch.ReadLine(remain)
		if err != nil {
			if errors.Is(err, domain.ErrLinkTimeout) {
				return buf.String(), fmt.Errorf("%w: %s", domain.ErrCommandTimeout, cmd)
			}
			return buf.String(), err
		}
		if line == "" {
			continue
		}
		if d.urc != nil && d.urc.HandleURC(line) {
			continue
		}
		d.log.Debug("AT response", "line", line)
		buf.WriteString(line)
		buf.WriteString("\r\n")
		if containsAny(line, accept) {
			d.observe(cmd, start)
			return buf.String(), nil
		}
		if line == "ERROR" || strings.HasPrefix(line, "+CME ERROR") || strings.HasPrefix(line, "+CMS ERROR") {
			d.observe(cmd, start)
			return buf.String(), fmt.Errorf("%w: %s", domain.ErrCommandRejected, line)
		}
	}
}

// ExecuteChunkedSend pushes one payload chunk through the modem's
// flow-controlled send: issue the send-length command, block for the
// prompt byte, write the payload plus terminator, then consume exactly
// one response line. That line is returned verbatim and a nil error
// means "acknowledged, outcome unknown": the hardware answers success
// and failure with a single line the driver does not try to tell
// apart, so delivery is never actually verified here.
func (d *Driver) ExecuteChunkedSend(ctx context.Context, id int, payload []byte, promptTimeout, ackTimeout time.Duration) (string, error) {
	if err := d.arb.Acquire(ctx); err != nil {
		return "", err
	}
	defer d.arb.Release()

	start := time.Now()
	cmd := fmt.Sprintf("AT+QISEND=%d,%d", id, len(payload))
	d.log.Debug("AT command", "cmd", cmd)
	if err := d.ch.Write([]byte(cmd + lineTerminator)); err != nil {
		return "", err
	}

	// Wait for the prompt. Lines passing by in the meantime are still
	// routed as notifications: a data URC squeezing in here must have
	// its payload consumed, or its bytes would be scanned for the
	// prompt. The channel's partial-line buffer is shared with the
	// demux poll loop, so a notification split across a timed-out poll
	// read is reassembled whole instead of being seen from its tail.
	deadline := start.Add(promptTimeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return "", fmt.Errorf("%w: socket %d", domain.ErrPromptTimeout, id)
		}
		line, prompt, err := d.ch.ReadLineOrPrompt(promptByte, remain)
		if err != nil {
			if errors.Is(err, domain.ErrLinkTimeout) {
				return "", fmt.Errorf("%w: socket %d", domain.ErrPromptTimeout, id)
			}
			return "", err
		}
		if prompt {
			break
		}
		if line != "" && d.urc != nil {
			d.urc.HandleURC(line)
		}
	}

	if err := d.ch.Write(payload); err != nil {
		return "", err
	}
	if err := d.ch.Write([]byte{payloadTerminator}); err != nil {
		return "", err
	}

	ack, err := d.ch.ReadLine(ackTimeout)
	if err != nil {
		if errors.Is(err, domain.ErrLinkTimeout) {
			return "", fmt.Errorf("%w: no send ack on socket %d", domain.ErrCommandTimeout, id)
		}
		return "", err
	}
	// A notification can land in the ack slot; HandleURC consumes its
	// payload and the send still counts as acknowledged.
	if d.urc != nil {
		d.urc.HandleURC(ack)
	}
	d.observe(cmd, start)
	return ack, nil
}

// WaitReady waits for the modem's boot RDY line. A module that was
// already up never prints RDY again, so when the wait times out an AT
// probe decides whether the modem is actually there.
func (d *Driver) WaitReady(ctx context.Context, timeout time.Duration) error {
	if err := d.arb.Acquire(ctx); err != nil {
		return err
	}
	d.log.Info("waiting for modem RDY", "timeout", timeout)
	deadline := time.Now().Add(timeout)
	ready := false
	for !ready {
		remain := time.Until(deadline)
		if remain <= 0 {
			break
		}
		line, err := d.ch.ReadLine(remain)
		if err != nil {
			if errors.Is(err, domain.ErrLinkTimeout) {
				break
			}
			d.arb.Release()
			return err
		}
		if line == "RDY" {
			ready = true
		}
	}
	d.arb.Release()

	if ready {
		d.log.Info("modem ready")
		return nil
	}
	d.log.Warn("RDY not seen, probing with AT")
	if _, err := d.Execute(ctx, "AT", []string{"OK"}, d.probeTimeout); err != nil {
		return fmt.Errorf("modem not responsive: %w", err)
	}
	return nil
}

// DisableEcho turns command echo off so responses parse cleanly.
func (d *Driver) DisableEcho(ctx context.Context) error {
	_, err := d.Execute(ctx, "ATE0", []string{"OK"}, echoCommandTimeout)
	return err
}

func (d *Driver) observe(cmd string, start time.Time) {
	rtt := time.Since(start)
	d.stats.Observe(rtt)
	d.log.Debug("exchange done", "cmd", cmd, "rtt", rtt, "rtt_avg", d.stats.RTT())
}

func containsAny(line string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(line, t) {
			return true
		}
	}
	return false
}
