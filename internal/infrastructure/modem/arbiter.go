package modem

import "context"

// Arbiter is the channel-wide mutual-exclusion token over the serial
// link. The link is half-duplex: interleaving two command exchanges or
// two payload writes is indistinguishable from corrupted framing, so at
// most one exchange may be in flight system-wide. It is deliberately
// not per-socket.
type Arbiter struct {
	token chan struct{}
}

func NewArbiter() *Arbiter {
	a := &Arbiter{token: make(chan struct{}, 1)}
	a.token <- struct{}{}
	return a
}

// Acquire blocks until the link is free or ctx is done.
func (a *Arbiter) Acquire(ctx context.Context) error {
	select {
	case <-a.token:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns the link. Panics on double release, which would mean
// the exclusivity discipline is already broken.
func (a *Arbiter) Release() {
	select {
	case a.token <- struct{}{}:
	default:
		panic("modem: arbiter released while free")
	}
}
