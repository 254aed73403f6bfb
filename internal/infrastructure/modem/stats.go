package modem

import (
	"sync"
	"time"

	"github.com/lifenjoiner/ewma"
)

// The EWMA window size.
const ewmaSlide = 10

// LinkStats keeps a moving average of command round-trip times on the
// serial link. A creeping average is the earliest sign of a modem
// drifting toward unresponsiveness.
type LinkStats struct {
	mu    sync.Mutex
	rtt   *ewma.EWMA
	count int
}

func NewLinkStats() *LinkStats {
	return &LinkStats{rtt: ewma.NewMovingAverage(ewmaSlide)}
}

// Observe records one completed exchange.
func (s *LinkStats) Observe(d time.Duration) {
	s.mu.Lock()
	s.rtt.Add(float64(d.Milliseconds()))
	s.count++
	s.mu.Unlock()
}

// RTT returns the current moving average.
func (s *LinkStats) RTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rtt.Value() * float64(time.Millisecond))
}

// Count returns how many exchanges have been observed.
func (s *LinkStats) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
