package exchange

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// LossSimulator drops uplink and downlink frames with configured
// probabilities to exercise retries on a clean link. A zero rate never
// draws from the random source, so a disabled simulator is a pass-through.
type LossSimulator struct {
	mu           sync.Mutex
	uplinkRate   float64
	downlinkRate float64
	rng          *rand.Rand
	stats        Stats
}

// Stats holds the packet counters for both directions. Totals count every
// attempted transmission or delivery, dropped or not.
type Stats struct {
	TotalUplink     uint64 `json:"total_uplink"`
	DroppedUplink   uint64 `json:"dropped_uplink"`
	TotalDownlink   uint64 `json:"total_downlink"`
	DroppedDownlink uint64 `json:"dropped_downlink"`
}

// NewLossSimulator validates the rates. A nil rng is seeded from the clock.
func NewLossSimulator(uplinkRate, downlinkRate float64, rng *rand.Rand) (*LossSimulator, error) {
	if err := validateRate("uplink", uplinkRate); err != nil {
		return nil, err
	}
	if err := validateRate("downlink", downlinkRate); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &LossSimulator{
		uplinkRate:   uplinkRate,
		downlinkRate: downlinkRate,
		rng:          rng,
	}, nil
}

func validateRate(direction string, rate float64) error {
	if math.IsNaN(rate) || rate < 0 || rate > 1 {
		return fmt.Errorf("%s drop rate %v outside [0, 1]", direction, rate)
	}
	return nil
}

// SetRates changes both drop rates. Counters are kept.
func (l *LossSimulator) SetRates(uplinkRate, downlinkRate float64) error {
	if err := validateRate("uplink", uplinkRate); err != nil {
		return err
	}
	if err := validateRate("downlink", downlinkRate); err != nil {
		return err
	}
	l.mu.Lock()
	l.uplinkRate = uplinkRate
	l.downlinkRate = downlinkRate
	l.mu.Unlock()
	return nil
}

// Rates returns the configured uplink and downlink drop rates.
func (l *LossSimulator) Rates() (float64, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.uplinkRate, l.downlinkRate
}

// DropUplink counts one outbound transmission and reports whether to suppress it.
func (l *LossSimulator) DropUplink() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stats.TotalUplink++
	if l.dropit(l.uplinkRate) {
		l.stats.DroppedUplink++
		return true
	}
	return false
}

// DropDownlink counts one inbound delivery and reports whether to suppress it.
func (l *LossSimulator) DropDownlink() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stats.TotalDownlink++
	if l.dropit(l.downlinkRate) {
		l.stats.DroppedDownlink++
		return true
	}
	return false
}

func (l *LossSimulator) dropit(rate float64) bool {
	return rate > 0 && l.rng.Float64() < rate
}

// Stats returns a snapshot of the counters.
func (l *LossSimulator) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// UplinkRatio is the observed uplink drop fraction, 0 before any send.
func (s Stats) UplinkRatio() float64 { return ratio(s.DroppedUplink, s.TotalUplink) }

// DownlinkRatio is the observed downlink drop fraction.
func (s Stats) DownlinkRatio() float64 { return ratio(s.DroppedDownlink, s.TotalDownlink) }

func ratio(dropped, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(dropped) / float64(total)
}

func (s Stats) String() string {
	return fmt.Sprintf("Uplink: %d/%d (%.1f%%), Downlink: %d/%d (%.1f%%)",
		s.DroppedUplink, s.TotalUplink, s.UplinkRatio()*100,
		s.DroppedDownlink, s.TotalDownlink, s.DownlinkRatio()*100)
}
