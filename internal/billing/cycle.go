package billing

import "time"

// Cycle tracks periodic deduction progress for a connected call. Pure state:
// the session event loop owns the timer and calls Advance when it fires.
type Cycle struct {
	Interval        time.Duration
	MaxCycles       int
	CyclesCompleted int
	LastBilledAt    time.Time
	NextBillAt      time.Time
}

// NewCycle starts the cycle clock at the moment the call connected.
func NewCycle(connectedAt time.Time, interval time.Duration, maxCycles int) *Cycle {
	return &Cycle{
		Interval:     interval,
		MaxCycles:    maxCycles,
		LastBilledAt: connectedAt,
		NextBillAt:   connectedAt.Add(interval),
	}
}

// Advance records one completed cycle and reports whether the hard cap has
// been reached. At the cap the session must be force-ended; the cap exists so
// a wedged client cannot bill forever.
func (c *Cycle) Advance(now time.Time) (capReached bool) {
	c.CyclesCompleted++
	c.LastBilledAt = now
	c.NextBillAt = now.Add(c.Interval)
	return c.MaxCycles > 0 && c.CyclesCompleted >= c.MaxCycles
}

// ElapsedSeconds is the connected duration to report with a deduction.
func (c *Cycle) ElapsedSeconds() int {
	return c.CyclesCompleted * int(c.Interval/time.Second)
}
