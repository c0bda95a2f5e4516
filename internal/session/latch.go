package session

// Latch is a one-shot guard. TryAcquire returns true exactly once; every
// later call returns false. It replaces scattered boolean flag reads with a
// single mark-and-check operation.
//
// Latches are not safe for concurrent use on their own; they rely on the
// session event loop for serialization.
type Latch struct {
	fired bool
}

// TryAcquire fires the latch. The first caller gets true and owns the side
// effect the latch guards.
func (l *Latch) TryAcquire() bool {
	if l.fired {
		return false
	}
	l.fired = true
	return true
}

// Fired reports whether the latch has been acquired, without acquiring it.
func (l *Latch) Fired() bool { return l.fired }
