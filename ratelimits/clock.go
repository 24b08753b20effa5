package ratelimits

// nowSentinel is the script argument value meaning "ignore this argument and
// use the data store's own TIME command instead". The script compares
// against exactly -1 (see script.go); valid seconds-since-epoch values are
// always positive, so it cannot collide with a real time.
const nowSentinel = -1

// TimeSource supplies the reference time a charge is evaluated against.
// Exactly one implementation is consulted per call, and its value (or the
// absence of one) is used uniformly for every bucket in a batch.
type TimeSource interface {
	// Resolve returns the now value to serialize into the script's argument
	// vector. ok is false when the server's own clock should be used instead
	// (in which case now is ignored and nowSentinel is sent).
	Resolve() (now float64, ok bool)
}

// ServerTime is a TimeSource that always defers to the data store's own
// server time. It is the Limiter's default.
type ServerTime struct{}

func (ServerTime) Resolve() (float64, bool) { return 0, false }

// FixedTime is a TimeSource backed by a caller-supplied function, used in
// tests or by callers with their own synchronized clock. Its value is passed
// into the script as an argument and used verbatim.
type FixedTime struct {
	Now func() float64
}

func (f FixedTime) Resolve() (float64, bool) { return f.Now(), true }

// NewFixedTime returns a FixedTime pinned to a single constant value, the
// common case in tests that want to control elapsed time precisely by
// constructing several FixedTime values.
func NewFixedTime(now float64) FixedTime {
	return FixedTime{Now: func() float64 { return now }}
}
