package retry

import "time"

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
)

// Policy decides whether a failed attempt is rescheduled or dead-lettered.
// It is shared by fetch and delivery failures.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay}
}

type Action int

const (
	ActionRetry Action = iota
	ActionDeadLetter
)

func (a Action) String() string {
	if a == ActionDeadLetter {
		return "dead_letter"
	}
	return "retry"
}

type Decision struct {
	Action Action
	Delay  time.Duration
}

// Decide is called after attempt (1-indexed) failed.
func (p Policy) Decide(attempt int) Decision {
	if attempt >= p.maxAttempts() {
		return Decision{Action: ActionDeadLetter}
	}
	return Decision{Action: ActionRetry, Delay: p.Delay(attempt)}
}

// Delay returns BaseDelay * 2^(attempt-1). Shifts that would overflow clamp
// to the largest representable duration.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	if shift >= 62 || base > time.Duration(1<<62)>>shift {
		return time.Duration(1<<63 - 1)
	}
	return base << shift
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// Exceeded reports whether attempt is past the configured maximum. This only
// happens when a lease on the final attempt expired before an outcome was
// recorded.
func (p Policy) Exceeded(attempt int) bool {
	return attempt > p.maxAttempts()
}

// Limit returns the effective maximum number of attempts.
func (p Policy) Limit() int {
	return p.maxAttempts()
}
