package tokenprovider

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ClockPolicy bridges the local clock and decides whether wall-clock time can
// be trusted for expiry math. Hosts that boot at the epoch are considered
// unsynchronized until a server observed time (or SetTime) corrects them.
type ClockPolicy struct {
	clock    clockwork.Clock
	minValid time.Time
	margin   time.Duration

	mu     sync.RWMutex
	offset time.Duration
}

// NewClockPolicy returns a ClockPolicy over clock. Times before minValid are
// treated as unsynchronized; margin is the pre-refresh margin.
func NewClockPolicy(clock clockwork.Clock, minValid time.Time, margin time.Duration) *ClockPolicy {
	return &ClockPolicy{clock: clock, minValid: minValid, margin: margin}
}

// Now returns the corrected current time.
func (p *ClockPolicy) Now() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clock.Now().Add(p.offset)
}

// Offset returns the adjustment applied on top of the local clock.
func (p *ClockPolicy) Offset() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.offset
}

// IsSynchronized reports whether the corrected time is past the trust threshold.
func (p *ClockPolicy) IsSynchronized() bool {
	return !p.Now().Before(p.minValid)
}

// Adjust adopts a server observed time when the local clock is unsynchronized.
// It returns the shift applied to the corrected clock, zero when nothing changed.
func (p *ClockPolicy) Adjust(candidate time.Time) time.Duration {
	if candidate.Before(p.minValid) {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	local := p.clock.Now()
	if !local.Add(p.offset).Before(p.minValid) {
		return 0
	}
	prev := p.offset
	p.offset = candidate.Sub(local)
	return p.offset - prev
}

// SetTime forces the corrected clock to ts and returns the applied shift.
func (p *ClockPolicy) SetTime(ts time.Time) (time.Duration, error) {
	if ts.Before(p.minValid) {
		return 0, &ClockError{Reason: "time " + ts.UTC().Format(time.RFC3339) + " is before the trusted threshold"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.offset
	p.offset = ts.Sub(p.clock.Now())
	return p.offset - prev, nil
}

// RefreshMargin is the pre-refresh margin for a token valid between issuedAt
// and expiresAt. It never exceeds the token lifetime.
func (p *ClockPolicy) RefreshMargin(issuedAt, expiresAt time.Time) time.Duration {
	margin := p.margin
	if issuedAt.IsZero() || expiresAt.IsZero() {
		return margin
	}
	if lifetime := expiresAt.Sub(issuedAt); margin > lifetime {
		margin = lifetime
	}
	if margin < 0 {
		margin = 0
	}
	return margin
}

// RefreshAt returns the time at which a token should be proactively refreshed.
func (p *ClockPolicy) RefreshAt(issuedAt, expiresAt time.Time) time.Time {
	return expiresAt.Add(-p.RefreshMargin(issuedAt, expiresAt))
}
