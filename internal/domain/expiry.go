package domain

import "time"

const (
	DefaultSyncInterval = 15 * time.Second
	DefaultExpiryAge    = 30 * 24 * time.Hour
	DefaultWarningAge   = 25 * 24 * time.Hour
)

// ExpiryPolicy decides when a cart is old enough to warn about or purge.
// Age is measured from the cart's last-modified timestamp.
type ExpiryPolicy struct {
	ExpiryAge  time.Duration
	WarningAge time.Duration
}

func DefaultExpiryPolicy() ExpiryPolicy {
	return ExpiryPolicy{ExpiryAge: DefaultExpiryAge, WarningAge: DefaultWarningAge}
}

// Expired is true once the cart is strictly older than ExpiryAge.
func (p ExpiryPolicy) Expired(modifiedAt, now time.Time) bool {
	return now.Sub(modifiedAt) > p.ExpiryAge
}

// InWarningWindow is true for WarningAge <= age < ExpiryAge.
func (p ExpiryPolicy) InWarningWindow(modifiedAt, now time.Time) bool {
	age := now.Sub(modifiedAt)
	return age >= p.WarningAge && age < p.ExpiryAge
}

// Latest returns the most recent of the given timestamps, ignoring nil and zero
// values. ok is false when none is set.
func Latest(ts ...*time.Time) (latest time.Time, ok bool) {
	for _, t := range ts {
		if t == nil || t.IsZero() {
			continue
		}
		if !ok || t.After(latest) {
			latest, ok = *t, true
		}
	}
	return latest, ok
}
