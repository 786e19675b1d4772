package session

import "time"

const (
	DefaultMaxRetries = 10
	DefaultRetryDelay = 3 * time.Second
)

// RetryPolicy bounds automatic reconnection after network errors.
// The delay between attempts is fixed.
type RetryPolicy struct {
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultRetryPolicy returns 10 attempts spaced 3 seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
	}
}

// withDefaults fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = DefaultRetryDelay
	}
	return p
}
