package relay

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ReconnectPolicy bounds reconnection attempts after an unexpected close.
type ReconnectPolicy struct {
	// InitialInterval is the first delay. Defaults to 500ms.
	InitialInterval time.Duration `yaml:"initial_interval,omitempty"`

	// MaxInterval caps a single delay. Defaults to 30s.
	MaxInterval time.Duration `yaml:"max_interval,omitempty"`

	// MaxAttempts limits dial attempts; 0 means unlimited.
	MaxAttempts uint `yaml:"max_attempts,omitempty"`

	// MaxElapsed limits the total time spent reconnecting. Defaults to 5m.
	MaxElapsed time.Duration `yaml:"max_elapsed,omitempty"`
}

func (p *ReconnectPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// reconnect dials until it succeeds, the policy is exhausted or ctx is
// cancelled by Stop.
func (s *Session) reconnect(ctx context.Context) (*connection, error) {
	p := s.opts.Reconnect
	maxElapsed := p.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 5 * time.Minute
	}
	return backoff.Retry(ctx, func() (*connection, error) {
		return s.connect(ctx)
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Warn("reconnect failed", "error", err, "retry_in", next)
		}),
	)
}
