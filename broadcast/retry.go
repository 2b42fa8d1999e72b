package broadcast

import (
	"context"
	"errors"
	"time"
)

// errNoTimeLeft ends retrying when the broadcast deadline would pass
// before the next attempt.
var errNoTimeLeft = errors.New("broadcast deadline reached before next retry")

// RetryPolicy spaces resubmissions after ambiguous failures. The wait
// before retry n is Base doubled n-1 times and capped at Cap; Jitter then
// takes a random share of up to that fraction off the wait, so waits never
// exceed Cap.
type RetryPolicy struct {
	Base   time.Duration `toml:"base" env:"BASE"`
	Cap    time.Duration `toml:"cap" env:"CAP"`
	Jitter float64       `toml:"jitter" env:"JITTER"`
}

// DefaultRetryPolicy fills the zero fields of Config.Retry.
var DefaultRetryPolicy = RetryPolicy{
	Base:   500 * time.Millisecond,
	Cap:    8 * time.Second,
	Jitter: 0.25,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Base <= 0 {
		p.Base = DefaultRetryPolicy.Base
	}
	if p.Cap <= 0 {
		p.Cap = DefaultRetryPolicy.Cap
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	switch {
	case p.Jitter < 0:
		p.Jitter = 0
	case p.Jitter > 1:
		p.Jitter = 1
	}
	return p
}

// Wait returns the pause before retry (1-based). rnd returns a value in
// [0, 1); nil disables jitter.
func (p RetryPolicy) Wait(retry int, rnd func() float64) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := p.Base
	for i := 1; i < retry && d < p.Cap; i++ {
		d *= 2
	}
	if d > p.Cap || d <= 0 {
		d = p.Cap
	}
	if p.Jitter > 0 && rnd != nil {
		d -= time.Duration(float64(d) * p.Jitter * rnd())
	}
	return d
}

// pause sleeps before retry. It returns errNoTimeLeft without sleeping
// when ctx expires before the wait is over.
func (c *Coordinator) pause(ctx context.Context, retry int) error {
	c.rngMu.Lock()
	d := c.retry.Wait(retry, c.rng.Float64)
	c.rngMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < d {
		return errNoTimeLeft
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
