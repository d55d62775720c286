// Package pollloop repeats an asynchronous condition check at a fixed delay.
//
// Neither loop has a retry cap or an overall timeout. Callers bound the total
// wait through the context they pass in.
package pollloop

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/core-tools/hsu-tubes/pkg/errors"
)

// DefaultDelay is the pause between two evaluations of a condition.
const DefaultDelay = 200 * time.Millisecond

// Condition reports the current value of a polled predicate.
type Condition func(ctx context.Context) (bool, error)

type Options struct {
	Delay time.Duration
	Clock clock.Clock
}

func (o Options) withDefaults() Options {
	if o.Delay <= 0 {
		o.Delay = DefaultDelay
	}
	if o.Clock == nil {
		o.Clock = clock.NewClock()
	}
	return o
}

// While evaluates cond until it yields false. A condition error ends the loop
// at once and is returned as is.
func While(ctx context.Context, cond Condition, opts Options) error {
	return loop(ctx, cond, true, opts.withDefaults())
}

// Until evaluates cond until it yields true. A condition error ends the loop
// at once and is returned as is.
func Until(ctx context.Context, cond Condition, opts Options) error {
	return loop(ctx, cond, false, opts.withDefaults())
}

func loop(ctx context.Context, cond Condition, continueOn bool, opts Options) error {
	for {
		result, err := cond(ctx)
		if err != nil {
			return err
		}
		if result != continueOn {
			return nil
		}

		timer := opts.Clock.NewTimer(opts.Delay)
		select {
		case <-timer.C():
		case <-ctx.Done():
			timer.Stop()
			return errors.NewCancelledError("polling cancelled", ctx.Err())
		}
	}
}
