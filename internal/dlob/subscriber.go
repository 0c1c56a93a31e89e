package dlob

import (
	"context"
	"fmt"
	"time"
)

const DefaultPollInterval = 1 * time.Second

type SubscribeOptions struct {
	Interval  time.Duration
	OutBuffer int
}

func (o SubscribeOptions) withDefaults() SubscribeOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultPollInterval
	}
	if o.OutBuffer <= 0 {
		o.OutBuffer = 16
	}
	return o
}

// SubscribeL2 polls one market's L2 book and emits each successfully
// fetched snapshot. Fetch failures go to the error channel (non-blocking)
// and polling continues; both channels close when ctx is cancelled.
func (c *Client) SubscribeL2(ctx context.Context, market MarketID, opts SubscribeOptions) (<-chan *L2OrderBook, <-chan error) {
	opts = opts.withDefaults()
	out := make(chan *L2OrderBook, opts.OutBuffer)
	errs := make(chan error, 16)

	go func() {
		defer close(out)
		defer close(errs)

		t := time.NewTicker(opts.Interval)
		defer t.Stop()

		fetch := func() {
			book, err := c.L2(ctx, market)
			if err != nil {
				if ctx.Err() == nil {
					emitErrNonBlocking(errs, fmt.Errorf("dlob poll %s: %w", market, err))
				}
				return
			}
			select {
			case out <- book:
			default:
				// Slow consumer; drop the snapshot, a fresher one follows.
			}
		}

		fetch()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				fetch()
			}
		}
	}()

	return out, errs
}

func emitErrNonBlocking(ch chan<- error, err error) {
	if err == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}
