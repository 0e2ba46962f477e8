package probe

import (
	"context"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/couchbase/devcluster/common/clustererr"
)

const DefaultInterval = 1 * time.Second

// ExitWatcher is anything which can report that its process has gone away.
// *node.Handle implements it.
type ExitWatcher interface {
	Exited() <-chan struct{}
	ExitCode() (int, bool)
}

// AnyExited watches a set of nodes and reports the first of them found to
// have exited.  Its Exited channel is only meant for the non-blocking check
// Retry performs: while every member is alive it returns nil.
type AnyExited []ExitWatcher

func (a AnyExited) exited() ExitWatcher {
	for _, watch := range a {
		select {
		case <-watch.Exited():
			return watch
		default:
		}
	}
	return nil
}

func (a AnyExited) Exited() <-chan struct{} {
	if watch := a.exited(); watch != nil {
		return watch.Exited()
	}
	return nil
}

func (a AnyExited) ExitCode() (int, bool) {
	if watch := a.exited(); watch != nil {
		return watch.ExitCode()
	}
	return 0, false
}

// Policy describes a fixed-interval retry loop.  A zero Timeout or
// MaxAttempts leaves that bound off, so a zero Policy retries forever at
// DefaultInterval until its context is cancelled.
type Policy struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts uint64
}

func (p Policy) interval() time.Duration {
	if p.Interval <= 0 {
		return DefaultInterval
	}
	return p.Interval
}

// Retry calls fn until it succeeds.  If watch is non-nil and its process
// exits, the loop stops with a LaunchError wrapping ErrNodeExited.  Running
// out of time or attempts yields a ConnectivityTimeout carrying the last
// failure.  Cancellation of ctx itself is returned unchanged.
func (p Policy) Retry(
	ctx context.Context,
	op string,
	watch ExitWatcher,
	fn func(ctx context.Context) error,
	notify func(err error, next time.Duration),
) error {
	waitCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.interval())
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, p.MaxAttempts-1)
	}
	b = backoff.WithContext(b, waitCtx)

	attempts := 0
	var lastErr error
	err := backoff.RetryNotify(func() error {
		if watch != nil {
			select {
			case <-watch.Exited():
				code, _ := watch.ExitCode()
				return backoff.Permanent(clustererr.Launch(
					fmt.Sprintf("%s: exit code %d", op, code),
					clustererr.ErrNodeExited))
			default:
			}
		}

		attempts++
		lastErr = fn(waitCtx)
		return lastErr
	}, b, notify)
	if err == nil {
		return nil
	}

	if clustererr.KindOf(err) == clustererr.KindLaunch {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	cause := lastErr
	if cause == nil {
		cause = err
	}
	return clustererr.ConnectivityTimeout(
		fmt.Sprintf("%s: gave up after %d attempts", op, attempts), cause)
}
