// Package wait blocks until a QEMU instance reaches a run state or emits a
// named event.
//
// Waits retry transient failures forever by default. Bound them with a
// context or Policy.MaxAttempts.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/javanstorm/migloop/pkg/monitor"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrAttemptsExhausted = errors.New("wait: attempts exhausted")

// Querier reports the run status of an instance.
type Querier interface {
	QueryStatus(ctx context.Context) (monitor.Status, error)
}

// EventSource yields queued events without blocking.
type EventSource interface {
	PollEvents() []monitor.Event
}

// Requeuer is implemented by event sources that accept unread events back.
type Requeuer interface {
	Requeue(events []monitor.Event)
}

// Policy controls polling cadence.
type Policy struct {
	// Poll is the delay between successful checks that did not match.
	Poll BackoffConfig

	// Retry is the delay after a failed status query.
	Retry BackoffConfig

	// MaxAttempts bounds the number of checks. Zero means unbounded.
	MaxAttempts int
}

// DefaultPolicy polls every 500ms and retries errors after 100ms.
func DefaultPolicy() Policy {
	return Policy{
		Poll:  Fixed(500 * time.Millisecond),
		Retry: Fixed(100 * time.Millisecond),
	}
}

// RunState blocks until q reports running == want. Query errors are treated
// as transient.
func RunState(ctx context.Context, q Querier, want bool, p Policy) error {
	log := zerolog.Ctx(ctx)
	polls, failures := 0, 0
	for attempt := 1; ; attempt++ {
		if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
			return fmt.Errorf("%w: run state %t after %d checks", ErrAttemptsExhausted, want, p.MaxAttempts)
		}

		st, err := q.QueryStatus(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			log.Debug().Err(err).Int("attempt", attempt).Msg("query-status failed, retrying")
			if err := sleep(ctx, NextDelay(p.Retry, failures)); err != nil {
				return err
			}
			continue
		}
		failures = 0
		if st.Running == want {
			return nil
		}

		polls++
		if err := sleep(ctx, NextDelay(p.Poll, polls)); err != nil {
			return err
		}
	}
}

// Event blocks until src yields an event called name. Events polled before
// the match are dropped. Events after it in the same batch go back to src
// when it is a Requeuer, so the next PollEvents returns them again. Each
// event is still consumed by exactly one wait.
func Event(ctx context.Context, src EventSource, name string, p Policy) (monitor.Event, error) {
	log := zerolog.Ctx(ctx)
	for attempt := 1; ; attempt++ {
		if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
			return monitor.Event{}, fmt.Errorf("%w: event %s after %d polls", ErrAttemptsExhausted, name, p.MaxAttempts)
		}

		batch := src.PollEvents()
		for i, e := range batch {
			if e.Name != name {
				log.Debug().Str("event", e.Name).Str("want", name).Msg("discarding event")
				continue
			}
			if rq, ok := src.(Requeuer); ok {
				rq.Requeue(batch[i+1:])
			}
			return e, nil
		}

		if err := sleep(ctx, NextDelay(p.Poll, attempt)); err != nil {
			return monitor.Event{}, err
		}
	}
}

// Both runs a and b concurrently and returns once both have finished.
func Both(ctx context.Context, a, b func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a(gctx) })
	g.Go(func() error { return b(gctx) })
	return g.Wait()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
