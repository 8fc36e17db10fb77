package wait

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/javanstorm/migloop/pkg/monitor"
)

var fast = Policy{Poll: Fixed(time.Millisecond), Retry: Fixed(time.Millisecond)}

type scriptedQuerier struct {
	mu      sync.Mutex
	replies []func() (monitor.Status, error)
	calls   int
}

func (q *scriptedQuerier) QueryStatus(context.Context) (monitor.Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.calls
	q.calls++
	if i >= len(q.replies) {
		i = len(q.replies) - 1
	}
	return q.replies[i]()
}

func running(r bool) func() (monitor.Status, error) {
	return func() (monitor.Status, error) { return monitor.Status{Running: r}, nil }
}

func failing(err error) func() (monitor.Status, error) {
	return func() (monitor.Status, error) { return monitor.Status{}, err }
}

func TestRunStateMatchesImmediately(t *testing.T) {
	q := &scriptedQuerier{replies: []func() (monitor.Status, error){running(true)}}
	if err := RunState(context.Background(), q, true, fast); err != nil {
		t.Fatalf("RunState: %v", err)
	}
	if q.calls != 1 {
		t.Errorf("calls = %d, want 1", q.calls)
	}
}

func TestRunStateRetriesProtocolError(t *testing.T) {
	q := &scriptedQuerier{replies: []func() (monitor.Status, error){
		failing(&monitor.CommandError{Command: "query-status", Class: "GenericError", Desc: "not ready"}),
		running(false),
		running(true),
	}}
	if err := RunState(context.Background(), q, true, fast); err != nil {
		t.Fatalf("RunState: %v", err)
	}
	if q.calls != 3 {
		t.Errorf("calls = %d, want 3", q.calls)
	}
}

func TestRunStateRetriesTransportAndMalformed(t *testing.T) {
	q := &scriptedQuerier{replies: []func() (monitor.Status, error){
		failing(monitor.ErrTransport),
		failing(monitor.ErrMalformedReply),
		running(false),
	}}
	if err := RunState(context.Background(), q, false, fast); err != nil {
		t.Fatalf("RunState: %v", err)
	}
}

func TestRunStateMaxAttempts(t *testing.T) {
	q := &scriptedQuerier{replies: []func() (monitor.Status, error){running(false)}}
	p := fast
	p.MaxAttempts = 3
	err := RunState(context.Background(), q, true, p)
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("err = %v, want ErrAttemptsExhausted", err)
	}
	if q.calls != 3 {
		t.Errorf("calls = %d, want 3", q.calls)
	}
}

func TestRunStateContextCancel(t *testing.T) {
	q := &scriptedQuerier{replies: []func() (monitor.Status, error){running(false)}}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := RunState(ctx, q, true, fast); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

type queueSource struct {
	mu       sync.Mutex
	queue    []monitor.Event
	requeued []monitor.Event
}

func (s *queueSource) push(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		s.queue = append(s.queue, monitor.Event{Name: n})
	}
}

func (s *queueSource) PollEvents() []monitor.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

func (s *queueSource) Requeue(events []monitor.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeued = append(s.requeued, events...)
	s.queue = append(append([]monitor.Event(nil), events...), s.queue...)
}

func TestEventDiscardsEarlierAndRequeuesLater(t *testing.T) {
	src := &queueSource{}
	src.push("RESUME", "SPICE_CONNECTED", "SPICE_INITIALIZED")

	e, err := Event(context.Background(), src, "SPICE_CONNECTED", fast)
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if e.Name != "SPICE_CONNECTED" {
		t.Errorf("got %s", e.Name)
	}
	rest := src.PollEvents()
	if len(rest) != 1 || rest[0].Name != "SPICE_INITIALIZED" {
		t.Errorf("remaining = %v, want [SPICE_INITIALIZED]", rest)
	}
}

func TestRequeuedEventConsumedOnce(t *testing.T) {
	src := &queueSource{}
	src.push("SPICE_CONNECTED", "SPICE_INITIALIZED")

	if _, err := Event(context.Background(), src, "SPICE_CONNECTED", fast); err != nil {
		t.Fatalf("Event: %v", err)
	}
	if _, err := Event(context.Background(), src, "SPICE_INITIALIZED", fast); err != nil {
		t.Fatalf("Event: %v", err)
	}
	if rest := src.PollEvents(); len(rest) != 0 {
		t.Errorf("remaining = %v, want none", rest)
	}
}

func TestEventBlocksUntilInjected(t *testing.T) {
	src := &queueSource{}
	src.push("STOP")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := Event(ctx, src, "SPICE_INITIALIZED", fast); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want the wait to stay blocked until the deadline", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		src.push("SPICE_INITIALIZED")
	}()
	if _, err := Event(context.Background(), src, "SPICE_INITIALIZED", fast); err != nil {
		t.Fatalf("Event: %v", err)
	}
}

func TestBothWaitsForBoth(t *testing.T) {
	var mu sync.Mutex
	done := map[string]bool{}
	mark := func(name string, d time.Duration) func(context.Context) error {
		return func(context.Context) error {
			time.Sleep(d)
			mu.Lock()
			done[name] = true
			mu.Unlock()
			return nil
		}
	}
	if err := Both(context.Background(), mark("a", 5*time.Millisecond), mark("b", 20*time.Millisecond)); err != nil {
		t.Fatalf("Both: %v", err)
	}
	if !done["a"] || !done["b"] {
		t.Errorf("done = %v", done)
	}
}

func TestBothPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := Both(context.Background(),
		func(context.Context) error { return boom },
		func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() },
	)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestNextDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{10, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := NextDelay(cfg, tt.attempt); got != tt.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
	if got := NextDelay(Fixed(time.Second), 7); got != time.Second {
		t.Errorf("Fixed delay = %v, want 1s", got)
	}
}
