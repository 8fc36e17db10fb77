// Package monitor wraps one QMP control channel to a QEMU instance.
//
// A Client sends commands synchronously and queues asynchronous events
// from the moment it is created, so callers can drain them with
// PollEvents whenever it suits them.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
)

// Event is one asynchronous QMP notification.
type Event struct {
	Name      string
	Data      map[string]interface{}
	Timestamp time.Time
}

// Status is the reply to query-status.
type Status struct {
	Running    bool   `json:"running"`
	Singlestep bool   `json:"singlestep"`
	Status     string `json:"status"`
}

type request struct {
	Execute   string      `json:"execute"`
	Arguments interface{} `json:"arguments,omitempty"`
}

type reply struct {
	Return json.RawMessage `json:"return"`
	Error  *struct {
		Class string `json:"class"`
		Desc  string `json:"desc"`
	} `json:"error"`
}

// Client owns a connected qmp.Monitor.
type Client struct {
	mon    qmp.Monitor
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	queue  []Event
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// New takes ownership of mon, which must already be connected, and starts
// queueing its events.
func New(mon qmp.Monitor) (*Client, error) {
	ctx, cancel := context.WithCancel(context.Background())
	events, err := mon.Events(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("monitor: subscribe events: %w", err)
	}

	c := &Client{
		mon:    mon,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.drain(ctx, events)
	return c, nil
}

func (c *Client) drain(ctx context.Context, events <-chan qmp.Event) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c.mu.Lock()
			c.queue = append(c.queue, Event{
				Name:      e.Event,
				Data:      e.Data,
				Timestamp: time.Unix(e.Timestamp.Seconds, e.Timestamp.Microseconds*int64(time.Microsecond)),
			})
			c.mu.Unlock()
		}
	}
}

// Command runs name with args and returns the "return" member of the reply.
// An error reply from QEMU is returned as *CommandError.
func (c *Client) Command(ctx context.Context, name string, args interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	payload, err := json.Marshal(request{Execute: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("monitor: encode %s: %w", name, err)
	}

	type result struct {
		raw []byte
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		raw, err := c.mon.Run(payload)
		resCh <- result{raw: raw, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resCh:
		if res.err != nil {
			return nil, classifyRunError(name, res.raw, res.err)
		}
		return decodeReply(name, res.raw)
	}
}

func decodeReply(name string, raw []byte) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s: empty reply", ErrTransport, name)
	}
	var r reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedReply, name, err)
	}
	if r.Error != nil {
		return nil, &CommandError{Command: name, Class: r.Error.Class, Desc: r.Error.Desc}
	}
	if r.Return == nil {
		return nil, fmt.Errorf("%w: %s: no return member", ErrMalformedReply, name)
	}
	return r.Return, nil
}

// classifyRunError separates a broken connection from an error reply.
// qmp.SocketMonitor reports QEMU's error replies as plain errors carrying
// only the description. When the peer hangs up before replying it decodes
// an empty buffer and reports a JSON syntax error instead.
func classifyRunError(name string, raw []byte, err error) error {
	if len(raw) > 0 {
		var ce *CommandError
		if _, derr := decodeReply(name, raw); errors.As(derr, &ce) {
			return ce
		}
	}
	if connError(err) || (len(raw) == 0 && hangup(err)) {
		return fmt.Errorf("%w: %s: %v", ErrTransport, name, err)
	}
	return &CommandError{Command: name, Class: "GenericError", Desc: err.Error()}
}

func hangup(err error) bool {
	var se *json.SyntaxError
	return errors.As(err, &se)
}

func connError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

// QueryStatus runs query-status.
func (c *Client) QueryStatus(ctx context.Context) (Status, error) {
	raw, err := c.Command(ctx, "query-status", nil)
	if err != nil {
		return Status{}, err
	}
	var st Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return Status{}, fmt.Errorf("%w: query-status: %v", ErrMalformedReply, err)
	}
	return st, nil
}

// PollEvents returns every event received since the previous call, oldest
// first. It never blocks.
func (c *Client) PollEvents() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	out := c.queue
	c.queue = nil
	return out
}

// Requeue puts events back at the head of the queue, ahead of anything
// received since they were polled.
func (c *Client) Requeue(events []Event) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := make([]Event, 0, len(events)+len(c.queue))
	merged = append(merged, events...)
	c.queue = append(merged, c.queue...)
}

// Close disconnects the channel. Safe to call multiple times.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel()
		if err := c.mon.Disconnect(); err != nil {
			c.closeErr = fmt.Errorf("monitor: disconnect: %w", err)
		}
		<-c.done
	})
	return c.closeErr
}
