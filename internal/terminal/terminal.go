// Package terminal reads single key presses from the controlling terminal.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrInterrupted is returned when the user presses Ctrl+C or Ctrl+D while
// the terminal is in raw mode, where neither raises a signal.
var ErrInterrupted = errors.New("terminal: interrupted")

const (
	// KeyInterrupt is Ctrl+C (0x03).
	KeyInterrupt = 0x03

	// KeyEOF is Ctrl+D (0x04).
	KeyEOF = 0x04
)

// Console wraps terminal operations on one input file.
type Console struct {
	in *os.File
	fd int
}

// New returns a console reading from in.
func New(in *os.File) *Console {
	return &Console{in: in, fd: int(in.Fd())}
}

// IsTTY returns true if the input is a terminal.
func (c *Console) IsTTY() bool {
	return term.IsTerminal(c.fd)
}

// SetRaw puts the terminal into raw mode and returns restore function.
func (c *Console) SetRaw() (func(), error) {
	oldState, err := term.MakeRaw(c.fd)
	if err != nil {
		return nil, err
	}
	return func() {
		term.Restore(c.fd, oldState) //nolint:errcheck
	}, nil
}

// ReadKey waits for one key press in raw mode. The terminal is restored
// before it returns, including when ctx ends first. A read still pending
// after cancellation consumes the next key.
func (c *Console) ReadKey(ctx context.Context) (byte, error) {
	restore, err := c.SetRaw()
	if err != nil {
		return 0, fmt.Errorf("terminal: raw mode: %w", err)
	}
	defer restore()
	return readKey(ctx, c.in)
}

func readKey(ctx context.Context, r io.Reader) (byte, error) {
	type result struct {
		key byte
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		buf := make([]byte, 1)
		_, err := io.ReadFull(r, buf)
		resCh <- result{key: buf[0], err: err}
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-resCh:
		if res.err != nil {
			return 0, fmt.Errorf("terminal: read: %w", res.err)
		}
		return res.key, checkKey(res.key)
	}
}

func checkKey(b byte) error {
	switch b {
	case KeyInterrupt, KeyEOF:
		return ErrInterrupted
	default:
		return nil
	}
}
