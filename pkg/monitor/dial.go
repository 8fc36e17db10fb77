package monitor

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/rs/zerolog"
)

// DialConfig controls connection attempts.
type DialConfig struct {
	// Timeout bounds a single dial.
	Timeout time.Duration

	// RetryInterval is the pause between failed attempts.
	RetryInterval time.Duration
}

// DefaultDialConfig returns the launcher defaults.
func DefaultDialConfig() DialConfig {
	return DialConfig{
		Timeout:       2 * time.Second,
		RetryInterval: 50 * time.Millisecond,
	}
}

// Dial connects to a QMP socket, retrying transient failures until it
// succeeds or ctx is done. There is no other deadline.
func Dial(ctx context.Context, network, addr string, cfg DialConfig) (*Client, error) {
	log := zerolog.Ctx(ctx)
	for attempt := 1; ; attempt++ {
		mon, err := connect(network, addr, cfg.Timeout)
		if err == nil {
			return New(mon)
		}
		if !Transient(err) {
			return nil, err
		}
		log.Debug().Err(err).Str("addr", addr).Int("attempt", attempt).Msg("qmp connect retry")

		t := time.NewTimer(cfg.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func connect(network, addr string, timeout time.Duration) (qmp.Monitor, error) {
	mon, err := qmp.NewSocketMonitor(network, addr, timeout)
	if err != nil {
		return nil, err
	}
	if err := mon.Connect(); err != nil {
		mon.Disconnect() //nolint:errcheck
		return nil, err
	}
	return mon, nil
}

// Transient reports whether a connection error is worth retrying: the
// socket is not there yet, nobody is accepting, or the peer hung up during
// the greeting.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
