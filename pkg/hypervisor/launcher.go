package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/javanstorm/migloop/pkg/monitor"
	"github.com/rs/zerolog"
)

// Launcher starts QEMU processes and connects to their QMP sockets.
type Launcher struct {
	log  zerolog.Logger
	dial monitor.DialConfig
}

// NewLauncher creates a launcher that logs to log.
func NewLauncher(log zerolog.Logger, dial monitor.DialConfig) *Launcher {
	return &Launcher{log: log, dial: dial}
}

// ResolveBinary returns the path of a qemu binary given as a path or a
// name on PATH.
func ResolveBinary(binary string) (string, error) {
	if binary == "" {
		return "", ErrMissingBinary
	}
	if info, err := os.Stat(binary); err == nil && !info.IsDir() {
		return binary, nil
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, binary)
	}
	return path, nil
}

// Launch starts QEMU and returns once its QMP channel is connected. It
// waits for the socket file, then retries connecting until QEMU accepts.
// Only ctx bounds the wait. If QEMU exits first, Launch returns
// ErrExitedEarly.
func (l *Launcher) Launch(ctx context.Context, cfg InstanceConfig) (*Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bin, err := ResolveBinary(cfg.Binary)
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(cfg.SocketPath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrEndpointExists, cfg.SocketPath)
	}

	cmd := exec.Command(bin, cfg.Args()...)
	inst := newInstance(cfg, cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrBinaryNotFound, bin, err)
	}
	go inst.reap()

	log := l.log.With().Int("pid", inst.PID()).Int("spice_port", cfg.DisplayPort).Str("qmp", cfg.SocketPath).Logger()
	log.Debug().Strs("args", cfg.Args()).Msg("qemu started")

	// Abort the connect loop as soon as the process dies.
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-inst.Exited():
			cancel()
		case <-lctx.Done():
		}
	}()

	client, err := l.connect(log.WithContext(lctx), cfg)
	if err != nil {
		select {
		case <-inst.Exited():
			return nil, fmt.Errorf("%w: pid %d: %v: %s", ErrExitedEarly, inst.PID(), inst.waitErr, tail(inst.stderr.Bytes()))
		default:
		}
		inst.Kill() //nolint:errcheck
		return nil, err
	}
	inst.client = client

	// The open connection outlives the path. Unlinking it lets the next
	// instance on this path signal readiness by recreating it.
	if err := os.Remove(cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not unlink qmp socket")
	}

	log.Info().Int("incoming_port", cfg.IncomingPort).Msg("qemu ready")
	return inst, nil
}

func (l *Launcher) connect(ctx context.Context, cfg InstanceConfig) (*monitor.Client, error) {
	if err := waitForFile(ctx, cfg.SocketPath, cfg.SocketPoll); err != nil {
		return nil, err
	}
	client, err := monitor.Dial(ctx, "unix", cfg.SocketPath, l.dial)
	if err != nil {
		return nil, fmt.Errorf("connect qmp %s: %w", cfg.SocketPath, err)
	}
	return client, nil
}

// waitForFile polls until path exists.
func waitForFile(ctx context.Context, path string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func tail(b []byte) string {
	const max = 512
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return s
}
