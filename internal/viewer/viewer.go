// Package viewer starts the optional SPICE client and asks the operator
// for confirmation before migrations begin.
package viewer

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

var ErrUnknownKind = errors.New("viewer: unknown client kind")

// Kind is a SPICE client the tool knows how to start.
type Kind interface {
	// Name is the value accepted by the --client flag.
	Name() string

	// Command returns the executable and arguments for a client pointed at
	// hostname:port. ok is false for None.
	Command(hostname string, port int) (bin string, args []string, ok bool)
}

type none struct{}

func (none) Name() string                                 { return "none" }
func (none) Command(string, int) (string, []string, bool) { return "", nil, false }

type spicy struct{}

func (spicy) Name() string { return "spicy" }
func (spicy) Command(hostname string, port int) (string, []string, bool) {
	return "spicy", []string{"--uri", uri(hostname, port)}, true
}

type remoteViewer struct{}

func (remoteViewer) Name() string { return "remote-viewer" }
func (remoteViewer) Command(hostname string, port int) (string, []string, bool) {
	return "remote-viewer", []string{uri(hostname, port)}, true
}

var (
	None         Kind = none{}
	Spicy        Kind = spicy{}
	RemoteViewer Kind = remoteViewer{}
)

// Kinds lists the supported clients in flag order.
func Kinds() []Kind {
	return []Kind{Spicy, RemoteViewer, None}
}

// Parse maps a --client value to a Kind.
func Parse(name string) (Kind, error) {
	if name == "" {
		return None, nil
	}
	for _, k := range Kinds() {
		if k.Name() == name {
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

func uri(hostname string, port int) string {
	return fmt.Sprintf("spice://%s:%d", hostname, port)
}

// Process is a running client. The caller owns it and must Close it.
type Process struct {
	cmd       *exec.Cmd
	done      chan struct{}
	closeOnce sync.Once
}

// Start launches kind against hostname:port. It returns (nil, nil) for
// None.
func Start(kind Kind, hostname string, port int) (*Process, error) {
	bin, args, ok := kind.Command(hostname, port)
	if !ok {
		return nil, nil
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("viewer: find %s: %w", bin, err)
	}
	cmd := exec.Command(path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("viewer: start %s: %w", bin, err)
	}
	p := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		cmd.Wait() //nolint:errcheck
		close(p.done)
	}()
	return p, nil
}

// PID returns the client's process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Close kills the client if it is still running. Safe to call multiple
// times and on a nil Process.
func (p *Process) Close() error {
	if p == nil {
		return nil
	}
	var err error
	p.closeOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = fmt.Errorf("viewer: kill: %w", kerr)
		}
		<-p.done
	})
	return err
}
