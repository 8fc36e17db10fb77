package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"sync"

	"github.com/javanstorm/migloop/pkg/monitor"
)

// Instance is one running QEMU process and its QMP channel.
type Instance struct {
	cfg    InstanceConfig
	cmd    *exec.Cmd
	client *monitor.Client

	stdout bytes.Buffer
	stderr bytes.Buffer

	done    chan struct{}
	waitErr error

	killOnce sync.Once
}

func newInstance(cfg InstanceConfig, cmd *exec.Cmd) *Instance {
	inst := &Instance{
		cfg:  cfg,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	cmd.Stdout = &inst.stdout
	cmd.Stderr = &inst.stderr
	return inst
}

// reap must be called once, right after cmd.Start.
func (i *Instance) reap() {
	i.waitErr = i.cmd.Wait()
	close(i.done)
}

// PID returns the process id.
func (i *Instance) PID() int {
	if i.cmd.Process == nil {
		return 0
	}
	return i.cmd.Process.Pid
}

func (i *Instance) DisplayPort() int  { return i.cfg.DisplayPort }
func (i *Instance) SocketPath() string { return i.cfg.SocketPath }
func (i *Instance) IncomingPort() int { return i.cfg.IncomingPort }

// Client returns the QMP channel owned by this instance.
func (i *Instance) Client() *monitor.Client { return i.client }

func (i *Instance) Command(ctx context.Context, name string, args interface{}) (json.RawMessage, error) {
	if i.client == nil {
		return nil, monitor.ErrClosed
	}
	return i.client.Command(ctx, name, args)
}

func (i *Instance) QueryStatus(ctx context.Context) (monitor.Status, error) {
	if i.client == nil {
		return monitor.Status{}, monitor.ErrClosed
	}
	return i.client.QueryStatus(ctx)
}

func (i *Instance) PollEvents() []monitor.Event {
	if i.client == nil {
		return nil
	}
	return i.client.PollEvents()
}

func (i *Instance) Requeue(events []monitor.Event) {
	if i.client != nil {
		i.client.Requeue(events)
	}
}

// CloseChannel closes the QMP channel. Safe to call multiple times.
func (i *Instance) CloseChannel() error {
	if i.client == nil {
		return nil
	}
	return i.client.Close()
}

// Exited is closed once the process has been reaped.
func (i *Instance) Exited() <-chan struct{} { return i.done }

// Wait blocks until the process exits and returns its exit error.
func (i *Instance) Wait() error {
	<-i.done
	return i.waitErr
}

// Kill forcefully terminates the process and reaps it. Killing an instance
// that already exited is a no-op.
func (i *Instance) Kill() error {
	var err error
	i.killOnce.Do(func() {
		i.CloseChannel() //nolint:errcheck
		select {
		case <-i.done:
			return
		default:
		}
		if i.cmd.Process != nil {
			if kerr := i.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				err = kerr
			}
		}
		<-i.done
	})
	return err
}

// Output returns what the process wrote to stdout. It is empty until the
// process exits.
func (i *Instance) Output() []byte {
	select {
	case <-i.done:
		return i.stdout.Bytes()
	default:
		return nil
	}
}
