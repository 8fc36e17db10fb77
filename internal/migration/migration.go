// Package migration runs the live-migration loop between two QEMU
// instances: wait for the active one to run, hand the SPICE client over,
// migrate, retire the old active and launch a fresh target in its place.
package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/javanstorm/migloop/internal/viewer"
	"github.com/javanstorm/migloop/internal/wait"
	"github.com/javanstorm/migloop/pkg/hypervisor"
	"github.com/javanstorm/migloop/pkg/monitor"
)

var (
	ErrInvalidConfig = errors.New("migration: invalid config")
	ErrClosed        = errors.New("migration: orchestrator closed")
)

// Instance is the part of a QEMU instance the loop drives.
// *hypervisor.Instance implements it.
type Instance interface {
	PID() int
	DisplayPort() int
	SocketPath() string
	IncomingPort() int

	Command(ctx context.Context, name string, args interface{}) (json.RawMessage, error)
	QueryStatus(ctx context.Context) (monitor.Status, error)
	PollEvents() []monitor.Event
	CloseChannel() error

	Wait() error
	Kill() error
	Output() []byte
}

var _ Instance = (*hypervisor.Instance)(nil)

// LaunchFunc starts an instance and returns once its QMP channel is ready.
type LaunchFunc func(ctx context.Context, cfg hypervisor.InstanceConfig) (Instance, error)

// HypervisorLauncher adapts a *hypervisor.Launcher to a LaunchFunc.
func HypervisorLauncher(l *hypervisor.Launcher) LaunchFunc {
	return func(ctx context.Context, cfg hypervisor.InstanceConfig) (Instance, error) {
		inst, err := l.Launch(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return inst, nil
	}
}

// ResidualSink records the stdout a retired instance left behind.
// *runlog.Log implements it.
type ResidualSink interface {
	Residual(pid int, out []byte) error
}

// ViewerFunc starts a SPICE client. viewer.Start is the default.
type ViewerFunc func(kind viewer.Kind, hostname string, port int) (*viewer.Process, error)

// Config describes the two instances and how a round behaves.
type Config struct {
	Binary     string
	Image      string
	Hostname   string
	GuestAgent bool

	// SocketPaths and DisplayPorts are the first active's and first
	// target's. Each retired instance hands its pair to its replacement.
	SocketPaths   [2]string
	DisplayPorts  [2]int
	MigrationPort int

	Viewer viewer.Kind

	// WaitUserInput prompts once before the first migration.
	WaitUserInput bool

	// WaitUserConnect expects a client attached from outside.
	WaitUserConnect bool

	Policy wait.Policy
}

// Validate checks the config and fills in defaults.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		c.Hostname = "localhost"
	}
	if c.Viewer == nil {
		c.Viewer = viewer.None
	}
	if c.Policy == (wait.Policy{}) {
		c.Policy = wait.DefaultPolicy()
	}
	if c.SocketPaths[0] == "" || c.SocketPaths[1] == "" {
		return fmt.Errorf("%w: both qmp socket paths are required", ErrInvalidConfig)
	}
	if c.SocketPaths[0] == c.SocketPaths[1] {
		return fmt.Errorf("%w: qmp socket paths must differ", ErrInvalidConfig)
	}
	ports := []int{c.DisplayPorts[0], c.DisplayPorts[1], c.MigrationPort}
	for _, p := range ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, p)
		}
	}
	if ports[0] == ports[1] || ports[0] == ports[2] || ports[1] == ports[2] {
		return fmt.Errorf("%w: spice and migration ports must all differ", ErrInvalidConfig)
	}
	return nil
}

// ViewerExpected reports whether a SPICE client will follow the active
// instance, so rounds wait for SPICE events.
func (c *Config) ViewerExpected() bool {
	_, _, ok := c.Viewer.Command(c.Hostname, 0)
	return ok || c.WaitUserConnect
}

func (c *Config) instance(socketPath string, displayPort, incomingPort int) hypervisor.InstanceConfig {
	return hypervisor.InstanceConfig{
		Binary:       c.Binary,
		Image:        c.Image,
		DisplayPort:  displayPort,
		SocketPath:   socketPath,
		IncomingPort: incomingPort,
		GuestAgent:   c.GuestAgent,
	}
}

// Roles is the current role assignment. It is replaced as a whole on every
// swap.
type Roles struct {
	Active Instance
	Target Instance
}

// Phase is how far the current round got.
type Phase int

const (
	PhasePre Phase = iota
	PhaseActiveConfirmed
	PhaseViewerAttached
	PhaseMigrationIssued
	PhaseRoleSwapped
	PhaseOldActiveRetired
	PhaseReplacementLaunched
)

func (p Phase) String() string {
	switch p {
	case PhasePre:
		return "pre"
	case PhaseActiveConfirmed:
		return "active_confirmed"
	case PhaseViewerAttached:
		return "viewer_attached"
	case PhaseMigrationIssued:
		return "migration_issued"
	case PhaseRoleSwapped:
		return "role_swapped"
	case PhaseOldActiveRetired:
		return "old_active_retired"
	case PhaseReplacementLaunched:
		return "replacement_launched"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// RoundError is a fatal failure inside a round. Phase is the last state the
// round reached before the failing step.
type RoundError struct {
	Round int
	Phase Phase
	Err   error
}

func (e *RoundError) Error() string {
	return fmt.Sprintf("round %d after %s: %v", e.Round, e.Phase, e.Err)
}

func (e *RoundError) Unwrap() error { return e.Err }
