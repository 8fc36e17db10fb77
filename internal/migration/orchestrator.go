package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/javanstorm/migloop/internal/timing"
	"github.com/javanstorm/migloop/internal/viewer"
	"github.com/javanstorm/migloop/internal/wait"
	"github.com/rs/zerolog"
)

const (
	EventSpiceInitialized = "SPICE_INITIALIZED"
	EventSpiceConnected   = "SPICE_CONNECTED"
)

// Deps are the collaborators an Orchestrator uses.
type Deps struct {
	Launch LaunchFunc
	Log    zerolog.Logger

	// Sink receives residual stdout of retired instances. Optional.
	Sink ResidualSink

	// Prompter is required when Config.WaitUserInput is set.
	Prompter viewer.Prompter

	// StartViewer defaults to viewer.Start.
	StartViewer ViewerFunc

	// OnRound is called after each completed migration. Optional.
	OnRound func(round int)
}

// Orchestrator owns both instances and runs migration rounds one at a
// time. It is not safe for concurrent use.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	roles  Roles
	rounds int
	phase  Phase

	viewer         *viewer.Process
	viewerAttached bool
	prompted       bool

	closeOnce sync.Once
	closeErr  error
	closed    bool
	mu        sync.Mutex
}

// New launches the first active and target instances.
func New(ctx context.Context, cfg Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Launch == nil {
		return nil, fmt.Errorf("%w: no launcher", ErrInvalidConfig)
	}
	if cfg.WaitUserInput && deps.Prompter == nil {
		return nil, fmt.Errorf("%w: wait for user input needs a prompter", ErrInvalidConfig)
	}
	if deps.StartViewer == nil {
		deps.StartViewer = viewer.Start
	}

	o := &Orchestrator{
		cfg:  cfg,
		deps: deps,
		log:  deps.Log.With().Str("component", "migration").Logger(),
	}

	active, err := deps.Launch(ctx, cfg.instance(cfg.SocketPaths[0], cfg.DisplayPorts[0], 0))
	if err != nil {
		return nil, fmt.Errorf("launch active: %w", err)
	}
	target, err := deps.Launch(ctx, cfg.instance(cfg.SocketPaths[1], cfg.DisplayPorts[1], cfg.MigrationPort))
	if err != nil {
		active.Kill() //nolint:errcheck
		removeSocket(cfg.SocketPaths[0])
		return nil, fmt.Errorf("launch target: %w", err)
	}
	o.roles = Roles{Active: active, Target: target}

	o.log.Info().
		Int("active_pid", active.PID()).
		Int("target_pid", target.PID()).
		Int("migrate_port", cfg.MigrationPort).
		Msg("instances launched")
	return o, nil
}

// Active returns the instance currently serving the guest.
func (o *Orchestrator) Active() Instance { return o.roles.Active }

// Target returns the instance waiting for the next incoming migration.
func (o *Orchestrator) Target() Instance { return o.roles.Target }

// Roles returns the current role assignment.
func (o *Orchestrator) Roles() Roles { return o.roles }

// Rounds returns the number of completed migrations.
func (o *Orchestrator) Rounds() int { return o.rounds }

// Phase returns how far the current round got.
func (o *Orchestrator) Phase() Phase { return o.phase }

// Run performs count rounds, or rounds until ctx is done when count is 0.
func (o *Orchestrator) Run(ctx context.Context, count int) error {
	for count == 0 || o.rounds < count {
		if err := o.Iterate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Iterate performs one round. Any error is fatal to the run and is
// returned as a *RoundError, except context cancellation.
func (o *Orchestrator) Iterate(ctx context.Context) error {
	if o.isClosed() {
		return ErrClosed
	}

	round := o.rounds + 1
	log := o.log.With().Int("round", round).Logger()
	ctx = log.WithContext(ctx)
	timer := timing.New()
	o.phase = PhasePre

	fail := func(err error) error {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return err
		}
		return &RoundError{Round: round, Phase: o.phase, Err: err}
	}

	r := o.roles
	if r.Active == nil || r.Target == nil {
		return fail(errors.New("missing instance from a previous failed round"))
	}
	p := o.cfg.Policy

	if err := o.waitStates(ctx, r, true); err != nil {
		return fail(err)
	}
	o.phase = PhaseActiveConfirmed
	timer.Mark("pre_wait")

	if err := o.attachViewer(ctx, r.Active); err != nil {
		return fail(err)
	}
	if o.cfg.ViewerExpected() {
		if _, err := wait.Event(ctx, r.Active, EventSpiceInitialized, p); err != nil {
			return fail(fmt.Errorf("wait %s: %w", EventSpiceInitialized, err))
		}
	}
	o.phase = PhaseViewerAttached
	timer.Mark("viewer")

	if err := o.migrate(ctx, r); err != nil {
		return fail(err)
	}
	o.phase = PhaseMigrationIssued
	timer.Mark("issue")

	if err := o.waitStates(ctx, r, false); err != nil {
		return fail(err)
	}
	if o.cfg.ViewerExpected() {
		if _, err := wait.Event(ctx, r.Target, EventSpiceConnected, p); err != nil {
			return fail(fmt.Errorf("wait %s: %w", EventSpiceConnected, err))
		}
	}
	o.phase = PhaseRoleSwapped
	timer.Mark("migrate")

	o.retire(ctx, r.Active)
	o.roles = Roles{Active: r.Target}
	o.phase = PhaseOldActiveRetired
	timer.Mark("retire")

	next, err := o.deps.Launch(ctx, o.cfg.instance(r.Active.SocketPath(), r.Active.DisplayPort(), o.cfg.MigrationPort))
	if err != nil {
		return fail(fmt.Errorf("launch replacement: %w", err))
	}
	o.roles = Roles{Active: r.Target, Target: next}
	o.phase = PhaseReplacementLaunched
	timer.Mark("relaunch")

	o.rounds = round
	log.Info().
		Int("active_pid", o.roles.Active.PID()).
		Int("active_spice_port", o.roles.Active.DisplayPort()).
		Int("target_pid", next.PID()).
		Int("target_spice_port", next.DisplayPort()).
		Dict("phases", timer.Dict()).
		Msg("migration complete")
	if o.deps.OnRound != nil {
		o.deps.OnRound(round)
	}
	return nil
}

// waitStates waits for active running == before and target running ==
// !before.
func (o *Orchestrator) waitStates(ctx context.Context, r Roles, before bool) error {
	p := o.cfg.Policy
	err := wait.Both(ctx,
		func(ctx context.Context) error { return wait.RunState(ctx, r.Active, before, p) },
		func(ctx context.Context) error { return wait.RunState(ctx, r.Target, !before, p) },
	)
	if err != nil {
		return fmt.Errorf("wait run state: %w", err)
	}
	return nil
}

// attachViewer starts the client and prompts the operator, both at most
// once per run. The client follows every handoff, so it is never restarted.
func (o *Orchestrator) attachViewer(ctx context.Context, active Instance) error {
	if !o.viewerAttached {
		proc, err := o.deps.StartViewer(o.cfg.Viewer, o.cfg.Hostname, active.DisplayPort())
		if err != nil {
			return err
		}
		if proc != nil {
			o.log.Info().Str("client", o.cfg.Viewer.Name()).Int("pid", proc.PID()).Msg("spice client started")
		}
		o.mu.Lock()
		o.viewer = proc
		o.mu.Unlock()
		o.viewerAttached = true
	}
	if o.cfg.WaitUserInput && !o.prompted {
		msg := fmt.Sprintf("Connect a client to %s:%d, then continue", o.cfg.Hostname, active.DisplayPort())
		if err := o.deps.Prompter.Confirm(ctx, msg); err != nil {
			return fmt.Errorf("wait for user: %w", err)
		}
		o.prompted = true
	}
	return nil
}

// migrate points the client at the target, then starts the migration.
// Exactly one of the two instances must be running here.
func (o *Orchestrator) migrate(ctx context.Context, r Roles) error {
	_, err := r.Active.Command(ctx, "client_migrate_info", map[string]interface{}{
		"protocol": "spice",
		"hostname": o.cfg.Hostname,
		"port":     r.Target.DisplayPort(),
	})
	if err != nil {
		return fmt.Errorf("client_migrate_info: %w", err)
	}

	uri := fmt.Sprintf("tcp:%s:%d", o.cfg.Hostname, o.cfg.MigrationPort)
	if _, err := r.Active.Command(ctx, "migrate", map[string]interface{}{"uri": uri}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	zerolog.Ctx(ctx).Debug().Str("uri", uri).Int("spice_port", r.Target.DisplayPort()).Msg("migration issued")
	return nil
}

// retire quits the old active and records its leftover stdout. QEMU may
// drop the connection before replying to quit, so transport errors only
// log.
func (o *Orchestrator) retire(ctx context.Context, inst Instance) {
	log := zerolog.Ctx(ctx).With().Int("pid", inst.PID()).Logger()

	if _, err := inst.Command(ctx, "quit", nil); err != nil {
		log.Warn().Err(err).Msg("quit failed, killing")
		inst.Kill() //nolint:errcheck
	}
	if err := inst.CloseChannel(); err != nil {
		log.Debug().Err(err).Msg("close qmp channel")
	}
	if err := inst.Wait(); err != nil {
		log.Debug().Err(err).Msg("qemu exit status")
	}

	if o.deps.Sink != nil {
		if err := o.deps.Sink.Residual(inst.PID(), inst.Output()); err != nil {
			log.Warn().Err(err).Msg("record residual output")
		}
	}
	log.Debug().Msg("old active retired")
}

// Close kills both instances, stops the client and removes the socket
// files. It is safe to call more than once.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		proc := o.viewer
		o.mu.Unlock()

		var errs []error
		for _, inst := range []Instance{o.roles.Active, o.roles.Target} {
			if inst == nil {
				continue
			}
			if err := inst.Kill(); err != nil {
				errs = append(errs, fmt.Errorf("kill pid %d: %w", inst.PID(), err))
			}
		}
		if err := proc.Close(); err != nil {
			errs = append(errs, err)
		}
		for _, path := range o.cfg.SocketPaths {
			removeSocket(path)
		}
		o.closeErr = errors.Join(errs...)
		o.log.Debug().Int("rounds", o.rounds).Msg("orchestrator closed")
	})
	return o.closeErr
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func removeSocket(path string) {
	os.Remove(path) //nolint:errcheck
}
