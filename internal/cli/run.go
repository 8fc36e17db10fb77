package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/javanstorm/migloop/internal/config"
	"github.com/javanstorm/migloop/internal/image"
	"github.com/javanstorm/migloop/internal/migration"
	"github.com/javanstorm/migloop/internal/observability"
	"github.com/javanstorm/migloop/internal/runlog"
	"github.com/javanstorm/migloop/internal/version"
	"github.com/javanstorm/migloop/internal/viewer"
	"github.com/javanstorm/migloop/pkg/hypervisor"
	"github.com/javanstorm/migloop/pkg/monitor"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Migrate a guest back and forth between two QEMU instances",
	Long: `Start two QEMU instances and migrate between them --count times
(0 runs until interrupted).

With --image, a qcow2 overlay on top of the image is created with
qemu-img and removed on exit, so the image itself is never written.
qemu-img detects the backing format unless --image-format names it
(for example raw or qcow2).
With --client, a SPICE client is started against the first instance and
every round waits for it to follow the migration.`,
	RunE: runRun,
}

// runFlag maps a flag to its config key.
type runFlag struct {
	name string
	key  string
}

var runFlags = []runFlag{
	{"qmp1", "qmp1"},
	{"qmp2", "qmp2"},
	{"spice-port1", "spice_port1"},
	{"spice-port2", "spice_port2"},
	{"migrate-port", "migrate_port"},
	{"qemu", "qemu"},
	{"log-filename", "log_filename"},
	{"image", "image"},
	{"image-format", "image_format"},
	{"staging-dir", "staging_dir"},
	{"hostname", "hostname"},
	{"client", "client"},
	{"vdagent", "vdagent"},
	{"wait-user-input", "wait_user_input"},
	{"wait-user-connect", "wait_user_connect"},
	{"count", "count"},
}

func init() {
	d := config.DefaultConfig()
	f := runCmd.Flags()
	f.String("qmp1", d.QMP1, "QMP socket of the first instance")
	f.String("qmp2", d.QMP2, "QMP socket of the second instance")
	f.Int("spice-port1", d.SpicePort1, "SPICE port of the first instance")
	f.Int("spice-port2", d.SpicePort2, "SPICE port of the second instance")
	f.Int("migrate-port", d.MigratePort, "TCP port used for migration")
	f.String("qemu", d.Qemu, "qemu binary, a path or a name on PATH")
	f.String("log-filename", d.LogFilename, "file the run log is appended to")
	f.StringP("image", "i", d.Image, "backing disk image (empty boots without a disk)")
	f.String("image-format", d.ImageFormat, "format of the backing image, empty to let qemu-img detect it")
	f.String("staging-dir", d.StagingDir, "directory for the qcow2 overlay")
	f.String("hostname", d.Hostname, "host used for the migration URI and SPICE handoff")
	f.StringP("client", "c", d.Client, "SPICE client to start: spicy, remote-viewer or none")
	f.Bool("vdagent", d.Vdagent, "attach the SPICE agent channel")
	f.Bool("wait-user-input", d.WaitUserInput, "ask before the first migration")
	f.Bool("wait-user-connect", d.WaitUserConnect, "wait for a manually connected SPICE client")
	f.IntP("count", "n", d.Count, "number of migrations, 0 for no limit")

	for _, rf := range runFlags {
		settings.BindPFlag(rf.key, f.Lookup(rf.name)) //nolint:errcheck
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := observability.InitLogger("migloop", cfg.LogLevel, os.Stderr)
	log.Debug().Str("version", version.String()).Msg("starting")

	if issues := config.Validate(cfg); len(issues) > 0 {
		fmt.Fprint(os.Stderr, config.FormatValidationErrors(issues))
		if config.HasFatal(issues) {
			return errors.New("invalid configuration")
		}
	}
	if !hypervisor.SupportedPlatform() {
		log.Warn().Msg("qemu with kvm is only supported on linux")
	}
	if cfg.Image != "" {
		if err := hypervisor.CheckKVM(); err != nil {
			log.Warn().Err(err).Msg("kvm unavailable, qemu will fail to start with -enable-kvm")
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	return runLoop(ctx, cfg, log)
}

// runLoop owns every resource of a run. Deferred cleanup runs on success,
// failure and interrupt alike.
func runLoop(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	kind, err := viewer.Parse(cfg.Client)
	if err != nil {
		return err
	}

	runLog, err := runlog.Open(cfg.LogFilename, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("log file %s\n", runLog.Path())
	defer func() {
		if err := runLog.Close(); err != nil {
			log.Warn().Err(err).Msg("close run log")
		}
	}()
	log = log.With().Str("run", runLog.RunID()).Logger()

	img, err := stageImage(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := img.Remove(); err != nil {
			log.Warn().Err(err).Str("path", img.Path).Msg("remove overlay")
		}
	}()
	if img.Path != "" {
		fmt.Printf("using new image %s\n", img.Path)
	}

	launcher := hypervisor.NewLauncher(log, monitor.DefaultDialConfig())
	orch, err := migration.New(ctx, migration.Config{
		Binary:          cfg.Qemu,
		Image:           img.Path,
		Hostname:        cfg.Hostname,
		GuestAgent:      cfg.Vdagent,
		SocketPaths:     [2]string{cfg.QMP1, cfg.QMP2},
		DisplayPorts:    [2]int{cfg.SpicePort1, cfg.SpicePort2},
		MigrationPort:   cfg.MigratePort,
		Viewer:          kind,
		WaitUserInput:   cfg.WaitUserInput,
		WaitUserConnect: cfg.WaitUserConnect,
	}, migration.Deps{
		Launch:   migration.HypervisorLauncher(launcher),
		Log:      log,
		Sink:     runLog,
		Prompter: viewer.NewTerminalPrompter(),
		OnRound:  func(n int) { fmt.Println(n) },
	})
	if err != nil {
		return err
	}
	defer func() {
		fmt.Println("doing cleanup")
		if err := orch.Close(); err != nil {
			log.Warn().Err(err).Msg("cleanup")
		}
	}()

	err = orch.Run(ctx, cfg.Count)
	log.Info().Int("rounds", orch.Rounds()).Msg("run finished")
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		log.Info().Msg("interrupted")
		return nil
	}
	return err
}

// stageImage creates the throwaway overlay. Without an image it returns a
// zero Staged.
func stageImage(ctx context.Context, cfg *config.Config) (*image.Staged, error) {
	if cfg.Image == "" {
		return &image.Staged{}, nil
	}
	qemuBin, err := hypervisor.ResolveBinary(cfg.Qemu)
	if err != nil {
		return nil, err
	}
	qemuImg, err := image.FindQemuImg(qemuBin)
	if err != nil {
		return nil, err
	}
	s := &image.Stager{QemuImg: qemuImg, Dir: cfg.StagingDir, BackingFormat: cfg.ImageFormat}
	return s.Stage(ctx, cfg.Image)
}
