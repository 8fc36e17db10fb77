package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all migloop configuration.
type Config struct {
	// QMP1 and QMP2 are the QMP socket paths of the first active and
	// first target instance.
	QMP1 string `mapstructure:"qmp1" toml:"qmp1"`
	QMP2 string `mapstructure:"qmp2" toml:"qmp2"`

	// SpicePort1 and SpicePort2 are the SPICE ports of the two instances.
	SpicePort1 int `mapstructure:"spice_port1" toml:"spice_port1"`
	SpicePort2 int `mapstructure:"spice_port2" toml:"spice_port2"`

	// MigratePort is the TCP port the target listens on for migration.
	MigratePort int `mapstructure:"migrate_port" toml:"migrate_port"`

	// Qemu is the qemu binary, a path or a name on PATH.
	Qemu string `mapstructure:"qemu" toml:"qemu"`

	// LogFilename is the append-only run log.
	LogFilename string `mapstructure:"log_filename" toml:"log_filename"`

	// Image is the backing disk image. Empty boots without a disk.
	Image string `mapstructure:"image" toml:"image"`

	// ImageFormat is the backing image format passed to qemu-img -F. Empty
	// lets qemu-img detect it.
	ImageFormat string `mapstructure:"image_format" toml:"image_format"`

	// StagingDir holds the qcow2 overlay. Empty means the system temp dir.
	StagingDir string `mapstructure:"staging_dir" toml:"staging_dir"`

	// Hostname is used for the migration URI and the SPICE handoff.
	Hostname string `mapstructure:"hostname" toml:"hostname"`

	// Client is the SPICE client to start: spicy, remote-viewer or none.
	Client string `mapstructure:"client" toml:"client"`

	// Vdagent attaches the SPICE agent channel.
	Vdagent bool `mapstructure:"vdagent" toml:"vdagent"`

	// WaitUserInput prompts before the first migration.
	WaitUserInput bool `mapstructure:"wait_user_input" toml:"wait_user_input"`

	// WaitUserConnect expects a client attached by hand.
	WaitUserConnect bool `mapstructure:"wait_user_connect" toml:"wait_user_connect"`

	// Count is the number of migrations. 0 runs until interrupted.
	Count int `mapstructure:"count" toml:"count"`

	// LogLevel is the console log level.
	LogLevel string `mapstructure:"log_level" toml:"log_level"`
}

// DefaultConfig returns a Config with the classic test setup: two local
// instances on SPICE ports 5911 and 6911 migrating over port 8000.
func DefaultConfig() *Config {
	return &Config{
		QMP1:        "/tmp/migrate_test.1.qmp",
		QMP2:        "/tmp/migrate_test.2.qmp",
		SpicePort1:  5911,
		SpicePort2:  6911,
		MigratePort: 8000,
		Qemu:        "qemu-system-x86_64",
		LogFilename: "migrate.log",
		Hostname:    "localhost",
		Client:      "none",
		Count:       100,
		LogLevel:    "info",
	}
}

// EnvPrefix prefixes environment overrides: MIGLOOP_COUNT, MIGLOOP_QEMU...
const EnvPrefix = "MIGLOOP"

// SetDefaults registers every key with v so env and flag bindings see it.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("qmp1", d.QMP1)
	v.SetDefault("qmp2", d.QMP2)
	v.SetDefault("spice_port1", d.SpicePort1)
	v.SetDefault("spice_port2", d.SpicePort2)
	v.SetDefault("migrate_port", d.MigratePort)
	v.SetDefault("qemu", d.Qemu)
	v.SetDefault("log_filename", d.LogFilename)
	v.SetDefault("image", d.Image)
	v.SetDefault("image_format", d.ImageFormat)
	v.SetDefault("staging_dir", d.StagingDir)
	v.SetDefault("hostname", d.Hostname)
	v.SetDefault("client", d.Client)
	v.SetDefault("vdagent", d.Vdagent)
	v.SetDefault("wait_user_input", d.WaitUserInput)
	v.SetDefault("wait_user_connect", d.WaitUserConnect)
	v.SetDefault("count", d.Count)
	v.SetDefault("log_level", d.LogLevel)
}

// Load reads configuration from defaults, the optional config file,
// MIGLOOP_* environment variables and any flags already bound to v.
// configFile, when set, must exist.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if paths, err := GetPaths(); err == nil {
			v.AddConfigPath(paths.ConfigDir)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
