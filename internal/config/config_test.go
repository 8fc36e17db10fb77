package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/javanstorm/migloop/internal/testutil"
	"github.com/spf13/viper"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.QMP1 != "/tmp/migrate_test.1.qmp" || cfg.QMP2 != "/tmp/migrate_test.2.qmp" {
		t.Errorf("qmp paths = %s, %s", cfg.QMP1, cfg.QMP2)
	}
	if cfg.SpicePort1 != 5911 || cfg.SpicePort2 != 6911 {
		t.Errorf("spice ports = %d, %d", cfg.SpicePort1, cfg.SpicePort2)
	}
	if cfg.MigratePort != 8000 {
		t.Errorf("MigratePort should be 8000, got %d", cfg.MigratePort)
	}
	if cfg.Count != 100 {
		t.Errorf("Count should be 100, got %d", cfg.Count)
	}
	if cfg.Client != "none" {
		t.Errorf("Client should be none, got %q", cfg.Client)
	}
	if cfg.ImageFormat != "" {
		t.Errorf("ImageFormat should be empty so qemu-img detects it, got %q", cfg.ImageFormat)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	testChdir(t, t.TempDir())

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *cfg != *DefaultConfig() {
		t.Errorf("Load() = %+v, want defaults", cfg)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "migloop.yaml")
	content := "spice_port1: 5930\nclient: spicy\nvdagent: true\ncount: 3\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MIGLOOP_COUNT", "7")
	t.Setenv("MIGLOOP_HOSTNAME", "10.0.0.5")

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SpicePort1 != 5930 {
		t.Errorf("SpicePort1 = %d, want 5930 from file", cfg.SpicePort1)
	}
	if cfg.Client != "spicy" || !cfg.Vdagent {
		t.Errorf("client/vdagent = %s/%t", cfg.Client, cfg.Vdagent)
	}
	if cfg.Count != 7 {
		t.Errorf("Count = %d, env should override file", cfg.Count)
	}
	if cfg.Hostname != "10.0.0.5" {
		t.Errorf("Hostname = %s", cfg.Hostname)
	}
	if cfg.SpicePort2 != 6911 {
		t.Errorf("SpicePort2 = %d, want default", cfg.SpicePort2)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadConfigDir(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	testChdir(t, t.TempDir())
	dir := filepath.Join(xdg, "migloop")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("migrate_port: 9000\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MigratePort != 9000 {
		t.Errorf("MigratePort = %d, want 9000", cfg.MigratePort)
	}
}

func TestGetPaths(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	paths, err := GetPaths()
	if err != nil {
		t.Fatalf("GetPaths: %v", err)
	}
	if paths.ConfigDir != "/xdg/migloop" {
		t.Errorf("ConfigDir = %s", paths.ConfigDir)
	}
	if paths.ConfigFile != "/xdg/migloop/config.yaml" {
		t.Errorf("ConfigFile = %s", paths.ConfigFile)
	}
}

func TestValidate(t *testing.T) {
	qemu := testutil.WriteExecutable(t, t.TempDir(), "qemu-system-x86_64", "exit 0\n")
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Qemu = qemu
		return cfg
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
		wantFatal bool
	}{
		{"valid", func(*Config) {}, "", false},
		{"spice clash", func(c *Config) { c.SpicePort2 = c.SpicePort1 }, "spice_port2", true},
		{"migrate clash", func(c *Config) { c.MigratePort = c.SpicePort2 }, "migrate_port", true},
		{"port range", func(c *Config) { c.SpicePort1 = 70000 }, "spice_port1", true},
		{"same qmp", func(c *Config) { c.QMP2 = c.QMP1 }, "qmp2", true},
		{"empty qmp", func(c *Config) { c.QMP1 = "" }, "qmp1", true},
		{"bad client", func(c *Config) { c.Client = "vnc" }, "client", true},
		{"missing qemu", func(c *Config) { c.Qemu = "/nonexistent/qemu" }, "qemu", true},
		{"missing image", func(c *Config) { c.Image = "/nonexistent/disk.qcow2" }, "image", true},
		{"negative count", func(c *Config) { c.Count = -1 }, "count", true},
		{"client and manual connect", func(c *Config) {
			c.Client = "spicy"
			c.WaitUserConnect = true
		}, "wait_user_connect", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			errs := Validate(cfg)
			if tt.wantField == "" {
				if len(errs) != 0 {
					t.Fatalf("unexpected issues: %v", errs)
				}
				return
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Fatalf("no issue for %s in %v", tt.wantField, errs)
			}
			if HasFatal(errs) != tt.wantFatal {
				t.Errorf("HasFatal = %t, want %t", HasFatal(errs), tt.wantFatal)
			}
		})
	}
}

func TestFormatValidationErrors(t *testing.T) {
	if FormatValidationErrors(nil) != "" {
		t.Error("no errors should format to empty string")
	}
	out := FormatValidationErrors([]ValidationError{
		{Field: "count", Message: "bad", Fatal: true},
		{Field: "wait_user_connect", Message: "odd"},
	})
	if !strings.Contains(out, "Error [count]: bad") || !strings.Contains(out, "Warning [wait_user_connect]: odd") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

// testChdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains: it
// changes the working directory and restores it when the test finishes.
func testChdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}
