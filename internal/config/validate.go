package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/javanstorm/migloop/internal/viewer"
	"github.com/javanstorm/migloop/pkg/hypervisor"
)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = only a warning
}

// Validate checks the configuration before anything is launched.
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	fatal := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Fatal: true})
	}

	ports := map[string]int{
		"spice_port1":  cfg.SpicePort1,
		"spice_port2":  cfg.SpicePort2,
		"migrate_port": cfg.MigratePort,
	}
	for _, field := range []string{"spice_port1", "spice_port2", "migrate_port"} {
		if p := ports[field]; p <= 0 || p > 65535 {
			fatal(field, "port %d out of range", p)
		}
	}
	if cfg.SpicePort1 == cfg.SpicePort2 {
		fatal("spice_port2", "must differ from spice_port1 (%d)", cfg.SpicePort1)
	}
	if cfg.MigratePort == cfg.SpicePort1 || cfg.MigratePort == cfg.SpicePort2 {
		fatal("migrate_port", "port %d is already a spice port", cfg.MigratePort)
	}

	if cfg.QMP1 == "" || cfg.QMP2 == "" {
		fatal("qmp1", "both qmp socket paths are required")
	} else if cfg.QMP1 == cfg.QMP2 {
		fatal("qmp2", "must differ from qmp1 (%s)", cfg.QMP1)
	}

	if _, err := viewer.Parse(cfg.Client); err != nil {
		fatal("client", "unknown client %q", cfg.Client)
	}

	if _, err := hypervisor.ResolveBinary(cfg.Qemu); err != nil {
		fatal("qemu", "%v", err)
	}

	if cfg.Image != "" {
		if _, err := os.Stat(cfg.Image); err != nil {
			fatal("image", "%v", err)
		}
	}

	if cfg.Count < 0 {
		fatal("count", "must be 0 (run forever) or positive, got %d", cfg.Count)
	}

	if cfg.WaitUserConnect && cfg.Client != "" && cfg.Client != "none" {
		errs = append(errs, ValidationError{
			Field:   "wait_user_connect",
			Message: fmt.Sprintf("client %s is started as well as waiting for a manual connection", cfg.Client),
		})
	}

	return errs
}

// HasFatal reports whether any issue prevents running.
func HasFatal(errs []ValidationError) bool {
	for _, e := range errs {
		if e.Fatal {
			return true
		}
	}
	return false
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errors []ValidationError) string {
	if len(errors) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration problems:\n")
	for _, e := range errors {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}
