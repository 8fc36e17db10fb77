package hypervisor

import "errors"

// Configuration errors
var (
	ErrMissingBinary       = errors.New("hypervisor: qemu binary is required")
	ErrBinaryNotFound      = errors.New("hypervisor: qemu binary not found")
	ErrInvalidDisplayPort  = errors.New("hypervisor: display port must be 1-65535")
	ErrMissingSocketPath   = errors.New("hypervisor: qmp socket path is required")
	ErrInvalidIncomingPort = errors.New("hypervisor: incoming port must be 0-65535")
	ErrEndpointExists      = errors.New("hypervisor: qmp socket path already exists")
)

// Runtime errors
var (
	ErrExitedEarly = errors.New("hypervisor: qemu exited before qmp was ready")
)

// Platform errors
var (
	ErrNoKVM = errors.New("hypervisor: /dev/kvm not accessible")
)
