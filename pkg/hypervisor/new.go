// Package hypervisor launches QEMU processes under QMP control and wraps
// each one in an Instance handle.
package hypervisor

import (
	"fmt"
	"os"
	"runtime"
)

// SupportedPlatform returns true if the current platform can run QEMU with
// KVM acceleration.
func SupportedPlatform() bool {
	return runtime.GOOS == "linux"
}

// CheckKVM reports whether /dev/kvm can be opened. Images are booted with
// -enable-kvm, so without it QEMU exits at startup.
func CheckKVM() error {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoKVM, err)
	}
	return f.Close()
}
