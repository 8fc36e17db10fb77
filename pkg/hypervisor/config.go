package hypervisor

import (
	"fmt"
	"os"
	"time"
)

// DefaultMemoryMB is the guest memory used when a disk image is attached.
const DefaultMemoryMB = 512

// InstanceConfig holds the launch parameters for one QEMU process.
type InstanceConfig struct {
	// Binary is the qemu-system executable, as a path or a name on PATH.
	Binary string

	// Image is the disk image to attach. Without one the guest boots
	// firmware only.
	Image string

	// DisplayPort is the SPICE listen port.
	DisplayPort int

	// SocketPath is the QMP unix socket QEMU creates.
	SocketPath string

	// IncomingPort makes QEMU wait for an incoming migration on this TCP
	// port (0 = start running).
	IncomingPort int

	// GuestAgent adds the SPICE vdagent virtio-serial port.
	GuestAgent bool

	// MemoryMB is only applied together with Image.
	MemoryMB int

	// SocketPoll is how often the launcher checks for the QMP socket.
	SocketPoll time.Duration
}

// Validate performs basic validation of the configuration.
func (c *InstanceConfig) Validate() error {
	if c.Binary == "" {
		return ErrMissingBinary
	}
	if c.DisplayPort < 1 || c.DisplayPort > 65535 {
		return ErrInvalidDisplayPort
	}
	if c.SocketPath == "" {
		return ErrMissingSocketPath
	}
	if c.IncomingPort < 0 || c.IncomingPort > 65535 {
		return ErrInvalidIncomingPort
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.SocketPoll <= 0 {
		c.SocketPoll = 100 * time.Millisecond
	}
	return nil
}

// Args returns the QEMU command line, without the binary.
func (c *InstanceConfig) Args() []string {
	args := []string{
		"-qmp", fmt.Sprintf("unix:%s,server=on,wait=off", c.SocketPath),
		"-spice", fmt.Sprintf("disable-ticketing=on,port=%d", c.DisplayPort),
	}
	if c.IncomingPort > 0 {
		args = append(args, "-incoming", fmt.Sprintf("tcp::%d", c.IncomingPort))
	}
	if c.GuestAgent {
		args = append(args,
			"-device", "virtio-serial",
			"-chardev", "spicevmc,name=vdagent,id=vdagent",
			"-device", "virtserialport,chardev=vdagent,name=com.redhat.spice.0",
		)
	}
	if c.hasImage() {
		mem := c.MemoryMB
		if mem == 0 {
			mem = DefaultMemoryMB
		}
		args = append(args,
			"-m", fmt.Sprintf("%d", mem),
			"-enable-kvm",
			"-drive", fmt.Sprintf("file=%s,index=0,media=disk,cache=writeback", c.Image),
		)
	}
	return args
}

func (c *InstanceConfig) hasImage() bool {
	if c.Image == "" {
		return false
	}
	_, err := os.Stat(c.Image)
	return err == nil
}
