package monitor

import (
	"errors"
	"fmt"
)

var (
	ErrClosed         = errors.New("monitor: channel closed")
	ErrTransport      = errors.New("monitor: transport failure")
	ErrMalformedReply = errors.New("monitor: malformed reply")
	ErrCommandFailed  = errors.New("monitor: command failed")
)

// CommandError is an error reply sent by QEMU for one command.
type CommandError struct {
	Command string
	Class   string
	Desc    string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("monitor: %s rejected: %s: %s", e.Command, e.Class, e.Desc)
}

// Is lets errors.Is(err, ErrCommandFailed) match any CommandError.
func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}
