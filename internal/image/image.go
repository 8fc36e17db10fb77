// Package image stages a throwaway qcow2 overlay on top of the user's disk
// image so that migrations never write to the backing file.
package image

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrQemuImgNotFound = errors.New("image: qemu-img not found")

// FindQemuImg prefers the qemu-img next to the qemu binary and falls back
// to PATH.
func FindQemuImg(qemuBinary string) (string, error) {
	sibling := filepath.Join(filepath.Dir(qemuBinary), "qemu-img")
	if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
		return sibling, nil
	}
	path, err := exec.LookPath("qemu-img")
	if err != nil {
		return "", ErrQemuImgNotFound
	}
	return path, nil
}

// Stager creates overlays with qemu-img.
type Stager struct {
	// QemuImg is the qemu-img executable.
	QemuImg string

	// Dir is where overlays are created.
	Dir string

	// BackingFormat is passed as -F. Empty omits it.
	BackingFormat string
}

// Staged is a created overlay. The zero value stands for "no image".
type Staged struct {
	Path string
}

// Stage creates an overlay backed by backing. An empty backing returns a
// zero Staged and the guest will boot without a disk.
func (s *Stager) Stage(ctx context.Context, backing string) (*Staged, error) {
	if backing == "" {
		return &Staged{}, nil
	}
	abs, err := filepath.Abs(backing)
	if err != nil {
		return nil, fmt.Errorf("resolve image: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}

	dir := s.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("migrate_%s.qcow2", uuid.NewString()[:8]))

	args := []string{"create", "-f", "qcow2", "-b", abs}
	if s.BackingFormat != "" {
		args = append(args, "-F", s.BackingFormat)
	}
	args = append(args, path)

	out, err := exec.CommandContext(ctx, s.QemuImg, args...).CombinedOutput()
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("qemu-img create: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return &Staged{Path: path}, nil
}

// Remove deletes the overlay. Safe on a zero Staged and when the file is
// already gone.
func (s *Staged) Remove() error {
	if s == nil || s.Path == "" {
		return nil
	}
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove staged image: %w", err)
	}
	return nil
}
