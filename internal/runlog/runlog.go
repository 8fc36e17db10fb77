// Package runlog appends a plain-text record of each run: a timestamp
// header, then the residual stdout of every retired QEMU process.
package runlog

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimeFormat matches the header format of earlier log files.
const TimeFormat = "2006-01-02 15:04:05.000000"

// Log is an append-only run log. It is safe for concurrent use.
type Log struct {
	mu    sync.Mutex
	f     *os.File
	runID string
}

// Open opens path for appending and writes the run header.
func Open(path string, now time.Time) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	l := &Log{f: f, runID: uuid.NewString()}
	if _, err := fmt.Fprintf(f, "# %s run=%s\n", now.Format(TimeFormat), l.runID); err != nil {
		f.Close()
		return nil, fmt.Errorf("write run log header: %w", err)
	}
	return l, nil
}

// RunID identifies this run in the log header.
func (l *Log) RunID() string { return l.runID }

// Path returns the log file name.
func (l *Log) Path() string { return l.f.Name() }

// Residual records what a retired instance left on stdout. Empty output
// writes nothing.
func (l *Log) Residual(pid int, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	text := bytes.ToValidUTF8(out, nil)
	if len(text) > 0 && text[len(text)-1] != '\n' {
		text = append(text, '\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := fmt.Fprintf(l.f, "# STDOUT dead %d\n", pid); err != nil {
		return fmt.Errorf("write run log: %w", err)
	}
	if _, err := l.f.Write(text); err != nil {
		return fmt.Errorf("write run log: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return fmt.Errorf("sync run log: %w", err)
	}
	return l.f.Close()
}
