// Package testutil provides common test helpers for migloop tests.
package testutil

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
)

// Handler answers one QMP command with a raw reply line. A nil reply closes
// the connection without answering.
type Handler func(execute string, args json.RawMessage) []byte

// OK is the reply QEMU sends for commands without a result.
var OK = []byte(`{"return": {}}`)

// StatusReply builds a query-status reply.
func StatusReply(running bool) []byte {
	status := "inmigrate"
	if running {
		status = "running"
	}
	return []byte(fmt.Sprintf(`{"return": {"running": %t, "singlestep": false, "status": %q}}`, running, status))
}

// ErrorReply builds a QMP error reply.
func ErrorReply(class, desc string) []byte {
	return []byte(fmt.Sprintf(`{"error": {"class": %q, "desc": %q}}`, class, desc))
}

// FakeMonitor is an in-memory qmp.Monitor.
type FakeMonitor struct {
	handler Handler
	events  chan qmp.Event

	mu          sync.Mutex
	commands    []string
	disconnects int
	closed      bool
}

var _ qmp.Monitor = (*FakeMonitor)(nil)

// NewFakeMonitor returns a monitor that answers commands with handler.
func NewFakeMonitor(handler Handler) *FakeMonitor {
	return &FakeMonitor{
		handler: handler,
		events:  make(chan qmp.Event, 256),
	}
}

func (m *FakeMonitor) Connect() error { return nil }

func (m *FakeMonitor) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

func (m *FakeMonitor) Run(command []byte) ([]byte, error) {
	var req struct {
		Execute   string          `json:"execute"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(command, &req); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, net.ErrClosed
	}
	m.commands = append(m.commands, req.Execute)
	m.mu.Unlock()
	return m.handler(req.Execute, req.Arguments), nil
}

func (m *FakeMonitor) Events(context.Context) (<-chan qmp.Event, error) {
	return m.events, nil
}

// Emit queues an asynchronous event.
func (m *FakeMonitor) Emit(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.events <- qmp.Event{Event: name, Data: map[string]interface{}{}}
}

// Commands returns the executed command names in order.
func (m *FakeMonitor) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// Disconnects returns how many times Disconnect was called.
func (m *FakeMonitor) Disconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}

// QMPServer speaks enough QMP over a unix socket to satisfy go-qemu.
type QMPServer struct {
	Path    string
	ln      net.Listener
	handler Handler

	mu   sync.Mutex
	conn net.Conn
}

// StartQMPServer listens on path and serves until the test ends.
func StartQMPServer(t *testing.T, path string, handler Handler) *QMPServer {
	t.Helper()

	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen %s: %v", path, err)
	}
	s := &QMPServer{Path: path, ln: ln, handler: handler}
	go s.serve()
	t.Cleanup(func() {
		ln.Close()
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	return s
}

func (s *QMPServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *QMPServer) handle(conn net.Conn) {
	s.write(conn, []byte(`{"QMP": {"version": {"qemu": {"micro": 0, "minor": 2, "major": 8}, "package": ""}, "capabilities": []}}`))
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req struct {
			Execute   string          `json:"execute"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			s.write(conn, ErrorReply("GenericError", err.Error()))
			continue
		}
		if req.Execute == "qmp_capabilities" {
			s.write(conn, OK)
			continue
		}
		reply := s.handler(req.Execute, req.Arguments)
		if reply == nil {
			conn.Close()
			return
		}
		s.write(conn, reply)
	}
}

func (s *QMPServer) write(conn net.Conn, line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn.Write(append(append([]byte(nil), line...), '\n')) //nolint:errcheck
}

// Emit sends an event on the most recent connection.
func (s *QMPServer) Emit(name string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("testutil: no qmp client connected")
	}
	s.write(conn, []byte(fmt.Sprintf(`{"event": %q, "data": {}, "timestamp": {"seconds": %d, "microseconds": 0}}`, name, time.Now().Unix())))
	return nil
}

// SocketPath returns a unix socket path short enough for sun_path.
// t.TempDir paths can exceed the 108 byte limit on some CI hosts.
func SocketPath(t *testing.T, name string) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "mlq")
	if err != nil {
		t.Fatalf("create socket dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

// WriteExecutable writes a shell script into dir and returns its path.
func WriteExecutable(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
