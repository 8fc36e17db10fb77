package testutil

import (
	"context"
	"encoding/json"
	"os"
	"testing"
)

func TestStatusReply(t *testing.T) {
	var reply struct {
		Return struct {
			Running bool   `json:"running"`
			Status  string `json:"status"`
		} `json:"return"`
	}
	if err := json.Unmarshal(StatusReply(true), &reply); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reply.Return.Running || reply.Return.Status != "running" {
		t.Errorf("StatusReply(true) = %+v", reply.Return)
	}
	if err := json.Unmarshal(StatusReply(false), &reply); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if reply.Return.Running || reply.Return.Status != "inmigrate" {
		t.Errorf("StatusReply(false) = %+v", reply.Return)
	}
}

func TestFakeMonitor(t *testing.T) {
	m := NewFakeMonitor(func(execute string, _ json.RawMessage) []byte {
		if execute == "query-status" {
			return StatusReply(true)
		}
		return OK
	})

	out, err := m.Run([]byte(`{"execute":"query-status"}`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != string(StatusReply(true)) {
		t.Errorf("Run = %s", out)
	}

	events, _ := m.Events(context.Background())
	m.Emit("SPICE_CONNECTED")
	if e := <-events; e.Event != "SPICE_CONNECTED" {
		t.Errorf("event = %s", e.Event)
	}

	m.Disconnect()
	m.Disconnect()
	if m.Disconnects() != 2 {
		t.Errorf("Disconnects = %d", m.Disconnects())
	}
	if _, ok := <-events; ok {
		t.Error("events channel should be closed")
	}
	if _, err := m.Run([]byte(`{"execute":"quit"}`)); err == nil {
		t.Error("Run after Disconnect should fail")
	}
	if got := m.Commands(); len(got) != 1 || got[0] != "query-status" {
		t.Errorf("Commands = %v", got)
	}
}

func TestWriteExecutable(t *testing.T) {
	path := WriteExecutable(t, t.TempDir(), "tool", "exit 0\n")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&0111 == 0 {
		t.Errorf("mode = %v, want executable", info.Mode())
	}
}
