package timing

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTimerMark(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	timer := newWithClock(clock.now)

	clock.advance(10 * time.Millisecond)
	timer.Mark("pre")

	clock.advance(15 * time.Millisecond)
	timer.Mark("migrate")

	phases := timer.Phases()
	if len(phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(phases))
	}
	if phases[0].Name != "pre" || phases[0].Duration != 10*time.Millisecond {
		t.Errorf("phase 0 = %+v", phases[0])
	}
	if phases[1].Name != "migrate" || phases[1].Duration != 15*time.Millisecond {
		t.Errorf("phase 1 = %+v", phases[1])
	}
	if timer.Total() != 25*time.Millisecond {
		t.Errorf("total = %v, want 25ms", timer.Total())
	}
}

func TestTimerRealClock(t *testing.T) {
	timer := New()
	time.Sleep(10 * time.Millisecond)
	timer.Mark("phase1")
	if timer.Total() < 10*time.Millisecond {
		t.Errorf("total too short: %v", timer.Total())
	}
}

func TestTimerDict(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	timer := newWithClock(clock.now)
	clock.advance(2 * time.Second)
	timer.Mark("wait_running")

	var buf bytes.Buffer
	zerolog.DurationFieldUnit = time.Millisecond
	log := zerolog.New(&buf)
	log.Info().Dict("phases", timer.Dict()).Msg("round")

	var got struct {
		Phases map[string]float64 `json:"phases"`
	}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if got.Phases["wait_running"] != 2000 {
		t.Errorf("wait_running = %v, want 2000", got.Phases["wait_running"])
	}
	if got.Phases["total"] != 2000 {
		t.Errorf("total = %v, want 2000", got.Phases["total"])
	}
}
