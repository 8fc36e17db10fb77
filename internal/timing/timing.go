// Package timing records how long each phase of a migration round took.
package timing

import (
	"time"

	"github.com/rs/zerolog"
)

// Timer tracks durations of named phases.
type Timer struct {
	start  time.Time
	last   time.Time
	phases []Phase
	now    func() time.Time
}

// Phase represents a timed phase with name and duration.
type Phase struct {
	Name     string
	Duration time.Duration
}

// New creates a new Timer starting from now.
func New() *Timer {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *Timer {
	t := now()
	return &Timer{start: t, last: t, now: now}
}

// Mark records a named phase ending now. Its duration is the time since
// the previous mark, or since start for the first one.
func (t *Timer) Mark(name string) {
	now := t.now()
	t.phases = append(t.phases, Phase{Name: name, Duration: now.Sub(t.last)})
	t.last = now
}

// Total returns the total elapsed time since timer creation.
func (t *Timer) Total() time.Duration {
	return t.now().Sub(t.start)
}

// Phases returns all recorded phases.
func (t *Timer) Phases() []Phase {
	return t.phases
}

// Dict renders the phases for a log event:
//
//	log.Info().Dict("phases", timer.Dict()).Msg("round complete")
func (t *Timer) Dict() *zerolog.Event {
	d := zerolog.Dict()
	for _, p := range t.phases {
		d = d.Dur(p.Name, p.Duration)
	}
	return d.Dur("total", t.Total())
}
