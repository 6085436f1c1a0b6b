package scheduler

import (
	"time"

	"github.com/m-lab/go/prometheusx"

	"github.com/leonetem/leonetem/pkg/trace"
)

// Run is the archival record of a run, saved by the run binary.
type Run struct {
	ID             string
	// GitShortCommit is the Git commit (short form) of the running code.
	GitShortCommit string
	Trace          string
	Links          []string
	Speed          float64
	State          RunState
	Error          string `json:",omitempty"`
	StartTime      time.Time
	EndTime        time.Time
	Transitions    []trace.Transition
	Missed         []MissedEvent `json:",omitempty"`
}

// Archive returns the archival record of the run so far.
func (s *Scheduler) Archive(id string) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &Run{
		ID:             id,
		GitShortCommit: prometheusx.GitShortCommit,
		Trace:          s.name,
		Links:          append([]string(nil), s.cfg.Links...),
		Speed:          s.cfg.Speed,
		State:          s.state,
		StartTime:      s.epoch,
		EndTime:        s.endTime,
		Transitions:    append([]trace.Transition(nil), s.history...),
		Missed:         append([]MissedEvent(nil), s.missed...),
	}
	if s.err != nil {
		r.Error = s.err.Error()
	}
	return r
}

// Timeline returns the link state history stored in the record.
func (r *Run) Timeline() trace.Timeline {
	return trace.Timeline{Epoch: r.StartTime, Transitions: r.Transitions}
}
