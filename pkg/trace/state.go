package trace

import (
	"sort"
	"time"
)

// LinkState is the impairment currently applied to a link.
type LinkState struct {
	Link      string
	Event     Event
	AppliedAt time.Time
}

// Transition records one application of an event to a link. Handover
// transitions are discrete: there is no ramp between the previous state and
// this one.
type Transition struct {
	LinkState
	// Offset is the trace offset of the applied event.
	Offset   time.Duration
	Handover bool
	// Lateness is how far after its target instant the event was applied.
	Lateness time.Duration
	// Coalesced lists the offsets of overdue events that were superseded by
	// this one and never applied.
	Coalesced []time.Duration `json:",omitempty"`
}

// Timeline is the link state history of one run, anchored on the run epoch.
// It is the only data shared between the scheduler and the analysis
// pipeline.
type Timeline struct {
	Epoch       time.Time
	Transitions []Transition
}

// ForLink returns the transitions for link, sorted by application time.
func (tl *Timeline) ForLink(link string) []Transition {
	var out []Transition
	for _, t := range tl.Transitions {
		if link == "" || t.Link == link {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AppliedAt.Before(out[j].AppliedAt)
	})
	return out
}

// StateAt returns the transition in effect on link at t, if any.
// An empty link matches every link.
func (tl *Timeline) StateAt(link string, t time.Time) (Transition, bool) {
	ts := tl.ForLink(link)
	i := sort.Search(len(ts), func(i int) bool {
		return ts[i].AppliedAt.After(t)
	})
	if i == 0 {
		return Transition{}, false
	}
	return ts[i-1], true
}

// Dominant returns the transition that covers the largest part of [from, to)
// on link. Ties go to the later transition.
func (tl *Timeline) Dominant(link string, from, to time.Time) (Transition, bool) {
	ts := tl.ForLink(link)
	var (
		best     Transition
		bestSpan time.Duration = -1
		found    bool
	)
	for i, t := range ts {
		start := t.AppliedAt
		end := to
		if i+1 < len(ts) && ts[i+1].AppliedAt.Before(end) {
			end = ts[i+1].AppliedAt
		}
		if start.Before(from) {
			start = from
		}
		span := end.Sub(start)
		if span <= 0 {
			continue
		}
		if span >= bestSpan {
			best, bestSpan, found = t, span, true
		}
	}
	return best, found
}
