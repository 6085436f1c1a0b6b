// Package trace contains the impairment time series replayed by the
// scheduler and the link state records produced while replaying it.
package trace

import (
	"errors"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
)

// Bandwidth is a link rate in kbit/s. Valid values are strictly positive or
// LinkDown.
type Bandwidth int64

// LinkDown is the bandwidth sentinel for a link outage. It is distinct from
// any positive rate so that "very slow" and "down" can't be confused.
const LinkDown Bandwidth = -1

// IsDown reports whether b is the link-down sentinel.
func (b Bandwidth) IsDown() bool {
	return b == LinkDown
}

func (b Bandwidth) String() string {
	if b.IsDown() {
		return "down"
	}
	return fmt.Sprintf("%dkbit", int64(b))
}

// Impairment is the set of channel conditions applied to a link.
type Impairment struct {
	LatencyMs     float64   `json:"latency_ms" validate:"gte=0"`
	BandwidthKbps Bandwidth `json:"bandwidth_kbps" validate:"eq=-1|gt=0"`
	LossFraction  float64   `json:"loss_fraction" validate:"gte=0,lte=1"`
}

// Event is one scheduled impairment change.
type Event struct {
	// Offset is the time elapsed since the start of the trace.
	Offset time.Duration `json:"offset" validate:"gte=0s"`
	Impairment
	// Handover marks a discontinuous transition, e.g. a satellite
	// reselection.
	Handover bool `json:"handover,omitempty"`
}

// Trace is an ordered, immutable sequence of events.
type Trace struct {
	name   string
	events []Event
}

var validate = validator.New()

// New validates events and returns a Trace holding a copy of them.
func New(name string, events []Event) (*Trace, error) {
	if len(events) == 0 {
		return nil, &MalformedTraceError{Source: name, Index: -1, Reason: "trace contains no events"}
	}
	for i := range events {
		if err := validateEvent(events[i]); err != nil {
			return nil, &MalformedTraceError{Source: name, Index: i, Reason: err.Error()}
		}
		if i > 0 && events[i].Offset <= events[i-1].Offset {
			return nil, &MalformedTraceError{
				Source: name,
				Index:  i,
				Reason: fmt.Sprintf("offset %s is not after previous offset %s",
					events[i].Offset, events[i-1].Offset),
			}
		}
	}
	cp := make([]Event, len(events))
	copy(cp, events)
	return &Trace{name: name, events: cp}, nil
}

func validateEvent(e Event) error {
	err := validate.Struct(e)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("field %s=%v fails %s%s", fe.Field(), fe.Value(), fe.Tag(), paramSuffix(fe.Param()))
	}
	return err
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}

// Name returns the name of the source the trace was loaded from.
func (t *Trace) Name() string {
	return t.name
}

// Len returns the number of events.
func (t *Trace) Len() int {
	return len(t.events)
}

// At returns the i-th event.
func (t *Trace) At(i int) Event {
	return t.events[i]
}

// Events returns a copy of all the events.
func (t *Trace) Events() []Event {
	cp := make([]Event, len(t.events))
	copy(cp, t.events)
	return cp
}

// Duration returns the offset of the last event.
func (t *Trace) Duration() time.Duration {
	return t.events[len(t.events)-1].Offset
}

// EventsAfter returns a lazy sequence of the events at or after offset.
// The sequence can be iterated any number of times.
func (t *Trace) EventsAfter(offset time.Duration) iter.Seq[Event] {
	start := sort.Search(len(t.events), func(i int) bool {
		return t.events[i].Offset >= offset
	})
	return func(yield func(Event) bool) {
		for _, e := range t.events[start:] {
			if !yield(e) {
				return
			}
		}
	}
}
