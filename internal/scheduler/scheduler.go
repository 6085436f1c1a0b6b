// Package scheduler replays a trace against emulated links, applying each
// event at its offset from the start of the run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/leonetem/leonetem/internal/linkctl"
	"github.com/leonetem/leonetem/pkg/trace"
)

// DefaultLink is the link name used when Config.Links is empty.
const DefaultLink = "default"

const (
	defaultApplyTimeout = 2 * time.Second
	defaultRetryBackoff = 100 * time.Millisecond
)

var (
	// ErrAlreadyStarted is returned by Start on a scheduler that isn't idle.
	ErrAlreadyStarted = errors.New("scheduler already started")
	// ErrNilTrace is returned by Start when no trace is given.
	ErrNilTrace = errors.New("nil trace")
)

// RunState is the lifecycle state of a run.
type RunState int

const (
	Idle RunState = iota
	Running
	Completed
	Aborted
)

var runStateNames = map[RunState]string{
	Idle:      "idle",
	Running:   "running",
	Completed: "completed",
	Aborted:   "aborted",
}

func (s RunState) String() string {
	if n, ok := runStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("RunState(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *RunState) UnmarshalText(b []byte) error {
	for k, v := range runStateNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("invalid run state %q", b)
}

// Terminal reports whether s is Completed or Aborted.
func (s RunState) Terminal() bool {
	return s == Completed || s == Aborted
}

// MissedEvent is an event that couldn't be applied to a link after a retry.
type MissedEvent struct {
	Link   string
	Offset time.Duration
	Reason string
	At     time.Time
}

// Config configures a Scheduler. Zero values select the defaults.
type Config struct {
	// Links receive every event of the trace.
	Links []string
	// ApplyTimeout bounds each Apply call.
	ApplyTimeout time.Duration
	// RetryBackoff is the wait before the single retry of a failed Apply.
	RetryBackoff time.Duration
	// Speed divides every offset. 2 replays the trace twice as fast.
	Speed float64
	// OnStart is called by Start with the run epoch, before any event is
	// applied. It must not call back into the Scheduler.
	OnStart func(epoch time.Time)
	// OnTransition is called from the scheduler goroutine after every
	// successful application. It must not block.
	OnTransition func(trace.Transition)
}

// Scheduler replays one trace. A Scheduler can only be started once.
type Scheduler struct {
	cfg Config

	mu      sync.Mutex
	state   RunState
	err     error
	stopped bool
	epoch   time.Time
	endTime time.Time
	name    string
	history []trace.Transition
	missed  []MissedEvent
	current map[string]trace.LinkState
	cancel  context.CancelFunc

	done chan struct{}
}

// New returns an idle Scheduler.
func New(cfg Config) *Scheduler {
	if len(cfg.Links) == 0 {
		cfg.Links = []string{DefaultLink}
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = defaultApplyTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	return &Scheduler{
		cfg:     cfg,
		current: map[string]trace.LinkState{},
		done:    make(chan struct{}),
	}
}

// Start validates the configured links and starts replaying tr in a new
// goroutine. The run epoch is clock.Now() at the time of the call.
//
// If a link is unknown to ctl, Start returns the error, no link is touched
// and the run is Aborted.
func (s *Scheduler) Start(ctx context.Context, tr *trace.Trace, ctl linkctl.Controller, clock Clock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return ErrAlreadyStarted
	}
	if tr == nil {
		return ErrNilTrace
	}
	if clock == nil {
		clock = RealClock{}
	}
	if v, ok := ctl.(linkctl.Validator); ok {
		for _, link := range s.cfg.Links {
			if err := v.Validate(link); err != nil {
				s.state = Aborted
				s.err = err
				close(s.done)
				return err
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.name = tr.Name()
	s.epoch = clock.Now()
	s.state = Running
	if s.cfg.OnStart != nil {
		s.cfg.OnStart(s.epoch)
	}
	log.Info("Run started", "trace", tr.Name(), "events", tr.Len(),
		"links", s.cfg.Links, "speed", s.cfg.Speed)
	go s.run(runCtx, tr, ctl, clock)
	return nil
}

// Stop aborts the run. The last applied state of every link is left in
// place. Stop doesn't wait for the scheduler goroutine; use Wait for that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	if s.state == Idle {
		close(s.done)
	}
	s.state = Aborted
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
}

// Wait blocks until the run terminates and returns its final state and the
// error that aborted it, if any.
func (s *Scheduler) Wait() (RunState, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.err
}

// Done returns a channel that is closed when the run terminates.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// RunState returns the current lifecycle state.
func (s *Scheduler) RunState() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Epoch returns the instant the run started.
func (s *Scheduler) Epoch() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// State returns the state currently applied to link.
func (s *Scheduler) State(link string) (trace.LinkState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.current[link]
	return ls, ok
}

// History returns a copy of all the transitions applied so far, in order.
func (s *Scheduler) History() []trace.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]trace.Transition(nil), s.history...)
}

// Handovers returns the transitions caused by handover events.
func (s *Scheduler) Handovers() []trace.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []trace.Transition
	for _, t := range s.history {
		if t.Handover {
			out = append(out, t)
		}
	}
	return out
}

// Missed returns the events that were skipped after a failed retry.
func (s *Scheduler) Missed() []MissedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MissedEvent(nil), s.missed...)
}

// Timeline returns the link state history of the run.
func (s *Scheduler) Timeline() trace.Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return trace.Timeline{
		Epoch:       s.epoch,
		Transitions: append([]trace.Transition(nil), s.history...),
	}
}

// deadline returns the absolute target instant of offset.
func (s *Scheduler) deadline(offset time.Duration) time.Time {
	return s.epoch.Add(time.Duration(float64(offset) / s.cfg.Speed))
}

func (s *Scheduler) run(ctx context.Context, tr *trace.Trace, ctl linkctl.Controller, clock Clock) {
	events := tr.Events()
	for i := 0; i < len(events); i++ {
		if !s.sleepUntil(ctx, clock, s.deadline(events[i].Offset)) {
			s.finish(ctx)
			return
		}

		// If the loop fell behind, every event whose deadline has already
		// passed is superseded by the latest one. A handover is never
		// superseded, so it is always recorded at its own offset.
		now := clock.Now()
		var skipped []time.Duration
		for !events[i].Handover && i+1 < len(events) && !s.deadline(events[i+1].Offset).After(now) {
			skipped = append(skipped, events[i].Offset)
			i++
		}
		if len(skipped) > 0 {
			log.Warn("Scheduler fell behind, coalescing overdue events",
				"offset", events[i].Offset, "skipped", len(skipped))
		}

		ev := events[i]
		target := s.deadline(ev.Offset)
		for _, link := range s.cfg.Links {
			start := clock.Now()
			err := s.applyWithRetry(ctx, ctl, clock, link, ev)
			if ctx.Err() != nil {
				s.finish(ctx)
				return
			}
			var unknown *linkctl.UnknownLinkError
			if errors.As(err, &unknown) {
				log.Error("Unknown link, aborting run", "link", link)
				s.abort(err)
				return
			}
			if err != nil {
				s.recordMissed(link, ev.Offset, err, clock.Now())
				continue
			}
			s.recordApplied(trace.Transition{
				LinkState: trace.LinkState{
					Link:      link,
					Event:     ev,
					AppliedAt: clock.Now(),
				},
				Offset:    ev.Offset,
				Handover:  ev.Handover,
				Lateness:  start.Sub(target),
				Coalesced: skipped,
			})
		}
	}
	s.complete()
}

// sleepUntil blocks until t. It returns false if the run was cancelled.
func (s *Scheduler) sleepUntil(ctx context.Context, clock Clock, t time.Time) bool {
	wait := t.Sub(clock.Now())
	if wait <= 0 {
		return ctx.Err() == nil
	}
	timer := clock.NewTimer(wait)
	select {
	case <-timer.C():
		return ctx.Err() == nil
	case <-ctx.Done():
		timer.Stop()
		return false
	}
}

// applyWithRetry applies ev to link, retrying once after RetryBackoff.
// UnknownLinkError is never retried.
func (s *Scheduler) applyWithRetry(ctx context.Context, ctl linkctl.Controller,
	clock Clock, link string, ev trace.Event) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			retries.WithLabelValues(link).Inc()
			if !s.sleepUntil(ctx, clock, clock.Now().Add(s.cfg.RetryBackoff)) {
				return ctx.Err()
			}
		}
		err = s.applyOnce(ctx, ctl, link, ev.Impairment)
		if err == nil {
			return nil
		}
		var unknown *linkctl.UnknownLinkError
		if errors.As(err, &unknown) || ctx.Err() != nil {
			return err
		}
		log.Warn("Cannot apply event", "link", link, "offset", ev.Offset,
			"attempt", attempt+1, "error", err)
	}
	return err
}

// applyOnce calls ctl.Apply under ApplyTimeout. A controller that doesn't
// return by the deadline is abandoned.
func (s *Scheduler) applyOnce(ctx context.Context, ctl linkctl.Controller,
	link string, imp trace.Impairment) error {
	actx, cancel := context.WithTimeout(ctx, s.cfg.ApplyTimeout)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- ctl.Apply(actx, link, imp)
	}()
	select {
	case err := <-errc:
		return err
	case <-actx.Done():
		return actx.Err()
	}
}

func (s *Scheduler) recordApplied(t trace.Transition) {
	s.mu.Lock()
	s.history = append(s.history, t)
	s.current[t.Link] = t.LinkState
	s.mu.Unlock()

	appliedEvents.WithLabelValues(t.Link).Inc()
	lateness.Observe(t.Lateness.Seconds())
	log.Debug("Event applied", "link", t.Link, "offset", t.Offset,
		"impairment", t.Event.Impairment, "handover", t.Handover,
		"lateness", t.Lateness)
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(t)
	}
}

func (s *Scheduler) recordMissed(link string, offset time.Duration, err error, at time.Time) {
	s.mu.Lock()
	s.missed = append(s.missed, MissedEvent{
		Link:   link,
		Offset: offset,
		Reason: err.Error(),
		At:     at,
	})
	s.mu.Unlock()
	missedEvents.WithLabelValues(link).Inc()
	log.Error("Event missed", "link", link, "offset", offset, "error", err)
}

func (s *Scheduler) complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Running {
		s.state = Completed
	}
	s.endTime = time.Now()
	s.cancel()
	close(s.done)
	log.Info("Run completed", "trace", s.name, "transitions", len(s.history),
		"missed", len(s.missed))
}

func (s *Scheduler) abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Aborted
	if s.err == nil {
		s.err = err
	}
	s.endTime = time.Now()
	s.cancel()
	close(s.done)
}

// finish terminates a cancelled run. Stop isn't an error; cancellation of the
// parent context is.
func (s *Scheduler) finish(ctx context.Context) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		s.abort(nil)
		log.Info("Run stopped", "trace", s.name)
		return
	}
	s.abort(ctx.Err())
	log.Warn("Run cancelled", "trace", s.name, "error", ctx.Err())
}
