package trace

import "fmt"

// MalformedTraceError is returned when a trace can't be loaded: events out of
// order, fields out of range, truncated or unparsable input.
type MalformedTraceError struct {
	Source string
	// Index is the event index, or -1 when the error isn't tied to an event.
	Index int
	// Line is the input line, when known.
	Line   int
	Reason string
	Err    error
}

func (e *MalformedTraceError) Error() string {
	msg := "malformed trace"
	if e.Source != "" {
		msg += " " + e.Source
	}
	if e.Line > 0 {
		msg += fmt.Sprintf(" (line %d)", e.Line)
	}
	if e.Index >= 0 {
		msg += fmt.Sprintf(" (event %d)", e.Index)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedTraceError) Unwrap() error {
	return e.Err
}
