package model

import (
	"time"

	"github.com/leonetem/leonetem/pkg/trace"
)

// DelayKind describes what the delay statistics of a QoSReport measure.
type DelayKind string

const (
	// DelayRoundTrip is the request/reply or data/ACK round-trip time.
	DelayRoundTrip = DelayKind("round-trip")
	// DelayOneWay is the one-way delay from synchronized sender timestamps.
	DelayOneWay = DelayKind("one-way")
	// DelayInterArrival is the time between consecutive arrivals, used when
	// absolute delay can't be measured.
	DelayInterArrival = DelayKind("inter-arrival")
)

// QoSReport is the per-flow summary produced by the QoS engine. Metrics
// that are undefined for the flow are nil rather than zero.
type QoSReport struct {
	Flow      string
	Key       FlowKey
	Protocol  Protocol
	Packets   int
	Bytes     int64
	FirstSeen time.Time
	LastSeen  time.Time

	DelayKind DelayKind `json:",omitempty"`
	// DelayMeanMs and DelayVarianceMs2 are in milliseconds and ms².
	DelayMeanMs      *float64 `json:",omitempty"`
	DelayVarianceMs2 *float64 `json:",omitempty"`
	DelaySamples     int

	// JitterMs is the RFC 3550 inter-arrival jitter at the end of the flow.
	JitterMs *float64 `json:",omitempty"`

	Expected int64
	Lost     int64
	LossRate float64

	Reordered  *int `json:",omitempty"`
	Duplicates int

	ThroughputBps *float64 `json:",omitempty"`

	// ReportedJitterMs and ReportedFractionLost come from RTCP reception
	// reports about this flow, when present.
	ReportedJitterMs     *float64 `json:",omitempty"`
	ReportedFractionLost *float64 `json:",omitempty"`

	// Insufficient is set when the flow has too few packets for jitter and
	// reordering to be defined.
	Insufficient bool
	Notes        []string `json:",omitempty"`
}

// QoSSnapshot is the QoS of a flow restricted to a time window.
type QoSSnapshot struct {
	Packets       int
	Lost          int64
	LossRate      float64
	Bytes         int64
	DelayMeanMs   *float64 `json:",omitempty"`
	JitterMs      *float64 `json:",omitempty"`
	ThroughputBps float64
}

// QoEWindow is one fixed-size time bucket of a QoEReport.
type QoEWindow struct {
	Start time.Time
	End   time.Time
	// Offset is the window start relative to the run epoch.
	Offset time.Duration
	QoS    QoSSnapshot
	Score  float64
	// TotalLoss marks windows where no packet arrived during the flow's
	// lifetime.
	TotalLoss bool
	// Link is the link state overlapping most of the window, if any.
	Link *trace.Transition `json:",omitempty"`
}

// QoEReport is the perceptual quality estimate of an RTP audio flow joined
// with the link state timeline.
type QoEReport struct {
	Flow        string
	Key         FlowKey
	Codec       string
	PayloadType uint8
	Score       float64
	RFactor     float64
	Epoch       time.Time
	WindowSize  time.Duration
	Windows     []QoEWindow
}

// DegradedWindows returns the windows with a score below threshold.
func (r *QoEReport) DegradedWindows(threshold float64) []QoEWindow {
	var out []QoEWindow
	for _, w := range r.Windows {
		if w.Score < threshold {
			out = append(out, w)
		}
	}
	return out
}

// StateAt returns the link state attached to the window containing t.
func (r *QoEReport) StateAt(t time.Time) (*trace.Transition, bool) {
	for _, w := range r.Windows {
		if !t.Before(w.Start) && t.Before(w.End) {
			return w.Link, w.Link != nil
		}
	}
	return nil, false
}
