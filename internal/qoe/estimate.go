// Package qoe estimates the perceived quality of RTP audio flows and joins
// it with the link state timeline of an emulation run.
package qoe

import (
	"errors"
	"fmt"
	"time"

	"github.com/leonetem/leonetem/internal/qos"
	"github.com/leonetem/leonetem/pkg/analysis/model"
	"github.com/leonetem/leonetem/pkg/trace"
)

// DefaultWindowSize is the default QoE window.
const DefaultWindowSize = time.Second

// ErrNotRTP is returned when estimating the quality of a non-RTP flow.
var ErrNotRTP = errors.New("QoE is only defined for RTP flows")

// Options configures Estimate.
type Options struct {
	// WindowSize is the width of each window. DefaultWindowSize if zero.
	WindowSize time.Duration
	// Link restricts the timeline to one link. Empty matches every link.
	Link string
	// Table is the scoring table. DefaultTable if nil.
	Table *Table
}

// Estimate computes the QoE of an analyzed RTP flow in fixed windows. When
// tl is not nil, windows are aligned on the run epoch and each one is
// attributed the link state covering most of it.
func Estimate(a *qos.Analysis, tl *trace.Timeline, opts Options) (*model.QoEReport, error) {
	r := &a.Report
	if r.Protocol != model.ProtocolRTP {
		return nil, fmt.Errorf("%s: %w", r.Flow, ErrNotRTP)
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.Table == nil {
		opts.Table = DefaultTable()
	}
	pt, _ := a.PayloadType()
	rep := &model.QoEReport{
		Flow:        r.Flow,
		Key:         r.Key,
		PayloadType: pt,
		WindowSize:  opts.WindowSize,
		Epoch:       r.FirstSeen,
	}
	if c, ok := opts.Table.Codec(pt); ok {
		rep.Codec = c.Name
	} else {
		rep.Codec = fmt.Sprintf("pt%d", pt)
	}
	if tl != nil && !tl.Epoch.IsZero() {
		rep.Epoch = tl.Epoch
	}

	jitter := 0.0
	if r.JitterMs != nil {
		jitter = *r.JitterMs
	}
	rep.RFactor = opts.Table.RFactor(pt, r.LossRate, jitter)
	rep.Score = MOS(rep.RFactor)

	if r.FirstSeen.IsZero() {
		return rep, nil
	}
	first := windowIndex(r.FirstSeen.Sub(rep.Epoch), opts.WindowSize)
	last := windowIndex(r.LastSeen.Sub(rep.Epoch), opts.WindowSize)
	for i := first; i <= last; i++ {
		start := rep.Epoch.Add(time.Duration(i) * opts.WindowSize)
		end := start.Add(opts.WindowSize)
		w := model.QoEWindow{
			Start:  start,
			End:    end,
			Offset: start.Sub(rep.Epoch),
			QoS:    a.Snapshot(start, end),
		}
		if w.QoS.Packets == 0 {
			w.TotalLoss = true
			w.Score = MinScore
		} else {
			j := 0.0
			if w.QoS.JitterMs != nil {
				j = *w.QoS.JitterMs
			}
			w.Score = opts.Table.Score(pt, w.QoS.LossRate, j)
		}
		if tl != nil {
			if t, ok := tl.Dominant(opts.Link, start, end); ok {
				w.Link = &t
			}
		}
		rep.Windows = append(rep.Windows, w)
	}
	return rep, nil
}

// windowIndex is floor(d / size), also for negative d.
func windowIndex(d, size time.Duration) int64 {
	i := int64(d / size)
	if d < 0 && d%size != 0 {
		i--
	}
	return i
}
