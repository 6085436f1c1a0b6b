// Package qos computes delay, jitter, loss, reordering and throughput of
// reconstructed flows.
package qos

import (
	"fmt"
	"time"

	"github.com/leonetem/leonetem/internal/flow"
	"github.com/leonetem/leonetem/pkg/analysis/model"
)

// MaxICMPRTT is the largest round-trip time accepted for an echo pair.
const MaxICMPRTT = 10 * time.Second

// Options configures Analyze.
type Options struct {
	// ClockRate returns the RTP clock rate of a payload type, or 0 if it's
	// unknown. DefaultClockRate is used when nil.
	ClockRate func(pt uint8) int
	// SynchronizedClocks enables one-way delay from sender timestamps
	// (iPerf3). It must only be set when sender and capture clocks are
	// synchronized.
	SynchronizedClocks bool
}

// DelaySample is one delay measurement, from the packet opening it (Start)
// to the packet closing it (At).
type DelaySample struct {
	Start time.Time
	At    time.Time
	Ms    float64
}

// point is the contribution of one arrival to windowed snapshots.
type point struct {
	at    time.Time
	bytes int
	// counted arrivals belong to the sequence space loss is measured on.
	counted bool
	// lost is the number of losses revealed by this arrival.
	lost  int
	delay *float64
	// jitter is the running jitter after this arrival.
	jitter *float64
}

// Analysis is the QoS of one flow.
type Analysis struct {
	Report model.QoSReport

	payloadType *uint8
	delays      []DelaySample
	points      []point
}

// lossCounts is the outcome of sequence analysis.
type lossCounts struct {
	expected   int64
	lost       int64
	reordered  int
	duplicates int
}

func (c *lossCounts) merge(t *seqTracker, a *Analysis) {
	c.expected += t.expected()
	c.lost += t.lost()
	c.reordered += t.reordered
	c.duplicates += t.duplicates
	for idx, n := range t.lostAt {
		a.points[idx].lost += n
	}
	for idx := range t.counted {
		a.points[idx].counted = true
	}
}

// Analyze computes the QoS of f.
func Analyze(f *model.Flow, opts Options) *Analysis {
	if opts.ClockRate == nil {
		opts.ClockRate = DefaultClockRate
	}
	a := &Analysis{points: make([]point, len(f.Arrivals))}
	r := &a.Report
	r.Flow = f.Key.String()
	r.Key = f.Key
	r.Protocol = f.Key.Protocol
	r.Packets = f.Len()
	r.FirstSeen = f.Start()
	r.LastSeen = f.End()
	for i := range f.Arrivals {
		p := &f.Arrivals[i]
		a.points[i] = point{at: p.Timestamp, bytes: p.PayloadLength}
		r.Bytes += int64(p.PayloadLength)
	}
	if d := f.Duration(); d > 0 {
		r.ThroughputBps = ptr(float64(r.Bytes) * 8 / d.Seconds())
	}

	var c lossCounts
	switch f.Key.Protocol {
	case model.ProtocolICMP:
		c = a.analyzeICMP(f)
	case model.ProtocolTCP:
		c = a.analyzeTCP(f)
	case model.ProtocolRTP, model.ProtocolUDP:
		c = a.analyzeDatagrams(f, opts)
	}
	r.Expected = c.expected
	r.Lost = c.lost
	if c.expected > 0 {
		r.LossRate = float64(c.lost) / float64(c.expected)
	}
	r.Reordered = ptr(c.reordered)
	r.Duplicates = c.duplicates

	if f.Len() < flow.MinPackets {
		r.Insufficient = true
		r.JitterMs = nil
		r.Reordered = nil
		r.DelayMeanMs = nil
		r.DelayVarianceMs2 = nil
		r.Notes = append(r.Notes, fmt.Sprintf("insufficient data: %d packet(s)", f.Len()))
	}
	return a
}

// PayloadType returns the RTP payload type of the flow's first packet.
func (a *Analysis) PayloadType() (uint8, bool) {
	if a.payloadType == nil {
		return 0, false
	}
	return *a.payloadType, true
}

// Delays returns the delay samples of the flow.
func (a *Analysis) Delays() []DelaySample {
	return a.delays
}

func (a *Analysis) setDelay(kind model.DelayKind, stats *running) {
	a.Report.DelayKind = kind
	a.Report.DelayMeanMs = stats.meanPtr()
	a.Report.DelayVarianceMs2 = stats.variancePtr()
	a.Report.DelaySamples = stats.n
}

func (a *Analysis) addDelay(idx int, start, at time.Time, v float64, stats *running) {
	stats.add(v)
	a.delays = append(a.delays, DelaySample{Start: start, At: at, Ms: v})
	a.points[idx].delay = ptr(v)
}

// analyzeICMP pairs echo requests with replies. A request without a reply
// is lost; the loss is attributed to the request.
func (a *Analysis) analyzeICMP(f *model.Flow) lossCounts {
	var (
		c        lossCounts
		requests = map[int64]int{}
		replied  = map[int64]bool{}
		replies  = newSeqTracker(false)
		rtt      running
		j        jitter
		prevRTT  *float64
	)
	for i := range f.Arrivals {
		p := &f.Arrivals[i]
		if p.Forward {
			if _, ok := requests[p.ExtSeq]; ok {
				c.duplicates++
				continue
			}
			requests[p.ExtSeq] = i
			continue
		}
		if !replies.add(i, p.ExtSeq, 1) {
			continue
		}
		reqIdx, ok := requests[p.ExtSeq]
		if !ok {
			// Reply to a request sent before the capture started.
			continue
		}
		replied[p.ExtSeq] = true
		d := p.Timestamp.Sub(f.Arrivals[reqIdx].Timestamp)
		if d <= 0 || d >= MaxICMPRTT {
			continue
		}
		v := ms(d.Seconds())
		a.addDelay(i, f.Arrivals[reqIdx].Timestamp, p.Timestamp, v, &rtt)
		if prevRTT != nil {
			j.update(v - *prevRTT)
		}
		prevRTT = ptr(v)
		a.points[i].jitter = j.ptr()
	}
	for seq, idx := range requests {
		if replied[seq] {
			a.points[idx].counted = true
			continue
		}
		c.lost++
		a.points[idx].lost++
	}
	c.expected = int64(len(requests))
	c.reordered = replies.reordered
	c.duplicates += replies.duplicates

	a.setDelay(model.DelayRoundTrip, &rtt)
	a.Report.JitterMs = j.ptr()
	if rtt.n == 0 {
		a.Report.Notes = append(a.Report.Notes, "no echo reply matched a request")
	}
	return c
}

// segment is an unacknowledged TCP segment.
type segment struct {
	end     int64
	at      time.Time
	retrans bool
}

// analyzeTCP measures RTT from data to the ACK covering it, using first
// transmissions only, and loss per direction in byte ranges.
func (a *Analysis) analyzeTCP(f *model.Flow) lossCounts {
	var (
		c       lossCounts
		seqs    = [2]*seqTracker{newSeqTracker(true), newSeqTracker(true)}
		pending [2][]segment
		acks    [2]*flow.Unwrapper
		rtt     running
		j       jitter
		prevRTT *float64
	)
	for i := range f.Arrivals {
		p := &f.Arrivals[i]
		d := 0
		if p.Forward {
			d = 1
		}
		length := int64(p.PayloadLength)
		if p.TCP != nil && p.TCP.SYN {
			length++
		}
		if p.TCP != nil && p.TCP.FIN {
			length++
		}
		if length > 0 {
			end := p.ExtSeq + length
			if seqs[d].add(i, p.ExtSeq, length) {
				pending[d] = append(pending[d], segment{end: end, at: p.Timestamp})
			} else {
				for k := range pending[d] {
					if pending[d][k].end == end {
						pending[d][k].retrans = true
					}
				}
			}
		}

		if p.TCP == nil || !p.TCP.ACK || !p.TCP.HasRel {
			continue
		}
		if acks[d] == nil {
			acks[d] = flow.NewUnwrapper(32)
		}
		ack := acks[d].Unwrap(uint64(p.TCP.RelAck))
		peer := 1 - d
		var (
			acked *segment
			keep  []segment
		)
		for k := range pending[peer] {
			s := pending[peer][k]
			if s.end > ack {
				keep = append(keep, s)
				continue
			}
			if acked == nil || s.end > acked.end {
				acked = &s
			}
		}
		pending[peer] = keep
		if acked == nil || acked.retrans {
			continue
		}
		if sample := p.Timestamp.Sub(acked.at); sample > 0 {
			v := ms(sample.Seconds())
			a.addDelay(i, acked.at, p.Timestamp, v, &rtt)
			if prevRTT != nil {
				j.update(v - *prevRTT)
			}
			prevRTT = ptr(v)
			a.points[i].jitter = j.ptr()
		}
	}
	c.merge(seqs[0], a)
	c.merge(seqs[1], a)

	a.setDelay(model.DelayRoundTrip, &rtt)
	a.Report.JitterMs = j.ptr()
	return c
}

// senderDeltaMs returns the difference between the sender timestamps of
// two packets, in milliseconds.
func senderDeltaMs(prev, p *model.FlowPacket, rate int) (float64, bool) {
	switch {
	case p.RTP != nil && prev.RTP != nil && rate > 0:
		return ms(float64(int32(p.RTP.Timestamp-prev.RTP.Timestamp)) / float64(rate)), true
	case p.Iperf != nil && prev.Iperf != nil:
		return ms(p.Iperf.SendTime.Sub(prev.Iperf.SendTime).Seconds()), true
	}
	return 0, false
}

// analyzeDatagrams analyzes one-way RTP and UDP flows.
func (a *Analysis) analyzeDatagrams(f *model.Flow, opts Options) lossCounts {
	var (
		c            lossCounts
		interArrival running
		oneWay       running
		j            jitter
		prev         *model.FlowPacket
		rate         int
		iaSamples    []DelaySample
		owSamples    []DelaySample
		iaIdx, owIdx []int
	)
	if len(f.Arrivals) == 0 {
		return c
	}
	first := &f.Arrivals[0]
	packetMode := first.RTP != nil || first.Iperf != nil
	if first.RTP != nil {
		pt := first.RTP.PayloadType
		a.payloadType = &pt
		rate = opts.ClockRate(pt)
	}
	seq := newSeqTracker(!packetMode)

	for i := range f.Arrivals {
		p := &f.Arrivals[i]
		if !p.Forward {
			continue
		}
		if !seq.add(i, p.ExtSeq, int64(p.PayloadLength)) {
			continue
		}
		if prev != nil {
			arrival := ms(p.Timestamp.Sub(prev.Timestamp).Seconds())
			interArrival.add(arrival)
			iaSamples = append(iaSamples, DelaySample{Start: prev.Timestamp, At: p.Timestamp, Ms: arrival})
			iaIdx = append(iaIdx, i)
			if sent, ok := senderDeltaMs(prev, p, rate); ok {
				j.update(arrival - sent)
			}
		}
		if opts.SynchronizedClocks && p.Iperf != nil {
			v := ms(p.Timestamp.Sub(p.Iperf.SendTime).Seconds())
			oneWay.add(v)
			owSamples = append(owSamples, DelaySample{Start: p.Iperf.SendTime, At: p.Timestamp, Ms: v})
			owIdx = append(owIdx, i)
		}
		a.points[i].jitter = j.ptr()
		prev = p
	}
	c.merge(seq, a)

	if oneWay.n > 0 {
		a.setDelay(model.DelayOneWay, &oneWay)
		a.delays = owSamples
		for k, idx := range owIdx {
			a.points[idx].delay = ptr(owSamples[k].Ms)
		}
	} else {
		a.setDelay(model.DelayInterArrival, &interArrival)
		a.delays = iaSamples
		for k, idx := range iaIdx {
			a.points[idx].delay = ptr(iaSamples[k].Ms)
		}
	}

	a.Report.JitterMs = j.ptr()
	switch {
	case first.RTP != nil && rate == 0:
		a.Report.JitterMs = nil
		a.Report.Notes = append(a.Report.Notes,
			fmt.Sprintf("unknown clock rate for payload type %d: jitter undefined", first.RTP.PayloadType))
	case first.RTP == nil && first.Iperf == nil:
		a.Report.Notes = append(a.Report.Notes, "no sender timing: jitter undefined")
	}

	if first.RTP != nil {
		a.addRTCP(f, rate)
	}
	return c
}

// addRTCP surfaces the last RTCP reception report about the flow.
func (a *Analysis) addRTCP(f *model.Flow, rate int) {
	for i := len(f.RTCP) - 1; i >= 0; i-- {
		if f.RTCP[i].RTCP == nil {
			continue
		}
		for _, rep := range f.RTCP[i].RTCP.Reports {
			if rep.SSRC != f.Key.ID {
				continue
			}
			a.Report.ReportedFractionLost = ptr(float64(rep.FractionLost) / 256)
			if rate > 0 {
				a.Report.ReportedJitterMs = ptr(ms(float64(rep.Jitter) / float64(rate)))
			}
			return
		}
	}
}

// Snapshot returns the QoS of the packets captured in [from, to). The
// jitter is the running value at the end of the window.
func (a *Analysis) Snapshot(from, to time.Time) model.QoSSnapshot {
	var (
		s       model.QoSSnapshot
		counted int
		delay   running
		j       *float64
	)
	for _, p := range a.points {
		if p.at.Before(from) {
			if p.jitter != nil {
				j = p.jitter
			}
			continue
		}
		if !p.at.Before(to) {
			continue
		}
		s.Packets++
		s.Bytes += int64(p.bytes)
		s.Lost += int64(p.lost)
		if p.counted {
			counted++
		}
		if p.delay != nil {
			delay.add(*p.delay)
		}
		if p.jitter != nil {
			j = p.jitter
		}
	}
	if s.Lost < 0 {
		s.Lost = 0
	}
	if total := int64(counted) + s.Lost; total > 0 {
		s.LossRate = float64(s.Lost) / float64(total)
	}
	s.DelayMeanMs = delay.meanPtr()
	if j != nil {
		s.JitterMs = ptr(*j)
	}
	if d := to.Sub(from); d > 0 {
		s.ThroughputBps = float64(s.Bytes) * 8 / d.Seconds()
	}
	return s
}
