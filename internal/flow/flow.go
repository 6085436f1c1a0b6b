// Package flow groups decoded packets into flows and extends their sequence
// numbers past wraparounds.
package flow

import (
	"iter"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/leonetem/leonetem/pkg/analysis/model"
)

// MinPackets is the minimum number of packets a flow needs to be analyzed.
const MinPackets = 2

// Result is the outcome of a flow reconstruction.
type Result struct {
	Flows map[model.FlowKey]*model.Flow
	// Insufficient lists the flows with fewer than MinPackets packets. They
	// are still present in Flows.
	Insufficient []model.FlowKey
	// UnmatchedRTCP counts RTCP packets that report on no captured RTP
	// stream.
	UnmatchedRTCP int
}

// Sorted returns the flows ordered by first capture time, then key.
func (r *Result) Sorted() []*model.Flow {
	out := make([]*model.Flow, 0, len(r.Flows))
	for _, f := range r.Flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start().Equal(out[j].Start()) {
			return out[i].Start().Before(out[j].Start())
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// KeyOf returns the flow key of p and whether p travels from A to B.
// RTCP packets have no flow of their own and return ok == false.
func KeyOf(p *model.PacketRecord) (key model.FlowKey, forward bool, ok bool) {
	key.Protocol = p.Protocol
	switch p.Protocol {
	case model.ProtocolICMP:
		if p.ICMP == nil {
			return key, false, false
		}
		a := model.Endpoint{Addr: p.Src.Addr}
		b := model.Endpoint{Addr: p.Dst.Addr}
		forward = p.ICMP.Kind == model.ICMPEchoRequest
		if !forward {
			a, b = b, a
		}
		key.A, key.B, key.ID = a, b, uint32(p.ICMP.ID)
	case model.ProtocolTCP:
		key.A, key.B = p.Src, p.Dst
		if key.B.Less(key.A) {
			key.A, key.B = key.B, key.A
		}
		forward = p.Src == key.A
	case model.ProtocolUDP:
		key.A, key.B, forward = p.Src, p.Dst, true
	case model.ProtocolRTP:
		if p.RTP == nil {
			return key, false, false
		}
		key.A, key.B, key.ID, forward = p.Src, p.Dst, p.RTP.SSRC, true
	default:
		return key, false, false
	}
	return key, forward, true
}

// state accumulates the packets of one flow.
type state struct {
	flow *model.Flow
	// unwrap holds the reverse and forward direction unwrappers. ICMP flows
	// only use the forward one: a reply carries its request's sequence
	// number, so both directions must extend it the same way.
	unwrap [2]*Unwrapper
}

func newState(key model.FlowKey) *state {
	return &state{flow: &model.Flow{Key: key}}
}

func (s *state) add(p model.PacketRecord, forward bool) {
	dir := 0
	if forward || s.flow.Key.Protocol == model.ProtocolICMP {
		dir = 1
	}
	if s.unwrap[dir] == nil {
		s.unwrap[dir] = NewUnwrapper(p.SeqBits)
	}
	s.flow.Arrivals = append(s.flow.Arrivals, model.FlowPacket{
		PacketRecord: p,
		ExtSeq:       s.unwrap[dir].Unwrap(p.Seq),
		Forward:      forward,
	})
}

// finish returns the flow with its Packets sorted.
func (s *state) finish() *model.Flow {
	f := s.flow
	f.Packets = append([]model.FlowPacket(nil), f.Arrivals...)
	sort.SliceStable(f.Packets, func(i, j int) bool {
		a, b := &f.Packets[i], &f.Packets[j]
		if a.Forward != b.Forward {
			return a.Forward
		}
		if a.ExtSeq != b.ExtSeq {
			return a.ExtSeq < b.ExtSeq
		}
		return a.Timestamp.Before(b.Timestamp)
	})
	return f
}

// reportsOn reports whether the RTCP packet p describes the RTP stream ssrc.
func reportsOn(p *model.PacketRecord, ssrc uint32) bool {
	if p.RTCP == nil {
		return false
	}
	if p.RTCP.SenderSSRC == ssrc {
		return true
	}
	for _, r := range p.RTCP.Reports {
		if r.SSRC == ssrc {
			return true
		}
	}
	return false
}

// Reconstruct groups packets into flows. Packets of unsupported protocols
// are ignored.
func Reconstruct(packets iter.Seq[model.PacketRecord]) *Result {
	states := map[model.FlowKey]*state{}
	var rtcp []model.PacketRecord
	for p := range packets {
		if p.Protocol == model.ProtocolRTCP {
			rtcp = append(rtcp, p)
			continue
		}
		key, forward, ok := KeyOf(&p)
		if !ok {
			continue
		}
		s, found := states[key]
		if !found {
			s = newState(key)
			states[key] = s
		}
		s.add(p, forward)
	}

	res := &Result{Flows: make(map[model.FlowKey]*model.Flow, len(states))}
	for key, s := range states {
		f := s.finish()
		res.Flows[key] = f
		if f.Len() < MinPackets {
			res.Insufficient = append(res.Insufficient, key)
		}
	}
	sort.Slice(res.Insufficient, func(i, j int) bool {
		return res.Insufficient[i].String() < res.Insufficient[j].String()
	})

	for i := range rtcp {
		matched := false
		for key, f := range res.Flows {
			if key.Protocol == model.ProtocolRTP && reportsOn(&rtcp[i], key.ID) {
				f.RTCP = append(f.RTCP, rtcp[i])
				matched = true
			}
		}
		if !matched {
			res.UnmatchedRTCP++
		}
	}
	log.Debug("Flows reconstructed", "flows", len(res.Flows),
		"insufficient", len(res.Insufficient), "rtcp", len(rtcp))
	return res
}
