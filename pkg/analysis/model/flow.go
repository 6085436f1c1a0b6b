package model

import (
	"fmt"
	"time"
)

// FlowKey identifies a flow. For ICMP, A is the echo requester and B the
// responder. For TCP, A and B are ordered canonically. For UDP and RTP the
// flow is directional from A to B.
type FlowKey struct {
	Protocol Protocol
	A        Endpoint
	B        Endpoint
	// ID is the ICMP echo identifier or the RTP SSRC.
	ID uint32
}

func (k FlowKey) String() string {
	switch k.Protocol {
	case ProtocolICMP:
		return fmt.Sprintf("icmp %s<->%s id=%d", k.A, k.B, k.ID)
	case ProtocolTCP:
		return fmt.Sprintf("tcp %s<->%s", k.A, k.B)
	case ProtocolRTP:
		return fmt.Sprintf("rtp %s->%s ssrc=%#08x", k.A, k.B, k.ID)
	}
	return fmt.Sprintf("%s %s->%s", k.Protocol, k.A, k.B)
}

// FlowPacket is a PacketRecord inside a flow, with its sequence number
// extended past wraparounds.
type FlowPacket struct {
	PacketRecord
	ExtSeq int64
	// Forward is true for packets travelling from A to B.
	Forward bool
}

// Flow is the set of packets sharing a FlowKey.
type Flow struct {
	Key FlowKey
	// Packets are ordered by direction (forward first), extended sequence
	// number, then capture time.
	Packets []FlowPacket
	// Arrivals are the same packets in capture order.
	Arrivals []FlowPacket
	// RTCP holds the RTCP packets reporting on this flow's SSRC.
	RTCP []PacketRecord `json:",omitempty"`
}

// Len returns the number of packets in the flow.
func (f *Flow) Len() int {
	return len(f.Arrivals)
}

// Start returns the capture time of the first packet.
func (f *Flow) Start() time.Time {
	if len(f.Arrivals) == 0 {
		return time.Time{}
	}
	return f.Arrivals[0].Timestamp
}

// End returns the capture time of the last packet.
func (f *Flow) End() time.Time {
	if len(f.Arrivals) == 0 {
		return time.Time{}
	}
	return f.Arrivals[len(f.Arrivals)-1].Timestamp
}

// Duration is the time between the first and last capture.
func (f *Flow) Duration() time.Duration {
	return f.End().Sub(f.Start())
}
