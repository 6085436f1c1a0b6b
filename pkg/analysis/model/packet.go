// Package model contains the data types exchanged by the capture, flow, QoS
// and QoE packages, and serialized in analysis results.
package model

import (
	"fmt"
	"net/netip"
	"time"
)

// Protocol is the closed set of protocols understood by the analysis
// pipeline.
type Protocol uint8

const (
	ProtocolUnknown Protocol = iota
	ProtocolICMP
	ProtocolTCP
	ProtocolUDP
	ProtocolRTP
	ProtocolRTCP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "icmp"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolRTP:
		return "rtp"
	case ProtocolRTCP:
		return "rtcp"
	}
	return "unknown"
}

// MarshalText encodes a Protocol as its name.
func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a Protocol name.
func (p *Protocol) UnmarshalText(b []byte) error {
	for _, c := range []Protocol{ProtocolICMP, ProtocolTCP, ProtocolUDP, ProtocolRTP, ProtocolRTCP} {
		if c.String() == string(b) {
			*p = c
			return nil
		}
	}
	*p = ProtocolUnknown
	return nil
}

// Endpoint is an address and a port. The port is zero for ICMP.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	if e.Port == 0 {
		return e.Addr.String()
	}
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// Less orders endpoints by address, then port.
func (e Endpoint) Less(o Endpoint) bool {
	if c := e.Addr.Compare(o.Addr); c != 0 {
		return c < 0
	}
	return e.Port < o.Port
}

// ICMP message types relevant to echo pairing.
const (
	ICMPEchoRequest = "request"
	ICMPEchoReply   = "reply"
)

// ICMPInfo is the echo part of an ICMP (or ICMPv6) message.
type ICMPInfo struct {
	// Kind is ICMPEchoRequest or ICMPEchoReply.
	Kind string
	ID   uint16
	Seq  uint16
}

// TCPInfo is the subset of the TCP header used for RTT and loss analysis.
type TCPInfo struct {
	// RawSeq and RawAck are the on-the-wire sequence/ack numbers.
	RawSeq uint32
	RawAck uint32
	// RelAck is the ack number relative to the peer's initial sequence
	// number, valid when ACK is set and the peer direction was observed.
	RelAck uint32
	SYN    bool
	FIN    bool
	RST    bool
	ACK    bool
	HasRel bool
}

// RTPInfo is the RTP header of a media packet.
type RTPInfo struct {
	PayloadType uint8
	Timestamp   uint32
	SSRC        uint32
	Marker      bool
}

// RTCPInfo summarizes the report blocks of an RTCP compound packet.
type RTCPInfo struct {
	SenderSSRC uint32
	Reports    []RTCPReport
}

// RTCPReport is one reception report block.
type RTCPReport struct {
	SSRC         uint32
	FractionLost uint8
	TotalLost    uint32
	// Jitter is in RTP timestamp units.
	Jitter uint32
}

// IperfInfo is the iPerf3 UDP datagram header.
type IperfInfo struct {
	SendTime time.Time
	Counter  uint32
}

// PacketRecord is one decoded captured packet. Exactly one of the
// protocol-specific parts is set, matching Protocol (UDP packets may carry
// IperfInfo).
type PacketRecord struct {
	Timestamp time.Time
	Src       Endpoint
	Dst       Endpoint
	Protocol  Protocol
	// Length is the length of the IP packet on the wire.
	Length int
	// PayloadLength is the transport payload length.
	PayloadLength int
	// Seq is the protocol-specific sequence number: the ICMP echo sequence,
	// the TCP sequence relative to the first one seen in this direction, the
	// UDP stream-relative byte offset, the iPerf3 counter or the RTP sequence
	// number.
	Seq uint64
	// SeqBits is the width of the sequence space in bits, used for
	// wraparound detection.
	SeqBits uint8

	ICMP  *ICMPInfo  `json:",omitempty"`
	TCP   *TCPInfo   `json:",omitempty"`
	RTP   *RTPInfo   `json:",omitempty"`
	RTCP  *RTCPInfo  `json:",omitempty"`
	Iperf *IperfInfo `json:",omitempty"`
}

func (p *PacketRecord) String() string {
	return fmt.Sprintf("%s %s %s->%s seq=%d len=%d",
		p.Timestamp.Format(time.RFC3339Nano), p.Protocol, p.Src, p.Dst, p.Seq, p.Length)
}
