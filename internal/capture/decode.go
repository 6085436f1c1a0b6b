package capture

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/leonetem/leonetem/pkg/analysis/model"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

type decodeResult int

const (
	decodeOK decodeResult = iota
	decodeIgnored
	decodeCorrupt
)

// iperfHeaderLen is the size of the iPerf3 UDP header: seconds,
// microseconds and a 32-bit packet counter, all big endian.
const iperfHeaderLen = 12

type direction struct {
	src, dst model.Endpoint
}

// decoder holds the per-direction state needed to compute relative
// sequence numbers.
type decoder struct {
	linkType layers.LinkType
	opts     *options
	// tcpISN is the first sequence number seen in each direction.
	tcpISN map[direction]uint32
	// udpOffset is the number of payload bytes seen in each direction.
	udpOffset map[direction]uint64
}

func newDecoder(lt layers.LinkType, opts *options) *decoder {
	return &decoder{
		linkType:  lt,
		opts:      opts,
		tcpISN:    map[direction]uint32{},
		udpOffset: map[direction]uint64{},
	}
}

func addrFromIP(b []byte) netip.Addr {
	a, _ := netip.AddrFromSlice(b)
	return a.Unmap()
}

func (d *decoder) decode(data []byte, ci gopacket.CaptureInfo) (model.PacketRecord, decodeResult) {
	pkt := gopacket.NewPacket(data, d.linkType, gopacket.DecodeOptions{NoCopy: true})
	if pkt.ErrorLayer() != nil {
		return model.PacketRecord{}, decodeCorrupt
	}
	rec := model.PacketRecord{Timestamp: ci.Timestamp}

	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		rec.Src.Addr, rec.Dst.Addr = addrFromIP(ip.SrcIP), addrFromIP(ip.DstIP)
		rec.Length = int(ip.Length)
	case *layers.IPv6:
		rec.Src.Addr, rec.Dst.Addr = addrFromIP(ip.SrcIP), addrFromIP(ip.DstIP)
		rec.Length = int(ip.Length) + 40
	default:
		return rec, decodeIgnored
	}

	if l := pkt.Layer(layers.LayerTypeICMPv4); l != nil {
		return d.icmpv4(rec, l.(*layers.ICMPv4))
	}
	if l := pkt.Layer(layers.LayerTypeICMPv6Echo); l != nil {
		icmp, _ := pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
		return d.icmpv6(rec, icmp, l.(*layers.ICMPv6Echo))
	}
	if l := pkt.Layer(layers.LayerTypeTCP); l != nil {
		return d.tcp(rec, l.(*layers.TCP))
	}
	if l := pkt.Layer(layers.LayerTypeUDP); l != nil {
		return d.udp(rec, l.(*layers.UDP))
	}
	return rec, decodeIgnored
}

func (d *decoder) icmpv4(rec model.PacketRecord, icmp *layers.ICMPv4) (model.PacketRecord, decodeResult) {
	var kind string
	switch icmp.TypeCode.Type() {
	case layers.ICMPv4TypeEchoRequest:
		kind = model.ICMPEchoRequest
	case layers.ICMPv4TypeEchoReply:
		kind = model.ICMPEchoReply
	default:
		return rec, decodeIgnored
	}
	return icmpRecord(rec, kind, icmp.Id, icmp.Seq, len(icmp.Payload)), decodeOK
}

func (d *decoder) icmpv6(rec model.PacketRecord, icmp *layers.ICMPv6, echo *layers.ICMPv6Echo) (model.PacketRecord, decodeResult) {
	if icmp == nil {
		return rec, decodeIgnored
	}
	var kind string
	switch icmp.TypeCode.Type() {
	case layers.ICMPv6TypeEchoRequest:
		kind = model.ICMPEchoRequest
	case layers.ICMPv6TypeEchoReply:
		kind = model.ICMPEchoReply
	default:
		return rec, decodeIgnored
	}
	return icmpRecord(rec, kind, echo.Identifier, echo.SeqNumber, len(echo.Payload)), decodeOK
}

func icmpRecord(rec model.PacketRecord, kind string, id, seq uint16, payload int) model.PacketRecord {
	rec.Protocol = model.ProtocolICMP
	rec.ICMP = &model.ICMPInfo{Kind: kind, ID: id, Seq: seq}
	rec.Seq = uint64(seq)
	rec.SeqBits = 16
	rec.PayloadLength = payload
	return rec
}

func (d *decoder) tcp(rec model.PacketRecord, tcp *layers.TCP) (model.PacketRecord, decodeResult) {
	rec.Protocol = model.ProtocolTCP
	rec.Src.Port, rec.Dst.Port = uint16(tcp.SrcPort), uint16(tcp.DstPort)
	rec.PayloadLength = len(tcp.Payload)

	dir := direction{rec.Src, rec.Dst}
	isn, ok := d.tcpISN[dir]
	if !ok || tcp.SYN {
		isn = tcp.Seq
		d.tcpISN[dir] = isn
	}
	info := &model.TCPInfo{
		RawSeq: tcp.Seq,
		RawAck: tcp.Ack,
		SYN:    tcp.SYN,
		FIN:    tcp.FIN,
		RST:    tcp.RST,
		ACK:    tcp.ACK,
	}
	if peer, ok := d.tcpISN[direction{rec.Dst, rec.Src}]; ok && tcp.ACK {
		info.RelAck = tcp.Ack - peer
		info.HasRel = true
	}
	rec.TCP = info
	rec.Seq = uint64(tcp.Seq - isn)
	rec.SeqBits = 32
	return rec, decodeOK
}

func (d *decoder) udp(rec model.PacketRecord, udp *layers.UDP) (model.PacketRecord, decodeResult) {
	rec.Protocol = model.ProtocolUDP
	rec.Src.Port, rec.Dst.Port = uint16(udp.SrcPort), uint16(udp.DstPort)
	payload := udp.Payload
	rec.PayloadLength = len(payload)

	if d.opts.iperfPorts[rec.Dst.Port] || d.opts.iperfPorts[rec.Src.Port] {
		if len(payload) >= iperfHeaderLen {
			sec := binary.BigEndian.Uint32(payload[0:4])
			usec := binary.BigEndian.Uint32(payload[4:8])
			counter := binary.BigEndian.Uint32(payload[8:12])
			rec.Iperf = &model.IperfInfo{
				SendTime: time.Unix(int64(sec), int64(usec)*1000),
				Counter:  counter,
			}
			rec.Seq = uint64(counter)
			rec.SeqBits = 32
			return rec, decodeOK
		}
	}

	if d.opts.detectRTP {
		if info, ok := parseRTCP(payload); ok {
			rec.Protocol = model.ProtocolRTCP
			rec.RTCP = info
			return rec, decodeOK
		}
		if d.opts.rtpPort(rec.Dst.Port) || d.opts.rtpPort(rec.Src.Port) {
			if info, seq, ok := parseRTP(payload); ok {
				rec.Protocol = model.ProtocolRTP
				rec.RTP = info
				rec.Seq = uint64(seq)
				rec.SeqBits = 16
				return rec, decodeOK
			}
		}
	}

	dir := direction{rec.Src, rec.Dst}
	rec.Seq = d.udpOffset[dir]
	rec.SeqBits = 64
	d.udpOffset[dir] += uint64(len(payload))
	return rec, decodeOK
}

// looksLikeRTCP checks the RTCP version and packet type range (SR, RR,
// SDES, BYE, APP, RTPFB, PSFB).
func looksLikeRTCP(b []byte) bool {
	return len(b) >= 8 && b[0]>>6 == 2 && b[1] >= 200 && b[1] <= 206
}

func parseRTCP(b []byte) (*model.RTCPInfo, bool) {
	if !looksLikeRTCP(b) {
		return nil, false
	}
	pkts, err := rtcp.Unmarshal(b)
	if err != nil || len(pkts) == 0 {
		return nil, false
	}
	info := &model.RTCPInfo{}
	add := func(reports []rtcp.ReceptionReport) {
		for _, r := range reports {
			info.Reports = append(info.Reports, model.RTCPReport{
				SSRC:         r.SSRC,
				FractionLost: r.FractionLost,
				TotalLost:    r.TotalLost,
				Jitter:       r.Jitter,
			})
		}
	}
	for _, p := range pkts {
		switch p := p.(type) {
		case *rtcp.SenderReport:
			info.SenderSSRC = p.SSRC
			add(p.Reports)
		case *rtcp.ReceiverReport:
			info.SenderSSRC = p.SSRC
			add(p.Reports)
		}
	}
	return info, true
}

func parseRTP(b []byte) (*model.RTPInfo, uint16, bool) {
	if len(b) < 12 || b[0]>>6 != 2 {
		return nil, 0, false
	}
	// Payload types 72-76 collide with RTCP packet types.
	if pt := b[1] & 0x7f; pt >= 72 && pt <= 76 {
		return nil, 0, false
	}
	var p rtp.Packet
	if err := p.Unmarshal(b); err != nil {
		return nil, 0, false
	}
	return &model.RTPInfo{
		PayloadType: p.PayloadType,
		Timestamp:   p.Timestamp,
		SSRC:        p.SSRC,
		Marker:      p.Marker,
	}, p.SequenceNumber, true
}
