package qos_test

import (
	"math"
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/leonetem/leonetem/internal/flow"
	"github.com/leonetem/leonetem/internal/qos"
	"github.com/leonetem/leonetem/pkg/analysis/model"
)

var (
	sender   = model.Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 5004}
	receiver = model.Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 5006}
	t0       = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

// onlyFlow reconstructs packets and returns the single flow they form.
func onlyFlow(t *testing.T, packets []model.PacketRecord) *model.Flow {
	t.Helper()
	res := flow.Reconstruct(slices.Values(packets))
	if len(res.Flows) != 1 {
		t.Fatalf("got %d flows, want 1", len(res.Flows))
	}
	for _, f := range res.Flows {
		return f
	}
	return nil
}

func rtpAt(seq uint16, sent uint32, arrival time.Duration) model.PacketRecord {
	return model.PacketRecord{
		Timestamp:     t0.Add(arrival),
		Src:           sender,
		Dst:           receiver,
		Protocol:      model.ProtocolRTP,
		PayloadLength: 172,
		Seq:           uint64(seq),
		SeqBits:       16,
		RTP:           &model.RTPInfo{PayloadType: 0, Timestamp: sent, SSRC: 0xcafe},
	}
}

// rtpStream returns packets with sequence numbers seqs, sent every 20ms and
// arriving after delay(seq).
func rtpStream(seqs []int, delay func(seq int) time.Duration) []model.PacketRecord {
	var out []model.PacketRecord
	for _, s := range seqs {
		sent := time.Duration(s) * 20 * time.Millisecond
		out = append(out, rtpAt(uint16(s), uint32(s)*160, sent+delay(s)))
	}
	return out
}

func seqRange(from, to int) []int {
	var out []int
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func constant(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

func TestAnalyze_JitterConstantDelay(t *testing.T) {
	for _, offset := range []time.Duration{0, 37 * time.Millisecond} {
		f := onlyFlow(t, rtpStream(seqRange(1, 50), constant(offset)))
		r := qos.Analyze(f, qos.Options{}).Report
		if r.JitterMs == nil {
			t.Fatalf("JitterMs undefined for offset %v", offset)
		}
		if *r.JitterMs > 1e-9 {
			t.Errorf("offset %v: jitter = %v, want 0", offset, *r.JitterMs)
		}
		if r.DelayKind != model.DelayInterArrival || math.Abs(*r.DelayMeanMs-20) > 1e-9 {
			t.Errorf("inter-arrival = %v %v", r.DelayKind, *r.DelayMeanMs)
		}
	}
}

func TestAnalyze_JitterVariableDelay(t *testing.T) {
	f := onlyFlow(t, rtpStream(seqRange(1, 50), func(s int) time.Duration {
		if s%2 == 0 {
			return 30 * time.Millisecond
		}
		return 20 * time.Millisecond
	}))
	r := qos.Analyze(f, qos.Options{}).Report
	// |D| is 10ms for every pair: the estimator converges towards 10.
	if r.JitterMs == nil || *r.JitterMs < 9 || *r.JitterMs > 10 {
		t.Errorf("jitter = %v, want close to 10ms", r.JitterMs)
	}
}

func TestAnalyze_Loss(t *testing.T) {
	seqs := []int{1, 2, 3, 4, 6, 7, 8, 10}
	r := qos.Analyze(onlyFlow(t, rtpStream(seqs, constant(0))), qos.Options{}).Report
	if r.Lost != 2 || r.Expected != 10 || r.LossRate != 0.2 {
		t.Errorf("Lost = %d, Expected = %d, LossRate = %v", r.Lost, r.Expected, r.LossRate)
	}
	if r.Reordered == nil || *r.Reordered != 0 {
		t.Errorf("Reordered = %v", r.Reordered)
	}

	// Packet 9 arrives late, after 10.
	packets := rtpStream(seqs, constant(0))
	packets = append(packets, rtpAt(9, 9*160, 250*time.Millisecond))
	r = qos.Analyze(onlyFlow(t, packets), qos.Options{}).Report
	if r.Lost != 1 {
		t.Errorf("late packet: Lost = %d, want 1", r.Lost)
	}
	if r.Reordered == nil || *r.Reordered != 1 {
		t.Errorf("late packet: Reordered = %v, want 1", r.Reordered)
	}
}

func TestAnalyze_Duplicates(t *testing.T) {
	packets := rtpStream(seqRange(1, 5), constant(0))
	packets = append(packets, rtpAt(3, 3*160, 200*time.Millisecond))
	r := qos.Analyze(onlyFlow(t, packets), qos.Options{}).Report
	if r.Duplicates != 1 || r.Lost != 0 || *r.Reordered != 0 {
		t.Errorf("Duplicates = %d, Lost = %d, Reordered = %d", r.Duplicates, r.Lost, *r.Reordered)
	}
}

func TestAnalyze_Wraparound(t *testing.T) {
	tests := []struct {
		name      string
		seqs      []uint16
		lost      int64
		reordered int
	}{
		{"contiguous", []uint16{65533, 65534, 65535, 0, 1}, 0, 0},
		{"skipped-65535", []uint16{65534, 0, 1}, 1, 0},
		{"late-65535", []uint16{65534, 0, 65535, 1}, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var packets []model.PacketRecord
			for i, s := range tt.seqs {
				packets = append(packets, rtpAt(s, uint32(i)*160, time.Duration(i)*20*time.Millisecond))
			}
			r := qos.Analyze(onlyFlow(t, packets), qos.Options{}).Report
			if r.Lost != tt.lost || *r.Reordered != tt.reordered {
				t.Errorf("Lost = %d, Reordered = %d, want %d, %d", r.Lost, *r.Reordered, tt.lost, tt.reordered)
			}
		})
	}
}

func TestAnalyze_SinglePacket(t *testing.T) {
	r := qos.Analyze(onlyFlow(t, rtpStream([]int{1}, constant(0))), qos.Options{}).Report
	if !r.Insufficient {
		t.Error("single packet flow not flagged")
	}
	if r.JitterMs != nil || r.Reordered != nil || r.ThroughputBps != nil || r.DelayMeanMs != nil {
		t.Errorf("undefined metrics must be nil: %+v", r)
	}
	if len(r.Notes) == 0 {
		t.Error("missing note")
	}
}

func TestAnalyze_UnknownClockRate(t *testing.T) {
	packets := rtpStream(seqRange(1, 5), constant(0))
	for i := range packets {
		packets[i].RTP.PayloadType = 111
	}
	a := qos.Analyze(onlyFlow(t, packets), qos.Options{})
	if a.Report.JitterMs != nil {
		t.Errorf("jitter = %v, want undefined for a dynamic payload type", *a.Report.JitterMs)
	}
	if pt, ok := a.PayloadType(); !ok || pt != 111 {
		t.Errorf("PayloadType() = %d, %v", pt, ok)
	}

	a = qos.Analyze(onlyFlow(t, packets), qos.Options{ClockRate: func(uint8) int { return 48000 }})
	if a.Report.JitterMs == nil {
		t.Error("jitter undefined with a known clock rate")
	}
}

func TestAnalyze_RTCP(t *testing.T) {
	f := onlyFlow(t, rtpStream(seqRange(1, 5), constant(0)))
	f.RTCP = []model.PacketRecord{{
		Protocol: model.ProtocolRTCP,
		RTCP: &model.RTCPInfo{Reports: []model.RTCPReport{
			{SSRC: 0xcafe, FractionLost: 64, Jitter: 80},
		}},
	}}
	r := qos.Analyze(f, qos.Options{}).Report
	if r.ReportedJitterMs == nil || *r.ReportedJitterMs != 10 {
		t.Errorf("ReportedJitterMs = %v, want 10", r.ReportedJitterMs)
	}
	if r.ReportedFractionLost == nil || *r.ReportedFractionLost != 0.25 {
		t.Errorf("ReportedFractionLost = %v, want 0.25", r.ReportedFractionLost)
	}
}

func icmp(request bool, seq uint16, at time.Duration) model.PacketRecord {
	p := model.PacketRecord{
		Timestamp: t0.Add(at),
		Src:       model.Endpoint{Addr: sender.Addr},
		Dst:       model.Endpoint{Addr: receiver.Addr},
		Protocol:  model.ProtocolICMP,
		Length:    84,
		Seq:       uint64(seq),
		SeqBits:   16,
		ICMP:      &model.ICMPInfo{Kind: model.ICMPEchoRequest, ID: 1, Seq: seq},
	}
	if !request {
		p.Src, p.Dst = p.Dst, p.Src
		p.ICMP.Kind = model.ICMPEchoReply
	}
	return p
}

func TestAnalyze_ICMP(t *testing.T) {
	var packets []model.PacketRecord
	rtts := map[uint16]time.Duration{
		1: 20 * time.Millisecond,
		2: 30 * time.Millisecond,
		// 3 is never answered.
		4: 20 * time.Millisecond,
		5: 30 * time.Millisecond,
		6: 11 * time.Second,
	}
	for seq := uint16(1); seq <= 6; seq++ {
		sent := time.Duration(seq) * time.Second
		packets = append(packets, icmp(true, seq, sent))
		if rtt, ok := rtts[seq]; ok {
			packets = append(packets, icmp(false, seq, sent+rtt))
		}
	}
	a := qos.Analyze(onlyFlow(t, packets), qos.Options{})
	r := a.Report
	if r.DelayKind != model.DelayRoundTrip || r.DelaySamples != 4 {
		t.Fatalf("DelayKind = %v, DelaySamples = %d", r.DelayKind, r.DelaySamples)
	}
	if math.Abs(*r.DelayMeanMs-25) > 1e-9 {
		t.Errorf("mean RTT = %v, want 25", *r.DelayMeanMs)
	}
	if r.Lost != 1 || r.Expected != 6 {
		t.Errorf("Lost = %d, Expected = %d", r.Lost, r.Expected)
	}
	if r.JitterMs == nil || *r.JitterMs <= 0 {
		t.Errorf("jitter = %v, want > 0", r.JitterMs)
	}
	if got := len(a.Delays()); got != 4 {
		t.Errorf("Delays() has %d samples", got)
	}

	// The lost echo is attributed to its request, sent at +3s.
	snap := a.Snapshot(t0.Add(3*time.Second), t0.Add(4*time.Second))
	if snap.Lost != 1 || snap.LossRate != 1 {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestAnalyze_ICMPWraparound(t *testing.T) {
	var packets []model.PacketRecord
	for i, seq := range []uint16{65534, 65535, 0, 1} {
		sent := time.Duration(i) * time.Second
		packets = append(packets, icmp(true, seq, sent))
		if seq < 2 {
			packets = append(packets, icmp(false, seq, sent+20*time.Millisecond))
		}
	}
	a := qos.Analyze(onlyFlow(t, packets), qos.Options{})
	r := a.Report
	if r.Lost != 2 || r.Expected != 4 {
		t.Errorf("Lost = %d, Expected = %d, want 2 and 4", r.Lost, r.Expected)
	}
	if r.DelaySamples != 2 || len(a.Delays()) != 2 {
		t.Errorf("DelaySamples = %d, Delays() = %d, want 2", r.DelaySamples, len(a.Delays()))
	}
	if r.DelayMeanMs == nil || math.Abs(*r.DelayMeanMs-20) > 1e-9 {
		t.Errorf("mean RTT = %v, want 20", r.DelayMeanMs)
	}
}

func tcpSeg(fromClient bool, seq, ack uint32, payload int, at time.Duration, flags string) model.PacketRecord {
	p := model.PacketRecord{
		Timestamp:     t0.Add(at),
		Src:           model.Endpoint{Addr: sender.Addr, Port: 40000},
		Dst:           model.Endpoint{Addr: receiver.Addr, Port: 443},
		Protocol:      model.ProtocolTCP,
		PayloadLength: payload,
		Seq:           uint64(seq),
		SeqBits:       32,
		TCP:           &model.TCPInfo{RelAck: ack, HasRel: true},
	}
	if !fromClient {
		p.Src, p.Dst = p.Dst, p.Src
	}
	for _, f := range flags {
		switch f {
		case 'S':
			p.TCP.SYN = true
		case 'A':
			p.TCP.ACK = true
		}
	}
	return p
}

func TestAnalyze_TCP(t *testing.T) {
	ms := time.Millisecond
	packets := []model.PacketRecord{
		tcpSeg(true, 0, 0, 0, 0, "S"),
		tcpSeg(false, 0, 1, 0, 40*ms, "SA"),
		tcpSeg(true, 1, 1, 0, 41*ms, "A"),
		tcpSeg(true, 1, 1, 1000, 42*ms, "A"),
		tcpSeg(false, 1, 1001, 0, 82*ms, "A"),
		tcpSeg(true, 1001, 1, 1000, 90*ms, "A"),
		// Retransmission of the same segment: its ACK is ambiguous.
		tcpSeg(true, 1001, 1, 1000, 400*ms, "A"),
		tcpSeg(false, 1, 2001, 0, 440*ms, "A"),
		tcpSeg(true, 2001, 1, 1000, 450*ms, "A"),
		tcpSeg(false, 1, 3001, 0, 500*ms, "A"),
	}
	r := qos.Analyze(onlyFlow(t, packets), qos.Options{}).Report
	// Samples: SYN -> SYN/ACK (40ms), SYN/ACK -> ACK (1ms), first data
	// (40ms), last data (50ms).
	if r.DelaySamples != 4 {
		t.Fatalf("DelaySamples = %d, want 4", r.DelaySamples)
	}
	if want := (40.0 + 1 + 40 + 50) / 4; math.Abs(*r.DelayMeanMs-want) > 1e-9 {
		t.Errorf("mean RTT = %v, want %v", *r.DelayMeanMs, want)
	}
	if r.Duplicates != 1 || r.Lost != 0 {
		t.Errorf("Duplicates = %d, Lost = %d", r.Duplicates, r.Lost)
	}
}

func TestAnalyze_PlainUDP(t *testing.T) {
	var packets []model.PacketRecord
	var offset uint64
	for i := 0; i < 11; i++ {
		packets = append(packets, model.PacketRecord{
			Timestamp:     t0.Add(time.Duration(i) * 100 * time.Millisecond),
			Src:           sender,
			Dst:           receiver,
			Protocol:      model.ProtocolUDP,
			PayloadLength: 1250,
			Seq:           offset,
			SeqBits:       64,
		})
		offset += 1250
	}
	r := qos.Analyze(onlyFlow(t, packets), qos.Options{}).Report
	if r.JitterMs != nil {
		t.Errorf("jitter = %v, want undefined without sender timing", *r.JitterMs)
	}
	// 11 * 1250 bytes in one second.
	if r.ThroughputBps == nil || math.Abs(*r.ThroughputBps-110000) > 1e-6 {
		t.Errorf("ThroughputBps = %v, want 110000", r.ThroughputBps)
	}
	if r.Lost != 0 || r.Bytes != 13750 {
		t.Errorf("Lost = %d, Bytes = %d", r.Lost, r.Bytes)
	}
}

func TestAnalyze_IperfOneWay(t *testing.T) {
	var packets []model.PacketRecord
	for i := 0; i < 10; i++ {
		if i == 4 {
			continue
		}
		sent := t0.Add(time.Duration(i) * 10 * time.Millisecond)
		packets = append(packets, model.PacketRecord{
			Timestamp:     sent.Add(15 * time.Millisecond),
			Src:           sender,
			Dst:           model.Endpoint{Addr: receiver.Addr, Port: 5201},
			Protocol:      model.ProtocolUDP,
			PayloadLength: 1400,
			Seq:           uint64(i),
			SeqBits:       32,
			Iperf:         &model.IperfInfo{SendTime: sent, Counter: uint32(i)},
		})
	}
	f := onlyFlow(t, packets)

	r := qos.Analyze(f, qos.Options{SynchronizedClocks: true}).Report
	if r.DelayKind != model.DelayOneWay || math.Abs(*r.DelayMeanMs-15) > 1e-9 {
		t.Errorf("one-way delay = %v %v, want 15ms", r.DelayKind, r.DelayMeanMs)
	}
	if r.Lost != 1 {
		t.Errorf("Lost = %d, want 1", r.Lost)
	}
	if r.JitterMs == nil || *r.JitterMs > 1e-9 {
		t.Errorf("jitter = %v, want 0", r.JitterMs)
	}

	r = qos.Analyze(f, qos.Options{}).Report
	if r.DelayKind != model.DelayInterArrival {
		t.Errorf("DelayKind = %v without synchronized clocks", r.DelayKind)
	}
}

func TestAnalysis_Snapshot(t *testing.T) {
	// 50 packets per second for 3 seconds; 5 lost in the second one.
	var seqs []int
	for s := 0; s < 150; s++ {
		if s >= 60 && s < 65 {
			continue
		}
		seqs = append(seqs, s)
	}
	a := qos.Analyze(onlyFlow(t, rtpStream(seqs, constant(0))), qos.Options{})

	first := a.Snapshot(t0, t0.Add(time.Second))
	if first.Packets != 50 || first.Lost != 0 || first.LossRate != 0 {
		t.Errorf("first window = %+v", first)
	}
	second := a.Snapshot(t0.Add(time.Second), t0.Add(2*time.Second))
	if second.Packets != 45 || second.Lost != 5 || second.LossRate != 0.1 {
		t.Errorf("second window = %+v", second)
	}
	if second.JitterMs == nil || second.DelayMeanMs == nil {
		t.Errorf("second window metrics undefined: %+v", second)
	}
	empty := a.Snapshot(t0.Add(time.Hour), t0.Add(time.Hour+time.Second))
	if empty.Packets != 0 || empty.ThroughputBps != 0 {
		t.Errorf("empty window = %+v", empty)
	}
}
