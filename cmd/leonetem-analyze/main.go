// leonetem-analyze computes per-flow QoS and, for RTP audio, QoE from a
// packet capture, optionally joined with the link state history of a run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/leonetem/leonetem/internal/capture"
	"github.com/leonetem/leonetem/internal/flow"
	"github.com/leonetem/leonetem/internal/persistence"
	"github.com/leonetem/leonetem/internal/qoe"
	"github.com/leonetem/leonetem/internal/qos"
	"github.com/leonetem/leonetem/internal/scheduler"
	"github.com/leonetem/leonetem/pkg/analysis/model"
	"github.com/leonetem/leonetem/pkg/trace"
)

var (
	flagCapture       = flag.String("capture", "-", "pcap or pcapng file, - for stdin")
	flagHistory       = flag.String("history", "", "Run history written by leonetem-run")
	flagLink          = flag.String("link", "", "Attribute QoE windows to this link only")
	flagWindow        = flag.Duration("window", qoe.DefaultWindowSize, "QoE window size")
	flagTable         = flag.String("qoe_table", "", "QoE scoring table (YAML); the built-in table if empty")
	flagThreshold     = flag.Float64("degraded_score", 3.6, "Log QoE windows scoring below this value")
	flagRTPMin        = flag.Uint("rtp_port_min", 0, "Lowest RTP port (0 accepts any even port >= 1024)")
	flagRTPMax        = flag.Uint("rtp_port_max", 0, "Highest RTP port")
	flagNoRTP         = flag.Bool("no_rtp", false, "Treat all non-RTCP UDP as plain datagrams")
	flagSyncClocks    = flag.Bool("synchronized_clocks", false, "Sender and capture clocks are synchronized (enables one-way delay)")
	flagDataDir       = flag.String("datadir", "./data", "Directory to store reports in")
	flagRTTCSV        = flag.String("rtt_csv", "", "Write ICMP round-trip times to this CSV file")
	flagFollow        = flag.Bool("follow", false, "Analyze flows as they go idle and write periodic snapshots")
	flagIdle          = flag.Duration("idle_timeout", 30*time.Second, "Follow mode: a flow is complete after this much inactivity")
	flagSnapshotEvery = flag.Duration("snapshot_interval", 10*time.Second, "Follow mode: average interval between snapshots")
	flagVerbose       = flag.Bool("verbose", false, "Enable debug logging")
	flagIperfPorts    = flagx.StringArray{}
)

func init() {
	flag.Var(&flagIperfPorts, "iperf_port", "iPerf3 UDP port (repeatable, default 5201)")
}

// Report is the analysis of one capture.
type Report struct {
	ID             string
	GitShortCommit string
	Capture        string
	Epoch          time.Time `json:",omitempty"`
	Stats          capture.Stats
	Flows          []model.QoSReport
	QoE            []*model.QoEReport `json:",omitempty"`
	Insufficient   []string           `json:",omitempty"`
	UnmatchedRTCP  int
}

type analyzer struct {
	table    *qoe.Table
	timeline *trace.Timeline
	opts     qos.Options

	mu     sync.Mutex
	report Report
	delays []qos.DelaySample
}

func (a *analyzer) add(f *model.Flow) {
	an := qos.Analyze(f, a.opts)
	var rep *model.QoEReport
	if an.Report.Protocol == model.ProtocolRTP {
		var err error
		rep, err = qoe.Estimate(an, a.timeline, qoe.Options{
			WindowSize: *flagWindow,
			Link:       *flagLink,
			Table:      a.table,
		})
		if err != nil {
			log.Warn("QoE estimate failed", "flow", an.Report.Flow, "err", err)
		}
	}
	if rep != nil {
		for _, w := range rep.DegradedWindows(*flagThreshold) {
			kv := []any{"flow", rep.Flow, "offset", w.Offset, "score", fmt.Sprintf("%.2f", w.Score),
				"loss", w.QoS.LossRate, "total_loss", w.TotalLoss}
			if w.Link != nil {
				kv = append(kv, "link_state", w.Link.Offset, "handover", w.Link.Handover)
			}
			log.Info("Degraded window", kv...)
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.report.Flows = append(a.report.Flows, an.Report)
	if an.Report.Insufficient {
		a.report.Insufficient = append(a.report.Insufficient, f.Key.String())
	}
	if rep != nil {
		a.report.QoE = append(a.report.QoE, rep)
	}
	if an.Report.Protocol == model.ProtocolICMP {
		a.delays = append(a.delays, an.Delays()...)
	}
}

// snapshot analyzes the flows still in progress.
func (a *analyzer) snapshot(flows []*model.Flow) []model.QoSReport {
	out := make([]model.QoSReport, 0, len(flows))
	for _, f := range flows {
		out = append(out, qos.Analyze(f, a.opts).Report)
	}
	return out
}

func loadTimeline(path string) (*trace.Timeline, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var run scheduler.Run
	if err := json.Unmarshal(b, &run); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	tl := run.Timeline()
	return &tl, nil
}

func captureOptions() ([]capture.Option, error) {
	var opts []capture.Option
	if *flagNoRTP {
		opts = append(opts, capture.WithoutRTP())
	} else if *flagRTPMin != 0 || *flagRTPMax != 0 {
		if *flagRTPMin > *flagRTPMax || *flagRTPMax > 65535 {
			return nil, errors.New("invalid RTP port range")
		}
		opts = append(opts, capture.WithRTPPorts(uint16(*flagRTPMin), uint16(*flagRTPMax)))
	}
	if len(flagIperfPorts) > 0 {
		var ps []uint16
		for _, p := range flagIperfPorts {
			var n uint16
			if _, err := fmt.Sscan(p, &n); err != nil {
				return nil, fmt.Errorf("invalid -iperf_port %q", p)
			}
			ps = append(ps, n)
		}
		opts = append(opts, capture.WithIperfPorts(ps...))
	}
	return opts, nil
}

func writeRTTCSV(path string, samples []qos.DelaySample) error {
	fp, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := qoe.WriteRTTCSV(fp, samples); err != nil {
		fp.Close()
		return err
	}
	return fp.Close()
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "failed to read args from env")

	log.SetReportTimestamp(true)
	if *flagVerbose {
		log.SetLevel(log.DebugLevel)
	}

	a := &analyzer{table: qoe.DefaultTable()}
	if *flagTable != "" {
		t, err := qoe.LoadTable(*flagTable)
		rtx.Must(err, "cannot load QoE table")
		a.table = t
	}
	a.opts = qos.Options{
		ClockRate: func(pt uint8) int {
			if r := a.table.ClockRate(pt); r != 0 {
				return r
			}
			return qos.DefaultClockRate(pt)
		},
		SynchronizedClocks: *flagSyncClocks,
	}
	if *flagHistory != "" {
		tl, err := loadTimeline(*flagHistory)
		rtx.Must(err, "cannot load run history")
		a.timeline = tl
		a.report.Epoch = tl.Epoch
	}

	var src capture.Source
	if *flagCapture == "-" {
		src = capture.StreamSource("stdin", os.Stdin)
	} else {
		src = capture.FileSource(*flagCapture)
	}
	opts, err := captureOptions()
	rtx.Must(err, "invalid capture options")
	reader := capture.NewReader(src, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id := uuid.NewString()
	a.report.ID = id
	a.report.GitShortCommit = prometheusx.GitShortCommit
	a.report.Capture = src.Name()
	name := filepath.Base(src.Name())

	if *flagFollow {
		follow(ctx, a, reader, name, id)
	} else {
		res := flow.Reconstruct(reader.Packets(ctx))
		for _, f := range res.Sorted() {
			a.add(f)
		}
		a.report.UnmatchedRTCP = res.UnmatchedRTCP
	}
	a.report.Stats = reader.Stats()
	if err := reader.Err(); err != nil {
		log.Error("Capture ended with an error", "err", err)
	}
	log.Info("Capture analyzed", "decoded", a.report.Stats.Decoded,
		"skipped", a.report.Stats.Skipped, "flows", len(a.report.Flows),
		"qoe", len(a.report.QoE))

	df, err := persistence.WriteDataFile(*flagDataDir, "analysis", name, id, &a.report)
	rtx.Must(err, "cannot write report")
	log.Info("Report saved", "path", df.Path)

	if *flagRTTCSV != "" {
		slices.SortFunc(a.delays, func(x, y qos.DelaySample) int {
			return x.Start.Compare(y.Start)
		})
		rtx.Must(writeRTTCSV(*flagRTTCSV, a.delays), "cannot write RTT CSV")
		log.Info("RTT samples saved", "path", *flagRTTCSV, "samples", len(a.delays))
	}
	if reader.Err() != nil {
		os.Exit(1)
	}
}

// follow feeds packets to a Tracker, analyzing flows as they go idle and
// writing snapshots of the active ones at random intervals.
func follow(ctx context.Context, a *analyzer, reader *capture.Reader, name, id string) {
	tracker := flow.NewTracker(*flagIdle, a.add)
	defer tracker.Stop()

	stream, err := persistence.NewStream(*flagDataDir, "snapshot", name, id)
	rtx.Must(err, "cannot create snapshot stream")
	defer func() {
		rtx.Must(stream.Close(), "cannot close snapshot stream")
	}()

	tickCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ticker, err := memoryless.NewTicker(tickCtx, memoryless.Config{
		Min:      *flagSnapshotEvery / 2,
		Expected: *flagSnapshotEvery,
		Max:      *flagSnapshotEvery * 2,
	})
	rtx.Must(err, "invalid -snapshot_interval")
	defer ticker.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-tickCtx.Done():
				return
			case t := <-ticker.C:
				flows := a.snapshot(tracker.Snapshot())
				err := stream.Write(struct {
					Time  time.Time
					Flows []model.QoSReport
				}{t, flows})
				if err != nil {
					log.Error("cannot write snapshot", "err", err)
				}
				log.Debug("Snapshot written", "active_flows", len(flows))
			}
		}
	}()

	for p := range reader.Packets(ctx) {
		tracker.Add(p)
	}
	cancel()
	wg.Wait()
	// The report is read once follow returns, so every flow must be in it.
	tracker.Stop()
	a.report.UnmatchedRTCP = tracker.UnmatchedRTCP()
}
