// leonetem-run replays a link trace onto one or more emulated links and
// saves the resulting link state history.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"golang.org/x/sync/errgroup"

	"github.com/leonetem/leonetem/internal/feed"
	"github.com/leonetem/leonetem/internal/linkctl"
	"github.com/leonetem/leonetem/internal/persistence"
	"github.com/leonetem/leonetem/internal/scheduler"
	"github.com/leonetem/leonetem/pkg/trace"
)

var (
	flagTrace            = flag.String("trace", "", "Trace file (.csv, .yaml or .json)")
	flagDryRun           = flag.Bool("dry_run", false, "Log the tc commands instead of running them")
	flagSpeed            = flag.Float64("speed", 1, "Replay speed factor")
	flagApplyTimeout     = flag.Duration("apply_timeout", 2*time.Second, "Timeout of each link update")
	flagRetryBackoff     = flag.Duration("retry_backoff", 100*time.Millisecond, "Wait before retrying a failed link update")
	flagHandoverInterval = flag.Duration("handover_interval", 0, "Mark events at multiples of this offset as handovers (0 disables)")
	flagDefaultBandwidth = flag.Int64("default_bandwidth_kbps", int64(trace.DefaultBandwidth), "Bandwidth of latency-only traces, in kbit/s")
	flagDataDir          = flag.String("datadir", "./data", "Directory to store the run history in")
	flagFeedAddr         = flag.String("feed_addr", "", "Listen address of the transition feed (empty disables it)")
	flagVerbose          = flag.Bool("verbose", false, "Enable debug logging")
	flagLinks            = flagx.StringArray{}
)

func init() {
	flag.Var(&flagLinks, "link", "Link definition name=iface1[,iface2] (repeatable)")
}

// linkDefinitions returns the -link values, or the default link on eth0.
// StringArray splits values on commas, so an item without "=" is another
// interface of the preceding link.
func linkDefinitions() []string {
	var links []string
	for _, v := range []string(flagLinks) {
		if n := len(links); n > 0 && !strings.Contains(v, "=") {
			links[n-1] += "," + v
			continue
		}
		links = append(links, v)
	}
	if len(links) == 0 {
		links = []string{scheduler.DefaultLink + "=eth0"}
	}
	return links
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "failed to read args from env")

	log.SetReportTimestamp(true)
	if *flagVerbose {
		log.SetLevel(log.DebugLevel)
	}

	if *flagTrace == "" {
		log.Fatal("-trace is required")
	}
	reg, err := linkctl.ParseRegistry(linkDefinitions())
	rtx.Must(err, "invalid -link")

	tr, err := trace.LoadFile(*flagTrace,
		trace.WithHandoverInterval(*flagHandoverInterval),
		trace.WithDefaultBandwidth(trace.Bandwidth(*flagDefaultBandwidth)))
	rtx.Must(err, "cannot load trace")

	var ctl linkctl.Controller = linkctl.NewNetem(reg)
	if *flagDryRun {
		ctl = &linkctl.DryRun{Links: reg}
	}

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := scheduler.Config{
		Links:        reg.Links(),
		ApplyTimeout: *flagApplyTimeout,
		RetryBackoff: *flagRetryBackoff,
		Speed:        *flagSpeed,
	}
	var hub *feed.Hub
	if *flagFeedAddr != "" {
		hub = feed.New()
		cfg.OnStart = hub.SetEpoch
		cfg.OnTransition = hub.Publish
	}
	s := scheduler.New(cfg)

	g, gctx := errgroup.WithContext(ctx)
	rtx.Must(s.Start(gctx, tr, ctl, scheduler.RealClock{}), "cannot start run")

	// The feed is served once the epoch is known, so every message carries it.
	var srv *http.Server
	if hub != nil {
		mux := http.NewServeMux()
		mux.Handle("/v0/transitions", hub)
		srv = &http.Server{
			Addr:              *flagFeedAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		log.Info("Serving transition feed", "addr", *flagFeedAddr)
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			if hub != nil {
				hub.Close()
				srv.Close()
			}
		}()
		select {
		case <-s.Done():
		case <-gctx.Done():
			s.Stop()
		}
		state, err := s.Wait()
		log.Info("Run finished", "state", state, "applied", len(s.History()),
			"handovers", len(s.Handovers()), "missed", len(s.Missed()))
		return err
	})
	runErr := g.Wait()

	id := uuid.NewString()
	name := strings.TrimSuffix(filepath.Base(tr.Name()), filepath.Ext(tr.Name()))
	df, err := persistence.WriteDataFile(*flagDataDir, "run", name, id, s.Archive(id))
	rtx.Must(err, "cannot write run history")
	log.Info("Run history saved", "path", df.Path)

	if runErr != nil {
		log.Fatal("Run aborted", "err", runErr)
	}
}
