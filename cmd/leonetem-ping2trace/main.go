// leonetem-ping2trace converts a "timestamp, rtt" ping log into a latency
// trace usable by leonetem-run.
package main

import (
	"bufio"
	"flag"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/leonetem/leonetem/pkg/trace"
)

var (
	flagInput  = flag.String("input", "-", "Ping log, - for stdin")
	flagOutput = flag.String("output", "-", "Output trace, - for stdout")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "failed to read args from env")

	var in io.Reader = os.Stdin
	if *flagInput != "-" {
		fp, err := os.Open(*flagInput)
		rtx.Must(err, "cannot open input")
		defer fp.Close()
		in = fp
	}
	out := os.Stdout
	if *flagOutput != "-" {
		fp, err := os.Create(*flagOutput)
		rtx.Must(err, "cannot create output")
		out = fp
	}
	w := bufio.NewWriter(out)

	n, skipped, err := trace.ConvertPingLog(in, w)
	rtx.Must(err, "conversion failed")
	rtx.Must(w.Flush(), "cannot write output")
	rtx.Must(out.Close(), "cannot close output")
	log.Info("Trace written", "samples", n, "skipped", skipped)
}
