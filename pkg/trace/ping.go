package trace

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// PingTimeLayout is the timestamp layout of ping logs. Fractional seconds of
// any precision are accepted when parsing.
const PingTimeLayout = "2006-01-02 15:04:05"

// ConvertPingLog reads a ping log made of "timestamp, rtt" lines (the first
// line is a header) and writes a timestamp,relative,rtt latency trace to w.
// Lines that can't be parsed are skipped. It returns the number of samples
// written and the number of skipped lines.
func ConvertPingLog(r io.Reader, w io.Writer) (int, int, error) {
	sc := bufio.NewScanner(r)
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "relative", "rtt"}); err != nil {
		return 0, 0, err
	}

	var (
		base           time.Time
		written, skips int
		first          = true
	)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if lineNo == 1 || line == "" {
			continue
		}
		ts, rtt, err := parsePingLine(line)
		if err != nil {
			log.Warn("skipping ping log line", "line", lineNo, "error", err)
			skips++
			continue
		}
		if first {
			base = ts
			first = false
		}
		rel := ts.Sub(base).Seconds()
		err = cw.Write([]string{
			ts.Format("2006-01-02 15:04:05.000"),
			fmt.Sprintf("%.3f", rel),
			strconv.FormatFloat(rtt, 'f', -1, 64),
		})
		if err != nil {
			return written, skips, err
		}
		written++
	}
	if err := sc.Err(); err != nil {
		return written, skips, err
	}
	cw.Flush()
	return written, skips, cw.Error()
}

func parsePingLine(line string) (time.Time, float64, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return time.Time{}, 0, fmt.Errorf("expected 2 fields, got %d", len(parts))
	}
	ts, err := time.Parse(PingTimeLayout, strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, 0, err
	}
	rtt, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return time.Time{}, 0, err
	}
	return ts, rtt, nil
}
