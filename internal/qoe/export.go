package qoe

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/leonetem/leonetem/internal/qos"
)

// RTTHeader is the header row written by WriteRTTCSV.
var RTTHeader = []string{"Timestamp", "RTT (ms)"}

// WriteRTTCSV writes one row per delay sample, with the time of the opening
// packet in Unix seconds and the delay in milliseconds.
func WriteRTTCSV(w io.Writer, samples []qos.DelaySample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(RTTHeader); err != nil {
		return err
	}
	for _, s := range samples {
		ts := float64(s.Start.UnixNano()) / 1e9
		row := []string{
			strconv.FormatFloat(ts, 'f', 6, 64),
			strconv.FormatFloat(s.Ms, 'f', 3, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
