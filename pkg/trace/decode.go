package trace

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Format is an on-disk trace encoding.
type Format string

const (
	FormatCSV  = Format("csv")
	FormatYAML = Format("yaml")
	FormatJSON = Format("json")
)

// DefaultBandwidth is the link rate used for traces that only carry latency
// samples. It matches the 100 Mbit/s satellite hop of the bent-pipe topology.
const DefaultBandwidth Bandwidth = 100000

// FormatFromPath guesses the trace format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown trace format for %q", path)
}

type options struct {
	name             string
	defaultBandwidth Bandwidth
	handoverInterval time.Duration
}

// Option configures trace loading.
type Option func(*options)

// WithDefaultBandwidth sets the bandwidth for events that don't specify one.
func WithDefaultBandwidth(b Bandwidth) Option {
	return func(o *options) {
		o.defaultBandwidth = b
	}
}

// WithHandoverInterval marks the first event at or after each multiple of d
// as a handover. Starlink reconfigures satellite assignments every 15s.
func WithHandoverInterval(d time.Duration) Option {
	return func(o *options) {
		o.handoverInterval = d
	}
}

// WithName sets the name reported in errors.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// LoadFile loads a trace from path, choosing the decoder by extension.
func LoadFile(path string, opts ...Option) (*Trace, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, &MalformedTraceError{Source: path, Index: -1, Reason: "unsupported encoding", Err: err}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f, format, append([]Option{WithName(path)}, opts...)...)
}

// Load decodes a trace in the given format and validates it.
func Load(r io.Reader, format Format, opts ...Option) (*Trace, error) {
	o := &options{defaultBandwidth: DefaultBandwidth}
	for _, opt := range opts {
		opt(o)
	}

	var (
		events []Event
		err    error
	)
	switch format {
	case FormatCSV:
		events, err = decodeCSV(r, o)
	case FormatYAML:
		events, err = decodeYAML(r, o)
	case FormatJSON:
		events, err = decodeJSON(r, o)
	default:
		err = &MalformedTraceError{Index: -1, Reason: fmt.Sprintf("unknown format %q", format)}
	}
	if err != nil {
		var mte *MalformedTraceError
		if errors.As(err, &mte) {
			mte.Source = o.name
			return nil, mte
		}
		return nil, &MalformedTraceError{Source: o.name, Index: -1, Reason: "cannot decode", Err: err}
	}

	markHandovers(events, o.handoverInterval)
	return New(o.name, events)
}

func markHandovers(events []Event, interval time.Duration) {
	if interval <= 0 {
		return
	}
	next := interval
	for i := range events {
		if events[i].Offset < next {
			continue
		}
		events[i].Handover = true
		for next <= events[i].Offset {
			next += interval
		}
	}
}

// csvColumns maps a column role to its index in the header.
type csvColumns map[string]int

func (c csvColumns) get(row []string, names ...string) (string, bool) {
	for _, n := range names {
		if i, ok := c[n]; ok && i < len(row) {
			return strings.TrimSpace(row[i]), true
		}
	}
	return "", false
}

func decodeCSV(r io.Reader, o *options) ([]Event, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	header, err := cr.Read()
	if err == io.EOF {
		return nil, &MalformedTraceError{Index: -1, Reason: "empty input"}
	}
	if err != nil {
		return nil, csvError(err)
	}
	cols := csvColumns{}
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}

	_, hasRTT := cols["rtt"]
	_, hasRelative := cols["relative"]
	latencyOnly := hasRTT && hasRelative
	if !latencyOnly {
		if _, ok := cols.get(header, "offset_ms", "offset"); !ok {
			return nil, &MalformedTraceError{Line: 1, Index: -1, Reason: "missing offset column"}
		}
		if _, ok := cols.get(header, "latency_ms", "latency"); !ok {
			return nil, &MalformedTraceError{Line: 1, Index: -1, Reason: "missing latency column"}
		}
	}

	var events []Event
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, csvError(err)
		}
		line, _ := cr.FieldPos(0)
		var e Event
		if latencyOnly {
			e, err = parseLatencyRow(cols, row, o)
		} else {
			e, err = parseEventRow(cols, row, o)
		}
		if err != nil {
			return nil, &MalformedTraceError{Line: line, Index: len(events), Reason: "invalid row", Err: err}
		}
		events = append(events, e)
	}
	return events, nil
}

func csvError(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &MalformedTraceError{Line: pe.Line, Index: -1, Reason: "truncated or invalid row", Err: pe.Err}
	}
	return &MalformedTraceError{Index: -1, Reason: "cannot read csv", Err: err}
}

// parseLatencyRow reads a timestamp,relative,rtt row. The RTT is split evenly
// between the two directions of the link.
func parseLatencyRow(cols csvColumns, row []string, o *options) (Event, error) {
	rel, _ := cols.get(row, "relative")
	seconds, err := strconv.ParseFloat(rel, 64)
	if err != nil {
		return Event{}, fmt.Errorf("relative: %w", err)
	}
	rttStr, _ := cols.get(row, "rtt")
	rtt, err := strconv.ParseFloat(rttStr, 64)
	if err != nil {
		return Event{}, fmt.Errorf("rtt: %w", err)
	}
	return Event{
		Offset: time.Duration(seconds * float64(time.Second)),
		Impairment: Impairment{
			LatencyMs:     rtt / 2,
			BandwidthKbps: o.defaultBandwidth,
		},
	}, nil
}

func parseEventRow(cols csvColumns, row []string, o *options) (Event, error) {
	var e Event
	if v, ok := cols.get(row, "offset_ms"); ok {
		ms, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return e, fmt.Errorf("offset_ms: %w", err)
		}
		e.Offset = time.Duration(ms * float64(time.Millisecond))
	} else {
		v, _ := cols.get(row, "offset")
		d, err := parseOffset(v)
		if err != nil {
			return e, fmt.Errorf("offset: %w", err)
		}
		e.Offset = d
	}

	v, _ := cols.get(row, "latency_ms", "latency")
	lat, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return e, fmt.Errorf("latency: %w", err)
	}
	e.LatencyMs = lat

	e.BandwidthKbps = o.defaultBandwidth
	if v, ok := cols.get(row, "bandwidth_kbps", "bandwidth"); ok && v != "" {
		b, err := parseBandwidth(v)
		if err != nil {
			return e, fmt.Errorf("bandwidth: %w", err)
		}
		e.BandwidthKbps = b
	}
	if v, ok := cols.get(row, "loss", "loss_fraction"); ok && v != "" {
		loss, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return e, fmt.Errorf("loss: %w", err)
		}
		e.LossFraction = loss
	}
	if v, ok := cols.get(row, "handover"); ok && v != "" {
		h, err := strconv.ParseBool(v)
		if err != nil {
			return e, fmt.Errorf("handover: %w", err)
		}
		e.Handover = h
	}
	return e, nil
}

// parseOffset accepts a Go duration ("1.5s") or a number of seconds.
func parseOffset(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(sec * float64(time.Second)), nil
}

func parseBandwidth(s string) (Bandwidth, error) {
	if strings.EqualFold(s, "down") {
		return LinkDown, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return Bandwidth(int64(v)), nil
}

// offsetValue is a trace offset in YAML/JSON: either a duration string or a
// number of milliseconds.
type offsetValue time.Duration

func (v *offsetValue) UnmarshalYAML(n *yaml.Node) error {
	if n.Tag == "!!int" || n.Tag == "!!float" {
		ms, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return err
		}
		*v = offsetValue(time.Duration(ms * float64(time.Millisecond)))
		return nil
	}
	d, err := time.ParseDuration(n.Value)
	if err != nil {
		return err
	}
	*v = offsetValue(d)
	return nil
}

func (v *offsetValue) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*v = offsetValue(d)
		return nil
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	*v = offsetValue(time.Duration(ms * float64(time.Millisecond)))
	return nil
}

// bandwidthValue is a rate in kbit/s or the string "down".
type bandwidthValue Bandwidth

func (v *bandwidthValue) UnmarshalYAML(n *yaml.Node) error {
	b, err := parseBandwidth(n.Value)
	if err != nil {
		return err
	}
	*v = bandwidthValue(b)
	return nil
}

func (v *bandwidthValue) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		bw, err := parseBandwidth(s)
		*v = bandwidthValue(bw)
		return err
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*v = bandwidthValue(Bandwidth(int64(f)))
	return nil
}

// fileEvent is one event of a YAML or JSON trace. "loss" is accepted as an
// alias of "loss_fraction".
type fileEvent struct {
	Offset       *offsetValue    `yaml:"offset" json:"offset"`
	LatencyMs    *float64        `yaml:"latency_ms" json:"latency_ms"`
	Bandwidth    *bandwidthValue `yaml:"bandwidth_kbps" json:"bandwidth_kbps"`
	LossFraction *float64        `yaml:"loss_fraction" json:"loss_fraction"`
	Loss         *float64        `yaml:"loss" json:"loss"`
	Handover     bool            `yaml:"handover" json:"handover"`
}

type fileTrace struct {
	Events []fileEvent `yaml:"events" json:"events"`
}

func (fe fileEvent) toEvent(i int, o *options) (Event, error) {
	if fe.Offset == nil {
		return Event{}, &MalformedTraceError{Index: i, Reason: "missing offset"}
	}
	if fe.LatencyMs == nil {
		return Event{}, &MalformedTraceError{Index: i, Reason: "missing latency_ms"}
	}
	e := Event{
		Offset: time.Duration(*fe.Offset),
		Impairment: Impairment{
			LatencyMs:     *fe.LatencyMs,
			BandwidthKbps: o.defaultBandwidth,
		},
		Handover: fe.Handover,
	}
	switch {
	case fe.LossFraction != nil && fe.Loss != nil && *fe.LossFraction != *fe.Loss:
		return Event{}, &MalformedTraceError{Index: i, Reason: "loss and loss_fraction disagree"}
	case fe.LossFraction != nil:
		e.LossFraction = *fe.LossFraction
	case fe.Loss != nil:
		e.LossFraction = *fe.Loss
	}
	if fe.Bandwidth != nil {
		e.BandwidthKbps = Bandwidth(*fe.Bandwidth)
	}
	return e, nil
}

func toEvents(in []fileEvent, o *options) ([]Event, error) {
	out := make([]Event, 0, len(in))
	for i, fe := range in {
		e, err := fe.toEvent(i, o)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeYAML(r io.Reader, o *options) ([]Event, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	// The node only picks the document shape. Node.Decode has no
	// KnownFields option, so the events are decoded from the bytes again.
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 {
		return nil, &MalformedTraceError{Index: -1, Reason: "empty input"}
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var in []fileEvent
	if root.Kind == yaml.SequenceNode {
		err = dec.Decode(&in)
	} else {
		var ft fileTrace
		err = dec.Decode(&ft)
		in = ft.Events
	}
	if err != nil {
		return nil, err
	}
	return toEvents(in, o)
}

func decodeJSON(r io.Reader, o *options) ([]Event, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, &MalformedTraceError{Index: -1, Reason: "empty input"}
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var in []fileEvent
	if b[0] == '[' {
		err = dec.Decode(&in)
	} else {
		var ft fileTrace
		err = dec.Decode(&ft)
		in = ft.Events
	}
	if err != nil {
		return nil, err
	}
	return toEvents(in, o)
}
