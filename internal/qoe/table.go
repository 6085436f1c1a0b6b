package qoe

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed default_table.yaml
var defaultTable []byte

// Codec is the scoring assumption for one RTP payload type.
type Codec struct {
	PayloadType uint8   `yaml:"payload_type" json:"payload_type" validate:"lte=127"`
	Name        string  `yaml:"name" json:"name" validate:"required"`
	ClockRate   int     `yaml:"clock_rate" json:"clock_rate" validate:"gt=0"`
	BitrateKbps float64 `yaml:"bitrate_kbps" json:"bitrate_kbps" validate:"gt=0"`
	// Ie is the equipment impairment factor of the codec.
	Ie float64 `yaml:"ie" json:"ie" validate:"gte=0,lte=100"`
}

// Breakpoint is one point of a penalty curve.
type Breakpoint struct {
	X       float64 `yaml:"x" json:"x" validate:"gte=0"`
	Penalty float64 `yaml:"penalty" json:"penalty" validate:"gte=0"`
}

// Table is the configuration of the quality score.
type Table struct {
	BaseR     float64 `yaml:"base_r" json:"base_r" validate:"gt=0,lte=100"`
	DefaultIe float64 `yaml:"default_ie" json:"default_ie" validate:"gte=0,lte=100"`
	Codecs    []Codec `yaml:"codecs" json:"codecs" validate:"dive"`
	// LossPenalty maps the loss percentage to an R penalty.
	LossPenalty []Breakpoint `yaml:"loss_penalty" json:"loss_penalty" validate:"min=2,dive"`
	// JitterPenalty maps the jitter in milliseconds to an R penalty.
	JitterPenalty []Breakpoint `yaml:"jitter_penalty" json:"jitter_penalty" validate:"min=2,dive"`
}

var validate = validator.New()

// DefaultTable returns the embedded default table.
func DefaultTable() *Table {
	t, err := ParseTable(defaultTable)
	if err != nil {
		panic("invalid default QoE table: " + err.Error())
	}
	return t
}

// LoadTable reads a table from a YAML file.
func LoadTable(path string) (*Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := ParseTable(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ParseTable decodes and validates a YAML table. Unknown fields are
// rejected.
func ParseTable(b []byte) (*Table, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var t Table
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("cannot decode QoE table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks field ranges and that both penalty curves are strictly
// increasing, so that more loss or jitter always lowers the score.
func (t *Table) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("invalid QoE table: %w", err)
	}
	seen := map[uint8]bool{}
	for _, c := range t.Codecs {
		if seen[c.PayloadType] {
			return fmt.Errorf("invalid QoE table: duplicate payload type %d", c.PayloadType)
		}
		seen[c.PayloadType] = true
	}
	for name, curve := range map[string][]Breakpoint{
		"loss_penalty":   t.LossPenalty,
		"jitter_penalty": t.JitterPenalty,
	} {
		for i := 1; i < len(curve); i++ {
			if curve[i].X <= curve[i-1].X || curve[i].Penalty <= curve[i-1].Penalty {
				return fmt.Errorf("invalid QoE table: %s must be strictly increasing (breakpoint %d)", name, i)
			}
		}
	}
	return nil
}

// Codec returns the codec of payload type pt.
func (t *Table) Codec(pt uint8) (Codec, bool) {
	for _, c := range t.Codecs {
		if c.PayloadType == pt {
			return c, true
		}
	}
	return Codec{}, false
}

// ClockRate returns the clock rate of payload type pt, or 0 if the table
// doesn't know it.
func (t *Table) ClockRate(pt uint8) int {
	c, _ := t.Codec(pt)
	return c.ClockRate
}

// interpolate evaluates a piecewise linear curve at x, extrapolating with
// the slope of the first or last segment.
func interpolate(curve []Breakpoint, x float64) float64 {
	i := 1
	for i < len(curve)-1 && x > curve[i].X {
		i++
	}
	a, b := curve[i-1], curve[i]
	slope := (b.Penalty - a.Penalty) / (b.X - a.X)
	return a.Penalty + slope*(x-a.X)
}

// RFactor returns the transmission rating of a flow with payload type pt,
// loss rate lossRate (0 to 1) and jitter in milliseconds.
func (t *Table) RFactor(pt uint8, lossRate, jitterMs float64) float64 {
	ie := t.DefaultIe
	if c, ok := t.Codec(pt); ok {
		ie = c.Ie
	}
	if lossRate < 0 {
		lossRate = 0
	}
	if jitterMs < 0 {
		jitterMs = 0
	}
	return t.BaseR - ie - interpolate(t.LossPenalty, lossRate*100) -
		interpolate(t.JitterPenalty, jitterMs)
}

// Score returns the MOS for the given conditions.
func (t *Table) Score(pt uint8, lossRate, jitterMs float64) float64 {
	return MOS(t.RFactor(pt, lossRate, jitterMs))
}

// Score bounds.
const (
	MinScore = 1.0
	MaxScore = 4.5
)

// MOS maps an R factor to a mean opinion score with the ITU-T G.107
// formula, bounded to [MinScore, MaxScore].
func MOS(r float64) float64 {
	if r <= 0 {
		return MinScore
	}
	if r >= 100 {
		return MaxScore
	}
	mos := 1 + 0.035*r + 7e-6*r*(r-60)*(100-r)
	return min(max(mos, MinScore), MaxScore)
}
