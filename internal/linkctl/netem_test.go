package linkctl

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/leonetem/leonetem/pkg/trace"
)

func TestParseRegistry(t *testing.T) {
	reg, err := ParseRegistry([]string{"sat=veth0,veth1", " gw = eth2"})
	if err != nil {
		t.Fatalf("ParseRegistry() error = %v", err)
	}
	want := Registry{"sat": {"veth0", "veth1"}, "gw": {"eth2"}}
	if !reflect.DeepEqual(reg, want) {
		t.Errorf("ParseRegistry() = %v, want %v", reg, want)
	}
	if got := reg.Links(); !reflect.DeepEqual(got, []string{"gw", "sat"}) {
		t.Errorf("Links() = %v", got)
	}

	for _, bad := range []string{"sat", "=eth0", "sat=", "sat=eth0,,eth1"} {
		if _, err := ParseRegistry([]string{bad}); err == nil {
			t.Errorf("ParseRegistry(%q) didn't fail", bad)
		}
	}
}

func TestNetemArgs(t *testing.T) {
	tests := []struct {
		name string
		imp  trace.Impairment
		want string
	}{
		{
			name: "latency-bandwidth",
			imp:  trace.Impairment{LatencyMs: 27.5, BandwidthKbps: 50000},
			want: "qdisc replace dev eth0 root netem delay 27.5ms rate 50000kbit",
		},
		{
			name: "loss",
			imp:  trace.Impairment{LatencyMs: 40, BandwidthKbps: 1000, LossFraction: 0.02},
			want: "qdisc replace dev eth0 root netem delay 40ms loss 2% rate 1000kbit",
		},
		{
			name: "down",
			imp:  trace.Impairment{LatencyMs: 40, BandwidthKbps: trace.LinkDown},
			want: "qdisc replace dev eth0 root netem delay 40ms loss 100%",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := strings.Join(NetemArgs("eth0", tt.imp), " "); got != tt.want {
				t.Errorf("NetemArgs() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNetem_Apply(t *testing.T) {
	var calls [][]string
	n := NewNetem(Registry{"sat": {"veth0", "veth1"}})
	n.run = func(ctx context.Context, args []string) error {
		calls = append(calls, args)
		return nil
	}

	imp := trace.Impairment{LatencyMs: 20, BandwidthKbps: 10000}
	if err := n.Apply(context.Background(), "sat", imp); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected one tc call per interface, got %d", len(calls))
	}
	if calls[0][3] != "veth0" || calls[1][3] != "veth1" {
		t.Errorf("wrong devices: %v", calls)
	}

	// Identical impairment: no tc calls.
	if err := n.Apply(context.Background(), "sat", imp); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(calls) != 2 {
		t.Errorf("repeated Apply ran tc again (%d calls)", len(calls))
	}

	imp.LatencyMs = 30
	if err := n.Apply(context.Background(), "sat", imp); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(calls) != 4 {
		t.Errorf("changed impairment wasn't applied (%d calls)", len(calls))
	}
}

func TestNetem_ApplyErrors(t *testing.T) {
	n := NewNetem(Registry{"sat": {"veth0"}})
	failure := errors.New("RTNETLINK answers: No such device")
	fail := true
	n.run = func(ctx context.Context, args []string) error {
		if fail {
			return failure
		}
		return nil
	}

	var unknown *UnknownLinkError
	err := n.Apply(context.Background(), "ground", trace.Impairment{BandwidthKbps: 1})
	if !errors.As(err, &unknown) || unknown.Link != "ground" {
		t.Errorf("Apply() on unknown link: got %v", err)
	}
	if err := n.Validate("ground"); !errors.As(err, &unknown) {
		t.Errorf("Validate() on unknown link: got %v", err)
	}

	imp := trace.Impairment{LatencyMs: 20, BandwidthKbps: 10000}
	var applyErr *ApplyError
	err = n.Apply(context.Background(), "sat", imp)
	if !errors.As(err, &applyErr) || !errors.Is(err, failure) {
		t.Fatalf("Apply() error = %v, want ApplyError wrapping the tc failure", err)
	}

	// The failed impairment must not be cached as applied.
	fail = false
	called := false
	n.run = func(ctx context.Context, args []string) error {
		called = true
		return nil
	}
	if err := n.Apply(context.Background(), "sat", imp); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !called {
		t.Error("retry after failure didn't run tc")
	}
}

func TestDryRun_Apply(t *testing.T) {
	d := &DryRun{Links: Registry{"sat": {"veth0"}}}
	if err := d.Apply(context.Background(), "sat", trace.Impairment{BandwidthKbps: 1}); err != nil {
		t.Errorf("Apply() error = %v", err)
	}
	var unknown *UnknownLinkError
	if err := d.Apply(context.Background(), "x", trace.Impairment{}); !errors.As(err, &unknown) {
		t.Errorf("Apply() on unknown link: got %v", err)
	}
}
