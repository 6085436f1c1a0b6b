package linkctl

import (
	"context"
	"strconv"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/leonetem/leonetem/pkg/trace"
)

// Netem shapes links with the Linux netem queueing discipline.
type Netem struct {
	links Registry
	// run executes a tc command. It is replaced in tests.
	run func(ctx context.Context, args []string) error

	mu      sync.Mutex
	applied map[string]trace.Impairment
}

// NewNetem returns a Netem controller for the given links.
func NewNetem(links Registry) *Netem {
	return &Netem{
		links:   links,
		run:     runTC,
		applied: map[string]trace.Impairment{},
	}
}

// Validate checks that link is registered.
func (n *Netem) Validate(link string) error {
	return n.links.Validate(link)
}

// Apply replaces the root qdisc of every interface of link with a netem
// qdisc matching imp. Applying the impairment already in place is a no-op.
func (n *Netem) Apply(ctx context.Context, link string, imp trace.Impairment) error {
	ifaces, ok := n.links[link]
	if !ok {
		return &UnknownLinkError{Link: link}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.applied[link]; ok && last == imp {
		log.Debug("impairment unchanged, skipping", "link", link)
		return nil
	}
	// A partially applied impairment leaves the link in an unknown state:
	// forget the last one so the next Apply always runs.
	delete(n.applied, link)

	for _, iface := range ifaces {
		args := NetemArgs(iface, imp)
		if err := n.run(ctx, args); err != nil {
			return &ApplyError{Link: link, Err: err}
		}
		log.Debug("netem applied", "link", link, "dev", iface, "args", args)
	}
	n.applied[link] = imp
	return nil
}

// NetemArgs returns the tc arguments that install imp on iface. A link that
// is down drops every packet.
func NetemArgs(iface string, imp trace.Impairment) []string {
	args := []string{"qdisc", "replace", "dev", iface, "root", "netem",
		"delay", formatFloat(imp.LatencyMs) + "ms"}
	if imp.BandwidthKbps.IsDown() {
		return append(args, "loss", "100%")
	}
	if imp.LossFraction > 0 {
		args = append(args, "loss", formatFloat(imp.LossFraction*100)+"%")
	}
	return append(args, "rate", strconv.FormatInt(int64(imp.BandwidthKbps), 10)+"kbit")
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
