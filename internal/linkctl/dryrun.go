package linkctl

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/leonetem/leonetem/pkg/trace"
)

// DryRun logs the impairments it would apply without touching any link.
// It is used to rehearse a trace.
type DryRun struct {
	Links Registry
}

// Validate checks that link is registered.
func (d *DryRun) Validate(link string) error {
	return d.Links.Validate(link)
}

// Apply logs the tc commands for imp on every interface of link.
func (d *DryRun) Apply(ctx context.Context, link string, imp trace.Impairment) error {
	ifaces, ok := d.Links[link]
	if !ok {
		return &UnknownLinkError{Link: link}
	}
	for _, iface := range ifaces {
		log.Info("dry run", "link", link, "tc", NetemArgs(iface, imp))
	}
	return ctx.Err()
}
