// Package linkctl contains the adapter the scheduler uses to apply an
// impairment to a named emulated link, and its implementations.
package linkctl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/leonetem/leonetem/pkg/trace"
)

// ErrNoSupport indicates that this system can't shape traffic.
var ErrNoSupport = errors.New("traffic shaping not supported on this system")

// Controller applies impairments to links. Apply must be idempotent for
// repeated identical impairments and must honor ctx's deadline.
type Controller interface {
	Apply(ctx context.Context, link string, imp trace.Impairment) error
}

// Validator is implemented by controllers that can check a link name before
// any impairment is applied.
type Validator interface {
	Validate(link string) error
}

// UnknownLinkError is returned for links that weren't registered by the
// topology setup.
type UnknownLinkError struct {
	Link string
}

func (e *UnknownLinkError) Error() string {
	return fmt.Sprintf("unknown link %q", e.Link)
}

// ApplyError is returned when an impairment couldn't be applied to a link.
type ApplyError struct {
	Link string
	Err  error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("cannot apply impairment to link %q: %v", e.Link, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// Registry maps link names to the network interfaces that carry them. Each
// link is shaped on every one of its interfaces.
type Registry map[string][]string

// ParseRegistry parses link definitions in the form name=if1,if2.
func ParseRegistry(defs []string) (Registry, error) {
	reg := Registry{}
	for _, d := range defs {
		name, ifaces, ok := strings.Cut(d, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || ifaces == "" {
			return nil, fmt.Errorf("invalid link definition %q (expected name=if1[,if2])", d)
		}
		for _, iface := range strings.Split(ifaces, ",") {
			iface = strings.TrimSpace(iface)
			if iface == "" {
				return nil, fmt.Errorf("empty interface in link definition %q", d)
			}
			reg[name] = append(reg[name], iface)
		}
	}
	return reg, nil
}

// Validate returns an UnknownLinkError if link isn't registered.
func (r Registry) Validate(link string) error {
	if _, ok := r[link]; !ok {
		return &UnknownLinkError{Link: link}
	}
	return nil
}

// Links returns the registered link names, sorted.
func (r Registry) Links() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
