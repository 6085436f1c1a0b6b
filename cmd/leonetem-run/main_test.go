package main

import (
	"testing"

	"github.com/leonetem/leonetem/internal/scheduler"
)

func TestLinkDefinitions(t *testing.T) {
	old := flagLinks
	defer func() { flagLinks = old }()

	flagLinks = nil
	if got := linkDefinitions(); len(got) != 1 || got[0] != scheduler.DefaultLink+"=eth0" {
		t.Errorf("linkDefinitions() = %v, want the default link", got)
	}

	for _, v := range []string{"sat0=veth0,veth1", "ground=eth1"} {
		if err := flagLinks.Set(v); err != nil {
			t.Fatalf("Set(%q) error = %v", v, err)
		}
	}
	got := linkDefinitions()
	if len(got) != 2 || got[0] != "sat0=veth0,veth1" || got[1] != "ground=eth1" {
		t.Errorf("linkDefinitions() = %v", got)
	}
}
