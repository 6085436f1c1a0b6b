//go:build !linux
// +build !linux

package linkctl

import "context"

func runTC(context.Context, []string) error {
	return ErrNoSupport
}
