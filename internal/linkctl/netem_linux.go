package linkctl

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// runTC runs tc with args. The command is killed when ctx expires.
func runTC(ctx context.Context, args []string) error {
	out, err := exec.CommandContext(ctx, "tc", args...).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("tc %s: %w: %s", strings.Join(args, " "), err,
			strings.TrimSpace(string(out)))
	}
	return nil
}
