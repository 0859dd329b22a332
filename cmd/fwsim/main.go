// Command fwsim runs the dual-bank update server on a workstation. Banks
// live in a flash image file, the boot pointer and the request journal in a
// sqlite database, and a restart promotes the boot pointer instead of
// rebooting, so fwctl can be exercised without hardware.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
