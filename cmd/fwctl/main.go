// Command fwctl talks to a dual-bank update server: it prints the usage
// page, switches banks and pushes firmware images.
//
// Usage:
//
//	fwctl --host 192.168.1.50 info
//	fwctl --host 192.168.1.50 push firmware.uf2
//	fwctl --host 192.168.1.50 switch
//	fwctl inspect firmware.uf2
//
// The password is taken from --password, then FWCTL_PASSWORD (a .env file in
// the working directory is loaded first), then an interactive prompt.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
