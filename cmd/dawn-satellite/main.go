// Command dawn-satellite runs a Dawn satellite that talks to dawnd over DAP2.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/dawn/internal/satcli"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := satcli.Execute(ctx, version)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
