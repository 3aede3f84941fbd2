package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/ggoodman/chat-server-go/internal/commands"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.NewApp(fmt.Sprintf("%s (%s)", version, commit)).Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		stop()
		os.Exit(1)
	}
}
