package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/talkingthreads/goblin/cmd/goblin/commands"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := commands.Root().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
