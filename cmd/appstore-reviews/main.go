package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/Sternrassler/appstore-reviews/cmd/appstore-reviews/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	commands.ExecuteContext(ctx)
}
