package main

import (
	"fmt"
	"os"

	"github.com/deskbridge/deskbridge/cmd"
	"github.com/deskbridge/deskbridge/internal/app"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	ctx := app.NewContext(version)
	rootCmd := cmd.RootCommand(ctx)

	if err := rootCmd.Execute(); err != nil {
		ctx.Shutdown()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
