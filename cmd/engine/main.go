// cmd/engine/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rokutrade/engine/internal/engine"
)

func main() {
	configPath := flag.String("config", "configs/config.json", "path to the engine configuration file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := engine.NewRunner()
	if err := runner.Initialize(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize engine: %v\n", err)
		os.Exit(1)
	}

	if err := runner.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "engine exited with error: %v\n", err)
		os.Exit(1)
	}
}
