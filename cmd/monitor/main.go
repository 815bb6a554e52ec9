package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/JakeFAU/oem-monitor/internal/app"
	"github.com/JakeFAU/oem-monitor/internal/config"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	once := flag.Bool("once", false, "Check every due page once and exit")
	flag.Parse()

	if err := run(*cfgPath, *once); err != nil {
		fmt.Fprintf(os.Stderr, "oem-monitor: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string, once bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	if !once {
		return a.Run(ctx)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	summary, runErr := a.RunOnce(ctx)
	if closeErr := a.Close(context.Background()); closeErr != nil && runErr == nil {
		runErr = closeErr
	}
	if runErr != nil {
		return runErr
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d page checks failed", summary.Failed, summary.Checked)
	}
	return nil
}
