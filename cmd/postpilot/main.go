package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"postpilot/internal/app"
)

func main() {
	var (
		cfgPath string
		once    bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.BoolVar(&once, "once", false, "run a single dispatch cycle and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if once {
		rep, err := a.RunOnce(ctx)
		fmt.Printf("selected=%d posted=%d retrying=%d abandoned=%d orphaned=%d\n",
			rep.Selected, rep.Posted, rep.Retrying, rep.Abandoned, rep.Orphaned)
		if err != nil {
			fmt.Fprintln(os.Stderr, "dispatch:", err)
			os.Exit(1)
		}
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if ctx.Err() == nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "exit:", err)
		os.Exit(1)
	}
}
