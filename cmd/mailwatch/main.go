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

	"mailwatch/internal/app"
	"mailwatch/internal/config"
)

func main() {
	var (
		cfgPath string
		envPath string
		check   bool
		once    bool
	)
	flag.StringVar(&cfgPath, "config", "./mailwatch.yaml", "path to config (yaml or json)")
	flag.StringVar(&envPath, "env", ".env", "dotenv file loaded before the config is parsed")
	flag.BoolVar(&check, "check", false, "validate the config and exit")
	flag.BoolVar(&once, "once", false, "run one poll cycle per account and exit")
	flag.Parse()

	os.Exit(run(cfgPath, envPath, check, once))
}

func run(cfgPath, envPath string, check, once bool) int {
	if err := config.LoadEnv(envPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal: env:", err)
		return 1
	}
	cfgm := config.NewManager(cfgPath)
	cfgm.SetEnvFiles(envPath)
	if _, err := cfgm.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal: config:", err)
		return 1
	}
	if check {
		fmt.Println("config ok:", cfgPath)
		return 0
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(cfgm)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}

	if once {
		go func() {
			select {
			case <-sigs:
				cancel()
			case <-ctx.Done():
			}
		}()
		if err := a.RunOnce(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "cycle failed:", err)
			return 1
		}
		return 0
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		return 1
	}

	reason := app.StopAppStop
	select {
	case s := <-sigs:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Minute)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		if errors.Is(err, app.ErrFatal) {
			fmt.Fprintln(os.Stderr, "fatal: mailbox authentication failed:", err)
		} else {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
		return 1
	}
	return 0
}
