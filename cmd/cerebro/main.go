// Command cerebro runs the telemetry hub: it connects the configured
// sources, routes their measurements through the hub and writes them to
// the configured observers until interrupted.
//
// Usage:
//
//	cerebro [flags]                  run the hub
//	cerebro validate [flags]         parse and validate the configuration
//	cerebro status [flags]           query a running hub over its socket
//	cerebro restart [flags] <name>   restart one source of a running hub
//	cerebro version                  print the build version
package main

import (
	"context"
	"flag"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/sdss/cerebro/config"
	"github.com/sdss/cerebro/control"
	"github.com/sdss/cerebro/service"
)

// version is stamped by the build.
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "cerebro:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "validate":
			return runValidate(args[1:])
		case "status":
			return runStatus(args[1:])
		case "restart":
			return runRestart(args[1:])
		case "version":
			fmt.Println(version)
			return nil
		}
	}
	return runHub(args)
}

// envDefault prefers a CEREBRO_* environment variable over the built-in
// flag default.
func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runHub(args []string) error {
	fs := flag.NewFlagSet("cerebro", flag.ContinueOnError)
	configPath := fs.String("config", envDefault("CEREBRO_CONFIG", "cerebro.yaml"), "configuration file")
	profile := fs.String("profile", envDefault("CEREBRO_PROFILE", ""), "configuration profile to run")
	sources := fs.String("sources", "", "comma-separated subset of sources to start")
	logLevel := fs.String("log-level", envDefault("CEREBRO_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", envDefault("CEREBRO_LOG_FORMAT", "text"), "log format (text, json)")
	shutdownTimeout := fs.Duration("shutdown-timeout", 30*time.Second, "maximum time to wait for a clean shutdown")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger, err := newLogger(*logLevel, *logFormat)
	if err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithProfile(*profile),
	}
	if *sources != "" {
		opts = append(opts, service.WithSources(strings.Split(*sources, ",")))
	}

	rt, err := service.New(cfg, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")

	done := make(chan error, 1)
	go func() { done <- rt.Stop() }()
	select {
	case err := <-done:
		return err
	case <-time.After(*shutdownTimeout):
		return fmt.Errorf("shutdown timed out after %s", *shutdownTimeout)
	}
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("cerebro validate", flag.ContinueOnError)
	configPath := fs.String("config", envDefault("CEREBRO_CONFIG", "cerebro.yaml"), "configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok (%d sources, %d observers, %d profiles)\n",
		*configPath, len(cfg.Sources), len(cfg.Observers), len(cfg.Profiles))
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("cerebro status", flag.ContinueOnError)
	socket := fs.String("socket", envDefault("CEREBRO_SOCKET", config.DefaultControlSocket), "control socket path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	status, err := control.NewClient(*socket).Status()
	if err != nil {
		return err
	}
	if len(status) == 0 {
		fmt.Println("no sources")
		return nil
	}
	for _, name := range slices.Sorted(maps.Keys(status)) {
		state := "stopped"
		if status[name] {
			state = "running"
		}
		fmt.Printf("%s\t%s\n", name, state)
	}
	return nil
}

func runRestart(args []string) error {
	fs := flag.NewFlagSet("cerebro restart", flag.ContinueOnError)
	socket := fs.String("socket", envDefault("CEREBRO_SOCKET", config.DefaultControlSocket), "control socket path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("restart takes exactly one source name")
	}

	name := fs.Arg(0)
	ok, err := control.NewClient(*socket).Restart(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("source %q did not restart", name)
	}
	fmt.Printf("%s restarted\n", name)
	return nil
}
