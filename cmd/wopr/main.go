// Command wopr runs the WOPR conversational agent.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wopr-bot/wopr/internal/buildinfo"
	"github.com/wopr-bot/wopr/internal/chat"
	"github.com/wopr-bot/wopr/internal/config"
	"github.com/wopr-bot/wopr/internal/connwatch"
	"github.com/wopr-bot/wopr/internal/gateway"
	"github.com/wopr-bot/wopr/internal/mqtt"
)

// main builds the OS environment and hands off to run so the whole
// lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package's globals get in the way of calling run from parallel tests.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath, outputFmt, command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		fmt.Fprintf(w, "  %-12s %s\n", k+":", info[k])
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "WOPR - conversational agent with user-defined tools")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: wopr [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                      Start the gateway (and MQTT bridge when configured)")
	fmt.Fprintln(w, "  ask [-user <id>] <text>    Send one message and print the reply")
	fmt.Fprintln(w, "  init [dir]                 Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  version                    Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format for version: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig finds, loads and validates the configuration.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

// runServe starts every transport and blocks until ctx is cancelled or
// one of them fails.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(stdout, cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Info("starting WOPR",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
		"exact_model", cfg.Models.Exact,
		"fast_model", cfg.Models.Fast,
	)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	monitor := connwatch.NewMonitor(logger, a.bus)
	for name, client := range a.providers {
		sched := connwatch.DefaultSchedule()
		if name != "ollama" {
			// Remote pings are billed requests.
			sched.Poll = 10 * time.Minute
		}
		if err := monitor.Add(connwatch.Service{Name: name, Probe: client.Ping, Schedule: sched}); err != nil {
			return err
		}
	}
	if err := monitor.Add(connwatch.Service{Name: "docker", Probe: a.runner.Ping}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MQTT.Enabled() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return err
		}
		bridge := mqtt.New(cfg.MQTT, mqtt.ClientID(cfg.MQTT.ClientID, instanceID), a.handler, a.bus, logger.With("component", "mqtt"))
		if err := monitor.Add(connwatch.Service{Name: "mqtt", Probe: bridge.Ping}); err != nil {
			return err
		}
		g.Go(func() error { return bridge.Run(gctx) })
	}

	gw := gateway.NewServer(gateway.Config{
		Addr:    cfg.Listen.Addr(),
		Handler: a.handler,
		Router:  a.router,
		Monitor: monitor,
		Usage:   a.usage,
		Bus:     a.bus,
		Logger:  logger.With("component", "gateway"),
	})
	g.Go(func() error { return gw.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })

	err = g.Wait()
	logger.Info("WOPR stopped", "error", err)
	return err
}

// runAsk sends one message through the pipeline and prints the reply.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath string, args []string) error {
	userID := "cli"
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-user" && i+1 < len(args):
			userID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-user="):
			userID = strings.TrimPrefix(args[i], "-user=")
		default:
			words = append(words, args[i])
		}
	}
	text := strings.TrimSpace(strings.Join(words, " "))
	if text == "" {
		return fmt.Errorf("usage: wopr ask [-user <id>] <text>")
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Logs go to stderr so stdout carries only the reply.
	logger, err := config.NewLogger(stderr, cfg.LogLevel)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	out := newConsole()
	msg := chat.Message{ID: "cli-" + time.Now().UTC().Format("20060102T150405"), UserID: userID, Text: text, Timestamp: time.Now()}
	if err := a.handler.HandleMessage(ctx, msg, out); err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	return out.Flush(stdout)
}
