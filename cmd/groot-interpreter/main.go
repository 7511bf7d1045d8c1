package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Naoki-Hiraoka/Groot/internal/config"
	"github.com/Naoki-Hiraoka/Groot/internal/interpreter"
	"github.com/Naoki-Hiraoka/Groot/internal/termui"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration; flags override file options.
	cfg, err := config.Load()
	if err != nil {
		cfg = config.NewConfig()
	}
	if cfg.HasWarnings() {
		for _, w := range cfg.GetWarnings() {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
		}
	}

	fs := flag.NewFlagSet("groot-interpreter", flag.ExitOnError)
	hostname := fs.String("hostname", cfg.Hostname, "rosbridge server hostname")
	port := fs.Int("port", cfg.Port, "rosbridge server port")
	treeFile := fs.String("tree", cfg.TreeFile, "behavior tree XML file to load")
	tickMS := fs.Int("tick-interval-ms", int(cfg.TickInterval/time.Millisecond), "auto-run tick interval in milliseconds")
	autorun := fs.Bool("autorun", cfg.Autorun, "enable automatic ticking after the tree loads")
	connect := fs.Bool("connect", false, "connect to the bridge on startup")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *showVersion {
		fmt.Println("groot-interpreter " + version)
		return nil
	}

	logFile, err := os.OpenFile("groot-interpreter.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewTextHandler(logFile, nil))

	sink := termui.NewSink()
	session := interpreter.NewSession(
		interpreter.WithLogger(logger),
		interpreter.WithSink(sink),
		interpreter.WithErrorHandler(sink.NotifyError),
		interpreter.WithTickInterval(time.Duration(*tickMS)*time.Millisecond),
	)
	defer session.Close()

	if *treeFile != "" {
		if err := session.LoadTreeFile(*treeFile); err != nil {
			return fmt.Errorf("failed to load tree: %w", err)
		}
	}

	if *connect {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := session.Connect(ctx, *hostname, *port)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to %s:%d: %w", *hostname, *port, err)
		}
	}

	session.SetAutorun(*autorun)
	session.Start()

	return termui.Run(termui.Config{
		Session:  session,
		Sink:     sink,
		Hostname: *hostname,
		Port:     *port,
	})
}
