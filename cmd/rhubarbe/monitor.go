package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/lfarizav/rhubarbe/internal/bus"
	"github.com/lfarizav/rhubarbe/internal/config"
	"github.com/lfarizav/rhubarbe/internal/display"
	"github.com/lfarizav/rhubarbe/internal/events"
	"github.com/lfarizav/rhubarbe/internal/inventory"
	"github.com/lfarizav/rhubarbe/internal/logging"
	"github.com/lfarizav/rhubarbe/internal/metrics"
	"github.com/lfarizav/rhubarbe/internal/monitor"
	"github.com/lfarizav/rhubarbe/pkg/types"
)

const maxMessageBytes = 1 << 20

func runMonitor(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	fs := pflag.NewFlagSet("monitor", pflag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	render := fs.String("render", "", "Render backend (text|bar)")
	metricsAddr := fs.String("metrics-addr", "", "Address serving /metrics (empty to use the configured one, - to disable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(ctx, config.ResolvePath(*configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *render == "" {
		*render = cfg.Monitor.Render
	}
	if *metricsAddr == "" {
		*metricsAddr = cfg.Monitor.MetricsAddr
	}

	logger, closer, err := logging.OpenFile(cfg.Logging.MonitorFile, cfg.Logging.Level)
	if err != nil {
		logger = logging.New(logging.Options{Writer: os.Stderr, Level: cfg.Logging.Level})
		logger.Warn("monitor log file unavailable, logging to stderr", "error", err)
	} else {
		defer closer.Close()
	}

	nodes, resolver, err := selectNodes(cfg.Inventory.Path, fs.Args())
	if err != nil {
		return err
	}

	renderer, err := newRenderer(*render, out)
	if err != nil {
		return err
	}

	metricsStore := metrics.NewStore()
	b := bus.New()
	b.SetMetricsRecorder(metricsStore.BusRecorder())

	mon, err := monitor.New(monitor.Config{Nodes: nodes}, monitor.Dependencies{
		Bus:      b,
		Resolver: resolver,
		Renderer: renderer,
		Logger:   logger,
		Metrics:  metricsStore.MonitorRecorder(),
	})
	if err != nil {
		return fmt.Errorf("init monitor: %w", err)
	}

	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Hostname())
	}
	b.Publish(types.SelectedNodes(names))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, stopping monitor", "signal", sig.String())
			mon.SetFarewell(fmt.Sprintf("rhubarbe monitor interrupted by %s", sig))
			mon.StopNowait()
		case <-runCtx.Done():
		}
	}()

	// stdin reads cannot be cancelled; the reader is left behind on exit
	go func() {
		if err := readMessages(in, b, logger); err != nil {
			logger.Error("reading messages failed", "error", err)
		}
		stopCtx, stopCancel := context.WithTimeout(runCtx, 5*time.Second)
		defer stopCancel()
		if err := mon.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("monitor stop did not complete", "error", err)
		}
	}()

	grp, groupCtx := errgroup.WithContext(runCtx)
	grp.Go(func() error {
		defer cancel()
		if err := mon.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if *metricsAddr != "-" {
		grp.Go(func() error {
			return serveMonitoring(groupCtx, *metricsAddr, metricsStore, logger)
		})
	}

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	progress := mon.TotalPercent()
	logger.Info("monitor stopped", "total", progress.Total, "max", progress.Max)
	return nil
}

func newRenderer(kind string, out io.Writer) (monitor.Renderer, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "text":
		return display.NewText(out), nil
	case "bar":
		return display.NewBar(out), nil
	default:
		return nil, fmt.Errorf("unknown render backend %q (allowed: text, bar)", kind)
	}
}

// selectNodes resolves node names against the inventory. Without names
// the selection is empty.
func selectNodes(inventoryPath string, names []string) ([]monitor.Node, monitor.Resolver, error) {
	if len(names) == 0 && inventoryPath == "" {
		return nil, nil, nil
	}
	if inventoryPath == "" {
		return nil, nil, fmt.Errorf("inventory.path must be configured to select nodes")
	}
	inv, err := inventory.Load(inventoryPath)
	if err != nil {
		return nil, nil, err
	}
	selected, err := inv.Select(names)
	if err != nil {
		return nil, nil, err
	}
	nodes := make([]monitor.Node, 0, len(selected))
	for _, n := range selected {
		nodes = append(nodes, n)
	}
	return nodes, inv, nil
}

// readMessages publishes one JSON object per input line. Malformed lines
// are logged and skipped.
func readMessages(in io.Reader, pub events.Publisher, logger *slog.Logger) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var msg types.Message
		if err := dec.Decode(&msg); err != nil {
			logger.Warn("skipping malformed message", "line", lineNo, "error", err)
			continue
		}
		if msg.IsStop() {
			logger.Debug("ignoring stop sentinel from input", "line", lineNo)
			continue
		}
		pub.Publish(msg)
	}
	return scanner.Err()
}
