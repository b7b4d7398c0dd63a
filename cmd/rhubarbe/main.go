package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/lfarizav/rhubarbe/internal/leasecli"
	"github.com/lfarizav/rhubarbe/internal/metrics"
)

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "leases":
		err = leasecli.Run(ctx, os.Args[2:], leasecli.Dependencies{})
		if errors.Is(err, leasecli.ErrAccessDenied) {
			os.Exit(1)
		}
	case "monitor":
		err = runMonitor(ctx, os.Args[2:], os.Stdin, os.Stdout)
	case "authority-sim":
		err = runAuthoritySim(ctx, os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("rhubarbe testbed tools")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  rhubarbe leases [--check|-c] [--interactive|-i] [--config path]")
	fmt.Println("  rhubarbe monitor [--config path] [--render text|bar] [--metrics-addr host:port] [node ...]")
	fmt.Println("  rhubarbe authority-sim [--addr host:port] [--nodes name,...] [--tls-cert file --tls-key file]")
}

func serveMonitoring(ctx context.Context, addr string, store *metrics.Store, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.NewHTTPHandler(store))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "url", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
