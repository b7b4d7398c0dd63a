package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/lfarizav/rhubarbe/internal/logging"
	"github.com/lfarizav/rhubarbe/internal/sim"
)

func runAuthoritySim(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("authority-sim", pflag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:12346", "Listen address")
	nodes := fs.StringSlice("nodes", []string{"faraday"}, "Node names known to the simulated authority")
	tlsCert := fs.String("tls-cert", "", "Server certificate (enables HTTPS)")
	tlsKey := fs.String("tls-key", "", "Server private key")
	requireCert := fs.Bool("require-client-cert", false, "Reject lease changes without a client certificate")
	level := fs.String("log-level", logging.LevelInfo, "Log level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*tlsCert == "") != (*tlsKey == "") {
		return errors.New("--tls-cert and --tls-key go together")
	}
	if *requireCert && *tlsCert == "" {
		return errors.New("--require-client-cert needs --tls-cert")
	}

	logger := logging.New(logging.Options{Writer: os.Stderr, Level: *level})
	store := sim.NewMemoryStore()
	for _, name := range *nodes {
		if name = strings.TrimSpace(name); name != "" {
			node := store.AddNode(name)
			logger.Info("node registered", "name", node.Name, "uuid", node.UUID)
		}
	}

	srv := sim.New(sim.Config{
		Addr:              *addr,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		RequireClientCert: *requireCert,
	}, sim.Dependencies{Logger: logger, Store: store})
	if *tlsCert != "" {
		// client certificates are requested but their chain is not verified,
		// as testbed user certificates are self-issued
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, ClientAuth: tls.RequestClientCert}
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("authority simulator listening", "addr", *addr, "tls", *tlsCert != "")
		if *tlsCert != "" {
			errCh <- srv.ListenAndServeTLS(*tlsCert, *tlsKey)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-runCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("authority simulator stopped")
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
