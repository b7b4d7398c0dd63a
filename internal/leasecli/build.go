package leasecli

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/lfarizav/rhubarbe/internal/authority"
	"github.com/lfarizav/rhubarbe/internal/certs"
	"github.com/lfarizav/rhubarbe/internal/config"
	"github.com/lfarizav/rhubarbe/internal/events"
	"github.com/lfarizav/rhubarbe/internal/leases"
	"github.com/lfarizav/rhubarbe/internal/logging"
	"github.com/lfarizav/rhubarbe/internal/metrics"
)

// StoreOptions carries the collaborators of a lease store built from
// configuration.
type StoreOptions struct {
	Logger    *slog.Logger
	Publisher events.Publisher
	Metrics   metrics.LeaseRecorder
}

// BuildStore wires a lease store against the configured authority. When
// the client certificate cannot be loaded the store still answers reads;
// mutations then fail with authority.ErrNoCertificate.
func BuildStore(ctx context.Context, cfg config.Config, opts StoreOptions) (*leases.Store, error) {
	auth := cfg.Authorization
	if auth.ServerURL() == "" {
		return nil, fmt.Errorf("authorization.leases_server must be configured")
	}
	if auth.ComponentName == "" {
		return nil, fmt.Errorf("authorization.component_name must be configured")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	identity, err := leases.CurrentIdentity()
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	anonymousTLS, err := certs.AnonymousTLSConfig(auth.VerifyTLS, auth.CAPath)
	if err != nil {
		return nil, fmt.Errorf("anonymous TLS config: %w", err)
	}
	keyPath := auth.KeyPath
	if identity.Login == leases.PrivilegedAccount {
		// the privileged account keeps its key inside the certificate
		keyPath = ""
	}
	var certClient *http.Client
	certTLS, err := certs.LoadClientTLSConfig(certs.ClientTLS{
		CertPath: auth.CertPath,
		KeyPath:  keyPath,
		CAPath:   auth.CAPath,
		Verify:   auth.VerifyTLS,
	})
	if err != nil {
		logger.Warn("client certificate unavailable, lease changes disabled", "cert", auth.CertPath, "error", err)
	} else {
		certClient = newHTTPClient(certTLS)
		checkCertExpiry(logger, auth.CertPath, time.Now())
	}

	var limiter *rate.Limiter
	if auth.RequestsPerSecond > 0 {
		burst := auth.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(auth.RequestsPerSecond), burst)
	}

	client, err := authority.NewClient(
		authority.Config{ServerURL: auth.ServerURL()},
		authority.Dependencies{
			HTTPClient: newHTTPClient(anonymousTLS),
			CertClient: certClient,
			Limiter:    limiter,
			Logger:     logger,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("init authority client: %w", err)
	}

	return leases.NewStore(
		leases.Config{Component: auth.ComponentName},
		leases.Dependencies{
			Authority: client,
			Publisher: opts.Publisher,
			Logger:    logger,
			Metrics:   opts.Metrics,
			Identity:  identity,
		},
	)
}

// checkCertExpiry warns when the client certificate is past its validity.
// It reports whether the certificate is expired.
func checkCertExpiry(logger *slog.Logger, certPath string, now time.Time) bool {
	expiry, err := certs.ClientCertExpiry(certPath)
	if err != nil {
		logger.Debug("client certificate expiry unknown", "cert", certPath, "error", err)
		return false
	}
	if expiry.Before(now) {
		logger.Warn("client certificate expired, the authority will reject lease changes",
			"cert", certPath, "expired", expiry.UTC())
		return true
	}
	logger.Debug("client certificate loaded", "cert", certPath, "expires", expiry.UTC())
	return false
}

// newHTTPClient carries no timeout of its own; request deadlines come from
// the caller's context.
func newHTTPClient(tlsConfig *tls.Config) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:     tlsConfig,
			ForceAttemptHTTP2:   true,
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 4,
		},
	}
}
