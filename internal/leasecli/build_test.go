package leasecli

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lfarizav/rhubarbe/internal/logging"
)

func writeCert(t *testing.T, notAfter time.Time) string {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "onelab.inria.test"},
		NotBefore:    notAfter.Add(-48 * time.Hour),
		NotAfter:     notAfter,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	path := filepath.Join(t.TempDir(), "user_cert.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	return path
}

func TestCheckCertExpiryWarnsWhenExpired(t *testing.T) {
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	logger := logging.New(logging.Options{Writer: &buf, Level: logging.LevelInfo, JSON: true})

	if !checkCertExpiry(logger, writeCert(t, now.Add(-time.Hour)), now) {
		t.Fatalf("expected expired certificate to be reported")
	}
	if !strings.Contains(buf.String(), `"level":"WARN"`) || !strings.Contains(buf.String(), "client certificate expired") {
		t.Fatalf("expected a warning, got %s", buf.String())
	}

	buf.Reset()
	if checkCertExpiry(logger, writeCert(t, now.Add(24*time.Hour)), now) {
		t.Fatalf("expected valid certificate to pass")
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no info-level output for a valid certificate, got %s", buf.String())
	}

	if checkCertExpiry(logger, filepath.Join(t.TempDir(), "missing.pem"), now) {
		t.Fatalf("expected unreadable certificate not to count as expired")
	}
}

func TestHTTPClientHasNoTimeoutOfItsOwn(t *testing.T) {
	client := newHTTPClient(nil)
	if client.Timeout != 0 {
		t.Fatalf("expected deadlines to come from the context, got timeout %v", client.Timeout)
	}
}
