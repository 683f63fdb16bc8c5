// Package setup builds the runtime pieces shared by the snapnet binaries.
package setup

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/QYUbit/snapnet/internal/config"
	"github.com/QYUbit/snapnet/pkg/axlog"
	logrusadapter "github.com/QYUbit/snapnet/pkg/axlog/logrus_adapter"
	slogadapter "github.com/QYUbit/snapnet/pkg/axlog/slog_adapter"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "snapnet"

// Logger returns the logger selected by cfg, writing to stderr.
func Logger(cfg config.LogConfig) axlog.Logger {
	if cfg.Backend == "logrus" {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
			l.SetLevel(lvl)
		}
		if cfg.Format == "json" {
			l.SetFormatter(&logrus.JSONFormatter{})
		}
		return logrusadapter.New(l)
	}

	var lvl slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slogadapter.New(slog.New(h))
}

// SelfSignedTLS returns a server config with a fresh certificate for
// localhost valid for one day.
func SelfSignedTLS() (*tls.Config, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}

	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	key := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	pair, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		NextProtos:   []string{ALPN},
	}, nil
}

// ClientTLS trusts any server certificate. It is only meant for the demo
// against SelfSignedTLS.
func ClientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
		ServerName:         "localhost",
	}
}

// ServeMetrics exposes reg on addr under /metrics until ctx is done.
func ServeMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log axlog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
	go func() {
		log.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()
}
