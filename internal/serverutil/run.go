package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// TLSConfig names a PEM certificate and key. Both or neither must be set.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (c TLSConfig) enabled() bool { return c.CertFile != "" }

// Config describes one HTTP listener.
type Config struct {
	Server *http.Server
	TLS    TLSConfig
	// ShutdownTimeout is shared by the HTTP shutdown and Drain.
	ShutdownTimeout time.Duration
	// Drain runs after the listener stops accepting requests, for work that
	// outlives its request such as detached packaging commands.
	Drain func(ctx context.Context) error
	// Ready receives the bound address once the server accepts
	// connections. It is closed after the send.
	Ready  chan<- net.Addr
	Logger *slog.Logger
}

const DefaultShutdownTimeout = 10 * time.Second

// Run serves until ctx is cancelled or the server fails, then shuts down
// within ShutdownTimeout.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errors.New("both TLS cert file and key file must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := listen(cfg.Server, cfg.TLS)
	if err != nil {
		return err
	}
	addr := ln.Addr()
	logger.Info("http server listening", "addr", addr.String(), "tls", cfg.TLS.enabled())
	if cfg.Ready != nil {
		cfg.Ready <- addr
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- cfg.Server.Serve(ln) }()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return errors.Join(err, drain(cfg, logger))
	case <-ctx.Done():
	}

	err = shutdown(cfg, serveErr)
	logger.Info("http server stopped", "addr", addr.String())
	return errors.Join(err, drain(cfg, logger))
}

func listen(server *http.Server, files TLSConfig) (net.Listener, error) {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil || !files.enabled() {
		return ln, err
	}
	cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		ln.Close()
		return nil, err
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if server.TLSConfig != nil {
		tlsCfg = server.TLSConfig.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}

func shutdown(cfg Config, serveErr <-chan error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()

	shutdownErr := cfg.Server.Shutdown(ctx)
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return shutdownErr
	case <-ctx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return ctx.Err()
	}
}

func drain(cfg Config, logger *slog.Logger) error {
	if cfg.Drain == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()
	if err := cfg.Drain(ctx); err != nil {
		logger.Warn("in-flight work did not finish before shutdown", "error", err)
		return err
	}
	return nil
}

func shutdownTimeout(cfg Config) time.Duration {
	if cfg.ShutdownTimeout > 0 {
		return cfg.ShutdownTimeout
	}
	return DefaultShutdownTimeout
}
