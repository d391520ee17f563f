package serverutil

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunServesAndShutsDown(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	server := &http.Server{Addr: "127.0.0.1:0", Handler: mux}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	ready := make(chan net.Addr, 1)
	go func() {
		done <- Run(ctx, Config{Server: server, ShutdownTimeout: time.Second, Ready: ready, Logger: discardLogger()})
	}()

	var addr net.Addr
	select {
	case addr = <-ready:
	case <-time.After(time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr.String() + "/ping")
	if err != nil {
		t.Fatalf("GET /ping: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunDrainsAfterListenerStops(t *testing.T) {
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	stillRunning := errors.New("packaging command still running")
	var drained net.Addr
	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{
			Server:          server,
			ShutdownTimeout: time.Second,
			Ready:           ready,
			Logger:          discardLogger(),
			Drain: func(ctx context.Context) error {
				if _, ok := ctx.Deadline(); !ok {
					return errors.New("drain needs a deadline")
				}
				// The listener must be closed before in-flight work is drained.
				if conn, err := net.Dial("tcp", drained.String()); err == nil {
					conn.Close()
					return errors.New("listener still accepting")
				}
				return stillRunning
			},
		})
	}()
	drained = <-ready
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, stillRunning) {
			t.Fatalf("expected drain error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunRejectsPartialTLS(t *testing.T) {
	err := Run(context.Background(), Config{
		Server: &http.Server{Addr: "127.0.0.1:0"},
		TLS:    TLSConfig{CertFile: "cert.pem"},
	})
	if err == nil {
		t.Fatal("expected error for cert without key")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDWithGenerator(discardLogger(), func() string { return "generated" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if LoggerFromRequest(r.Context(), nil) == nil {
			t.Error("expected request logger on context")
		}
		seen = w.Header().Get("X-Request-Id")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen != "generated" {
		t.Fatalf("expected generated id, got %q", seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "upstream")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Header().Get("X-Request-Id") != "upstream" {
		t.Fatalf("expected upstream id to be propagated, got %q", rr.Header().Get("X-Request-Id"))
	}
}

func TestBearerAuth(t *testing.T) {
	handler := BearerAuth("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := map[string]int{
		"":              http.StatusUnauthorized,
		"Bearer wrong":  http.StatusUnauthorized,
		"Basic s3cret":  http.StatusUnauthorized,
		"Bearer s3cret": http.StatusNoContent,
		"bearer s3cret": http.StatusNoContent,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("Authorization %q: status %d, want %d", header, rr.Code, want)
		}
	}

	open := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	open.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("empty token must disable auth, got %d", rr.Code)
	}
}
