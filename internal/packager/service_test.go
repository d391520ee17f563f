package packager

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"securevod/internal/observability/metrics"
	"securevod/internal/packaging"
)

const (
	testKID = "000102030405060708090a0b0c0d0e0f"
	testKey = "0f0e0d0c0b0a09080706050403020100"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	mu      sync.Mutex
	specs   []RunSpec
	result  RunResult
	err     error
	release chan struct{}
	started chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
	}
	return f.result, f.err
}

func (f *fakeRunner) calls() []RunSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RunSpec(nil), f.specs...)
}

func newTestService(t *testing.T, runner Runner, mutate func(*Config)) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	cfg := Config{MediaRoot: root, Command: []string{"true"}, CommandTimeout: time.Minute, MaxConcurrent: 2}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewService(ServiceConfig{Config: cfg, Runner: runner, Metrics: metrics.New(), Logger: discardLogger()})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc, root
}

func packBody(t *testing.T, req packaging.Request) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(data)
}

func validRequest() packaging.Request {
	return packaging.Request{InputPath: "uploads/clip.mp4", OutputDir: "encrypted/7", KeyID: testKID, ContentKey: testKey}
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) packaging.Response {
	t.Helper()
	var resp packaging.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	svc, _ := newTestService(t, &fakeRunner{}, nil)
	rr := httptest.NewRecorder()
	svc.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != `{"status":"ok"}` {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}

func TestPackSuccess(t *testing.T) {
	runner := &fakeRunner{result: RunResult{Stdout: "packaged\n"}}
	svc, root := newTestService(t, runner, nil)

	req := validRequest()
	req.Compression = true
	rr := httptest.NewRecorder()
	svc.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/pack", packBody(t, req)))

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeResponse(t, rr)
	if resp.Status != packaging.StatusOK || resp.ManifestPath != "encrypted/7/stream.mpd" || resp.Stdout != "packaged\n" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if info, err := os.Stat(filepath.Join(root, "encrypted", "7")); err != nil || !info.IsDir() {
		t.Fatalf("expected output directory to be created: %v", err)
	}

	calls := runner.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one run, got %d", len(calls))
	}
	want := []string{
		"IN=" + filepath.Join(root, "uploads", "clip.mp4"),
		"OUT=" + filepath.Join(root, "encrypted", "7"),
		"KID_HEX=" + testKID,
		"KEY_HEX=" + testKey,
		"COMPRESS=1",
	}
	if strings.Join(calls[0].Env, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected env:\n%v\nwant:\n%v", calls[0].Env, want)
	}
	if calls[0].Timeout != time.Minute {
		t.Fatalf("expected configured timeout, got %s", calls[0].Timeout)
	}
}

func TestPackMissingFieldsHasNoSideEffects(t *testing.T) {
	runner := &fakeRunner{}
	svc, root := newTestService(t, runner, nil)

	req := validRequest()
	req.ContentKey = ""
	rr := httptest.NewRecorder()
	svc.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/pack", packBody(t, req)))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != `{"error":"missing fields"}` {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
	if _, err := os.Stat(filepath.Join(root, "encrypted")); !os.IsNotExist(err) {
		t.Fatal("output directory must not be created for an invalid request")
	}
	if len(runner.calls()) != 0 {
		t.Fatal("command must not run for an invalid request")
	}
}

func TestPackRejectsBadInput(t *testing.T) {
	cases := map[string]struct {
		body string
		want string
	}{
		"invalid json":     {body: `{"inputPath":`, want: packaging.ErrMessageInvalidJSON},
		"traversal output": {body: `{"inputPath":"uploads/a.mp4","outputDir":"../etc","keyId":"` + testKID + `","contentKey":"` + testKey + `"}`, want: packaging.ErrMessageInvalidPath},
		"absolute input":   {body: `{"inputPath":"/etc/passwd","outputDir":"encrypted/1","keyId":"` + testKID + `","contentKey":"` + testKey + `"}`, want: packaging.ErrMessageInvalidPath},
		"root output":      {body: `{"inputPath":"uploads/a.mp4","outputDir":".","keyId":"` + testKID + `","contentKey":"` + testKey + `"}`, want: packaging.ErrMessageInvalidPath},
		"short key":        {body: `{"inputPath":"uploads/a.mp4","outputDir":"encrypted/1","keyId":"abcd","contentKey":"` + testKey + `"}`, want: packaging.ErrMessageInvalidKey},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			runner := &fakeRunner{}
			svc, _ := newTestService(t, runner, nil)
			rr := httptest.NewRecorder()
			svc.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/pack", strings.NewReader(tc.body)))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			if resp := decodeResponse(t, rr); resp.Error != tc.want {
				t.Fatalf("expected error %q, got %q", tc.want, resp.Error)
			}
			if len(runner.calls()) != 0 {
				t.Fatal("command must not run")
			}
		})
	}
}

func TestPackReportsFailureAndTimeout(t *testing.T) {
	t.Run("non-zero exit", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeRunner{result: RunResult{ExitCode: 3, Stdout: "out", Stderr: "bad input"}}, nil)
		rr := httptest.NewRecorder()
		svc.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/pack", packBody(t, validRequest())))
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rr.Code)
		}
		resp := decodeResponse(t, rr)
		if resp.Status != packaging.StatusFailed || resp.ExitCode == nil || *resp.ExitCode != 3 || resp.Stderr != "bad input" || resp.Stdout != "out" {
			t.Fatalf("unexpected response %+v", resp)
		}
	})
	t.Run("timeout", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeRunner{result: RunResult{TimedOut: true, ExitCode: -1}}, nil)
		rr := httptest.NewRecorder()
		svc.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/pack", packBody(t, validRequest())))
		if rr.Code != http.StatusGatewayTimeout {
			t.Fatalf("expected 504, got %d", rr.Code)
		}
		if resp := decodeResponse(t, rr); resp.Status != packaging.StatusTimeout {
			t.Fatalf("unexpected response %+v", resp)
		}
	})
}

func TestPackRejectsDuplicateOutputDir(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	svc, _ := newTestService(t, runner, nil)
	handler := svc.Routes()

	first := httptest.NewRecorder()
	firstReq := httptest.NewRequest(http.MethodPost, "/pack", packBody(t, validRequest()))
	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(first, firstReq)
	}()
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first run did not start")
	}

	dup := validRequest()
	dup.OutputDir = "encrypted/7/"
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/pack", packBody(t, dup)))
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", second.Code)
	}
	if resp := decodeResponse(t, second); resp.Status != packaging.StatusBusy {
		t.Fatalf("unexpected response %+v", resp)
	}

	close(runner.release)
	<-done
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", first.Code)
	}
}

func TestPackRunSurvivesClientDisconnect(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	svc, _ := newTestService(t, runner, nil)
	handler := svc.Routes()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	req := httptest.NewRequest(http.MethodPost, "/pack", packBody(t, validRequest())).WithContext(ctx)
	go func() {
		defer close(done)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}()
	<-runner.started
	cancel()
	<-done

	// The directory stays claimed until the detached run finishes.
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/pack", packBody(t, validRequest())))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 while detached run is active, got %d", rr.Code)
	}

	close(runner.release)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc.claim("encrypted/7") {
			svc.release("encrypted/7")
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("output directory was never released")
}

func TestPackRetryCollectsRunFinishedAfterDisconnect(t *testing.T) {
	runner := &fakeRunner{result: RunResult{Stdout: "packaged\n"}, release: make(chan struct{}), started: make(chan struct{}, 2)}
	svc, _ := newTestService(t, runner, nil)
	handler := svc.Routes()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	req := httptest.NewRequest(http.MethodPost, "/pack", packBody(t, validRequest())).WithContext(ctx)
	go func() {
		defer close(done)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}()
	<-runner.started
	cancel()
	<-done
	close(runner.release)

	// Retry until the detached run has released the directory.
	var rr *httptest.ResponseRecorder
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rr = httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/pack", packBody(t, validRequest())))
		if rr.Code != http.StatusConflict {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("expected retry to collect the finished run, got %d", rr.Code)
	}
	if resp := decodeResponse(t, rr); resp.ManifestPath != "encrypted/7/stream.mpd" {
		t.Fatalf("unexpected manifest %q", resp.ManifestPath)
	}
	if got := len(runner.calls()); got != 1 {
		t.Fatalf("expected the command to run once, ran %d times", got)
	}

	// The kept result is handed out once; a later request runs again.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/pack", packBody(t, validRequest())))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected a fresh run, got %d", rr.Code)
	}
	if got := len(runner.calls()); got != 2 {
		t.Fatalf("expected a second run, got %d", got)
	}
}

func TestPackFinishedRunNotSharedAcrossInputs(t *testing.T) {
	svc, _ := newTestService(t, &fakeRunner{}, nil)
	key := runKey{input: "uploads/clip.mp4", keyID: testKID, contentKey: testKey}
	svc.keepFinished("encrypted/7", key, runOutcome{})

	other := key
	other.contentKey = testKID
	if _, ok := svc.takeFinished("encrypted/7", other); ok {
		t.Fatal("a run packaged with other keys must not be returned")
	}
	if _, ok := svc.takeFinished("encrypted/7", key); ok {
		t.Fatal("a mismatched lookup must discard the kept run")
	}

	svc.keepFinished("encrypted/8", key, runOutcome{result: RunResult{ExitCode: 2}})
	if _, ok := svc.takeFinished("encrypted/8", key); ok {
		t.Fatal("failed runs must not be kept")
	}
}

func TestPackRequiresTokenWhenConfigured(t *testing.T) {
	svc, _ := newTestService(t, &fakeRunner{}, func(cfg *Config) { cfg.Token = "s3cret" })
	handler := svc.Routes()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/pack", packBody(t, validRequest())))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/pack", packBody(t, validRequest()))
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", rr.Code)
	}
}

func TestClientAgainstService(t *testing.T) {
	runner := &fakeRunner{result: RunResult{ExitCode: 2, Stderr: "corrupt"}}
	svc, _ := newTestService(t, runner, nil)
	server := httptest.NewServer(svc.Routes())
	t.Cleanup(server.Close)

	client := packaging.NewClient(packaging.ClientConfig{BaseURL: server.URL, Logger: discardLogger()})
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	_, err := client.Pack(context.Background(), validRequest())
	if packaging.Kind(err) != "execution" || !packaging.Retryable(err) {
		t.Fatalf("expected retryable execution error, got %v", err)
	}

	_, err = client.Pack(context.Background(), packaging.Request{InputPath: "uploads/a.mp4"})
	if packaging.Kind(err) != "validation" || packaging.Retryable(err) {
		t.Fatalf("expected non-retryable validation error, got %v", err)
	}
}
