package packaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"securevod/internal/observability/logging"
)

const maxResponseBytes = 4 << 20

// DefaultBaseURL is used when no packager endpoint is configured.
const DefaultBaseURL = "http://localhost:8080"

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client calls the packaging worker. Each Pack call is one attempt; retry
// is owned by the caller.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{baseURL: baseURL, token: strings.TrimSpace(cfg.Token), client: client, logger: logger}
}

// BaseURL returns the normalized endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Pack submits one packaging request and classifies the reply into the
// package's error types.
func (c *Client) Pack(ctx context.Context, request Request) (Response, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return Response{}, fmt.Errorf("encode packaging request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pack", bytes.NewReader(payload))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(ctx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, &TransportError{Err: fmt.Errorf("read response: %w", err)}
	}
	var decoded Response
	decodeErr := json.Unmarshal(body, &decoded)

	switch resp.StatusCode {
	case http.StatusOK:
		if decodeErr != nil {
			return Response{}, &ResponseError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		if decoded.Status != "" && decoded.Status != StatusOK {
			return decoded, &ResponseError{StatusCode: resp.StatusCode, Status: decoded.Status, Body: string(body)}
		}
		return decoded, nil
	case http.StatusBadRequest:
		message := decoded.Error
		if message == "" {
			message = strings.TrimSpace(string(body))
		}
		return decoded, &ValidationError{Message: message}
	case http.StatusInternalServerError:
		if decodeErr == nil && decoded.Status == StatusFailed {
			exitCode := -1
			if decoded.ExitCode != nil {
				exitCode = *decoded.ExitCode
			}
			return decoded, &ExecutionError{ExitCode: exitCode, Stdout: decoded.Stdout, Stderr: decoded.Stderr}
		}
	case http.StatusGatewayTimeout:
		if decodeErr == nil && decoded.Status == StatusTimeout {
			return decoded, &CommandTimeoutError{Stderr: decoded.Stderr}
		}
	}
	return decoded, &ResponseError{StatusCode: resp.StatusCode, Status: decoded.Status, Body: string(body)}
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	c.decorate(ctx, req)
	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ResponseError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if body.Status != StatusOK {
		return fmt.Errorf("packager reported status %q", body.Status)
	}
	return nil
}

// WaitHealthy polls Health until it succeeds or ctx ends.
func (c *Client) WaitHealthy(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		err := c.Health(ctx)
		if err == nil {
			return nil
		}
		c.logger.Debug("packager not healthy yet", "url", c.baseURL, "error", err)
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), err)
		case <-time.After(interval):
		}
	}
}

func (c *Client) decorate(ctx context.Context, req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if requestID, ok := logging.RequestIDFromContext(ctx); ok {
		req.Header.Set("X-Request-Id", requestID)
	}
}
