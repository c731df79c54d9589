package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nerrad567/wemos-relay/internal/gateway"
	"github.com/nerrad567/wemos-relay/internal/infrastructure/config"
)

// Defaults applied when config leaves them unset.
const (
	defaultAction  = "wemos_auth"
	defaultTimeout = 10 * time.Second

	// maxResponseBytes bounds how much of a backend response is read.
	maxResponseBytes = 64 * 1024
)

// Logger is the logging surface the client needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}

// Client verifies device credentials against the HTTP identity backend.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	url        string
	action     string
	httpClient *http.Client
	logger     Logger
}

// verifyRequest is the body POSTed to the backend.
type verifyRequest struct {
	Action   string `json:"action"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// verifyResponse is the backend's answer. Success is a pointer so a body
// without the field can be told apart from "success": false.
type verifyResponse struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Data    struct {
		DeviceName        string `json:"device_name"`
		HardSwitchEnabled bool   `json:"hard_switch_enabled"`
	} `json:"data"`
}

// New creates an identity client from configuration.
//
// Returns ErrNotConfigured if cfg.URL is empty.
func New(cfg config.IdentityConfig, logger Logger) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, ErrNotConfigured
	}
	action := cfg.Action
	if action == "" {
		action = defaultAction
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = nopLogger{}
	}

	return &Client{
		url:    url,
		action: action,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}, nil
}

// Verify implements gateway.Verifier.
//
// A reachable backend answering success=false yields a Rejected verdict.
// Every other failure (transport error, non-200 status, malformed body, or
// a success body without a device name) yields Unavailable.
func (c *Client) Verify(ctx context.Context, creds gateway.Credentials) gateway.Verdict {
	resp, err := c.call(ctx, creds)
	if err != nil {
		c.logger.Warn("identity backend call failed", "username", creds.Username, "error", err)
		return gateway.Unavailable(err.Error())
	}

	if !*resp.Success {
		reason := resp.Message
		if reason == "" {
			reason = "invalid credentials"
		}
		c.logger.Debug("identity backend rejected credentials", "username", creds.Username, "reason", reason)
		return gateway.Rejected(reason)
	}

	if resp.Data.DeviceName == "" {
		c.logger.Warn("identity backend omitted device name", "username", creds.Username)
		return gateway.Unavailable(ErrMalformedResponse.Error() + ": missing device_name")
	}

	return gateway.Success(resp.Data.DeviceName, resp.Data.HardSwitchEnabled)
}

// call performs the HTTP exchange and decodes the response.
func (c *Client) call(ctx context.Context, creds gateway.Credentials) (*verifyResponse, error) {
	body, err := json.Marshal(verifyRequest{
		Action:   c.action,
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain body to allow connection reuse
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if out.Success == nil {
		return nil, fmt.Errorf("%w: missing success field", ErrMalformedResponse)
	}
	return &out, nil
}
