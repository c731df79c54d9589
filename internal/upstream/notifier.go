package upstream

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
	defaultTimeout    = 5 * time.Second
	defaultQueueSize  = 256
	defaultRetryDelay = 250 * time.Millisecond
)

// Logger is the logging surface the notifier needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Notifier posts lifecycle events to the controller's callback URL.
//
// Notify only enqueues; a single worker started with Run performs the HTTP
// calls in order. When the queue is full the event is dropped and a warning
// is logged, so a slow controller never stalls a device connection.
//
// Thread Safety: Notify is safe for concurrent use. Run must be called once.
type Notifier struct {
	url        string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	queue      chan gateway.LifecycleEvent
	logger     Logger
}

// New creates a Notifier from configuration.
//
// Returns ErrDisabled if upstream callbacks are disabled and
// ErrNotConfigured if enabled without a URL.
func New(cfg config.UpstreamConfig, logger Logger) (*Notifier, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, ErrNotConfigured
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	if logger == nil {
		logger = nopLogger{}
	}

	return &Notifier{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxRetries: retries,
		retryDelay: defaultRetryDelay,
		queue:      make(chan gateway.LifecycleEvent, queueSize),
		logger:     logger,
	}, nil
}

// Notify implements gateway.Notifier. It never blocks and never fails;
// delivery errors are logged by the worker.
func (n *Notifier) Notify(_ context.Context, ev gateway.LifecycleEvent) error {
	select {
	case n.queue <- ev:
	default:
		n.logger.Warn("upstream queue full, dropping event",
			"device", ev.DeviceName,
			"status", string(ev.Status),
		)
	}
	return nil
}

// Run delivers queued events until ctx is cancelled, then flushes whatever
// is still queued before returning. In-flight posts are not cut short by
// cancellation; the HTTP client timeout bounds them.
func (n *Notifier) Run(ctx context.Context) {
	postCtx := context.WithoutCancel(ctx)
	for {
		select {
		case ev := <-n.queue:
			n.deliver(postCtx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-n.queue:
					n.deliver(postCtx, ev)
				default:
					return
				}
			}
		}
	}
}

// Pending returns the number of queued events.
func (n *Notifier) Pending() int {
	return len(n.queue)
}

func (n *Notifier) deliver(ctx context.Context, ev gateway.LifecycleEvent) {
	if err := n.Post(ctx, ev); err != nil {
		n.logger.Error("upstream callback failed",
			"device", ev.DeviceName,
			"status", string(ev.Status),
			"error", err,
		)
		return
	}
	n.logger.Debug("upstream callback delivered", "device", ev.DeviceName, "status", string(ev.Status))
}

// Post sends one event synchronously, retrying transport errors and 5xx
// responses up to the configured retry count with doubling delay.
func (n *Notifier) Post(ctx context.Context, ev gateway.LifecycleEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	delay := n.retryDelay
	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ErrDeliveryFailed, ctx.Err())
			}
			delay *= 2
		}

		retry, err := n.attempt(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return fmt.Errorf("%w: %w", ErrDeliveryFailed, lastErr)
}

// attempt performs one POST and reports whether a failure is retryable.
func (n *Notifier) attempt(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("status %d", resp.StatusCode)
	}
}
