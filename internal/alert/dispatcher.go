package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// attemptTimeout bounds a single POST, retries excluded.
const attemptTimeout = 5 * time.Second

// defaultBackoff is the wait before each retry. Its length caps the retries.
var defaultBackoff = []time.Duration{time.Second, 2 * time.Second}

// errRejected marks a failure another attempt cannot fix.
var errRejected = errors.New("webhook rejected")

// Dispatcher fans out alert events to matching webhook configurations.
type Dispatcher struct {
	configs []Config
	logger  *slog.Logger
	client  *http.Client
	backoff []time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []Config, logger *slog.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{configs: configs, logger: logger, client: &http.Client{}, backoff: defaultBackoff}
}

// Dispatch sends the event to all webhooks whose Events list matches
// event.Action or event.Type. It does not block. Deliveries keep ctx's
// values but outlive its cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) {
	ctx = context.WithoutCancel(ctx)
	for _, cfg := range d.configs {
		if !matches(cfg.Events, event) {
			continue
		}
		d.wg.Add(1)
		go func(cfg Config) {
			defer d.wg.Done()
			if err := d.deliver(ctx, cfg, event); err != nil {
				d.logger.WarnContext(ctx, "alert delivery failed", "url", cfg.URL, "record_id", event.RecordID, "error", err)
			}
		}(cfg)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// deliver posts the formatted event, retrying transient failures on the
// backoff schedule until it runs out or ctx ends.
func (d *Dispatcher) deliver(ctx context.Context, cfg Config, event Event) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("alert: format payload: %w", err)
	}
	for attempt := 0; ; attempt++ {
		err := d.post(ctx, cfg, body)
		if err == nil || errors.Is(err, errRejected) {
			return err
		}
		if attempt == len(d.backoff) {
			return fmt.Errorf("alert: %d attempts failed: %w", attempt+1, err)
		}
		timer := time.NewTimer(d.backoff[attempt])
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("alert: retry abandoned after %d attempts: %w", attempt+1, ctx.Err())
		}
	}
}

// post makes one attempt. 429 and 5xx answers are transient; any other
// non-2xx answer wraps errRejected.
func (d *Dispatcher) post(ctx context.Context, cfg Config, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("webhook answered HTTP %d", code)
	default:
		return fmt.Errorf("%w: HTTP %d", errRejected, code)
	}
}

func matches(events []string, event Event) bool {
	for _, e := range events {
		if e == event.Action {
			return true
		}
		if event.Type != "" && e == event.Type {
			return true
		}
	}
	return false
}
