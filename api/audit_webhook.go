package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/propagation"
)

const (
	webhookQueueSize = 1024
	webhookAttempts  = 2
	webhookTimeout   = 10 * time.Second
)

// webhookEvent is the JSON body POSTed for each audit record.
type webhookEvent struct {
	Event      string            `json:"event"`
	UserID     string            `json:"user_id,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	TraceID    string            `json:"trace_id,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Attrs      map[string]string `json:"attrs,omitempty"`

	// trace carries the originating request's trace headers so the
	// receiver can join the span.
	trace propagation.MapCarrier
}

// auditWebhook forwards audit events to an external endpoint from a single
// background goroutine. A full queue drops events rather than slowing the
// request that produced them.
type auditWebhook struct {
	url         string
	headerName  string
	headerValue string
	client      *http.Client
	events      chan webhookEvent
	logger      *slog.Logger
	retryDelay  time.Duration
	dropped     atomic.Int64
	wg          sync.WaitGroup
}

func newAuditWebhook(url, authHeader string, logger *slog.Logger) *auditWebhook {
	if logger == nil {
		logger = slog.Default()
	}
	w := &auditWebhook{
		url:        url,
		client:     &http.Client{Timeout: webhookTimeout},
		events:     make(chan webhookEvent, webhookQueueSize),
		logger:     logger.With("component", "audit_webhook"),
		retryDelay: 500 * time.Millisecond,
	}
	// authHeader is "Name: Value", e.g. "Authorization: Bearer xyz".
	if name, value, ok := strings.Cut(authHeader, ":"); ok {
		w.headerName = strings.TrimSpace(name)
		w.headerValue = strings.TrimSpace(value)
	} else if authHeader != "" {
		w.logger.Warn("ignoring malformed auth header, expected \"Name: Value\"")
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *auditWebhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
			w.logger.Warn("queue full, dropping events", "event", evt.Event, "dropped_total", n)
		}
	}
}

// close stops accepting events and waits until the queue is delivered.
func (w *auditWebhook) close() {
	close(w.events)
	w.wg.Wait()
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		if err := w.deliver(evt); err != nil {
			w.logger.Warn("delivery failed", "event", evt.Event, "error", err)
		}
	}
}

// deliver makes up to webhookAttempts POSTs. Transport errors and 5xx
// answers are retried; 4xx answers are not.
func (w *auditWebhook) deliver(evt webhookEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(w.retryDelay)
		}
		status, err := w.post(evt, body)
		switch {
		case err != nil:
			lastErr = err
		case status >= 500:
			lastErr = fmt.Errorf("status %d", status)
		case status >= 400:
			return fmt.Errorf("rejected with status %d", status)
		default:
			return nil
		}
		w.logger.Debug("delivery attempt failed", "attempt", attempt, "error", lastErr)
	}
	return lastErr
}

func (w *auditWebhook) post(evt webhookEvent, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Gatehouse-Audit-Webhook/1.0")
	if w.headerName != "" {
		req.Header.Set(w.headerName, w.headerValue)
	}
	for k, v := range evt.trace {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
