// Package progress delivers advisory pipeline progress events. Delivery is
// fire-and-forget: a failing observer never fails or stalls the pipeline.
package progress

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Stage names a pipeline stage.
type Stage string

const (
	StageReading      Stage = "reading"
	StageTransforming Stage = "transforming"
	StageValidating   Stage = "validating"
	StagePersisting   Stage = "persisting"
	StageComplete     Stage = "complete"
)

// Event is one progress notification. Current and Total are optional.
type Event struct {
	Stage   Stage     `json:"stage"`
	Message string    `json:"message"`
	Current int       `json:"current,omitempty"`
	Total   int       `json:"total,omitempty"`
	RunID   string    `json:"run_id,omitempty"`
	At      time.Time `json:"at"`
}

// Notifier receives progress events. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event)

func (f NotifierFunc) Notify(ctx context.Context, e Event) { f(ctx, e) }

// Nop discards events.
var Nop Notifier = NotifierFunc(func(context.Context, Event) {})

// Multi fans an event out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, e)
		}
	}
}

// ---------------------------------------------------------------------------
// LogNotifier
// ---------------------------------------------------------------------------

// LogNotifier writes events to a zerolog logger at Info.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "progress").Logger()}
}

func (l *LogNotifier) Notify(_ context.Context, e Event) {
	ev := l.logger.Info().Str("stage", string(e.Stage))
	if e.Total > 0 {
		ev = ev.Int("current", e.Current).Int("total", e.Total)
	}
	if e.RunID != "" {
		ev = ev.Str("run_id", e.RunID)
	}
	ev.Msg(e.Message)
}

// ---------------------------------------------------------------------------
// WebhookNotifier
// ---------------------------------------------------------------------------

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Progress-Signature"

// SignPayload computes an HMAC-SHA256 signature of the payload using the
// given secret, returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC-SHA256 of payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookNotifier) { w.httpClient = c }
}

// WithBuffer sets how many undelivered events are queued before new ones
// are dropped.
func WithBuffer(n int) WebhookOption {
	return func(w *WebhookNotifier) { w.buffer = n }
}

// WebhookNotifier POSTs signed events to a URL from a background goroutine.
// When the queue is full, events are dropped and logged.
type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
	buffer     int
	logger     zerolog.Logger

	mu     sync.RWMutex
	closed bool
	events chan Event
	done   chan struct{}
}

// NewWebhookNotifier starts the delivery goroutine. Close stops it after the
// queue drains.
func NewWebhookNotifier(url, secret string, logger zerolog.Logger, opts ...WebhookOption) *WebhookNotifier {
	w := &WebhookNotifier{
		url:    url,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		buffer: 64,
		logger: logger.With().Str("component", "progress-webhook").Logger(),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	w.events = make(chan Event, w.buffer)
	go w.run()
	return w
}

func (w *WebhookNotifier) Notify(_ context.Context, e Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.events <- e:
	default:
		w.logger.Warn().Str("stage", string(e.Stage)).Msg("progress queue full, event dropped")
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (w *WebhookNotifier) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.events)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *WebhookNotifier) run() {
	defer close(w.done)
	for e := range w.events {
		if err := w.deliver(e); err != nil {
			w.logger.Warn().Err(err).Str("stage", string(e.Stage)).Msg("progress delivery failed")
		}
	}
}

func (w *WebhookNotifier) deliver(e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, w.secret))
	}
	req.Header.Set("X-Progress-Timestamp", e.At.UTC().Format(time.RFC3339))

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}
