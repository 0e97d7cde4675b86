package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/helperbridge/internal/store"
)

// Document describes an attachment in an outbound notification.
type Document struct {
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	FileID   string `json:"file_id,omitempty"`
}

// updatePayload is the body pushed to the configured webhook.
type updatePayload struct {
	UpdateID int64          `json:"update_id"`
	Message  messagePayload `json:"message"`
}

type messagePayload struct {
	MessageID int64     `json:"message_id"`
	Date      int64     `json:"date"`
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	Document  *Document `json:"document,omitempty"`
}

// Options configures the notifier.
type Options struct {
	URL         string
	Timeout     time.Duration
	RatePerMin  int
	MaxInflight int
}

// Info reports notifier state for the getWebhookInfo endpoint.
type Info struct {
	URL            string    `json:"url"`
	PendingCount   int       `json:"pending_update_count"`
	Delivered      int64     `json:"delivered"`
	Dropped        int64     `json:"dropped"`
	LastErrorAt    time.Time `json:"last_error_date,omitempty"`
	LastErrorText  string    `json:"last_error_message,omitempty"`
	MaxConnections int       `json:"max_connections"`
}

// Notifier pushes each logged update to an external URL, fire and forget.
// Delivery failures are logged and counted, never retried, and never block
// message processing.
type Notifier struct {
	mu       sync.Mutex
	url      string
	hc       *http.Client
	limiter  *rate.Limiter
	inflight chan struct{}

	delivered int64
	dropped   int64
	lastErr   string
	lastErrAt time.Time
}

func NewNotifier(opts Options) *Notifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RatePerMin <= 0 {
		opts.RatePerMin = 60
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 4
	}
	return &Notifier{
		url:      opts.URL,
		hc:       &http.Client{Timeout: opts.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(float64(opts.RatePerMin)/60.0), opts.RatePerMin),
		inflight: make(chan struct{}, opts.MaxInflight),
	}
}

// SetURL points the notifier at a new target. Empty disables pushes.
func (n *Notifier) SetURL(url string) {
	n.mu.Lock()
	n.url = url
	n.delivered = 0
	n.dropped = 0
	n.lastErr = ""
	n.lastErrAt = time.Time{}
	n.mu.Unlock()
}

// URL returns the current target, empty when disabled.
func (n *Notifier) URL() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.url
}

// Notify pushes one update asynchronously. It returns immediately; the
// caller's message flow is never coupled to webhook latency.
func (n *Notifier) Notify(rec store.Record) {
	n.mu.Lock()
	target := n.url
	n.mu.Unlock()
	if target == "" {
		return
	}

	select {
	case n.inflight <- struct{}{}:
	default:
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		slog.Warn("webhook push dropped, too many inflight", "update_id", rec.ID)
		return
	}

	go func() {
		defer func() { <-n.inflight }()
		n.push(target, rec)
	}()
}

func (n *Notifier) push(target string, rec store.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), n.hc.Timeout+30*time.Second)
	defer cancel()

	if err := n.limiter.Wait(ctx); err != nil {
		n.recordFailure(fmt.Errorf("rate wait: %w", err))
		return
	}

	payload := updatePayload{
		UpdateID: rec.ID,
		Message: messagePayload{
			MessageID: rec.ID,
			Date:      rec.CreatedAt.Unix(),
			Type:      rec.Kind,
			Text:      rec.Text,
		},
	}
	if rec.Kind != "text" && rec.FileName != "" {
		payload.Message.Document = &Document{
			FileName: rec.FileName,
			FileSize: rec.FileSize,
			FileID:   rec.RemoteID,
		}
	}

	blob, err := json.Marshal(payload)
	if err != nil {
		n.recordFailure(err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(blob))
	if err != nil {
		n.recordFailure(err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.hc.Do(req)
	if err != nil {
		n.recordFailure(err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.recordFailure(fmt.Errorf("status %d", resp.StatusCode))
		return
	}

	n.mu.Lock()
	n.delivered++
	n.mu.Unlock()
}

func (n *Notifier) recordFailure(err error) {
	slog.Warn("webhook push failed", "error", err)
	n.mu.Lock()
	n.dropped++
	n.lastErr = err.Error()
	n.lastErrAt = time.Now().UTC()
	n.mu.Unlock()
}

// Info snapshots delivery counters.
func (n *Notifier) Info() Info {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Info{
		URL:            n.url,
		PendingCount:   len(n.inflight),
		Delivered:      n.delivered,
		Dropped:        n.dropped,
		LastErrorAt:    n.lastErrAt,
		LastErrorText:  n.lastErr,
		MaxConnections: cap(n.inflight),
	}
}
