package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ChatResponder forwards plain text to an external chat service and returns
// its reply. The service answers either {"reply": "..."} or raw text.
type ChatResponder struct {
	url string
	hc  *http.Client

	// Server and From identify the bridge in the request payload. From is
	// resolved per request because the account name is only known once a
	// login completes.
	Server string
	From   func() string
}

func NewChatResponder(url string, timeout time.Duration) *ChatResponder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ChatResponder{url: url, hc: &http.Client{Timeout: timeout}}
}

// Respond posts the message and extracts the reply. An empty reply means
// the service chose not to answer.
func (c *ChatResponder) Respond(ctx context.Context, text string) (string, error) {
	from := ""
	if c.From != nil {
		from = c.From()
	}
	blob, err := json.Marshal(map[string]any{
		"message":   text,
		"from":      from,
		"timestamp": time.Now().Unix(),
		"server":    c.Server,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(blob))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook: chat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webhook: chat service status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("webhook: chat response: %w", err)
	}

	var parsed struct {
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Reply != "" {
		return parsed.Reply, nil
	}
	return strings.TrimSpace(string(body)), nil
}
