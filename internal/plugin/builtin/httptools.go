package builtin

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nextlevelbuilder/helperbridge/internal/plugin"
)

// maxFetchBytes clips how much of a fetched page lands in the chat.
const maxFetchBytes = 4 << 10

// HTTPTools fetches pages from an allowlisted set of hosts.
func HTTPTools(allowlist []string) plugin.Factory {
	allowed := make(map[string]bool, len(allowlist))
	for _, h := range allowlist {
		allowed[strings.ToLower(h)] = true
	}
	return func() plugin.Plugin {
		return &httpPlugin{
			allowed: allowed,
			client:  &http.Client{Timeout: 15 * time.Second},
		}
	}
}

type httpPlugin struct {
	plugin.Base
	allowed map[string]bool
	client  *http.Client
}

func (p *httpPlugin) Name() string        { return "httptools" }
func (p *httpPlugin) Description() string { return "fetch pages from allowlisted hosts" }

func (p *httpPlugin) Commands() []plugin.CommandSpec {
	return []plugin.CommandSpec{{
		Name:  "get",
		Usage: "/get <url>",
		Help:  "fetch a URL and reply with the response body",
		Run:   p.cmdGet,
	}}
}

func (p *httpPlugin) cmdGet(c *plugin.Context, args []string) error {
	if len(args) == 0 {
		return c.Reply("Usage: /get <url>")
	}
	raw := args[0]
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("httptools: invalid url %q", args[0])
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("httptools: scheme %s not allowed", u.Scheme)
	}
	if !p.hostAllowed(u.Hostname()) {
		return fmt.Errorf("httptools: host %s is not on the allowlist", u.Hostname())
	}

	req, err := http.NewRequestWithContext(c.Ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("httptools: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("httptools: fetch %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return fmt.Errorf("httptools: read response: %w", err)
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		text = "(empty body)"
	}
	return c.Reply(fmt.Sprintf("%d %s\n%s", resp.StatusCode, u.Host, text))
}

// hostAllowed matches exact hosts and *. suffixes from the allowlist.
func (p *httpPlugin) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	if p.allowed[host] {
		return true
	}
	for allowed := range p.allowed {
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(host, allowed[1:]) {
			return true
		}
	}
	return false
}
