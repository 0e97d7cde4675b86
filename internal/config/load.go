package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		switch strings.ToLower(os.Getenv(key)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}

	envStr("HELPERBRIDGE_ENTRY_HOST", &c.WeChat.EntryHost)
	envStr("HELPERBRIDGE_STATE_PATH", &c.WeChat.StatePath)
	envStr("HELPERBRIDGE_DOWNLOAD_DIR", &c.Files.DownloadDir)
	envBool("HELPERBRIDGE_AUTO_DOWNLOAD", &c.Files.AutoDownload)
	envInt("HELPERBRIDGE_FILE_RETENTION_DAYS", &c.Files.RetentionDays)
	envStr("HELPERBRIDGE_STORE_PATH", &c.Store.Path)
	envStr("HELPERBRIDGE_TASK_FILE", &c.Tasks.File)
	envInt("HELPERBRIDGE_HEARTBEAT_INTERVAL", &c.Stability.HeartbeatSeconds)
	envInt("HELPERBRIDGE_RECONNECT_DELAY", &c.Stability.ReconnectDelaySeconds)
	envInt("HELPERBRIDGE_MAX_RECONNECT_ATTEMPTS", &c.Stability.MaxReconnectAttempts)
	envStr("HELPERBRIDGE_WEBHOOK_URL", &c.Webhook.URL)
	envInt("HELPERBRIDGE_WEBHOOK_TIMEOUT", &c.Webhook.TimeoutSeconds)
	envBool("HELPERBRIDGE_CHAT_ENABLED", &c.Chat.Enabled)
	envStr("HELPERBRIDGE_CHAT_URL", &c.Chat.URL)
	envInt("HELPERBRIDGE_CHAT_TIMEOUT", &c.Chat.TimeoutSeconds)
	envBool("HELPERBRIDGE_TRACE_ENABLED", &c.Trace.Enabled)
	envBool("HELPERBRIDGE_TRACE_REDACT", &c.Trace.Redact)
	envInt("HELPERBRIDGE_TRACE_MAX_BODY", &c.Trace.MaxBodySize)
	envStr("HELPERBRIDGE_TRACE_DIR", &c.Trace.Dir)
	envStr("HELPERBRIDGE_SERVER_LABEL", &c.ServerLabel)
	envStr("HELPERBRIDGE_HOST", &c.Server.Host)
	envInt("HELPERBRIDGE_PORT", &c.Server.Port)

	if v := os.Getenv("HELPERBRIDGE_HTTP_ALLOWLIST"); v != "" {
		hosts := strings.Split(v, ",")
		out := hosts[:0]
		for _, h := range hosts {
			if h = strings.TrimSpace(h); h != "" {
				out = append(out, strings.ToLower(h))
			}
		}
		c.HTTP.Allowlist = out
	}

	if c.ServerLabel == "" {
		if hn, err := os.Hostname(); err == nil {
			c.ServerLabel = hn
		}
	}
}
