package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the root configuration for the helperbridge service.
type Config struct {
	Server    ServerConfig    `json:"server"`
	WeChat    WeChatConfig    `json:"wechat"`
	Files     FilesConfig     `json:"files"`
	Store     StoreConfig     `json:"store"`
	Plugins   PluginsConfig   `json:"plugins"`
	Tasks     TasksConfig     `json:"tasks"`
	Stability StabilityConfig `json:"stability"`
	Webhook   WebhookConfig   `json:"webhook"`
	Chat      ChatConfig      `json:"chat"`
	HTTP      HTTPConfig      `json:"http"`
	Trace     TraceConfig     `json:"trace"`

	// ServerLabel identifies this instance in replies and webhook payloads.
	// Defaults to the hostname.
	ServerLabel string `json:"server_label,omitempty"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// WeChatConfig configures the remote filehelper endpoint.
type WeChatConfig struct {
	EntryHost string `json:"entry_host"` // e.g. "szfilehelper.weixin.qq.com"
	StatePath string `json:"state_path"` // persisted session credentials
}

// FilesConfig configures attachment download and retention.
type FilesConfig struct {
	DownloadDir   string `json:"download_dir"`
	DateSubdir    bool   `json:"date_subdir"`    // downloads/<YYYY-MM-DD>/
	AutoDownload  bool   `json:"auto_download"`  // fetch inbound attachments automatically
	RetentionDays int    `json:"retention_days"` // 0 = keep forever
	MaxUploadSize int64  `json:"max_upload_size"`
	Thumbnails    bool   `json:"thumbnails"` // generate image thumbnails for the console
}

// StoreConfig configures the message log database.
type StoreConfig struct {
	Path         string `json:"path"`
	DefaultLimit int    `json:"default_limit"` // getUpdates default page size
	MaxLimit     int    `json:"max_limit"`     // getUpdates hard cap
}

// PluginsConfig selects which compiled-in plugins are active.
type PluginsConfig struct {
	Disabled []string `json:"disabled,omitempty"` // plugin names to skip at load
	Watch    bool     `json:"watch"`              // reload plugins when the config file changes
}

// TasksConfig configures the scheduled-task runner.
type TasksConfig struct {
	File        string `json:"file"`
	TickSeconds int    `json:"tick_seconds"`
}

// StabilityConfig bounds the reconnect behaviour of the session engine.
type StabilityConfig struct {
	HeartbeatSeconds      int  `json:"heartbeat_seconds"`
	ReconnectDelaySeconds int  `json:"reconnect_delay_seconds"`
	MaxReconnectAttempts  int  `json:"max_reconnect_attempts"`
	ExponentialBackoff    bool `json:"exponential_backoff"`
}

// WebhookConfig configures the inbound-message push target.
type WebhookConfig struct {
	URL            string `json:"url,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	RatePerMinute  int    `json:"rate_per_minute"` // 0 = unlimited
	MaxInflight    int    `json:"max_inflight"`
}

// ChatConfig configures the auxiliary chat-responder target.
type ChatConfig struct {
	Enabled        bool   `json:"enabled"`
	URL            string `json:"url,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// HTTPConfig restricts outbound requests made on behalf of chat commands.
type HTTPConfig struct {
	Allowlist []string `json:"allowlist,omitempty"` // hostnames; empty = private networks only
}

// TraceConfig configures the redacted HTTP trace log.
type TraceConfig struct {
	Enabled     bool   `json:"enabled"`
	Redact      bool   `json:"redact"`
	MaxBodySize int    `json:"max_body_size"`
	Dir         string `json:"dir"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	cwd, _ := os.Getwd()
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		WeChat: WeChatConfig{
			EntryHost: "szfilehelper.weixin.qq.com",
			StatePath: filepath.Join(cwd, "state.json"),
		},
		Files: FilesConfig{
			DownloadDir:   filepath.Join(cwd, "downloads"),
			DateSubdir:    true,
			AutoDownload:  true,
			MaxUploadSize: 25 << 20,
			Thumbnails:    true,
		},
		Store: StoreConfig{
			Path:         filepath.Join(cwd, "messages.db"),
			DefaultLimit: 100,
			MaxLimit:     1000,
		},
		Plugins: PluginsConfig{
			Watch: true,
		},
		Tasks: TasksConfig{
			File:        filepath.Join(cwd, "scheduled_tasks.json"),
			TickSeconds: 20,
		},
		Stability: StabilityConfig{
			HeartbeatSeconds:      30,
			ReconnectDelaySeconds: 5,
			MaxReconnectAttempts:  10,
			ExponentialBackoff:    true,
		},
		Webhook: WebhookConfig{
			TimeoutSeconds: 10,
			RatePerMinute:  60,
			MaxInflight:    4,
		},
		Chat: ChatConfig{
			TimeoutSeconds: 20,
		},
		Trace: TraceConfig{
			Enabled:     true,
			Redact:      true,
			MaxBodySize: 4096,
			Dir:         filepath.Join(cwd, "trace_logs"),
		},
	}
}

// EnsureRuntime creates directories and files the service expects at startup.
func (c *Config) EnsureRuntime() error {
	dirs := []string{c.Files.DownloadDir, filepath.Dir(c.Store.Path), filepath.Dir(c.Tasks.File)}
	if c.Trace.Enabled {
		dirs = append(dirs, c.Trace.Dir)
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("config: create dir %s: %w", d, err)
		}
	}
	if _, err := os.Stat(c.Tasks.File); os.IsNotExist(err) {
		if err := os.WriteFile(c.Tasks.File, []byte("[]"), 0o644); err != nil {
			return fmt.Errorf("config: seed task file: %w", err)
		}
	}
	return nil
}
