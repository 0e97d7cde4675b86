package plugin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/helperbridge/internal/protocol"
)

// Result tells the dispatcher whether a handler consumed the message.
type Result int

const (
	// Continue passes the message to the next handler in the chain.
	Continue Result = iota
	// Handled stops the chain; no command parsing or fallback runs.
	Handled
)

// Sender delivers outbound messages into the self-chat. replyTo is the
// update id the message answers, 0 for none; the returned id is the
// delivered message's own slot in the update log.
type Sender interface {
	SendText(ctx context.Context, text string, replyTo int64) (int64, error)
	SendFile(ctx context.Context, name string, data []byte, replyTo int64) (int64, error)
}

// KV is the persistent key-value area plugins may use.
type KV interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, value string) error
	KVDelete(ctx context.Context, key string) error
}

// TaskInfo is a scheduled task as seen by plugins.
type TaskInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Command   string    `json:"command"`
	Enabled   bool      `json:"enabled"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	NextRunAt time.Time `json:"next_run_at,omitempty"`
}

// TaskService lets plugins manage scheduled tasks.
type TaskService interface {
	Tasks() []TaskInfo
	AddTask(name, schedule, command string) (TaskInfo, error)
	DeleteTask(id string) error
	SetTaskEnabled(id string, enabled bool) error
	RunTaskNow(ctx context.Context, id string) error
}

// Deps is everything a plugin gets at load time.
type Deps struct {
	Sender Sender
	KV     KV
	Tasks  TaskService
	Log    *slog.Logger
}

// Context carries one inbound message through handlers and commands.
type Context struct {
	Ctx      context.Context
	Msg      protocol.Message
	UpdateID int64
	Deps     Deps
}

// Reply sends text back into the self-chat, linked to the triggering update.
func (c *Context) Reply(text string) error {
	_, err := c.Deps.Sender.SendText(c.Ctx, text, c.UpdateID)
	return err
}

// CommandFunc runs a slash command. args excludes the command word itself.
type CommandFunc func(c *Context, args []string) error

// CommandSpec declares one slash command.
type CommandSpec struct {
	Name    string
	Aliases []string
	Usage   string
	Help    string
	Run     CommandFunc
	Hidden  bool // excluded from generated help
}

// HandlerFunc inspects a message before command parsing. Returning Handled
// stops the chain.
type HandlerFunc func(c *Context) (Result, error)

// HandlerSpec declares one message handler. Higher priority runs first;
// equal priorities keep registration order.
type HandlerSpec struct {
	Name     string
	Priority int
	Run      HandlerFunc
}

// RouteSpec lets a plugin expose an HTTP endpoint under /plugins/.
type RouteSpec struct {
	Method  string
	Path    string // relative to the plugin's prefix, e.g. "stats"
	Handler http.HandlerFunc
}

// Plugin is one unit of optional behavior. Implementations are registered
// as factories and instantiated per load so reload starts from clean state.
type Plugin interface {
	Name() string
	Description() string
	Commands() []CommandSpec
	Handlers() []HandlerSpec
	Routes() []RouteSpec
	OnLoad(deps Deps) error
	OnUnload() error
}

// Factory builds a fresh plugin instance.
type Factory func() Plugin

// Base is a no-op partial implementation most plugins embed.
type Base struct{}

func (Base) Commands() []CommandSpec { return nil }
func (Base) Handlers() []HandlerSpec { return nil }
func (Base) Routes() []RouteSpec     { return nil }
func (Base) OnLoad(Deps) error       { return nil }
func (Base) OnUnload() error         { return nil }
