// Package builtin holds the plugins compiled into the bridge binary.
package builtin

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/helperbridge/internal/plugin"
	"github.com/nextlevelbuilder/helperbridge/internal/session"
)

// CoreOptions wires the core plugin to runtime state it reports on.
type CoreOptions struct {
	Version  string
	Status   func() session.Status
	Registry func() *plugin.Registry
}

// Core provides the baseline command set every install gets.
func Core(opts CoreOptions) plugin.Factory {
	return func() plugin.Plugin {
		return &corePlugin{opts: opts, started: time.Now()}
	}
}

type corePlugin struct {
	plugin.Base
	opts    CoreOptions
	started time.Time
}

func (p *corePlugin) Name() string        { return "core" }
func (p *corePlugin) Description() string { return "baseline commands" }

func (p *corePlugin) Commands() []plugin.CommandSpec {
	return []plugin.CommandSpec{
		{Name: "start", Aliases: []string{"m"}, Help: "greeting and quick help", Run: p.cmdStart},
		{Name: "help", Aliases: []string{"h"}, Help: "list available commands", Run: p.cmdHelp},
		{Name: "ping", Help: "liveness probe", Run: func(c *plugin.Context, _ []string) error {
			return c.Reply("Pong!")
		}},
		{Name: "echo", Usage: "/echo <text>", Help: "repeat the given text", Run: func(c *plugin.Context, args []string) error {
			if len(args) == 0 {
				return c.Reply("Nothing to echo.")
			}
			return c.Reply(strings.Join(args, " "))
		}},
		{Name: "status", Help: "session state and uptime", Run: p.cmdStatus},
		{Name: "time", Help: "server time", Run: func(c *plugin.Context, _ []string) error {
			return c.Reply(time.Now().Format("2006-01-02 15:04:05 MST"))
		}},
		{Name: "uuid", Help: "generate a random UUID", Run: func(c *plugin.Context, _ []string) error {
			return c.Reply(uuid.NewString())
		}},
		{Name: "calc", Usage: "/calc <expression>", Help: "evaluate an arithmetic expression", Run: cmdCalc},
		{Name: "plugins", Help: "list plugins and their state", Run: p.cmdPlugins},
		{Name: "reload", Help: "reload all plugins", Run: p.cmdReload},
	}
}

func (p *corePlugin) cmdStart(c *plugin.Context, _ []string) error {
	return c.Reply("Hi! I relay your File Transfer Helper chat.\nSend /help for the command list.")
}

func (p *corePlugin) cmdHelp(c *plugin.Context, _ []string) error {
	if reg := p.opts.Registry(); reg != nil {
		return c.Reply(reg.HelpText())
	}
	return c.Reply("No commands registered.")
}

func (p *corePlugin) cmdStatus(c *plugin.Context, _ []string) error {
	var b strings.Builder
	if p.opts.Status != nil {
		st := p.opts.Status()
		fmt.Fprintf(&b, "state: %s\n", st.State)
		if st.UserName != "" {
			fmt.Fprintf(&b, "user: %s\n", st.UserName)
		}
		if !st.LoginAt.IsZero() {
			fmt.Fprintf(&b, "logged in: %s\n", st.LoginAt.Format(time.RFC3339))
		}
		fmt.Fprintf(&b, "reconnects: %d\n", st.Reconnects)
		if st.LastError != "" {
			fmt.Fprintf(&b, "last error: %s\n", st.LastError)
		}
	}
	fmt.Fprintf(&b, "uptime: %s", time.Since(p.started).Round(time.Second))
	if p.opts.Version != "" {
		fmt.Fprintf(&b, "\nversion: %s", p.opts.Version)
	}
	return c.Reply(b.String())
}

func (p *corePlugin) cmdPlugins(c *plugin.Context, _ []string) error {
	reg := p.opts.Registry()
	if reg == nil {
		return c.Reply("Registry unavailable.")
	}
	var lines []string
	for _, st := range reg.Status() {
		mark := "on"
		switch {
		case st.Disabled:
			mark = "disabled"
		case !st.Loaded:
			mark = "off"
		}
		line := fmt.Sprintf("%s [%s]", st.Name, mark)
		if st.Error != "" {
			line += " error: " + st.Error
		}
		lines = append(lines, line)
	}
	return c.Reply(strings.Join(lines, "\n"))
}

func (p *corePlugin) cmdReload(c *plugin.Context, _ []string) error {
	reg := p.opts.Registry()
	if reg == nil {
		return c.Reply("Registry unavailable.")
	}
	reg.ReloadAll()
	loaded := 0
	for _, st := range reg.Status() {
		if st.Loaded {
			loaded++
		}
	}
	return c.Reply(fmt.Sprintf("Reloaded, %d plugins active.", loaded))
}

func cmdCalc(c *plugin.Context, args []string) error {
	if len(args) == 0 {
		return c.Reply("Usage: /calc <expression>")
	}
	value, err := evalExpr(strings.Join(args, " "))
	if err != nil {
		return err
	}
	return c.Reply(formatNumber(value))
}
