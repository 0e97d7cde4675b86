package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/helperbridge/internal/plugin"
)

// chatEnabledKey persists the /chat on|off toggle across reloads.
const chatEnabledKey = "chattools.enabled"

// Asker forwards a prompt to an external responder and returns its answer.
type Asker interface {
	Respond(ctx context.Context, text string) (string, error)
}

// ChatTools routes /ask prompts to the configured chat responder and lets
// the owner toggle it from the chat.
func ChatTools(asker Asker) plugin.Factory {
	return func() plugin.Plugin { return &chatPlugin{asker: asker} }
}

type chatPlugin struct {
	plugin.Base
	asker Asker
	deps  plugin.Deps
}

func (p *chatPlugin) Name() string        { return "chattools" }
func (p *chatPlugin) Description() string { return "forward prompts to the chat responder" }

func (p *chatPlugin) OnLoad(deps plugin.Deps) error {
	p.deps = deps
	return nil
}

func (p *chatPlugin) Commands() []plugin.CommandSpec {
	return []plugin.CommandSpec{
		{
			Name:  "ask",
			Usage: "/ask <prompt>",
			Help:  "send a prompt to the configured responder",
			Run:   p.cmdAsk,
		},
		{
			Name:  "chat",
			Usage: "/chat status|on|off",
			Help:  "inspect or toggle the chat responder",
			Run:   p.cmdChat,
		},
	}
}

func (p *chatPlugin) cmdAsk(c *plugin.Context, args []string) error {
	if p.asker == nil {
		return c.Reply("No responder configured.")
	}
	if !p.enabled(c.Ctx) {
		return c.Reply("Responder is off. Enable it with /chat on.")
	}
	if len(args) == 0 {
		return c.Reply("Usage: /ask <prompt>")
	}
	answer, err := p.asker.Respond(c.Ctx, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("chattools: responder: %w", err)
	}
	if strings.TrimSpace(answer) == "" {
		return c.Reply("(no answer)")
	}
	return c.Reply(answer)
}

func (p *chatPlugin) cmdChat(c *plugin.Context, args []string) error {
	sub := "status"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "status":
		switch {
		case p.asker == nil:
			return c.Reply("Responder: not configured.")
		case p.enabled(c.Ctx):
			return c.Reply("Responder: on.")
		default:
			return c.Reply("Responder: off.")
		}
	case "on", "off":
		if p.asker == nil {
			return c.Reply("No responder configured.")
		}
		if p.deps.KV == nil {
			return c.Reply("No storage available for the toggle.")
		}
		if err := p.deps.KV.KVSet(c.Ctx, chatEnabledKey, sub); err != nil {
			return err
		}
		return c.Reply("Responder " + sub + ".")
	default:
		return c.Reply("Usage: /chat status|on|off")
	}
}

// enabled defaults to on when the toggle was never set.
func (p *chatPlugin) enabled(ctx context.Context) bool {
	if p.deps.KV == nil {
		return true
	}
	v, err := p.deps.KV.KVGet(ctx, chatEnabledKey)
	if err != nil {
		return true
	}
	return v != "off"
}
