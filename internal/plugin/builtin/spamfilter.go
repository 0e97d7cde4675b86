package builtin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/nextlevelbuilder/helperbridge/internal/plugin"
)

// spamWordsKey is where the filter keeps its word list.
const spamWordsKey = "spamfilter.words"

// SpamFilter drops messages containing configured words before any other
// handling runs.
func SpamFilter() plugin.Factory {
	return func() plugin.Plugin { return &spamPlugin{} }
}

type spamPlugin struct {
	plugin.Base
	deps    plugin.Deps
	dropped atomic.Int64
}

func (p *spamPlugin) Name() string        { return "spamfilter" }
func (p *spamPlugin) Description() string { return "drop messages matching the word list" }

func (p *spamPlugin) OnLoad(deps plugin.Deps) error {
	p.deps = deps
	return nil
}

func (p *spamPlugin) Handlers() []plugin.HandlerSpec {
	return []plugin.HandlerSpec{{
		Name:     "spamfilter",
		Priority: 100,
		Run:      p.filter,
	}}
}

func (p *spamPlugin) filter(c *plugin.Context) (plugin.Result, error) {
	if c.Msg.Kind != "text" || strings.HasPrefix(c.Msg.Text, "/") {
		return plugin.Continue, nil
	}
	lower := strings.ToLower(c.Msg.Text)
	for _, word := range p.words(c.Ctx) {
		if word != "" && strings.Contains(lower, word) {
			p.dropped.Add(1)
			c.Deps.Log.Info("message dropped", "filter", "spamfilter", "word", word)
			return plugin.Handled, nil
		}
	}
	return plugin.Continue, nil
}

func (p *spamPlugin) Commands() []plugin.CommandSpec {
	return []plugin.CommandSpec{{
		Name:  "spam",
		Usage: "/spam list|add|del <word>",
		Help:  "manage the spam word list",
		Run:   p.cmdSpam,
	}}
}

func (p *spamPlugin) cmdSpam(c *plugin.Context, args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}
	words := p.words(c.Ctx)
	switch args[0] {
	case "list", "ls":
		if len(words) == 0 {
			return c.Reply("Word list is empty.")
		}
		return c.Reply(strings.Join(words, ", "))
	case "add":
		if len(args) < 2 {
			return c.Reply("Usage: /spam add <word>")
		}
		word := strings.ToLower(args[1])
		for _, w := range words {
			if w == word {
				return c.Reply("Already listed.")
			}
		}
		words = append(words, word)
		if err := p.saveWords(c.Ctx, words); err != nil {
			return err
		}
		return c.Reply("Added.")
	case "del", "rm":
		if len(args) < 2 {
			return c.Reply("Usage: /spam del <word>")
		}
		word := strings.ToLower(args[1])
		kept := words[:0]
		for _, w := range words {
			if w != word {
				kept = append(kept, w)
			}
		}
		if len(kept) == len(words) {
			return c.Reply("Not listed.")
		}
		if err := p.saveWords(c.Ctx, kept); err != nil {
			return err
		}
		return c.Reply("Removed.")
	default:
		return c.Reply("Usage: /spam list|add|del <word>")
	}
}

func (p *spamPlugin) Routes() []plugin.RouteSpec {
	return []plugin.RouteSpec{{
		Method: http.MethodGet,
		Path:   "stats",
		Handler: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"dropped": p.dropped.Load(),
				"words":   p.words(r.Context()),
			})
		},
	}}
}

func (p *spamPlugin) words(ctx context.Context) []string {
	if p.deps.KV == nil {
		return nil
	}
	raw, err := p.deps.KV.KVGet(ctx, spamWordsKey)
	if err != nil || raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	words := parts[:0]
	for _, w := range parts {
		if w = strings.TrimSpace(w); w != "" {
			words = append(words, strings.ToLower(w))
		}
	}
	return words
}

func (p *spamPlugin) saveWords(ctx context.Context, words []string) error {
	if len(words) == 0 {
		return p.deps.KV.KVDelete(ctx, spamWordsKey)
	}
	return p.deps.KV.KVSet(ctx, spamWordsKey, strings.Join(words, ","))
}
