package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/helperbridge/internal/plugin"
	"github.com/nextlevelbuilder/helperbridge/internal/protocol"
)

// pingProbe is answered directly, before anything else sees the message.
const (
	pingProbe = "#ping#"
	pingReply = "Pong!"
)

// Responder produces a conversational reply for plain text that no handler
// or command consumed. Absent responder means plain text is logged only.
type Responder interface {
	Respond(ctx context.Context, text string) (string, error)
}

// Dispatcher routes one inbound message through the handler chain, then
// slash-command parsing, then the conversational fallback.
type Dispatcher struct {
	reg       *plugin.Registry
	deps      plugin.Deps
	responder Responder
}

func New(reg *plugin.Registry, deps plugin.Deps, responder Responder) *Dispatcher {
	return &Dispatcher{reg: reg, deps: deps, responder: responder}
}

// Dispatch processes one inbound message. Handler and command failures are
// reported back into the chat; they never propagate.
func (d *Dispatcher) Dispatch(ctx context.Context, msg protocol.Message, updateID int64) {
	pc := &plugin.Context{Ctx: ctx, Msg: msg, UpdateID: updateID, Deps: d.deps}

	for _, h := range d.reg.HandlerChain() {
		res, err := runHandler(h, pc)
		if err != nil {
			slog.Warn("handler failed", "handler", h.Name, "error", err)
			continue
		}
		if res == plugin.Handled {
			return
		}
	}

	if msg.Kind != protocol.KindText {
		return
	}
	text := strings.TrimSpace(msg.Text)

	if text == pingProbe {
		d.reply(ctx, updateID, pingReply)
		return
	}

	if strings.HasPrefix(text, "/") {
		d.runCommand(pc, text)
		return
	}

	if d.responder != nil {
		answer, err := d.responder.Respond(ctx, text)
		if err != nil {
			slog.Warn("chat responder failed", "error", err)
			d.reply(ctx, updateID, "chat webhook request failed: "+err.Error())
			return
		}
		if answer != "" {
			d.reply(ctx, updateID, answer)
		}
	}
}

// Execute runs a command line outside the message flow, e.g. from a
// scheduled task. Non-command lines are sent into the chat as-is.
func (d *Dispatcher) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := d.deps.Sender.SendText(ctx, line, 0)
		return err
	}

	word, args := splitCommand(line)
	cmd, ok := d.reg.Lookup(word)
	if !ok {
		return fmt.Errorf("dispatch: unknown command /%s", word)
	}
	pc := &plugin.Context{Ctx: ctx, Deps: d.deps}
	if err := runCommand(cmd, pc, args); err != nil {
		return fmt.Errorf("dispatch: /%s: %w", word, err)
	}
	return nil
}

func (d *Dispatcher) runCommand(pc *plugin.Context, text string) {
	word, args := splitCommand(text)
	cmd, ok := d.reg.Lookup(word)
	if !ok {
		d.reply(pc.Ctx, pc.UpdateID, "Unknown command /"+word+"\n\n"+d.reg.HelpText())
		return
	}
	if err := runCommand(cmd, pc, args); err != nil {
		slog.Warn("command failed", "command", word, "error", err)
		d.reply(pc.Ctx, pc.UpdateID, fmt.Sprintf("Command /%s failed: %v", word, err))
	}
}

func (d *Dispatcher) reply(ctx context.Context, replyTo int64, text string) {
	if _, err := d.deps.Sender.SendText(ctx, text, replyTo); err != nil {
		slog.Warn("reply delivery failed", "error", err)
	}
}

// splitCommand separates the command word from its arguments. The leading
// slash is dropped and a telegram-style @suffix on the word is ignored.
func splitCommand(text string) (string, []string) {
	fields := strings.Fields(strings.TrimPrefix(text, "/"))
	if len(fields) == 0 {
		return "", nil
	}
	word := fields[0]
	if at := strings.IndexByte(word, '@'); at > 0 {
		word = word[:at]
	}
	return strings.ToLower(word), fields[1:]
}

func runHandler(h plugin.HandlerSpec, pc *plugin.Context) (res plugin.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = plugin.Continue
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return h.Run(pc)
}

func runCommand(cmd plugin.CommandSpec, pc *plugin.Context, args []string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return cmd.Run(pc, args)
}
