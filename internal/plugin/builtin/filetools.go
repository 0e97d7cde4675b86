package builtin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/helperbridge/internal/plugin"
)

// maxSendBytes bounds files pushed from disk into the chat.
const maxSendBytes = 25 << 20

// FileTools sends files from a configured share directory into the chat.
func FileTools(shareDir string) plugin.Factory {
	return func() plugin.Plugin { return &filePlugin{shareDir: shareDir} }
}

type filePlugin struct {
	plugin.Base
	shareDir string
}

func (p *filePlugin) Name() string        { return "filetools" }
func (p *filePlugin) Description() string { return "send files from the share directory" }

func (p *filePlugin) Commands() []plugin.CommandSpec {
	return []plugin.CommandSpec{
		{Name: "sendfile", Aliases: []string{"sf"}, Usage: "/sendfile <name>", Help: "send a file from the share directory", Run: p.cmdSendFile},
		{Name: "files", Help: "list files in the share directory", Run: p.cmdFiles},
	}
}

func (p *filePlugin) cmdSendFile(c *plugin.Context, args []string) error {
	if p.shareDir == "" {
		return c.Reply("No share directory configured.")
	}
	if len(args) == 0 {
		return c.Reply("Usage: /sendfile <name>")
	}
	name := strings.Join(args, " ")
	full, err := p.resolve(name)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("filetools: %s not found", name)
	}
	if info.IsDir() {
		return fmt.Errorf("filetools: %s is a directory", name)
	}
	if info.Size() > maxSendBytes {
		return fmt.Errorf("filetools: %s exceeds the %d MB limit", name, maxSendBytes>>20)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return fmt.Errorf("filetools: read %s: %w", name, err)
	}
	if _, err := c.Deps.Sender.SendFile(c.Ctx, filepath.Base(full), data, c.UpdateID); err != nil {
		return err
	}
	return nil
}

func (p *filePlugin) cmdFiles(c *plugin.Context, _ []string) error {
	if p.shareDir == "" {
		return c.Reply("No share directory configured.")
	}
	entries, err := os.ReadDir(p.shareDir)
	if err != nil {
		return fmt.Errorf("filetools: list share directory: %w", err)
	}
	var lines []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s (%d KB)", e.Name(), (info.Size()+1023)/1024))
	}
	if len(lines) == 0 {
		return c.Reply("Share directory is empty.")
	}
	sort.Strings(lines)
	return c.Reply(strings.Join(lines, "\n"))
}

// resolve confines the requested name to the share directory.
func (p *filePlugin) resolve(name string) (string, error) {
	base, err := filepath.Abs(p.shareDir)
	if err != nil {
		return "", fmt.Errorf("filetools: resolve share dir: %w", err)
	}
	full, err := filepath.Abs(filepath.Join(base, name))
	if err != nil {
		return "", fmt.Errorf("filetools: resolve %s: %w", name, err)
	}
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("filetools: %s escapes the share directory", name)
	}
	return full, nil
}
