package builtin

import "github.com/nextlevelbuilder/helperbridge/internal/plugin"

// Options collects everything the builtin set needs from the host process.
type Options struct {
	Core      CoreOptions
	ShareDir  string
	Allowlist []string
	Asker     Asker
}

// Factories returns the builtin plugin set in load order.
func Factories(opts Options) []plugin.Factory {
	return []plugin.Factory{
		Core(opts.Core),
		SpamFilter(),
		TaskTools(),
		FileTools(opts.ShareDir),
		HTTPTools(opts.Allowlist),
		ChatTools(opts.Asker),
	}
}
