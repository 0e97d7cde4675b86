package plugin

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
)

// loadedPlugin is one live plugin with its extracted surfaces.
type loadedPlugin struct {
	plugin   Plugin
	commands []CommandSpec
	handlers []HandlerSpec
	routes   []RouteSpec
	order    int
	loadedAt time.Time
}

// PluginStatus describes one registered plugin for the HTTP surface.
type PluginStatus struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Loaded      bool      `json:"loaded"`
	Disabled    bool      `json:"disabled"`
	Error       string    `json:"error,omitempty"`
	Commands    []string  `json:"commands,omitempty"`
	Handlers    int       `json:"handlers"`
	LoadedAt    time.Time `json:"loaded_at,omitempty"`
}

// Registry owns the plugin set. A failing plugin is recorded and skipped;
// it never takes the others down.
type Registry struct {
	mu        sync.RWMutex
	deps      Deps
	factories []Factory
	disabled  map[string]bool
	loaded    map[string]*loadedPlugin
	failures  map[string]string
}

func NewRegistry(deps Deps, factories []Factory, disabled []string) *Registry {
	d := make(map[string]bool, len(disabled))
	for _, name := range disabled {
		d[strings.ToLower(name)] = true
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Registry{
		deps:      deps,
		factories: factories,
		disabled:  d,
		loaded:    make(map[string]*loadedPlugin),
		failures:  make(map[string]string),
	}
}

// LoadAll instantiates every enabled factory. Individual load failures are
// recorded, logged, and skipped.
func (r *Registry) LoadAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadAllLocked()
}

func (r *Registry) loadAllLocked() {
	for i, factory := range r.factories {
		p, err := safeBuild(factory)
		if err != nil {
			slog.Warn("plugin construction failed", "index", i, "error", err)
			continue
		}
		name := strings.ToLower(p.Name())
		if r.disabled[name] {
			continue
		}
		if _, dup := r.loaded[name]; dup {
			slog.Warn("duplicate plugin name, keeping first", "plugin", name)
			continue
		}
		if err := safeLoad(p, r.deps); err != nil {
			r.failures[name] = err.Error()
			slog.Warn("plugin load failed", "plugin", name, "error", err)
			continue
		}
		delete(r.failures, name)
		r.loaded[name] = &loadedPlugin{
			plugin:   p,
			commands: p.Commands(),
			handlers: p.Handlers(),
			routes:   p.Routes(),
			order:    i,
			loadedAt: time.Now().UTC(),
		}
		slog.Info("plugin loaded", "plugin", name, "commands", len(r.loaded[name].commands))
	}
}

// Unload removes one plugin and everything it registered. The rest of the
// registry is untouched.
func (r *Registry) Unload(name string) error {
	name = strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()

	lp, ok := r.loaded[name]
	if !ok {
		return fmt.Errorf("plugin: %s is not loaded", name)
	}
	if err := safeUnload(lp.plugin); err != nil {
		slog.Warn("plugin unload hook failed", "plugin", name, "error", err)
	}
	delete(r.loaded, name)
	slog.Info("plugin unloaded", "plugin", name)
	return nil
}

// Load instantiates one plugin from its factory by name. Used to bring a
// previously unloaded plugin back.
func (r *Registry) Load(name string) error {
	name = strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.loaded[name]; ok {
		return fmt.Errorf("plugin: %s already loaded", name)
	}
	if r.disabled[name] {
		return fmt.Errorf("plugin: %s is disabled by config", name)
	}
	for i, factory := range r.factories {
		p, err := safeBuild(factory)
		if err != nil {
			continue
		}
		if strings.ToLower(p.Name()) != name {
			continue
		}
		if err := safeLoad(p, r.deps); err != nil {
			r.failures[name] = err.Error()
			return fmt.Errorf("plugin: load %s: %w", name, err)
		}
		delete(r.failures, name)
		r.loaded[name] = &loadedPlugin{
			plugin:   p,
			commands: p.Commands(),
			handlers: p.Handlers(),
			routes:   p.Routes(),
			order:    i,
			loadedAt: time.Now().UTC(),
		}
		return nil
	}
	return fmt.Errorf("plugin: no factory named %s", name)
}

// ReloadAll tears every plugin down and rebuilds the set from factories.
// The swap is atomic: lookups either see the old set or the new one.
func (r *Registry) ReloadAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, lp := range r.loaded {
		if err := safeUnload(lp.plugin); err != nil {
			slog.Warn("plugin unload hook failed", "plugin", name, "error", err)
		}
	}
	r.loaded = make(map[string]*loadedPlugin)
	r.loadAllLocked()
	slog.Info("plugins reloaded", "count", len(r.loaded))
}

// SetDisabled replaces the disabled set. Takes effect on the next reload.
func (r *Registry) SetDisabled(names []string) {
	d := make(map[string]bool, len(names))
	for _, n := range names {
		d[strings.ToLower(n)] = true
	}
	r.mu.Lock()
	r.disabled = d
	r.mu.Unlock()
}

// Lookup resolves a command word, case-insensitively, through names and
// aliases.
func (r *Registry) Lookup(word string) (CommandSpec, bool) {
	word = strings.ToLower(word)
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, lp := range r.loaded {
		for _, cmd := range lp.commands {
			if strings.ToLower(cmd.Name) == word {
				return cmd, true
			}
			for _, alias := range cmd.Aliases {
				if strings.ToLower(alias) == word {
					return cmd, true
				}
			}
		}
	}
	return CommandSpec{}, false
}

// HandlerChain returns all handlers, highest priority first. Equal
// priorities keep plugin registration order.
func (r *Registry) HandlerChain() []HandlerSpec {
	r.mu.RLock()
	type entry struct {
		spec  HandlerSpec
		order int
	}
	var entries []entry
	for _, lp := range r.loaded {
		for _, h := range lp.handlers {
			entries = append(entries, entry{spec: h, order: lp.order})
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].spec.Priority != entries[j].spec.Priority {
			return entries[i].spec.Priority > entries[j].spec.Priority
		}
		return entries[i].order < entries[j].order
	})
	out := make([]HandlerSpec, len(entries))
	for i, e := range entries {
		out[i] = e.spec
	}
	return out
}

// Routes returns every plugin HTTP route prefixed with the plugin name.
func (r *Registry) Routes() []RouteSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []RouteSpec
	for name, lp := range r.loaded {
		for _, rt := range lp.routes {
			out = append(out, RouteSpec{
				Method:  rt.Method,
				Path:    name + "/" + strings.TrimPrefix(rt.Path, "/"),
				Handler: rt.Handler,
			})
		}
	}
	return out
}

// HelpText renders the command list, one aligned line per command.
func (r *Registry) HelpText() string {
	r.mu.RLock()
	var cmds []CommandSpec
	for _, lp := range r.loaded {
		for _, cmd := range lp.commands {
			if !cmd.Hidden {
				cmds = append(cmds, cmd)
			}
		}
	}
	r.mu.RUnlock()

	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })

	width := 0
	lines := make([]string, 0, len(cmds))
	usages := make([]string, len(cmds))
	for i, cmd := range cmds {
		u := "/" + cmd.Name
		if cmd.Usage != "" {
			u += " " + cmd.Usage
		}
		usages[i] = u
		if w := runewidth.StringWidth(u); w > width {
			width = w
		}
	}
	for i, cmd := range cmds {
		lines = append(lines, runewidth.FillRight(usages[i], width)+"  "+cmd.Help)
	}

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// Status describes every factory-known plugin, loaded or not.
func (r *Registry) Status() []PluginStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []PluginStatus
	seen := make(map[string]bool)
	for _, factory := range r.factories {
		p, err := safeBuild(factory)
		if err != nil {
			continue
		}
		name := strings.ToLower(p.Name())
		if seen[name] {
			continue
		}
		seen[name] = true

		st := PluginStatus{
			Name:        name,
			Description: p.Description(),
			Disabled:    r.disabled[name],
			Error:       r.failures[name],
		}
		if lp, ok := r.loaded[name]; ok {
			st.Loaded = true
			st.LoadedAt = lp.loadedAt
			st.Handlers = len(lp.handlers)
			for _, cmd := range lp.commands {
				st.Commands = append(st.Commands, "/"+cmd.Name)
			}
			sort.Strings(st.Commands)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func safeBuild(factory Factory) (p Plugin, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	p = factory()
	if p == nil {
		return nil, fmt.Errorf("factory returned nil")
	}
	return p, nil
}

func safeLoad(p Plugin, deps Deps) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return p.OnLoad(deps)
}

func safeUnload(p Plugin) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return p.OnUnload()
}
