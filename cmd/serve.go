package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/helperbridge/internal/config"
	"github.com/nextlevelbuilder/helperbridge/internal/dispatch"
	"github.com/nextlevelbuilder/helperbridge/internal/files"
	"github.com/nextlevelbuilder/helperbridge/internal/httpapi"
	"github.com/nextlevelbuilder/helperbridge/internal/plugin"
	"github.com/nextlevelbuilder/helperbridge/internal/plugin/builtin"
	"github.com/nextlevelbuilder/helperbridge/internal/protocol"
	"github.com/nextlevelbuilder/helperbridge/internal/scheduler"
	"github.com/nextlevelbuilder/helperbridge/internal/session"
	"github.com/nextlevelbuilder/helperbridge/internal/store"
	"github.com/nextlevelbuilder/helperbridge/internal/webhook"
)

// lateRunner defers the scheduler's command runner until the dispatcher
// exists; the dispatcher in turn needs the registry the scheduler feeds.
type lateRunner struct {
	d *dispatch.Dispatcher
}

func (r *lateRunner) Execute(ctx context.Context, line string) error {
	if r.d == nil {
		return fmt.Errorf("dispatcher not ready")
	}
	return r.d.Execute(ctx, line)
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.EnsureRuntime(); err != nil {
		slog.Error("failed to prepare runtime directories", "error", err)
		os.Exit(1)
	}
	label := cfg.ServerLabel
	if label == "" {
		label, _ = os.Hostname()
	}

	var tracer *protocol.Tracer
	if cfg.Trace.Enabled {
		tracer = protocol.NewTracer(protocol.TracerOptions{
			Redact:      cfg.Trace.Redact,
			MaxBodySize: cfg.Trace.MaxBodySize,
			Dir:         cfg.Trace.Dir,
		})
	}

	st, err := store.Open(cfg.Store.Path, store.Options{
		DefaultLimit: cfg.Store.DefaultLimit,
		MaxLimit:     cfg.Store.MaxLimit,
	})
	if err != nil {
		slog.Error("failed to open message store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	client := protocol.NewClient(protocol.Options{
		EntryHost: cfg.WeChat.EntryHost,
		StatePath: cfg.WeChat.StatePath,
		Tracer:    tracer,
	})

	notifier := webhook.NewNotifier(webhook.Options{
		URL:         cfg.Webhook.URL,
		Timeout:     time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second,
		RatePerMin:  cfg.Webhook.RatePerMinute,
		MaxInflight: cfg.Webhook.MaxInflight,
	})

	var responder *webhook.ChatResponder
	if cfg.Chat.Enabled && cfg.Chat.URL != "" {
		responder = webhook.NewChatResponder(cfg.Chat.URL, time.Duration(cfg.Chat.TimeoutSeconds)*time.Second)
	}

	// Late-bound pieces: engine -> sink -> dispatcher -> registry -> scheduler
	// -> back to the dispatcher via lateRunner.
	runner := &lateRunner{}
	sched, err := scheduler.New(cfg.Tasks.File, time.Duration(cfg.Tasks.TickSeconds)*time.Second, runner)
	if err != nil {
		slog.Error("failed to load task file", "error", err)
		os.Exit(1)
	}

	var engine *session.Engine
	var reg *plugin.Registry
	var dispatcher *dispatch.Dispatcher
	var srv *httpapi.Server

	fm := files.NewManager(files.Options{
		Dir:        cfg.Files.DownloadDir,
		DateSubdir: cfg.Files.DateSubdir,
		Thumbnails: cfg.Files.Thumbnails,
		Retention:  time.Duration(cfg.Files.RetentionDays) * 24 * time.Hour,
	}, st, sessionDownloader{&engine})

	sink := func(ctx context.Context, msg protocol.Message) {
		rec := store.Record{
			RemoteID: msg.RemoteID,
			Kind:     string(msg.Kind),
			Text:     msg.Text,
			FileName: msg.FileName,
			IsSelf:   msg.IsSelf,
		}
		id, err := st.Append(ctx, rec)
		if err != nil {
			slog.Error("failed to log update", "error", err)
			return
		}
		rec.ID = id
		rec.CreatedAt = time.Now().UTC()

		if cfg.Files.AutoDownload && rec.Kind != "text" && rec.RemoteID != "" {
			go func() {
				dlCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				if _, err := fm.Fetch(dlCtx, rec); err != nil {
					slog.Warn("auto-download failed", "update", rec.ID, "error", err)
				}
			}()
		}

		notifier.Notify(rec)
		srv.Publish(rec)
		dispatcher.Dispatch(ctx, msg, id)
	}

	engine = session.New(client, session.Options{
		HeartbeatInterval:    time.Duration(cfg.Stability.HeartbeatSeconds) * time.Second,
		ReconnectDelay:       time.Duration(cfg.Stability.ReconnectDelaySeconds) * time.Second,
		MaxReconnectAttempts: cfg.Stability.MaxReconnectAttempts,
		ExponentialBackoff:   cfg.Stability.ExponentialBackoff,
		Recorder:             outboundJournal{st},
	}, sink)

	if responder != nil {
		responder.Server = label
		responder.From = func() string { return engine.Status().UserName }
	}

	var asker builtin.Asker
	if responder != nil {
		asker = responder
	}
	factories := builtin.Factories(builtin.Options{
		Core: builtin.CoreOptions{
			Version:  Version,
			Status:   func() session.Status { return engine.Status() },
			Registry: func() *plugin.Registry { return reg },
		},
		ShareDir:  cfg.Files.DownloadDir,
		Allowlist: cfg.HTTP.Allowlist,
		Asker:     asker,
	})
	reg = plugin.NewRegistry(plugin.Deps{
		Sender: engine,
		KV:     st,
		Tasks:  scheduler.Service{S: sched},
		Log:    slog.Default(),
	}, factories, cfg.Plugins.Disabled)
	reg.LoadAll()

	var dispatchResponder dispatch.Responder
	if responder != nil {
		dispatchResponder = responder
	}
	dispatcher = dispatch.New(reg, plugin.Deps{
		Sender: engine,
		KV:     st,
		Tasks:  scheduler.Service{S: sched},
		Log:    slog.Default(),
	}, dispatchResponder)
	runner.d = dispatcher

	srv = httpapi.NewServer(httpapi.Options{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Label:   label,
		Engine:  engine,
		Store:   st,
		Plugins: reg,
		Tasks:   sched,
		Webhook: notifier,
		Files:   fm,
		Tracer:  tracer,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	if cfg.Files.RetentionDays > 0 {
		g.Go(func() error { return fm.RunRetention(ctx) })
	}
	if cfg.Plugins.Watch {
		g.Go(func() error { return plugin.Watch(ctx, reg, cfgPath, 500*time.Millisecond) })
	}

	slog.Info("helperbridge started",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"entry_host", cfg.WeChat.EntryHost,
		"plugins", strings.Join(loadedPluginNames(reg), ","),
		"version", Version,
	)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("service stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// outboundJournal mirrors delivered messages into the update log so sends
// page back through getUpdates like any synced message.
type outboundJournal struct {
	st *store.Store
}

func (j outboundJournal) AppendOutbound(ctx context.Context, out session.Outbound) (int64, error) {
	return j.st.Append(ctx, store.Record{
		RemoteID:  out.RemoteID,
		Kind:      string(out.Kind),
		Text:      out.Text,
		FileName:  out.FileName,
		FileSize:  out.FileSize,
		IsSelf:    true,
		ReplyToID: out.ReplyTo,
	})
}

// sessionDownloader lets the files manager be constructed before the engine.
type sessionDownloader struct {
	engine **session.Engine
}

func (d sessionDownloader) DownloadMedia(ctx context.Context, remoteID string) ([]byte, error) {
	e := *d.engine
	if e == nil {
		return nil, fmt.Errorf("session not ready")
	}
	return e.DownloadMedia(ctx, remoteID)
}

func loadedPluginNames(reg *plugin.Registry) []string {
	var names []string
	for _, st := range reg.Status() {
		if st.Loaded {
			names = append(names, st.Name)
		}
	}
	return names
}
