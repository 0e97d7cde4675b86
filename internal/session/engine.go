package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/helperbridge/internal/protocol"
)

// State is the engine's connection state.
type State string

const (
	StateLoggedOut    State = "logged_out"
	StateAwaitingScan State = "awaiting_scan"
	StateScanned      State = "scanned"
	StateLoggedIn     State = "logged_in"
)

var (
	// ErrNotAuthenticated is returned by send operations outside StateLoggedIn.
	ErrNotAuthenticated = errors.New("session: not authenticated")
	// ErrDeliveryFailed wraps remote send failures.
	ErrDeliveryFailed = errors.New("session: delivery failed")
)

// Remote is the protocol surface the engine drives. *protocol.Client
// implements it; tests substitute a fake.
type Remote interface {
	BeginLogin(ctx context.Context) error
	QRCode(ctx context.Context) ([]byte, error)
	PollLogin(ctx context.Context) (protocol.LoginStatus, error)
	SyncCheck(ctx context.Context) (protocol.SyncStatus, error)
	Sync(ctx context.Context) ([]protocol.Message, error)
	SendText(ctx context.Context, text string) (string, error)
	SendFile(ctx context.Context, name string, data []byte) (string, error)
	DownloadMedia(ctx context.Context, remoteID string) ([]byte, error)
	HasAuth() bool
	UserName() string
	UIN() string
	Reset()
	LoadState() (bool, error)
	SaveState() error
	ClearState() error
}

// Sink receives every inbound message the engine syncs.
type Sink func(ctx context.Context, msg protocol.Message)

// Outbound is one delivered message handed to the journal. ReplyTo is the
// update id it answers, 0 when it answers nothing.
type Outbound struct {
	RemoteID string
	Kind     protocol.Kind
	Text     string
	FileName string
	FileSize int64
	ReplyTo  int64
}

// Recorder journals delivered messages into the update log so sends show
// up in the same stream as synced messages.
type Recorder interface {
	AppendOutbound(ctx context.Context, out Outbound) (int64, error)
}

// Options tunes the engine's polling and recovery behavior.
type Options struct {
	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	ExponentialBackoff   bool
	LoginPollInterval    time.Duration
	Recorder             Recorder
}

// Status is a point-in-time snapshot for the HTTP surface.
type Status struct {
	State       State     `json:"state"`
	UserName    string    `json:"user_name,omitempty"`
	UIN         string    `json:"uin,omitempty"`
	LoginAt     time.Time `json:"login_at,omitempty"`
	LastSyncAt  time.Time `json:"last_sync_at,omitempty"`
	Reconnects  int       `json:"reconnects"`
	LastError   string    `json:"last_error,omitempty"`
	LoginStatus string    `json:"login_status,omitempty"`
}

// Engine owns the login/poll/heartbeat lifecycle against one remote account.
// It runs as a single goroutine loop; Run blocks until the context ends.
type Engine struct {
	remote Remote
	opts   Options
	sink   Sink

	mu         sync.Mutex
	state      State
	loginPoll  protocol.LoginStatus
	loginAt    time.Time
	lastSyncAt time.Time
	reconnects int
	lastError  string

	logoutCh chan struct{}
}

func New(remote Remote, opts Options, sink Sink) *Engine {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 10
	}
	if opts.LoginPollInterval <= 0 {
		opts.LoginPollInterval = 2 * time.Second
	}
	if sink == nil {
		sink = func(context.Context, protocol.Message) {}
	}
	return &Engine{
		remote:   remote,
		opts:     opts,
		sink:     sink,
		state:    StateLoggedOut,
		logoutCh: make(chan struct{}, 1),
	}
}

// Run drives the session until ctx is canceled. A saved session is resumed
// when possible; otherwise the engine cycles QR login until someone scans.
func (e *Engine) Run(ctx context.Context) error {
	if ok, err := e.remote.LoadState(); err != nil {
		slog.Warn("saved session unusable", "error", err)
	} else if ok {
		slog.Info("resuming saved session", "uin", e.remote.UIN())
		e.setLoggedIn()
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch e.currentState() {
		case StateLoggedIn:
			e.syncLoop(ctx)
		default:
			if !e.loginLoop(ctx) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
		}
	}
}

// loginLoop fetches a QR ticket and polls it to completion. Returns true
// once the session is established.
func (e *Engine) loginLoop(ctx context.Context) bool {
	if err := e.remote.BeginLogin(ctx); err != nil {
		e.noteError(fmt.Errorf("session: begin login: %w", err))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(e.opts.ReconnectDelay):
		}
		return false
	}
	e.setState(StateAwaitingScan, protocol.StatusWaiting)
	slog.Info("login started, waiting for QR scan")

	ticker := time.NewTicker(e.opts.LoginPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-e.logoutCh:
			e.setState(StateLoggedOut, 0)
			return false
		case <-ticker.C:
		}

		status, err := e.remote.PollLogin(ctx)
		if err != nil {
			e.noteError(err)
		}
		switch status {
		case protocol.StatusConfirmed:
			e.setLoggedIn()
			slog.Info("session established", "user", e.remote.UserName(), "uin", e.remote.UIN())
			return true
		case protocol.StatusScanned:
			e.setState(StateScanned, status)
		case protocol.StatusWaiting:
			e.setState(StateAwaitingScan, status)
		default:
			// Expired ticket: drop back and fetch a fresh QR.
			e.setState(StateLoggedOut, status)
			return false
		}
	}
}

// syncLoop long-polls for messages until the session dies or ctx ends.
// Transient failures retry with bounded attempts; an invalid session or
// exhausted retries drop back to StateLoggedOut.
func (e *Engine) syncLoop(ctx context.Context) {
	heartbeat := time.NewTicker(e.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.logoutCh:
			e.dropSession("logged out")
			return
		case <-heartbeat.C:
			if err := e.heartbeat(ctx); err != nil {
				slog.Warn("heartbeat probe failed", "error", err)
				e.noteError(err)
			}
			continue
		default:
		}

		status, err := e.remote.SyncCheck(ctx)
		if err != nil && ctx.Err() != nil {
			return
		}

		switch status {
		case protocol.SyncIdle:
			failures = 0
			e.touchSync()
		case protocol.SyncHasMessages:
			failures = 0
			msgs, err := e.remote.Sync(ctx)
			if err != nil {
				e.noteError(err)
				failures++
			} else {
				e.touchSync()
				for _, m := range msgs {
					e.sink(ctx, m)
				}
			}
		case protocol.SyncInvalid:
			slog.Warn("remote invalidated the session")
			e.dropSession("session invalidated by remote")
			return
		case protocol.SyncRetry:
			e.noteError(err)
			failures++
		}

		if failures > 0 {
			if failures >= e.opts.MaxReconnectAttempts {
				slog.Error("giving up after max reconnect attempts", "attempts", failures)
				e.dropSession("max reconnect attempts exceeded")
				return
			}
			delay := e.retryDelay(failures)
			e.mu.Lock()
			e.reconnects++
			e.mu.Unlock()
			slog.Info("sync retry", "attempt", failures, "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-e.logoutCh:
				e.dropSession("logged out")
				return
			case <-time.After(delay):
			}
		}
	}
}

// heartbeat persists credentials on cadence and, when the sync loop has
// gone quiet for more than two intervals, probes the remote to confirm
// the session is still alive.
func (e *Engine) heartbeat(ctx context.Context) error {
	if err := e.remote.SaveState(); err != nil {
		slog.Warn("heartbeat state save failed", "error", err)
	}

	e.mu.Lock()
	last := e.lastSyncAt
	e.mu.Unlock()
	if last.IsZero() || time.Since(last) <= 2*e.opts.HeartbeatInterval {
		return nil
	}

	status, err := e.remote.SyncCheck(ctx)
	if err != nil {
		return fmt.Errorf("session: stale probe: %w", err)
	}
	if status == protocol.SyncInvalid {
		return errors.New("session: stale probe: session invalidated")
	}
	e.touchSync()
	return nil
}

func (e *Engine) touchSync() {
	e.mu.Lock()
	e.lastSyncAt = time.Now().UTC()
	e.mu.Unlock()
}

func (e *Engine) retryDelay(attempt int) time.Duration {
	if !e.opts.ExponentialBackoff {
		return e.opts.ReconnectDelay
	}
	delay := e.opts.ReconnectDelay * time.Duration(1<<uint(attempt-1))
	if max := 60 * time.Second; delay > max {
		delay = max
	}
	return delay
}

// QR returns the current login QR PNG. Only meaningful while a login is in
// progress.
func (e *Engine) QR(ctx context.Context) ([]byte, error) {
	st := e.currentState()
	if st == StateLoggedIn {
		return nil, fmt.Errorf("session: already logged in")
	}
	return e.remote.QRCode(ctx)
}

// SendText delivers text into the self-chat and returns the update id the
// journal assigned, 0 when no journal is configured.
func (e *Engine) SendText(ctx context.Context, text string, replyTo int64) (int64, error) {
	if e.currentState() != StateLoggedIn {
		return 0, ErrNotAuthenticated
	}
	remoteID, err := e.remote.SendText(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return e.journal(ctx, Outbound{
		RemoteID: remoteID,
		Kind:     protocol.KindText,
		Text:     text,
		ReplyTo:  replyTo,
	})
}

// SendFile delivers a named payload into the self-chat.
func (e *Engine) SendFile(ctx context.Context, name string, data []byte, replyTo int64) (int64, error) {
	if e.currentState() != StateLoggedIn {
		return 0, ErrNotAuthenticated
	}
	remoteID, err := e.remote.SendFile(ctx, name, data)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return e.journal(ctx, Outbound{
		RemoteID: remoteID,
		Kind:     protocol.KindForFile(name),
		FileName: name,
		FileSize: int64(len(data)),
		ReplyTo:  replyTo,
	})
}

// journal records a delivered message. Delivery already happened, so a
// journal failure is logged rather than surfaced to the sender.
func (e *Engine) journal(ctx context.Context, out Outbound) (int64, error) {
	if e.opts.Recorder == nil {
		return 0, nil
	}
	id, err := e.opts.Recorder.AppendOutbound(ctx, out)
	if err != nil {
		slog.Warn("outbound journal failed", "error", err)
		return 0, nil
	}
	return id, nil
}

// DownloadMedia fetches the binary payload of a synced message.
func (e *Engine) DownloadMedia(ctx context.Context, remoteID string) ([]byte, error) {
	if e.currentState() != StateLoggedIn {
		return nil, ErrNotAuthenticated
	}
	return e.remote.DownloadMedia(ctx, remoteID)
}

// SaveSession persists the live session credentials immediately, outside
// the heartbeat cadence.
func (e *Engine) SaveSession() error {
	if e.currentState() != StateLoggedIn {
		return ErrNotAuthenticated
	}
	return e.remote.SaveState()
}

// Logout tears the session down and wipes saved credentials. The engine
// drops to StateLoggedOut and starts a fresh QR login cycle.
func (e *Engine) Logout() error {
	if err := e.remote.ClearState(); err != nil {
		return err
	}
	select {
	case e.logoutCh <- struct{}{}:
	default:
	}
	return nil
}

// Status snapshots the engine for the HTTP surface.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		State:      e.state,
		LoginAt:    e.loginAt,
		LastSyncAt: e.lastSyncAt,
		Reconnects: e.reconnects,
		LastError:  e.lastError,
	}
	if e.state != StateLoggedIn && e.loginPoll != 0 {
		st.LoginStatus = e.loginPoll.String()
	}
	if e.state == StateLoggedIn {
		st.UserName = e.remote.UserName()
		st.UIN = e.remote.UIN()
	}
	return st
}

func (e *Engine) currentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State, poll protocol.LoginStatus) {
	e.mu.Lock()
	e.state = s
	e.loginPoll = poll
	e.mu.Unlock()
}

func (e *Engine) setLoggedIn() {
	e.mu.Lock()
	e.state = StateLoggedIn
	e.loginAt = time.Now().UTC()
	e.lastError = ""
	e.mu.Unlock()
}

func (e *Engine) dropSession(reason string) {
	e.remote.Reset()
	e.mu.Lock()
	e.state = StateLoggedOut
	e.lastError = reason
	e.mu.Unlock()
}

func (e *Engine) noteError(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	e.lastError = err.Error()
	e.mu.Unlock()
}
