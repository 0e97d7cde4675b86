package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/helperbridge/internal/protocol"
)

// fakeRemote scripts the protocol surface for engine tests.
type fakeRemote struct {
	mu sync.Mutex

	hasSaved    bool
	loginPolls  []protocol.LoginStatus
	syncChecks  []protocol.SyncStatus
	syncBatches [][]protocol.Message

	resets         int
	stateSaves     int
	cleared        bool
	sentTexts      []string
	syncCheckCalls int

	sendErr error
}

func (f *fakeRemote) BeginLogin(context.Context) error { return nil }

func (f *fakeRemote) QRCode(context.Context) ([]byte, error) { return []byte("png"), nil }

func (f *fakeRemote) PollLogin(context.Context) (protocol.LoginStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.loginPolls) == 0 {
		return protocol.StatusWaiting, nil
	}
	next := f.loginPolls[0]
	f.loginPolls = f.loginPolls[1:]
	return next, nil
}

func (f *fakeRemote) SyncCheck(ctx context.Context) (protocol.SyncStatus, error) {
	f.mu.Lock()
	f.syncCheckCalls++
	if len(f.syncChecks) == 0 {
		f.mu.Unlock()
		// Emulate the long-poll hold so the loop does not spin.
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Millisecond):
		}
		return protocol.SyncIdle, nil
	}
	next := f.syncChecks[0]
	f.syncChecks = f.syncChecks[1:]
	f.mu.Unlock()
	if next == protocol.SyncRetry {
		return next, errors.New("connection reset")
	}
	return next, nil
}

func (f *fakeRemote) Sync(context.Context) ([]protocol.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.syncBatches) == 0 {
		return nil, nil
	}
	batch := f.syncBatches[0]
	f.syncBatches = f.syncBatches[1:]
	return batch, nil
}

func (f *fakeRemote) SendText(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sentTexts = append(f.sentTexts, text)
	return "id1", nil
}

func (f *fakeRemote) SendFile(context.Context, string, []byte) (string, error) {
	return "id2", nil
}

func (f *fakeRemote) DownloadMedia(context.Context, string) ([]byte, error) {
	return []byte("bin"), nil
}

func (f *fakeRemote) HasAuth() bool    { return f.hasSaved }
func (f *fakeRemote) UserName() string { return "@owner" }
func (f *fakeRemote) UIN() string      { return "42" }

func (f *fakeRemote) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakeRemote) LoadState() (bool, error) { return f.hasSaved, nil }

func (f *fakeRemote) SaveState() error {
	f.mu.Lock()
	f.stateSaves++
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) ClearState() error {
	f.mu.Lock()
	f.cleared = true
	f.mu.Unlock()
	return nil
}

func waitForState(t *testing.T, e *Engine, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("engine never reached %s, stuck at %s", want, e.Status().State)
}

func testOptions() Options {
	return Options{
		HeartbeatInterval:    50 * time.Millisecond,
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectAttempts: 3,
		LoginPollInterval:    5 * time.Millisecond,
	}
}

func TestResumeSavedSession(t *testing.T) {
	remote := &fakeRemote{hasSaved: true}
	e := New(remote, testOptions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	waitForState(t, e, StateLoggedIn)
	st := e.Status()
	if st.UserName != "@owner" || st.UIN != "42" {
		t.Errorf("status identity = %q/%q", st.UserName, st.UIN)
	}
}

func TestLoginProgression(t *testing.T) {
	remote := &fakeRemote{
		loginPolls: []protocol.LoginStatus{
			protocol.StatusWaiting,
			protocol.StatusScanned,
			protocol.StatusConfirmed,
		},
	}
	e := New(remote, testOptions(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go e.Run(ctx)

	waitForState(t, e, StateLoggedIn)
}

func TestSendRequiresLogin(t *testing.T) {
	remote := &fakeRemote{}
	e := New(remote, testOptions(), nil)

	if _, err := e.SendText(context.Background(), "hi", 0); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("SendText while logged out: %v", err)
	}
	if _, err := e.SendFile(context.Background(), "a.txt", []byte("x"), 0); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("SendFile while logged out: %v", err)
	}
	if len(remote.sentTexts) != 0 {
		t.Errorf("remote saw a send while logged out")
	}
}

type captureRecorder struct {
	mu   sync.Mutex
	outs []Outbound
}

func (r *captureRecorder) AppendOutbound(_ context.Context, out Outbound) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outs = append(r.outs, out)
	return int64(len(r.outs)), nil
}

func TestSendJournalsOutbound(t *testing.T) {
	rec := &captureRecorder{}
	remote := &fakeRemote{hasSaved: true}
	opts := testOptions()
	opts.Recorder = rec
	e := New(remote, opts, nil)
	e.setLoggedIn()

	id, err := e.SendText(context.Background(), "hi", 4)
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if id != 1 {
		t.Errorf("journal id = %d, want 1", id)
	}
	out := rec.outs[0]
	if out.RemoteID != "id1" || out.Kind != protocol.KindText || out.Text != "hi" || out.ReplyTo != 4 {
		t.Errorf("journaled %+v", out)
	}

	id, err = e.SendFile(context.Background(), "pic.png", []byte("xy"), 0)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if id != 2 {
		t.Errorf("journal id = %d, want 2", id)
	}
	out = rec.outs[1]
	if out.Kind != protocol.KindImage || out.FileName != "pic.png" || out.FileSize != 2 {
		t.Errorf("journaled %+v", out)
	}
}

func TestSendWithoutRecorder(t *testing.T) {
	remote := &fakeRemote{hasSaved: true}
	e := New(remote, testOptions(), nil)
	e.setLoggedIn()

	id, err := e.SendText(context.Background(), "hi", 0)
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if id != 0 {
		t.Errorf("id = %d, want 0 without a journal", id)
	}
}

func TestHeartbeatProbesStaleSync(t *testing.T) {
	remote := &fakeRemote{hasSaved: true}
	e := New(remote, testOptions(), nil)
	e.setLoggedIn()

	// Fresh sync contact: the heartbeat saves state and nothing more.
	e.touchSync()
	if err := e.heartbeat(context.Background()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	remote.mu.Lock()
	calls, saves := remote.syncCheckCalls, remote.stateSaves
	remote.mu.Unlock()
	if calls != 0 {
		t.Errorf("fresh session probed %d times", calls)
	}
	if saves != 1 {
		t.Errorf("state saves = %d, want 1", saves)
	}

	// Quiet for far longer than two intervals: the heartbeat probes.
	e.mu.Lock()
	e.lastSyncAt = time.Now().Add(-time.Hour)
	e.mu.Unlock()
	if err := e.heartbeat(context.Background()); err != nil {
		t.Fatalf("stale heartbeat: %v", err)
	}
	remote.mu.Lock()
	calls = remote.syncCheckCalls
	remote.mu.Unlock()
	if calls != 1 {
		t.Errorf("stale session probed %d times, want 1", calls)
	}
	if last := e.Status().LastSyncAt; time.Since(last) > time.Minute {
		t.Errorf("probe did not refresh sync time, last = %s", last)
	}
}

func TestSendDeliveryFailure(t *testing.T) {
	remote := &fakeRemote{hasSaved: true, sendErr: errors.New("boom")}
	e := New(remote, testOptions(), nil)
	e.setLoggedIn()

	if _, err := e.SendText(context.Background(), "hi", 0); !errors.Is(err, ErrDeliveryFailed) {
		t.Errorf("SendText error = %v, want ErrDeliveryFailed", err)
	}
}

func TestSinkReceivesMessages(t *testing.T) {
	var mu sync.Mutex
	var got []string
	sink := func(_ context.Context, m protocol.Message) {
		mu.Lock()
		got = append(got, m.Text)
		mu.Unlock()
	}

	remote := &fakeRemote{
		hasSaved:   true,
		syncChecks: []protocol.SyncStatus{protocol.SyncHasMessages},
		syncBatches: [][]protocol.Message{
			{{RemoteID: "m1", Kind: protocol.KindText, Text: "one"}, {RemoteID: "m2", Kind: protocol.KindText, Text: "two"}},
		},
	}
	e := New(remote, testOptions(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sink got %v, want two messages", got)
}

func TestInvalidSessionDropsToLoggedOut(t *testing.T) {
	remote := &fakeRemote{
		hasSaved:   true,
		syncChecks: []protocol.SyncStatus{protocol.SyncInvalid},
		// After the drop, the engine starts a QR cycle; keep it waiting there.
	}
	e := New(remote, testOptions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	waitForState(t, e, StateAwaitingScan)
	remote.mu.Lock()
	resets := remote.resets
	remote.mu.Unlock()
	if resets == 0 {
		t.Errorf("session was not reset on invalidation")
	}
}

func TestMaxReconnectAttemptsExhausted(t *testing.T) {
	remote := &fakeRemote{
		hasSaved: true,
		syncChecks: []protocol.SyncStatus{
			protocol.SyncRetry, protocol.SyncRetry, protocol.SyncRetry,
		},
	}
	e := New(remote, testOptions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	// Hitting the limit of three consecutive failures exhausts the budget
	// and the engine falls back to a fresh login cycle. Only the first two
	// failures get a retry; the third drops the session.
	waitForState(t, e, StateAwaitingScan)
	st := e.Status()
	if st.Reconnects != 2 {
		t.Errorf("reconnects = %d, want 2", st.Reconnects)
	}
}

func TestFailureCountResetsOnSuccess(t *testing.T) {
	remote := &fakeRemote{
		hasSaved: true,
		syncChecks: []protocol.SyncStatus{
			protocol.SyncRetry, protocol.SyncRetry,
			protocol.SyncIdle,
			protocol.SyncRetry, protocol.SyncRetry,
		},
	}
	e := New(remote, testOptions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	// Two failures, a success, two more failures: never three in a row, so
	// the session must still be alive once the script drains.
	time.Sleep(300 * time.Millisecond)
	if st := e.Status().State; st != StateLoggedIn {
		t.Errorf("state = %s, want logged_in", st)
	}
}

func TestLogout(t *testing.T) {
	remote := &fakeRemote{hasSaved: true}
	e := New(remote, testOptions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	waitForState(t, e, StateLoggedIn)

	if err := e.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	waitForState(t, e, StateAwaitingScan)
	remote.mu.Lock()
	defer remote.mu.Unlock()
	if !remote.cleared {
		t.Errorf("saved state not cleared on logout")
	}
}

func TestRetryDelay(t *testing.T) {
	e := New(&fakeRemote{}, Options{ReconnectDelay: time.Second, ExponentialBackoff: true, MaxReconnectAttempts: 10, HeartbeatInterval: time.Minute}, nil)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{8, 60 * time.Second}, // capped
	}
	for _, tt := range tests {
		if got := e.retryDelay(tt.attempt); got != tt.want {
			t.Errorf("retryDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}

	fixed := New(&fakeRemote{}, Options{ReconnectDelay: 3 * time.Second, MaxReconnectAttempts: 5, HeartbeatInterval: time.Minute}, nil)
	if got := fixed.retryDelay(4); got != 3*time.Second {
		t.Errorf("fixed delay = %s", got)
	}
}
