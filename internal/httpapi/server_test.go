package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/helperbridge/internal/files"
	"github.com/nextlevelbuilder/helperbridge/internal/plugin"
	"github.com/nextlevelbuilder/helperbridge/internal/protocol"
	"github.com/nextlevelbuilder/helperbridge/internal/scheduler"
	"github.com/nextlevelbuilder/helperbridge/internal/session"
	"github.com/nextlevelbuilder/helperbridge/internal/store"
	"github.com/nextlevelbuilder/helperbridge/internal/webhook"
)

// stubRemote keeps the engine in a steady logged-in state for API tests.
type stubRemote struct {
	loggedIn bool
	media    map[string][]byte
	sent     []string
}

func (s *stubRemote) BeginLogin(context.Context) error       { return nil }
func (s *stubRemote) QRCode(context.Context) ([]byte, error) { return []byte("png-bytes"), nil }

func (s *stubRemote) PollLogin(context.Context) (protocol.LoginStatus, error) {
	return protocol.StatusWaiting, nil
}

func (s *stubRemote) SyncCheck(ctx context.Context) (protocol.SyncStatus, error) {
	select {
	case <-ctx.Done():
	case <-time.After(20 * time.Millisecond):
	}
	return protocol.SyncIdle, nil
}

func (s *stubRemote) Sync(context.Context) ([]protocol.Message, error) { return nil, nil }

func (s *stubRemote) SendText(_ context.Context, text string) (string, error) {
	s.sent = append(s.sent, text)
	return "8888000011112222", nil
}

func (s *stubRemote) SendFile(_ context.Context, name string, data []byte) (string, error) {
	s.sent = append(s.sent, "file:"+name)
	return "8888000011113333", nil
}

func (s *stubRemote) DownloadMedia(_ context.Context, remoteID string) ([]byte, error) {
	data, ok := s.media[remoteID]
	if !ok {
		return nil, fmt.Errorf("no media %s", remoteID)
	}
	return data, nil
}

func (s *stubRemote) HasAuth() bool            { return s.loggedIn }
func (s *stubRemote) UserName() string         { return "@owner" }
func (s *stubRemote) UIN() string              { return "42" }
func (s *stubRemote) Reset()                   {}
func (s *stubRemote) LoadState() (bool, error) { return s.loggedIn, nil }
func (s *stubRemote) SaveState() error         { return nil }
func (s *stubRemote) ClearState() error        { return nil }

// storeRecorder mirrors delivered messages into the test store the same
// way the serve wiring does in production.
type storeRecorder struct {
	st *store.Store
}

func (r storeRecorder) AppendOutbound(ctx context.Context, out session.Outbound) (int64, error) {
	return r.st.Append(ctx, store.Record{
		RemoteID:  out.RemoteID,
		Kind:      string(out.Kind),
		Text:      out.Text,
		FileName:  out.FileName,
		FileSize:  out.FileSize,
		IsSelf:    true,
		ReplyToID: out.ReplyTo,
	})
}

type apiEnv struct {
	srv    *httptest.Server
	store  *store.Store
	remote *stubRemote
	sched  *scheduler.Scheduler
}

type noopRunner struct{}

func (noopRunner) Execute(context.Context, string) error { return nil }

type helloPlugin struct{ plugin.Base }

func (helloPlugin) Name() string        { return "hello" }
func (helloPlugin) Description() string { return "test plugin" }
func (helloPlugin) Commands() []plugin.CommandSpec {
	return []plugin.CommandSpec{{Name: "hello", Help: "say hello", Run: func(c *plugin.Context, _ []string) error {
		return c.Reply("hi")
	}}}
}
func (helloPlugin) Routes() []plugin.RouteSpec {
	return []plugin.RouteSpec{{Method: http.MethodGet, Path: "stats", Handler: func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("route-ok"))
	}}}
}

func newAPIEnv(t *testing.T, loggedIn bool) *apiEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "log.db"), store.Options{DefaultLimit: 100, MaxLimit: 1000})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	remote := &stubRemote{loggedIn: loggedIn, media: map[string][]byte{"media1": []byte("payload")}}
	engine := session.New(remote, session.Options{
		HeartbeatInterval: time.Minute,
		ReconnectDelay:    10 * time.Millisecond,
		LoginPollInterval: 10 * time.Millisecond,
		Recorder:          storeRecorder{st},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Run(ctx)
	if loggedIn {
		waitFor(t, func() bool { return engine.Status().State == session.StateLoggedIn })
	}

	reg := plugin.NewRegistry(plugin.Deps{}, []plugin.Factory{func() plugin.Plugin { return helloPlugin{} }}, nil)
	reg.LoadAll()

	sched, err := scheduler.New(filepath.Join(t.TempDir(), "tasks.json"), time.Minute, noopRunner{})
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}

	fm := files.NewManager(files.Options{Dir: t.TempDir()}, st, engine)

	srv := NewServer(Options{
		Addr:    "127.0.0.1:0",
		Label:   "test-bridge",
		Engine:  engine,
		Store:   st,
		Plugins: reg,
		Tasks:   sched,
		Webhook: webhook.NewNotifier(webhook.Options{}),
		Files:   fm,
		Tracer:  protocol.NewTracer(protocol.TracerOptions{Redact: true}),
	})
	go srv.hub.run(ctx)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &apiEnv{srv: ts, store: st, remote: remote, sched: sched}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func getJSON(t *testing.T, url string) (int, apiResponse) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode, out
}

func postJSON(t *testing.T, url string, body any) (int, apiResponse) {
	t.Helper()
	blob, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(blob))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode, out
}

func TestRootAndStatus(t *testing.T) {
	env := newAPIEnv(t, true)

	code, out := getJSON(t, env.srv.URL+"/")
	if code != http.StatusOK || !out.OK {
		t.Fatalf("root = %d %+v", code, out)
	}

	code, out = getJSON(t, env.srv.URL+"/login/status")
	if code != http.StatusOK || !out.OK {
		t.Fatalf("login/status = %d %+v", code, out)
	}
	result := out.Result.(map[string]any)
	if result["state"] != "logged_in" || result["uin"] != "42" {
		t.Errorf("status result = %+v", result)
	}
}

func TestQRConflictsWhenLoggedIn(t *testing.T) {
	env := newAPIEnv(t, true)
	resp, err := http.Get(env.srv.URL + "/qr")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("qr while logged in = %d", resp.StatusCode)
	}
}

func TestGetUpdatesPaging(t *testing.T) {
	env := newAPIEnv(t, true)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		if _, err := env.store.Append(ctx, store.Record{Kind: "text", Text: fmt.Sprintf("msg %d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	code, out := getJSON(t, env.srv.URL+"/bot/getUpdates?offset=3&limit=2")
	if code != http.StatusOK || !out.OK {
		t.Fatalf("getUpdates = %d %+v", code, out)
	}
	views := out.Result.([]any)
	if len(views) != 2 {
		t.Fatalf("got %d updates", len(views))
	}
	first := views[0].(map[string]any)
	if first["update_id"].(float64) != 3 {
		t.Errorf("first update_id = %v", first["update_id"])
	}
	msg := first["message"].(map[string]any)
	if msg["text"] != "msg 3" {
		t.Errorf("message = %+v", msg)
	}
}

func TestSendMessage(t *testing.T) {
	env := newAPIEnv(t, true)

	code, out := postJSON(t, env.srv.URL+"/bot/sendMessage", map[string]string{"chat_id": "filehelper", "text": "hello"})
	if code != http.StatusOK || !out.OK {
		t.Fatalf("sendMessage = %d %+v", code, out)
	}
	if len(env.remote.sent) != 1 || env.remote.sent[0] != "hello" {
		t.Errorf("remote saw %v", env.remote.sent)
	}

	// The delivery takes a slot in the update log and message_id is that
	// slot, so the sent message pages back through getUpdates.
	sent := out.Result.(map[string]any)
	id := int64(sent["message_id"].(float64))
	if id != 1 {
		t.Fatalf("message_id = %d, want 1", id)
	}
	code, out = getJSON(t, env.srv.URL+fmt.Sprintf("/bot/getUpdates?offset=%d", id))
	if code != http.StatusOK || !out.OK {
		t.Fatalf("getUpdates = %d %+v", code, out)
	}
	views := out.Result.([]any)
	if len(views) != 1 {
		t.Fatalf("got %d updates, want the sent message", len(views))
	}
	msg := views[0].(map[string]any)["message"].(map[string]any)
	if msg["text"] != "hello" {
		t.Errorf("logged send = %+v", msg)
	}

	code, out = postJSON(t, env.srv.URL+"/bot/sendMessage", map[string]string{})
	if code != http.StatusBadRequest || out.OK {
		t.Errorf("missing text = %d %+v", code, out)
	}
}

func TestSendMessageReplyThreading(t *testing.T) {
	env := newAPIEnv(t, true)
	ctx := context.Background()
	if _, err := env.store.Append(ctx, store.Record{Kind: "text", Text: "question"}); err != nil {
		t.Fatal(err)
	}

	code, out := postJSON(t, env.srv.URL+"/bot/sendMessage", map[string]string{"text": "answer", "reply_to_message_id": "1"})
	if code != http.StatusOK || !out.OK {
		t.Fatalf("sendMessage = %d %+v", code, out)
	}
	sent := out.Result.(map[string]any)
	if sent["reply_to_message_id"].(float64) != 1 {
		t.Errorf("result reply_to = %v", sent["reply_to_message_id"])
	}

	id := int64(sent["message_id"].(float64))
	_, out = getJSON(t, env.srv.URL+fmt.Sprintf("/bot/getUpdates?offset=%d", id))
	msg := out.Result.([]any)[0].(map[string]any)["message"].(map[string]any)
	if msg["reply_to_message_id"].(float64) != 1 {
		t.Errorf("logged reply_to = %v", msg["reply_to_message_id"])
	}
}

func TestSendMessageWhenLoggedOut(t *testing.T) {
	env := newAPIEnv(t, false)
	code, out := postJSON(t, env.srv.URL+"/bot/sendMessage", map[string]string{"text": "hello"})
	if code != http.StatusUnauthorized || out.OK {
		t.Errorf("= %d %+v", code, out)
	}
}

func TestSendDocument(t *testing.T) {
	env := newAPIEnv(t, true)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("document", "notes.txt")
	part.Write([]byte("file content"))
	mw.Close()

	resp, err := http.Post(env.srv.URL+"/bot/sendDocument", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out apiResponse
	json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != http.StatusOK || !out.OK {
		t.Fatalf("sendDocument = %d %+v", resp.StatusCode, out)
	}
	if len(env.remote.sent) != 1 || env.remote.sent[0] != "file:notes.txt" {
		t.Errorf("remote saw %v", env.remote.sent)
	}

	sent := out.Result.(map[string]any)
	if sent["message_id"].(float64) != 1 {
		t.Errorf("message_id = %v, want the log slot", sent["message_id"])
	}
	doc := sent["document"].(map[string]any)
	if doc["file_id"] != "1" || doc["file_name"] != "notes.txt" {
		t.Errorf("document = %+v", doc)
	}

	// The upload is paged back as an update like any other message.
	_, out = getJSON(t, env.srv.URL+"/bot/getUpdates")
	views := out.Result.([]any)
	if len(views) != 1 {
		t.Fatalf("got %d updates, want the upload", len(views))
	}
	msg := views[0].(map[string]any)["message"].(map[string]any)
	if msg["type"] != "file" {
		t.Errorf("logged upload = %+v", msg)
	}
}

func TestUnsupportedBotMethod(t *testing.T) {
	env := newAPIEnv(t, true)
	code, out := getJSON(t, env.srv.URL+"/bot/answerCallbackQuery")
	if code != http.StatusNotImplemented || out.OK {
		t.Errorf("= %d %+v", code, out)
	}
	if !strings.Contains(out.Description, "answerCallbackQuery") {
		t.Errorf("description = %q", out.Description)
	}
}

func TestWebhookLifecycle(t *testing.T) {
	env := newAPIEnv(t, true)

	code, out := postJSON(t, env.srv.URL+"/bot/setWebhook", map[string]string{"url": "ftp://bad"})
	if code != http.StatusBadRequest || out.OK {
		t.Errorf("bad scheme accepted: %d %+v", code, out)
	}

	code, _ = postJSON(t, env.srv.URL+"/bot/setWebhook", map[string]string{"url": "https://example.com/hook"})
	if code != http.StatusOK {
		t.Fatalf("setWebhook = %d", code)
	}

	_, out = getJSON(t, env.srv.URL+"/bot/getWebhookInfo")
	info := out.Result.(map[string]any)
	if info["url"] != "https://example.com/hook" {
		t.Errorf("info = %+v", info)
	}

	postJSON(t, env.srv.URL+"/bot/deleteWebhook", nil)
	_, out = getJSON(t, env.srv.URL+"/bot/getWebhookInfo")
	if info := out.Result.(map[string]any); info["url"] != "" {
		t.Errorf("webhook not deleted: %+v", info)
	}
}

func TestGetFileFetchesOnDemand(t *testing.T) {
	env := newAPIEnv(t, true)
	ctx := context.Background()

	id, err := env.store.Append(ctx, store.Record{RemoteID: "media1", Kind: "file", FileName: "doc.bin"})
	if err != nil {
		t.Fatal(err)
	}

	code, out := getJSON(t, fmt.Sprintf("%s/bot/getFile?file_id=%d", env.srv.URL, id))
	if code != http.StatusOK || !out.OK {
		t.Fatalf("getFile = %d %+v", code, out)
	}
	result := out.Result.(map[string]any)
	rel, _ := result["file_path"].(string)
	if !strings.HasPrefix(rel, "downloads/") {
		t.Fatalf("file_path = %q", rel)
	}

	resp, err := http.Get(env.srv.URL + "/" + rel)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(data) != "payload" {
		t.Errorf("download = %d %q", resp.StatusCode, data)
	}
}

func TestGetFileRejectsText(t *testing.T) {
	env := newAPIEnv(t, true)
	id, _ := env.store.Append(context.Background(), store.Record{Kind: "text", Text: "hi"})
	code, _ := getJSON(t, fmt.Sprintf("%s/bot/getFile?file_id=%d", env.srv.URL, id))
	if code != http.StatusBadRequest {
		t.Errorf("= %d", code)
	}
}

func TestDownloadTraversalBlocked(t *testing.T) {
	env := newAPIEnv(t, true)
	resp, err := http.Get(env.srv.URL + "/downloads/..%2f..%2fetc%2fpasswd")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Errorf("traversal served: %d", resp.StatusCode)
	}
}

func TestTaskEndpoints(t *testing.T) {
	env := newAPIEnv(t, true)

	code, out := postJSON(t, env.srv.URL+"/tasks", map[string]string{
		"name": "morning", "schedule": "08:00", "command": "/hello",
	})
	if code != http.StatusOK || !out.OK {
		t.Fatalf("add task = %d %+v", code, out)
	}
	task := out.Result.(map[string]any)
	id := task["id"].(string)

	_, out = getJSON(t, env.srv.URL+"/tasks")
	if tasks := out.Result.([]any); len(tasks) != 1 {
		t.Fatalf("list = %+v", out.Result)
	}

	if code, _ := postJSON(t, env.srv.URL+"/tasks/"+id+"/disable", nil); code != http.StatusOK {
		t.Errorf("disable = %d", code)
	}
	if code, _ := postJSON(t, env.srv.URL+"/tasks/"+id+"/run", nil); code != http.StatusOK {
		t.Errorf("run = %d", code)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.srv.URL+"/tasks/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete = %d", resp.StatusCode)
	}

	if code, _ := postJSON(t, env.srv.URL+"/tasks/"+id+"/run", nil); code != http.StatusNotFound {
		t.Errorf("run deleted task = %d", code)
	}
}

func TestKVEndpoints(t *testing.T) {
	env := newAPIEnv(t, true)

	req, _ := http.NewRequest(http.MethodPut, env.srv.URL+"/store/color", strings.NewReader(`{"value":"blue"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put = %d", resp.StatusCode)
	}

	code, out := getJSON(t, env.srv.URL+"/store/color")
	if code != http.StatusOK {
		t.Fatalf("get = %d", code)
	}
	if kv := out.Result.(map[string]any); kv["value"] != "blue" {
		t.Errorf("value = %+v", kv)
	}

	if code, _ := getJSON(t, env.srv.URL+"/store/missing"); code != http.StatusNotFound {
		t.Errorf("missing key = %d", code)
	}

	_, out = getJSON(t, env.srv.URL+"/store/stats")
	if stats := out.Result.(map[string]any); stats["kv_entries"].(float64) != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPluginEndpoints(t *testing.T) {
	env := newAPIEnv(t, true)

	_, out := getJSON(t, env.srv.URL+"/plugins")
	plugins := out.Result.([]any)
	if len(plugins) != 1 || plugins[0].(map[string]any)["name"] != "hello" {
		t.Fatalf("plugins = %+v", plugins)
	}

	resp, err := http.Get(env.srv.URL + "/plugins/ext/hello/stats")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "route-ok" {
		t.Errorf("plugin route body = %q", body)
	}

	if code, _ := postJSON(t, env.srv.URL+"/plugins/unload/hello", nil); code != http.StatusOK {
		t.Errorf("unload = %d", code)
	}
	resp, _ = http.Get(env.srv.URL + "/plugins/ext/hello/stats")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unloaded plugin route still served: %d", resp.StatusCode)
	}

	if code, _ := postJSON(t, env.srv.URL+"/plugins/load/hello", nil); code != http.StatusOK {
		t.Errorf("load = %d", code)
	}
	resp, _ = http.Get(env.srv.URL + "/plugins/ext/hello/stats")
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "route-ok" {
		t.Errorf("reloaded plugin route body = %q", body)
	}

	if code, _ := postJSON(t, env.srv.URL+"/plugins/reload", nil); code != http.StatusOK {
		t.Errorf("reload = %d", code)
	}
	_, out = getJSON(t, env.srv.URL+"/plugins")
	if p := out.Result.([]any)[0].(map[string]any); p["loaded"] != true {
		t.Errorf("plugin not back after reload: %+v", p)
	}
}

func TestTraceEndpoints(t *testing.T) {
	env := newAPIEnv(t, true)

	code, out := getJSON(t, env.srv.URL+"/trace/status")
	if code != http.StatusOK {
		t.Fatalf("trace/status = %d", code)
	}
	if st := out.Result.(map[string]any); st["enabled"] != true || st["redact"] != true {
		t.Errorf("trace status = %+v", st)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.srv.URL+"/trace", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("trace clear = %d", resp.StatusCode)
	}
}
