package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/helperbridge/internal/files"
	"github.com/nextlevelbuilder/helperbridge/internal/plugin"
	"github.com/nextlevelbuilder/helperbridge/internal/protocol"
	"github.com/nextlevelbuilder/helperbridge/internal/scheduler"
	"github.com/nextlevelbuilder/helperbridge/internal/session"
	"github.com/nextlevelbuilder/helperbridge/internal/store"
	"github.com/nextlevelbuilder/helperbridge/internal/webhook"
)

// apiResponse is the envelope every endpoint answers with.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Result      any    `json:"result,omitempty"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Options carries everything the server serves.
type Options struct {
	Addr    string
	Label   string
	Engine  *session.Engine
	Store   *store.Store
	Plugins *plugin.Registry
	Tasks   *scheduler.Scheduler
	Webhook *webhook.Notifier
	Files   *files.Manager
	Tracer  *protocol.Tracer
}

// Server is the HTTP surface: the bot-style API plus the admin endpoints.
type Server struct {
	opts    Options
	hub     *hub
	mux     *http.ServeMux
	httpSrv *http.Server
	started time.Time
}

func NewServer(opts Options) *Server {
	s := &Server{
		opts:    opts,
		hub:     newHub(),
		mux:     http.NewServeMux(),
		started: time.Now().UTC(),
	}
	s.routes()
	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /qr", s.handleQR)
	s.mux.HandleFunc("GET /login/status", s.handleLoginStatus)
	s.mux.HandleFunc("POST /logout", s.handleLogout)
	s.mux.HandleFunc("POST /save_session", s.handleSaveSession)

	// Short forms of the bot send endpoints.
	s.mux.HandleFunc("POST /send", s.handleSendMessage)
	s.mux.HandleFunc("POST /upload", s.handleSendDocument)

	// Bot API methods accept GET and POST alike.
	s.mux.HandleFunc("/bot/getUpdates", s.handleGetUpdates)
	s.mux.HandleFunc("/bot/sendMessage", s.handleSendMessage)
	s.mux.HandleFunc("/bot/sendDocument", s.handleSendDocument)
	s.mux.HandleFunc("/bot/sendPhoto", s.handleSendDocument)
	s.mux.HandleFunc("/bot/getMe", s.handleGetMe)
	s.mux.HandleFunc("/bot/getChat", s.handleGetChat)
	s.mux.HandleFunc("/bot/getFile", s.handleGetFile)
	s.mux.HandleFunc("/bot/setWebhook", s.handleSetWebhook)
	s.mux.HandleFunc("/bot/deleteWebhook", s.handleDeleteWebhook)
	s.mux.HandleFunc("/bot/getWebhookInfo", s.handleWebhookInfo)
	s.mux.HandleFunc("/bot/", s.handleUnsupported)

	s.mux.HandleFunc("GET /plugins", s.handlePluginList)
	s.mux.HandleFunc("POST /plugins/reload", s.handlePluginReload)
	// Lifecycle verbs carry the verb first: a {name} wildcard next to the
	// /plugins/ext/ subtree is ambiguous to the mux.
	s.mux.HandleFunc("POST /plugins/load/{name}", s.handlePluginLoad)
	s.mux.HandleFunc("POST /plugins/unload/{name}", s.handlePluginUnload)
	s.mux.HandleFunc("/plugins/ext/", s.handlePluginRoute)

	s.mux.HandleFunc("GET /tasks", s.handleTaskList)
	s.mux.HandleFunc("POST /tasks", s.handleTaskAdd)
	s.mux.HandleFunc("DELETE /tasks/{id}", s.handleTaskDelete)
	s.mux.HandleFunc("POST /tasks/{id}/run", s.handleTaskRun)
	s.mux.HandleFunc("POST /tasks/{id}/enable", s.handleTaskEnable)
	s.mux.HandleFunc("POST /tasks/{id}/disable", s.handleTaskDisable)

	s.mux.HandleFunc("GET /store", s.handleKVList)
	s.mux.HandleFunc("GET /store/messages", s.handleMessageList)
	s.mux.HandleFunc("GET /store/stats", s.handleStoreStats)
	s.mux.HandleFunc("GET /store/{key}", s.handleKVGet)
	s.mux.HandleFunc("PUT /store/{key}", s.handleKVPut)
	s.mux.HandleFunc("DELETE /store/{key}", s.handleKVDelete)

	s.mux.HandleFunc("GET /downloads/", s.handleDownload)
	s.mux.HandleFunc("GET /files/{id}", s.handleFileGet)
	s.mux.HandleFunc("DELETE /files/{id}", s.handleFileDelete)

	s.mux.HandleFunc("GET /trace", s.handleTraceRead)
	s.mux.HandleFunc("DELETE /trace", s.handleTraceClear)
	s.mux.HandleFunc("GET /trace/status", s.handleTraceStatus)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx ends, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.run(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("httpapi: %w", err)
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutCtx)
}

// Publish pushes one freshly logged update to websocket subscribers.
func (s *Server) Publish(rec store.Record) {
	s.hub.broadcast(rec)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	st := s.opts.Engine.Status()
	writeResult(w, map[string]any{
		"service": "helperbridge",
		"label":   s.opts.Label,
		"state":   st.State,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	png, err := s.opts.Engine.QR(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusConflict, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

func (s *Server) handleLoginStatus(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.opts.Engine.Status())
}

func (s *Server) handleSaveSession(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Engine.SaveSession(); err != nil {
		if errors.Is(err, session.ErrNotAuthenticated) {
			writeAPIError(w, http.StatusUnauthorized, "not logged in")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResult(w, true)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Engine.Logout(); err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResult(w, true)
}

// --- shared helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

func writeResult(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, apiResponse{OK: true, Result: result})
}

func writeAPIError(w http.ResponseWriter, status int, description string) {
	writeJSON(w, status, apiResponse{OK: false, ErrorCode: status, Description: description})
}

// param reads a request parameter from the JSON body, form, or query,
// in that order of preference.
func param(r *http.Request, body map[string]any, key string) string {
	if body != nil {
		if v, ok := body[key]; ok {
			switch t := v.(type) {
			case string:
				return t
			case float64:
				if t == float64(int64(t)) {
					return strconv.FormatInt(int64(t), 10)
				}
				return strconv.FormatFloat(t, 'f', -1, 64)
			case bool:
				return strconv.FormatBool(t)
			}
		}
	}
	if v := r.FormValue(key); v != "" {
		return v
	}
	return r.URL.Query().Get(key)
}

// jsonBody decodes an application/json request body into a flat map.
// Non-JSON requests return nil.
func jsonBody(r *http.Request) map[string]any {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return nil
	}
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		return nil
	}
	return m
}
