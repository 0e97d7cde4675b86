package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/helperbridge/internal/scheduler"
	"github.com/nextlevelbuilder/helperbridge/internal/store"
)

func (s *Server) handlePluginList(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.opts.Plugins.Status())
}

func (s *Server) handlePluginReload(w http.ResponseWriter, r *http.Request) {
	s.opts.Plugins.ReloadAll()
	writeResult(w, s.opts.Plugins.Status())
}

func (s *Server) handlePluginLoad(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Plugins.Load(r.PathValue("name")); err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeResult(w, true)
}

func (s *Server) handlePluginUnload(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Plugins.Unload(r.PathValue("name")); err != nil {
		writeAPIError(w, http.StatusNotFound, err.Error())
		return
	}
	writeResult(w, true)
}

// handlePluginRoute serves endpoints plugins registered. The set changes on
// reload, so matching is per-request rather than baked into the mux.
func (s *Server) handlePluginRoute(w http.ResponseWriter, r *http.Request) {
	want := strings.TrimPrefix(r.URL.Path, "/plugins/ext/")
	for _, rt := range s.opts.Plugins.Routes() {
		if rt.Path != want {
			continue
		}
		if rt.Method != "" && rt.Method != r.Method {
			continue
		}
		rt.Handler(w, r)
		return
	}
	writeAPIError(w, http.StatusNotFound, "no plugin route "+want)
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.opts.Tasks.List())
}

func (s *Server) handleTaskAdd(w http.ResponseWriter, r *http.Request) {
	body := jsonBody(r)
	name := param(r, body, "name")
	schedule := param(r, body, "schedule")
	command := param(r, body, "command")

	task, err := s.opts.Tasks.Add(name, schedule, command)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeResult(w, task)
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Tasks.Delete(r.PathValue("id")); err != nil {
		writeTaskError(w, err)
		return
	}
	writeResult(w, true)
}

func (s *Server) handleTaskRun(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Tasks.RunNow(r.Context(), r.PathValue("id")); err != nil {
		writeTaskError(w, err)
		return
	}
	writeResult(w, true)
}

func (s *Server) handleTaskEnable(w http.ResponseWriter, r *http.Request) {
	s.setTaskEnabled(w, r, true)
}

func (s *Server) handleTaskDisable(w http.ResponseWriter, r *http.Request) {
	s.setTaskEnabled(w, r, false)
}

func (s *Server) setTaskEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	if err := s.opts.Tasks.SetEnabled(r.PathValue("id"), enabled); err != nil {
		writeTaskError(w, err)
		return
	}
	writeResult(w, true)
}

func writeTaskError(w http.ResponseWriter, err error) {
	if errors.Is(err, scheduler.ErrTaskNotFound) {
		writeAPIError(w, http.StatusNotFound, err.Error())
		return
	}
	writeAPIError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleKVList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.opts.Store.KVList(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResult(w, entries)
}

// handleMessageList pages raw log records, newest-first input order kept.
func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.opts.Store.Query(r.Context(), after, limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResult(w, recs)
}

func (s *Server) handleFileGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.fileRecord(w, r)
	if !ok {
		return
	}
	if rec.FilePath == "" {
		writeAPIError(w, http.StatusNotFound, "file not downloaded yet")
		return
	}
	http.ServeFile(w, r, rec.FilePath)
}

// handleFileDelete unlinks a downloaded file and its log record.
func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.fileRecord(w, r)
	if !ok {
		return
	}
	for _, p := range []string{rec.FilePath, rec.ThumbPath} {
		if p != "" {
			os.Remove(p)
		}
	}
	if err := s.opts.Store.Delete(r.Context(), rec.ID); err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResult(w, true)
}

func (s *Server) fileRecord(w http.ResponseWriter, r *http.Request) (*store.Record, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "id must be an update id")
		return nil, false
	}
	rec, err := s.opts.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "no such update")
			return nil, false
		}
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if rec.Kind == "text" {
		writeAPIError(w, http.StatusBadRequest, "update carries no file")
		return nil, false
	}
	return rec, true
}

func (s *Server) handleStoreStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.Store.Stats(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResult(w, stats)
}

func (s *Server) handleKVGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, err := s.opts.Store.KVGet(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "key not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResult(w, map[string]string{"key": key, "value": value})
}

func (s *Server) handleKVPut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}
	value := string(raw)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		value = body.Value
	}
	if err := s.opts.Store.KVSet(r.Context(), key, value); err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResult(w, true)
}

func (s *Server) handleKVDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Store.KVDelete(r.Context(), r.PathValue("key")); err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResult(w, true)
}

// handleDownload serves stored payloads from the download root.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/downloads/")
	full, err := s.opts.Files.Resolve(rel)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		writeAPIError(w, http.StatusNotFound, "file not found")
		return
	}
	http.ServeFile(w, r, full)
}

func (s *Server) handleTraceRead(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tracer == nil {
		writeAPIError(w, http.StatusNotFound, "tracing disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeResult(w, s.opts.Tracer.ReadRecent(limit))
}

func (s *Server) handleTraceClear(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tracer == nil {
		writeAPIError(w, http.StatusNotFound, "tracing disabled")
		return
	}
	s.opts.Tracer.Clear()
	writeResult(w, true)
}

func (s *Server) handleTraceStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tracer == nil {
		writeResult(w, map[string]any{"enabled": false})
		return
	}
	status := s.opts.Tracer.Status()
	status["enabled"] = true
	writeResult(w, status)
}
