package httpapi

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/helperbridge/internal/protocol"
	"github.com/nextlevelbuilder/helperbridge/internal/session"
	"github.com/nextlevelbuilder/helperbridge/internal/store"
)

// maxUploadBody bounds multipart request bodies on the send endpoints.
const maxUploadBody = 30 << 20

// chatName is the only chat this bridge serves.
const chatName = "filehelper"

// updateView is one getUpdates entry.
type updateView struct {
	UpdateID int64       `json:"update_id"`
	Message  messageView `json:"message"`
}

type messageView struct {
	MessageID int64         `json:"message_id"`
	Date      int64         `json:"date"`
	Chat      chatView      `json:"chat"`
	Type      string        `json:"type"`
	Text      string        `json:"text,omitempty"`
	ReplyTo   int64         `json:"reply_to_message_id,omitempty"`
	Document  *documentView `json:"document,omitempty"`
}

type chatView struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type documentView struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

func viewOf(rec store.Record) updateView {
	v := updateView{
		UpdateID: rec.ID,
		Message: messageView{
			MessageID: rec.ID,
			Date:      rec.CreatedAt.Unix(),
			Chat:      chatView{ID: chatName, Type: "private"},
			Type:      rec.Kind,
			Text:      rec.Text,
			ReplyTo:   rec.ReplyToID,
		},
	}
	if rec.Kind != "text" && rec.FileName != "" {
		v.Message.Document = &documentView{
			FileID:   strconv.FormatInt(rec.ID, 10),
			FileName: rec.FileName,
			FileSize: rec.FileSize,
		}
	}
	return v
}

// handleGetUpdates pages the update log. offset is the first update id to
// return; absent or zero starts from the beginning.
func (s *Server) handleGetUpdates(w http.ResponseWriter, r *http.Request) {
	body := jsonBody(r)

	offset, _ := strconv.ParseInt(param(r, body, "offset"), 10, 64)
	limit, _ := strconv.Atoi(param(r, body, "limit"))

	afterID := int64(0)
	if offset > 0 {
		afterID = offset - 1
	}

	recs, err := s.opts.Store.Query(r.Context(), afterID, limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]updateView, len(recs))
	for i, rec := range recs {
		views[i] = viewOf(rec)
	}
	writeResult(w, views)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	body := jsonBody(r)
	text := param(r, body, "text")
	if text == "" {
		writeAPIError(w, http.StatusBadRequest, "text is required")
		return
	}

	replyTo, _ := strconv.ParseInt(param(r, body, "reply_to_message_id"), 10, 64)

	id, err := s.opts.Engine.SendText(r.Context(), text, replyTo)
	if err != nil {
		writeSendError(w, err)
		return
	}
	writeResult(w, sentMessageView(id, "text", text, replyTo, nil))
}

// handleSendDocument accepts a multipart upload under the field "document"
// or "photo" and delivers it into the self-chat.
func (s *Server) handleSendDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(maxUploadBody); err != nil {
		writeAPIError(w, http.StatusBadRequest, "multipart body required: "+err.Error())
		return
	}

	file, header, err := formFile(r, "document", "photo", "file")
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "document file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}

	name := filepath.Base(header.Filename)
	if name == "" || name == "." {
		name = "upload.bin"
	}

	replyTo, _ := strconv.ParseInt(param(r, nil, "reply_to_message_id"), 10, 64)

	id, err := s.opts.Engine.SendFile(r.Context(), name, data, replyTo)
	if err != nil {
		writeSendError(w, err)
		return
	}
	writeResult(w, sentMessageView(id, string(protocol.KindForFile(name)), "", replyTo, &documentView{
		FileID:   strconv.FormatInt(id, 10),
		FileName: name,
		FileSize: int64(len(data)),
	}))
}

func formFile(r *http.Request, names ...string) (multipart.File, *multipart.FileHeader, error) {
	for _, name := range names {
		if f, h, err := r.FormFile(name); err == nil {
			return f, h, nil
		}
	}
	return nil, nil, errors.New("no file field")
}

func writeSendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotAuthenticated):
		writeAPIError(w, http.StatusUnauthorized, "not logged in")
	default:
		writeAPIError(w, http.StatusBadGateway, err.Error())
	}
}

// sentMessageView shapes a delivery result. id is the slot the send took
// in the update log, so clients can page straight to it with getUpdates.
func sentMessageView(id int64, kind, text string, replyTo int64, doc *documentView) messageView {
	return messageView{
		MessageID: id,
		Date:      time.Now().Unix(),
		Chat:      chatView{ID: chatName, Type: "private"},
		Type:      kind,
		Text:      text,
		ReplyTo:   replyTo,
		Document:  doc,
	}
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	st := s.opts.Engine.Status()
	writeResult(w, map[string]any{
		"id":         st.UIN,
		"is_bot":     false,
		"first_name": "File Transfer Helper",
		"username":   s.opts.Label,
		"state":      st.State,
	})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	writeResult(w, map[string]any{
		"id":    chatName,
		"type":  "private",
		"title": "File Transfer Helper",
	})
}

// handleGetFile resolves a file_id (an update id) to a served path,
// downloading the payload on demand when it has not landed yet.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	body := jsonBody(r)
	fileID := param(r, body, "file_id")
	if fileID == "" {
		writeAPIError(w, http.StatusBadRequest, "file_id is required")
		return
	}

	id, err := strconv.ParseInt(fileID, 10, 64)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "file_id must be an update id")
		return
	}
	rec, err := s.opts.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "file not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec.Kind == "text" {
		writeAPIError(w, http.StatusBadRequest, "update carries no file")
		return
	}

	if rec.FilePath == "" {
		fetched, err := s.opts.Files.Fetch(r.Context(), *rec)
		if err != nil {
			writeSendError(w, err)
			return
		}
		rec = fetched
	}

	rel, err := filepath.Rel(s.opts.Files.Dir(), rec.FilePath)
	if err != nil {
		rel = filepath.Base(rec.FilePath)
	}
	writeResult(w, map[string]any{
		"file_id":   fileID,
		"file_size": rec.FileSize,
		"file_path": path.Join("downloads", filepath.ToSlash(rel)),
	})
}

func (s *Server) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	body := jsonBody(r)
	url := param(r, body, "url")
	if url == "" {
		writeAPIError(w, http.StatusBadRequest, "url is required")
		return
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		writeAPIError(w, http.StatusBadRequest, "url must be http or https")
		return
	}
	s.opts.Webhook.SetURL(url)
	writeResult(w, true)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	s.opts.Webhook.SetURL("")
	writeResult(w, true)
}

func (s *Server) handleWebhookInfo(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.opts.Webhook.Info())
}

// handleUnsupported answers any bot method this bridge does not implement.
func (s *Server) handleUnsupported(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, "/bot/")
	writeJSON(w, http.StatusNotImplemented, apiResponse{
		OK:          false,
		ErrorCode:   http.StatusNotImplemented,
		Description: "method " + method + " is not supported by this bridge",
	})
}
