package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// maxTraceRecords bounds the in-memory trace ring.
const maxTraceRecords = 200

// Credential-bearing fields are scrubbed before a record is stored or
// written to disk.
var (
	reRedactQuery = regexp.MustCompile(`(?i)((?:skey|sid|wxsid|uin|wxuin|pass_ticket|ticket|webwx_data_ticket|deviceid)=)[^&"'\s]+`)
	reRedactJSON  = regexp.MustCompile(`(?i)("(?:Skey|Sid|Uin|DeviceID|PassTicket)"\s*:\s*")[^"]*`)
	reRedactXML   = regexp.MustCompile(`(?i)(<(skey|wxsid|wxuin|pass_ticket)>)[^<]*`)
)

// TraceRecord is one captured HTTP exchange.
type TraceRecord struct {
	At           time.Time `json:"at"`
	Method       string    `json:"method"`
	URL          string    `json:"url"`
	Status       int       `json:"status,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	RequestBody  string    `json:"request_body,omitempty"`
	ResponseBody string    `json:"response_body,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// TracerOptions configures a Tracer.
type TracerOptions struct {
	Redact      bool
	MaxBodySize int    // bytes kept per body, 0 means no body capture
	Dir         string // when set, records are also appended as JSONL files
}

// Tracer captures protocol HTTP traffic for diagnostics. Records are held in
// a bounded ring and optionally appended to a daily JSONL file.
type Tracer struct {
	mu      sync.Mutex
	opts    TracerOptions
	records []TraceRecord
	total   int64
}

func NewTracer(opts TracerOptions) *Tracer {
	return &Tracer{opts: opts}
}

// Transport wraps the given round tripper with trace capture.
func (t *Tracer) Transport(next http.RoundTripper) http.RoundTripper {
	return &traceTransport{tracer: t, next: next}
}

// ReadRecent returns up to n most recent records, oldest first.
func (t *Tracer) ReadRecent(n int) []TraceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || n > len(t.records) {
		n = len(t.records)
	}
	out := make([]TraceRecord, n)
	copy(out, t.records[len(t.records)-n:])
	return out
}

// Clear drops all in-memory records. On-disk files are left alone.
func (t *Tracer) Clear() {
	t.mu.Lock()
	t.records = nil
	t.mu.Unlock()
}

// Status reports trace settings and counters.
func (t *Tracer) Status() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]any{
		"redact":    t.opts.Redact,
		"buffered":  len(t.records),
		"total":     t.total,
		"dir":       t.opts.Dir,
		"body_size": t.opts.MaxBodySize,
	}
}

func (t *Tracer) add(rec TraceRecord) {
	if t.opts.Redact {
		rec.URL = redactText(rec.URL)
		rec.RequestBody = redactText(rec.RequestBody)
		rec.ResponseBody = redactText(rec.ResponseBody)
	}

	t.mu.Lock()
	t.total++
	t.records = append(t.records, rec)
	if len(t.records) > maxTraceRecords {
		t.records = t.records[len(t.records)-maxTraceRecords:]
	}
	dir := t.opts.Dir
	t.mu.Unlock()

	if dir == "" {
		return
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return
	}
	path := filepath.Join(dir, "trace-"+rec.At.UTC().Format("20060102")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(blob, '\n'))
}

func redactText(s string) string {
	if s == "" {
		return s
	}
	s = reRedactQuery.ReplaceAllString(s, "${1}[redacted]")
	s = reRedactJSON.ReplaceAllString(s, "${1}[redacted]")
	s = reRedactXML.ReplaceAllString(s, "${1}[redacted]")
	return s
}

type traceTransport struct {
	tracer *Tracer
	next   http.RoundTripper
}

func (tt *traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := TraceRecord{
		At:          time.Now().UTC(),
		Method:      req.Method,
		URL:         req.URL.String(),
		RequestBody: tt.requestBody(req),
	}

	start := time.Now()
	resp, err := tt.next.RoundTrip(req)
	rec.DurationMS = time.Since(start).Milliseconds()

	if err != nil {
		rec.Error = err.Error()
		tt.tracer.add(rec)
		return resp, err
	}

	rec.Status = resp.StatusCode
	if max := tt.tracer.opts.MaxBodySize; max > 0 && textualBody(resp.Header.Get("Content-Type")) {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, int64(max)+1))
		rest, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		resp.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), bytes.NewReader(rest)))
		if readErr == nil {
			rec.ResponseBody = clip(string(body), max)
		}
	}
	tt.tracer.add(rec)
	return resp, nil
}

// requestBody snapshots a replayable request body. Multipart uploads are
// summarized by size rather than captured.
func (tt *traceTransport) requestBody(req *http.Request) string {
	max := tt.tracer.opts.MaxBodySize
	if max <= 0 || req.Body == nil || req.GetBody == nil {
		return ""
	}
	if strings.HasPrefix(req.Header.Get("Content-Type"), "multipart/") {
		return fmt.Sprintf("[multipart %d bytes]", req.ContentLength)
	}
	body, err := req.GetBody()
	if err != nil {
		return ""
	}
	defer body.Close()
	b, err := io.ReadAll(io.LimitReader(body, int64(max)+1))
	if err != nil {
		return ""
	}
	return clip(string(b), max)
}

func textualBody(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "json") ||
		strings.Contains(ct, "text") ||
		strings.Contains(ct, "xml") ||
		strings.Contains(ct, "javascript")
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[clipped]"
}
