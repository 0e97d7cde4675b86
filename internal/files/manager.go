package files

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/helperbridge/internal/store"
)

const thumbEdge = 256

// Downloader fetches the binary payload of a synced message.
type Downloader interface {
	DownloadMedia(ctx context.Context, remoteID string) ([]byte, error)
}

// Options configures the file manager.
type Options struct {
	Dir        string
	DateSubdir bool
	Thumbnails bool
	Retention  time.Duration // 0 disables the sweep
}

// Manager lands downloaded payloads on disk, generates image thumbnails,
// and sweeps expired files together with their log records.
type Manager struct {
	opts Options
	st   *store.Store
	dl   Downloader
}

func NewManager(opts Options, st *store.Store, dl Downloader) *Manager {
	return &Manager{opts: opts, st: st, dl: dl}
}

// Dir returns the download root.
func (m *Manager) Dir() string { return m.opts.Dir }

// Fetch downloads the payload behind a logged update and attaches the
// resulting path to its record. Returns the record with paths filled in.
func (m *Manager) Fetch(ctx context.Context, rec store.Record) (*store.Record, error) {
	if rec.RemoteID == "" {
		return nil, fmt.Errorf("files: record %d has no remote id", rec.ID)
	}
	data, err := m.dl.DownloadMedia(ctx, rec.RemoteID)
	if err != nil {
		return nil, fmt.Errorf("files: download %s: %w", rec.RemoteID, err)
	}

	dir := m.opts.Dir
	if m.opts.DateSubdir {
		dir = filepath.Join(dir, rec.CreatedAt.Format("2006-01-02"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("files: create dir: %w", err)
	}

	name := sanitizeName(rec.FileName)
	if name == "" {
		name = "file_" + rec.RemoteID
	}
	path := uniquePath(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("files: write %s: %w", path, err)
	}

	thumb := ""
	if m.opts.Thumbnails && rec.Kind == "image" {
		thumb = m.makeThumbnail(path, data)
	}

	if err := m.st.AttachFile(ctx, rec.ID, path, int64(len(data)), thumb); err != nil {
		return nil, err
	}
	rec.FilePath = path
	rec.FileSize = int64(len(data))
	rec.ThumbPath = thumb
	slog.Info("file stored", "update_id", rec.ID, "path", path, "bytes", len(data))
	return &rec, nil
}

// makeThumbnail writes a bounded JPEG preview next to the original.
// Thumbnail failures are logged and ignored; the original already landed.
func (m *Manager) makeThumbnail(path string, data []byte) string {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		slog.Warn("thumbnail decode failed", "path", path, "error", err)
		return ""
	}
	small := imaging.Fit(img, thumbEdge, thumbEdge, imaging.Lanczos)

	dir := filepath.Join(filepath.Dir(path), "thumbs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("thumbnail dir failed", "error", err)
		return ""
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	thumbPath := filepath.Join(dir, base+"_thumb.jpg")
	if err := imaging.Save(small, thumbPath, imaging.JPEGQuality(80)); err != nil {
		slog.Warn("thumbnail save failed", "path", thumbPath, "error", err)
		return ""
	}
	return thumbPath
}

// RunRetention sweeps once a day until ctx ends. No-op when retention is
// disabled.
func (m *Manager) RunRetention(ctx context.Context) error {
	if m.opts.Retention <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	m.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep removes records older than the retention window and unlinks their
// files. Returns how many records were purged.
func (m *Manager) Sweep(ctx context.Context) int {
	if m.opts.Retention <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().Add(-m.opts.Retention)
	victims, err := m.st.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		slog.Warn("retention sweep failed", "error", err)
		return 0
	}
	for _, rec := range victims {
		for _, p := range []string{rec.FilePath, rec.ThumbPath} {
			if p == "" {
				continue
			}
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				slog.Warn("retention unlink failed", "path", p, "error", err)
			}
		}
	}
	if len(victims) > 0 {
		slog.Info("retention sweep", "purged", len(victims), "cutoff", cutoff)
	}
	return len(victims)
}

// Resolve maps a stored path under the download root to an absolute path,
// rejecting traversal outside the root.
func (m *Manager) Resolve(rel string) (string, error) {
	root, err := filepath.Abs(m.opts.Dir)
	if err != nil {
		return "", err
	}
	full, err := filepath.Abs(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return "", err
	}
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("files: path escapes download dir")
	}
	return full, nil
}

// sanitizeName strips directory components and characters that do not
// belong in a local file name.
func sanitizeName(name string) string {
	name = filepath.Base(filepath.Clean(strings.ReplaceAll(name, "\\", "/")))
	if name == "." || name == "/" {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		switch r {
		case '\x00', ':', '*', '?', '"', '<', '>', '|':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// uniquePath appends a counter when the target name is already taken.
func uniquePath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, i, ext))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
	}
}
