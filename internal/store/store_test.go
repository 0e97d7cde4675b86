package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "log.db"), Options{DefaultLimit: 10, MaxLimit: 50})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAssignsGaplessIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const n = 25
	var wg sync.WaitGroup
	ids := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.Append(ctx, Record{Kind: "text", Text: "hi"})
			if err != nil {
				t.Errorf("Append: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("id %d assigned twice", id)
		}
		seen[id] = true
	}
	for want := int64(1); want <= n; want++ {
		if !seen[want] {
			t.Errorf("id %d missing from sequence", want)
		}
	}

	max, err := s.MaxID(ctx)
	if err != nil {
		t.Fatalf("MaxID: %v", err)
	}
	if max != n {
		t.Errorf("MaxID = %d, want %d", max, n)
	}
}

func TestQueryPaging(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		if _, err := s.Append(ctx, Record{Kind: "text", Text: "m"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	t.Run("after zero returns from the start", func(t *testing.T) {
		recs, err := s.Query(ctx, 0, 5)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(recs) != 5 || recs[0].ID != 1 || recs[4].ID != 5 {
			t.Errorf("got ids %v", recordIDs(recs))
		}
	})

	t.Run("offset excludes the cursor", func(t *testing.T) {
		recs, err := s.Query(ctx, 5, 5)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(recs) != 5 || recs[0].ID != 6 {
			t.Errorf("got ids %v", recordIDs(recs))
		}
	})

	t.Run("repeat query is idempotent", func(t *testing.T) {
		a, _ := s.Query(ctx, 10, 0)
		b, _ := s.Query(ctx, 10, 0)
		if len(a) != len(b) || len(a) != 5 {
			t.Fatalf("repeat query differed: %d vs %d", len(a), len(b))
		}
	})

	t.Run("default and max limits", func(t *testing.T) {
		recs, err := s.Query(ctx, 0, 0)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(recs) != 10 {
			t.Errorf("default limit gave %d records", len(recs))
		}
		recs, err = s.Query(ctx, 0, 10000)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(recs) != 15 {
			t.Errorf("clamped query gave %d records", len(recs))
		}
	})

	t.Run("past the end is empty", func(t *testing.T) {
		recs, err := s.Query(ctx, 999, 0)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(recs) != 0 {
			t.Errorf("got %d records past the end", len(recs))
		}
	})
}

func TestGetAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Append(ctx, Record{RemoteID: "r1", Kind: "file", FileName: "a.pdf", IsSelf: true})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.RemoteID != "r1" || rec.FileName != "a.pdf" || !rec.IsSelf {
		t.Errorf("record mismatch: %+v", rec)
	}

	byRemote, err := s.GetByRemoteID(ctx, "r1")
	if err != nil {
		t.Fatalf("GetByRemoteID: %v", err)
	}
	if byRemote.ID != id {
		t.Errorf("GetByRemoteID id = %d, want %d", byRemote.ID, id)
	}

	if err := s.AttachFile(ctx, id, "/data/a.pdf", 123, ""); err != nil {
		t.Fatalf("AttachFile: %v", err)
	}
	rec, _ = s.Get(ctx, id)
	if rec.FilePath != "/data/a.pdf" || rec.FileSize != 123 {
		t.Errorf("file not attached: %+v", rec)
	}

	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
	if err := s.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete: %v", err)
	}

	// Deletion never frees the id for reuse.
	next, err := s.Append(ctx, Record{Kind: "text"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if next <= id {
		t.Errorf("id %d reused after delete of %d", next, id)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	if _, err := s.Append(ctx, Record{Kind: "file", FilePath: "/data/old.bin", CreatedAt: old}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Append(ctx, Record{Kind: "text", Text: "fresh"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	victims, err := s.PurgeOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if len(victims) != 1 || victims[0].FilePath != "/data/old.bin" {
		t.Fatalf("victims = %+v", victims)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Count != 1 || st.ByKind["text"] != 1 {
		t.Errorf("stats after purge: %+v", st)
	}
}

func TestKV(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.KVGet(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("KVGet missing: %v", err)
	}
	if err := s.KVSet(ctx, "greeting", "hello"); err != nil {
		t.Fatalf("KVSet: %v", err)
	}
	if err := s.KVSet(ctx, "greeting", "hola"); err != nil {
		t.Fatalf("KVSet overwrite: %v", err)
	}
	v, err := s.KVGet(ctx, "greeting")
	if err != nil {
		t.Fatalf("KVGet: %v", err)
	}
	if v != "hola" {
		t.Errorf("KVGet = %q", v)
	}

	entries, err := s.KVList(ctx)
	if err != nil {
		t.Fatalf("KVList: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "greeting" {
		t.Errorf("KVList = %+v", entries)
	}

	if err := s.KVDelete(ctx, "greeting"); err != nil {
		t.Fatalf("KVDelete: %v", err)
	}
	if err := s.KVDelete(ctx, "greeting"); err != nil {
		t.Errorf("KVDelete absent key: %v", err)
	}
}

func recordIDs(recs []Record) []int64 {
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
