package gdrive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"google.golang.org/api/option"
)

type fakeDrive struct {
	mu       sync.Mutex
	existing string
	lists    int
	queries  []string
	creates  int
	updates  int
	bodies   []string
}

func (f *fakeDrive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodGet:
		f.lists++
		f.queries = append(f.queries, r.URL.Query().Get("q"))
		if f.existing != "" {
			_, _ = io.WriteString(w, `{"files":[{"id":"`+f.existing+`"}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"files":[]}`)
		return
	case http.MethodPost:
		f.creates++
	case http.MethodPatch:
		f.updates++
	}
	f.bodies = append(f.bodies, string(body))
	_, _ = io.WriteString(w, `{"id":"doc-1"}`)
}

func newTestSyncer(t *testing.T) (*Syncer, *fakeDrive) {
	t.Helper()
	fake := &fakeDrive{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewSyncerWithOptions(context.Background(), "folder-1",
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
		option.WithoutAuthentication(),
	)
	if err != nil {
		t.Fatalf("NewSyncerWithOptions failed: %v", err)
	}
	return s, fake
}

func writeMarkdown(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "2026-03-01.md")
	if err := os.WriteFile(path, []byte("# 2026-03-01\n\nUser: hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSyncCreatesThenUpdates(t *testing.T) {
	s, fake := newTestSyncer(t)
	path := writeMarkdown(t)

	if err := s.Sync(path, "2026-03-01"); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if err := s.Sync(path, "2026-03-01"); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.creates != 1 || fake.updates != 1 {
		t.Fatalf("expected one create and one update, got %d/%d", fake.creates, fake.updates)
	}
	if !strings.Contains(fake.bodies[0], "voice-bridge-2026-03-01") {
		t.Fatalf("expected doc name in create body, got %q", fake.bodies[0])
	}
	if fake.lists != 1 {
		t.Fatalf("expected a single lookup before the first create, got %d", fake.lists)
	}
	if !strings.Contains(fake.queries[0], "'folder-1' in parents") {
		t.Fatalf("expected folder filter in lookup, got %q", fake.queries[0])
	}
}

func TestSyncReusesExistingDoc(t *testing.T) {
	s, fake := newTestSyncer(t)
	fake.existing = "doc-from-yesterday"
	path := writeMarkdown(t)

	if err := s.Sync(path, "2026-03-01"); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.creates != 0 || fake.updates != 1 {
		t.Fatalf("expected the existing doc to be updated, got %d creates / %d updates", fake.creates, fake.updates)
	}
	if s.fileIDs["2026-03-01"] != "doc-from-yesterday" {
		t.Fatalf("expected cached id, got %q", s.fileIDs["2026-03-01"])
	}
}

func TestSyncMissingFile(t *testing.T) {
	s, fake := newTestSyncer(t)

	err := s.Sync(filepath.Join(t.TempDir(), "missing.md"), "2026-03-01")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.creates != 0 {
		t.Fatalf("expected no drive calls, got %d", fake.creates)
	}
}

func TestNewSyncerBadCredentials(t *testing.T) {
	if _, err := NewSyncer(context.Background(), filepath.Join(t.TempDir(), "nope.json"), "f"); err == nil {
		t.Fatal("expected read error")
	}
}
