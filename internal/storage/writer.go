package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sjawhar/voice-bridge/internal/transcript"
)

// Writer appends finished sessions to one markdown file per local day.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// AppendSession writes a heading for the session followed by its
// utterances and returns the file it wrote to.
func (w *Writer) AppendSession(sessionID string, startedAt time.Time, utterances []transcript.Utterance) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", w.dir, err)
	}

	local := startedAt.Local()
	path := w.PathFor(local)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintf(f, "\n## Session %s (%s)\n\n", local.Format("15:04"), sessionID); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := fmt.Fprint(f, transcript.Markdown(utterances)); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}

	return path, nil
}

func (w *Writer) PathFor(day time.Time) string {
	return filepath.Join(w.dir, day.Format("2006-01-02")+".md")
}
