package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sjawhar/voice-bridge/internal/transcript"
)

func TestWriterAppendsToDaily(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	ts := time.Date(2026, 2, 26, 10, 30, 0, 0, time.Local)
	utts := []transcript.Utterance{
		{Speaker: transcript.SpeakerUser, Text: "Hello world.", StartedAt: ts},
		{Speaker: transcript.SpeakerBot, Text: "Hi!", StartedAt: ts.Add(time.Second)},
	}

	path, err := w.AppendSession("abc", ts, utts)
	if err != nil {
		t.Fatalf("AppendSession failed: %v", err)
	}
	if path != filepath.Join(dir, "2026-02-26.md") {
		t.Fatalf("unexpected path %q", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, "## Session 10:30 (abc)") {
		t.Errorf("expected session heading in content, got: %s", content)
	}
	if !strings.Contains(content, "User:** Hello world.") {
		t.Errorf("expected user line in content, got: %s", content)
	}
	if !strings.Contains(content, "Bot:** Hi!") {
		t.Errorf("expected bot line in content, got: %s", content)
	}
}

func TestWriterMultipleSessions(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	ts := time.Date(2026, 2, 26, 10, 30, 0, 0, time.Local)

	_, _ = w.AppendSession("one", ts, []transcript.Utterance{{Speaker: transcript.SpeakerUser, Text: "First.", StartedAt: ts}})
	_, _ = w.AppendSession("two", ts.Add(time.Hour), []transcript.Utterance{{Speaker: transcript.SpeakerUser, Text: "Second.", StartedAt: ts}})

	data, _ := os.ReadFile(filepath.Join(dir, "2026-02-26.md"))
	if strings.Count(string(data), "## Session") != 2 {
		t.Fatalf("expected two session headings, got: %s", data)
	}
}
