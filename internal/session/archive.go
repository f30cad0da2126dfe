package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sjawhar/voice-bridge/internal/storage"
	"github.com/sjawhar/voice-bridge/internal/transcript"
)

type Store interface {
	ArchiveSession(sess storage.Session, utterances []transcript.Utterance) error
	UpdateSummary(sessionID, summary, status, preset string) error
}

type TranscriptWriter interface {
	AppendSession(sessionID string, startedAt time.Time, utterances []transcript.Utterance) (string, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, sessionID, transcript string) (summary, preset string, err error)
}

type SummaryBroadcaster interface {
	BroadcastSummaryReady(sessionID, summary, status, preset string)
}

// PresetSummarizer can summarize with an operator-chosen preset.
type PresetSummarizer interface {
	SummarizeWithPreset(ctx context.Context, sessionID, transcript, preset string) (string, error)
}

// UtteranceReader loads the stored utterances of an archived session.
type UtteranceReader interface {
	GetUtterances(sessionID string) ([]transcript.Utterance, error)
}

// Uploader receives the markdown file a session was appended to.
type Uploader interface {
	Sync(localPath, date string) error
}

// Archive persists finished sessions and summarizes them in the background.
type Archive struct {
	store      Store
	writer     TranscriptWriter
	summarizer Summarizer
	hub        SummaryBroadcaster
	uploader   Uploader
	logger     *slog.Logger

	// done is signalled after each background summary, for tests.
	done func(sessionID string)
}

func NewArchive(store Store, writer TranscriptWriter, summarizer Summarizer, hub SummaryBroadcaster, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		store:      store,
		writer:     writer,
		summarizer: summarizer,
		hub:        hub,
		logger:     logger,
	}
}

// SetUploader enables exporting the day's markdown after each session.
func (a *Archive) SetUploader(u Uploader) {
	a.uploader = u
}

func (a *Archive) Archive(_ context.Context, rec Record) error {
	finalized := make([]transcript.Utterance, 0, len(rec.Utterances))
	for _, u := range rec.Utterances {
		if strings.TrimSpace(u.Text) != "" {
			finalized = append(finalized, u)
		}
	}

	sess := storage.Session{
		ID:            rec.SessionID,
		StartedAt:     rec.StartedAt.UTC(),
		EndedAt:       &rec.EndedAt,
		Status:        "ended",
		RoomURL:       rec.RoomLocator,
		BotHandle:     rec.BotHandle,
		SummaryStatus: storage.SummaryPending,
		AudioPath:     rec.AudioPath,
	}
	if err := a.store.ArchiveSession(sess, finalized); err != nil {
		return fmt.Errorf("archive session: %w", err)
	}

	if a.writer != nil && len(finalized) > 0 {
		path, err := a.writer.AppendSession(rec.SessionID, rec.StartedAt, finalized)
		if err != nil {
			a.logger.Warn("write transcript markdown failed", "session", rec.SessionID, "error", err)
		} else if a.uploader != nil {
			go a.upload(path, rec.StartedAt)
		}
	}

	go a.generateSummary(context.Background(), rec.SessionID, transcript.Plain(finalized))
	return nil
}

func (a *Archive) upload(path string, startedAt time.Time) {
	if err := a.uploader.Sync(path, startedAt.Local().Format("2006-01-02")); err != nil {
		a.logger.Warn("drive sync failed", "path", path, "error", err)
	}
}

func (a *Archive) generateSummary(ctx context.Context, sessionID, text string) {
	if a.done != nil {
		defer a.done(sessionID)
	}

	if a.summarizer == nil {
		_ = a.store.UpdateSummary(sessionID, "", storage.SummaryCompleted, "")
		return
	}

	_ = a.store.UpdateSummary(sessionID, "", storage.SummaryRunning, "")

	summaryText, preset, err := a.summarizer.Summarize(ctx, sessionID, text)
	if err != nil {
		a.logger.Warn("summary failed", "session", sessionID, "error", err)
		_ = a.store.UpdateSummary(sessionID, "", storage.SummaryFailed, preset)
		a.broadcastSummaryStatus(sessionID, "", storage.SummaryFailed, preset)
		return
	}

	if err := a.store.UpdateSummary(sessionID, summaryText, storage.SummaryCompleted, preset); err != nil {
		_ = a.store.UpdateSummary(sessionID, "", storage.SummaryFailed, preset)
		a.broadcastSummaryStatus(sessionID, "", storage.SummaryFailed, preset)
		return
	}

	a.broadcastSummaryStatus(sessionID, summaryText, storage.SummaryCompleted, preset)
}

// Resummarize regenerates an archived session's summary with preset. The
// work runs in the background; the outcome is broadcast like any summary.
func (a *Archive) Resummarize(_ context.Context, sessionID, preset string) error {
	ps, ok := a.summarizer.(PresetSummarizer)
	if !ok {
		return ErrSummariesDisabled
	}
	reader, ok := a.store.(UtteranceReader)
	if !ok {
		return ErrSummariesDisabled
	}
	utterances, err := reader.GetUtterances(sessionID)
	if err != nil {
		return fmt.Errorf("load utterances: %w", err)
	}
	if len(utterances) == 0 {
		return fmt.Errorf("session %s has no transcript", sessionID)
	}

	go func() {
		if a.done != nil {
			defer a.done(sessionID)
		}
		text, err := ps.SummarizeWithPreset(context.Background(), sessionID, transcript.Plain(utterances), preset)
		if err != nil {
			a.logger.Warn("resummarize failed", "session", sessionID, "preset", preset, "error", err)
			_ = a.store.UpdateSummary(sessionID, "", storage.SummaryFailed, preset)
			a.broadcastSummaryStatus(sessionID, "", storage.SummaryFailed, preset)
			return
		}
		if text == "" {
			a.logger.Info("summary already requested with this prompt", "session", sessionID, "preset", preset)
			return
		}
		_ = a.store.UpdateSummary(sessionID, text, storage.SummaryCompleted, preset)
		a.broadcastSummaryStatus(sessionID, text, storage.SummaryCompleted, preset)
	}()
	return nil
}

func (a *Archive) broadcastSummaryStatus(sessionID, summary, status, preset string) {
	if a.hub != nil {
		a.hub.BroadcastSummaryReady(sessionID, summary, status, preset)
	}
}
