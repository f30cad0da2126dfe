// Package summary turns an archived voice session into a short written
// summary through one of the configured LLM presets.
package summary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sjawhar/voice-bridge/internal/config"
	"github.com/sjawhar/voice-bridge/internal/llm"
)

// minWords is the shortest conversation worth summarizing. Speaker labels
// do not count.
const minWords = 20

const (
	completionTimeout = 90 * time.Second
	summaryMaxTokens  = 2048
)

var defaultBackoff = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}

var speakerLabels = []string{"User:", "Bot:"}

type ClientFactory func(provider, model string) (llm.Client, error)

// IdempotencyStore records which (session, prompt) pairs were already sent.
type IdempotencyStore interface {
	ClaimSummaryRequest(sessionID, promptHash string) (bool, error)
}

type Summarizer struct {
	cfg     config.Summarization
	factory ClientFactory
	store   IdempotencyStore
	router  *Router

	backoff []time.Duration
	sleep   func(time.Duration)
	now     func() time.Time
}

func New(cfg config.Summarization, factory ClientFactory, store IdempotencyStore) *Summarizer {
	s := &Summarizer{
		cfg:     cfg,
		factory: factory,
		store:   store,
		backoff: defaultBackoff,
		sleep:   time.Sleep,
		now:     time.Now,
	}
	if len(cfg.Presets) > 1 {
		s.router = NewRouter(cfg, factory)
	}
	return s
}

// NewFactory builds clients for any provider whose key the config carries.
func NewFactory(cfg config.Config) ClientFactory {
	return func(provider, model string) (llm.Client, error) {
		key := cfg.APIKey(provider)
		if key == "" {
			return nil, fmt.Errorf("no API key configured for %s", provider)
		}
		return llm.NewClient(provider, key, model,
			llm.WithTimeout(completionTimeout),
			llm.WithMaxTokens(summaryMaxTokens),
		)
	}
}

// Summarize picks a preset for the conversation and summarizes with it.
// Conversations too short to be worth it return an empty summary.
func (s *Summarizer) Summarize(ctx context.Context, sessionID, transcript string) (string, string, error) {
	if spokenWords(transcript) < minWords {
		return "", defaultPreset(s.cfg.Presets), nil
	}

	presetName, err := s.selectPreset(ctx, transcript)
	if err != nil {
		return "", "", fmt.Errorf("select preset: %w", err)
	}
	summary, err := s.SummarizeWithPreset(ctx, sessionID, transcript, presetName)
	return summary, presetName, err
}

// SummarizeWithPreset returns "" without calling the model when the same
// prompt was already sent for this session.
func (s *Summarizer) SummarizeWithPreset(ctx context.Context, sessionID, transcript, presetName string) (string, error) {
	if spokenWords(transcript) < minWords {
		return "", nil
	}

	preset, ok := s.cfg.Presets[presetName]
	if !ok {
		return "", fmt.Errorf("unknown preset %q", presetName)
	}

	modelStr := preset.Model
	if modelStr == "" {
		modelStr = s.cfg.Model
	}
	provider, model, err := llm.ParseModel(modelStr)
	if err != nil {
		return "", err
	}

	userContent := s.render(preset.UserTemplate, sessionID, transcript)

	if s.store != nil {
		claimed, err := s.store.ClaimSummaryRequest(sessionID, promptHash(modelStr, preset.SystemPrompt, userContent))
		if err != nil {
			return "", fmt.Errorf("claim summary request: %w", err)
		}
		if !claimed {
			return "", nil
		}
	}

	client, err := s.factory(provider, model)
	if err != nil {
		return "", fmt.Errorf("create llm client: %w", err)
	}
	return s.complete(ctx, client, sessionID, []llm.Message{llm.System(preset.SystemPrompt), llm.User(userContent)})
}

func (s *Summarizer) complete(ctx context.Context, client llm.Client, sessionID string, messages []llm.Message) (string, error) {
	var lastErr error
	for attempt := range s.backoff {
		result, err := client.Complete(ctx, messages)
		if err == nil {
			return strings.TrimSpace(result), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < len(s.backoff)-1 {
			slog.Debug("summary attempt failed, retrying", "session", sessionID, "attempt", attempt+1, "backoff", s.backoff[attempt], "error", err)
			s.sleep(s.backoff[attempt])
		}
	}
	return "", fmt.Errorf("summarize failed after retries: %w", lastErr)
}

func (s *Summarizer) render(template, sessionID, transcript string) string {
	return strings.NewReplacer(
		"{{transcript}}", transcript,
		"{{date}}", s.now().UTC().Format("2006-01-02"),
		"{{session}}", sessionID,
	).Replace(template)
}

func (s *Summarizer) selectPreset(ctx context.Context, transcript string) (string, error) {
	if s.router == nil {
		return defaultPreset(s.cfg.Presets), nil
	}
	return s.router.SelectPreset(ctx, transcript)
}

func (s *Summarizer) Presets() map[string]config.Preset {
	return s.cfg.Presets
}

// defaultPreset prefers "default", then the first name in sorted order.
func defaultPreset(presets map[string]config.Preset) string {
	if _, ok := presets["default"]; ok || len(presets) == 0 {
		return "default"
	}
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0]
}

func promptHash(model, system, user string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + system + "\x00" + user))
	return hex.EncodeToString(sum[:])
}

func spokenWords(transcript string) int {
	n := 0
	for _, line := range strings.Split(transcript, "\n") {
		line = strings.TrimSpace(line)
		for _, label := range speakerLabels {
			if rest, ok := strings.CutPrefix(line, label); ok {
				line = rest
				break
			}
		}
		n += len(strings.Fields(line))
	}
	return n
}
