package summary

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/sjawhar/voice-bridge/internal/config"
	"github.com/sjawhar/voice-bridge/internal/llm"
)

// Excerpt sizes, in words, for the head, middle and tail of a long
// conversation shown to the preset router.
const (
	excerptHead = 300
	excerptMid  = 200
	excerptTail = 200
)

const routerPrompt = `Below is an excerpt of a spoken conversation between a user and a voice assistant.
Choose the single summarization preset that best fits it.

Conversation excerpt:
%s

Available presets:
%s
Reply with ONLY the preset name, nothing else.`

// Router asks the summary model which preset fits a conversation. Any
// failure along the way falls back to the default preset.
type Router struct {
	cfg     config.Summarization
	factory ClientFactory
	log     *slog.Logger
}

func NewRouter(cfg config.Summarization, factory ClientFactory) *Router {
	return &Router{cfg: cfg, factory: factory, log: slog.With("component", "preset_router")}
}

func SampleTranscript(transcript string, firstN, midN, lastN int) string {
	words := strings.Fields(transcript)
	total := len(words)
	if total <= firstN+midN+lastN {
		return transcript
	}

	midStart := (total - midN) / 2
	chunks := []string{
		strings.Join(words[:firstN], " "),
		strings.Join(words[midStart:midStart+midN], " "),
		strings.Join(words[total-lastN:], " "),
	}
	return strings.Join(chunks, "\n\n[...]\n\n")
}

func (r *Router) SelectPreset(ctx context.Context, transcript string) (string, error) {
	provider, model, err := llm.ParseModel(r.cfg.Model)
	if err != nil {
		return r.fallback("parse model failed", "error", err), nil
	}
	client, err := r.factory(provider, model)
	if err != nil {
		return r.fallback("create client failed", "error", err), nil
	}

	prompt := fmt.Sprintf(routerPrompt, SampleTranscript(transcript, excerptHead, excerptMid, excerptTail), r.presetList())
	answer, err := client.Complete(ctx, []llm.Message{llm.User(prompt)})
	if err != nil {
		return r.fallback("llm complete failed", "error", err), nil
	}

	if chosen, ok := r.match(answer); ok {
		r.log.Debug("preset selected", "preset", chosen)
		return chosen, nil
	}
	return r.fallback("chosen preset not found", "chosen", answer), nil
}

// presetList renders presets in name order so identical transcripts
// produce identical prompts.
func (r *Router) presetList() string {
	names := make([]string, 0, len(r.cfg.Presets))
	for name := range r.cfg.Presets {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s\n", name, r.cfg.Presets[name].Description)
	}
	return b.String()
}

// match tolerates the usual decoration models add around a bare name:
// quotes, backticks, a trailing period, different case.
func (r *Router) match(answer string) (string, bool) {
	cleaned := strings.Trim(strings.TrimSpace(answer), "\"'`.* ")
	if _, ok := r.cfg.Presets[cleaned]; ok {
		return cleaned, true
	}
	for name := range r.cfg.Presets {
		if strings.EqualFold(name, cleaned) {
			return name, true
		}
	}
	return "", false
}

func (r *Router) fallback(reason string, attrs ...any) string {
	preset := defaultPreset(r.cfg.Presets)
	r.log.Warn("falling back to default preset", append([]any{"reason", reason, "preset", preset}, attrs...)...)
	return preset
}
