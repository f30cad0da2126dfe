// Package llm puts the chat-completion APIs used for session summaries
// behind one Complete call. Providers are addressed as "provider/model".
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const defaultMaxTokens = 4096

var (
	ErrUnknownProvider = errors.New("unknown llm provider")
	ErrEmptyResponse   = errors.New("empty response")
	ErrNoUserMessage   = errors.New("no user message")
)

type Message struct {
	Role    string
	Content string
}

func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

func User(content string) Message { return Message{Role: RoleUser, Content: content} }

type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type Option func(*clientOptions)

type clientOptions struct {
	baseURL   string
	maxTokens int
	timeout   time.Duration
}

func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

// WithMaxTokens caps the completion length. Zero keeps the default.
func WithMaxTokens(n int) Option {
	return func(o *clientOptions) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

// WithTimeout bounds every Complete call, on top of the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

var providerAliases = map[string]string{
	"claude": "anthropic",
	"google": "gemini",
}

// Providers lists the provider names NewClient accepts.
func Providers() []string {
	return []string{"anthropic", "gemini", "openai"}
}

// ParseModel splits "provider/model". The provider is case-insensitive and
// a few common aliases are folded onto the canonical names.
func ParseModel(model string) (provider, modelName string, err error) {
	parts := strings.SplitN(strings.TrimSpace(model), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model format %q: expected provider/model_name", model)
	}
	provider = strings.ToLower(parts[0])
	if canonical, ok := providerAliases[provider]; ok {
		provider = canonical
	}
	return provider, parts[1], nil
}

func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	o := &clientOptions{maxTokens: defaultMaxTokens}
	for _, opt := range opts {
		opt(o)
	}

	var (
		c   Client
		err error
	)
	switch provider {
	case "openai":
		c, err = newOpenAIClient(apiKey, model, o)
	case "anthropic":
		c, err = newAnthropicClient(apiKey, model, o)
	case "gemini":
		c, err = newGeminiClient(apiKey, model, o)
	default:
		return nil, fmt.Errorf("%w %q: supported providers are %s", ErrUnknownProvider, provider, strings.Join(Providers(), ", "))
	}
	if err != nil {
		return nil, err
	}
	return &loggedClient{next: c, provider: provider, model: model, timeout: o.timeout}, nil
}

// loggedClient applies the per-call timeout and records how long each
// completion took.
type loggedClient struct {
	next     Client
	provider string
	model    string
	timeout  time.Duration
}

func (c *loggedClient) Complete(ctx context.Context, messages []Message) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := c.next.Complete(ctx, messages)
	elapsed := time.Since(start)
	if err != nil {
		slog.Warn("llm completion failed", "provider", c.provider, "model", c.model, "duration", elapsed, "error", err)
		return "", err
	}
	slog.Debug("llm completion", "provider", c.provider, "model", c.model, "duration", elapsed, "chars", len(out))
	return out, nil
}

func hasUserMessage(messages []Message) bool {
	for _, m := range messages {
		if m.Role == RoleUser && strings.TrimSpace(m.Content) != "" {
			return true
		}
	}
	return false
}
