package transcript

import (
	"fmt"
	"strings"
	"time"
)

// Speaker attributes an utterance to one side of the conversation.
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerBot  Speaker = "bot"
)

func (s Speaker) other() Speaker {
	if s == SpeakerUser {
		return SpeakerBot
	}
	return SpeakerUser
}

func (s Speaker) label() string {
	switch s {
	case SpeakerUser:
		return "User"
	case SpeakerBot:
		return "Bot"
	default:
		return string(s)
	}
}

type Utterance struct {
	ID          int       `json:"id"`
	Speaker     Speaker   `json:"speaker"`
	Text        string    `json:"text"`
	Interim     bool      `json:"interim"`
	Finalized   bool      `json:"finalized"`
	StartedAt   time.Time `json:"started_at"`
	FinalizedAt time.Time `json:"finalized_at,omitzero"`
}

func (u Utterance) FormatMarkdown() string {
	ts := u.StartedAt.Format("15:04:05")
	return fmt.Sprintf("**[%s] %s:** %s", ts, u.Speaker.label(), strings.TrimSpace(u.Text))
}

// Markdown renders utterances one per line.
func Markdown(utterances []Utterance) string {
	var b strings.Builder
	for _, u := range utterances {
		if strings.TrimSpace(u.Text) == "" {
			continue
		}
		b.WriteString(u.FormatMarkdown())
		b.WriteString("\n")
	}
	return b.String()
}

// Plain renders utterances as "Speaker: text" lines, the form summaries are
// generated from.
func Plain(utterances []Utterance) string {
	var b strings.Builder
	for _, u := range utterances {
		text := strings.TrimSpace(u.Text)
		if text == "" {
			continue
		}
		b.WriteString(u.Speaker.label())
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String()
}
