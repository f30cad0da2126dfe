// Package transcript assembles speech-activity and transcription events into
// a conversation of per-speaker utterances.
package transcript

import (
	"log/slog"
	"sort"
	"strings"
	"time"
)

// ChangeKind says what happened to an utterance.
type ChangeKind string

const (
	ChangeOpened    ChangeKind = "opened"
	ChangeUpdated   ChangeKind = "updated"
	ChangeFinalized ChangeKind = "finalized"
	ChangeDiscarded ChangeKind = "discarded"
)

// Change is reported to the sink after every mutation.
type Change struct {
	Kind      ChangeKind
	Utterance Utterance
}

// Sink receives changes in the order they happen.
type Sink func(Change)

// Assembler keeps at most one open utterance per speaker. Turn-taking is
// assumed, so opening one speaker closes the other. An open slot with no
// text is a placeholder and holds no turn.
//
// Assembler is not safe for concurrent use.
type Assembler struct {
	logger *slog.Logger
	sink   Sink
	now    func() time.Time

	history []Utterance
	open    map[Speaker]*Utterance
	stopped map[Speaker]time.Time
	nextID  int
}

func NewAssembler(logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		open:    map[Speaker]*Utterance{},
		stopped: map[Speaker]time.Time{},
	}
}

// OnChange installs the sink. Passing nil removes it.
func (a *Assembler) OnChange(sink Sink) {
	a.sink = sink
}

// SpeakerStarted opens an utterance for s and closes the other speaker.
// A start for an already open slot keeps it, so the placeholder left by a
// late user final becomes the barge-in utterance.
func (a *Assembler) SpeakerStarted(s Speaker) {
	a.closeOther(s)
	delete(a.stopped, s)
	if _, ok := a.open[s]; ok {
		return
	}
	a.openSlot(s)
}

// SpeakerStopped records the stop. A user utterance stays open until its
// final transcript arrives; bot text has no final event, so the bot
// utterance closes here.
func (a *Assembler) SpeakerStopped(s Speaker) {
	a.stopped[s] = a.now()
	if s == SpeakerBot {
		a.close(SpeakerBot)
	}
}

// UserTranscript applies an interim or final hypothesis to the open user
// utterance, opening one if the transcript arrived before speech-start.
// Interim text takes the turn from the bot; a final alone does not, since
// it often lands after the bot has begun answering. An empty final drops
// any interim text instead of recording a blank utterance.
func (a *Assembler) UserTranscript(text string, final bool) {
	u, ok := a.open[SpeakerUser]
	if final && strings.TrimSpace(text) == "" {
		if ok && u.Text != "" {
			u.Text = ""
			a.close(SpeakerUser)
			a.openSlot(SpeakerUser)
		}
		return
	}
	if !final {
		a.closeOther(SpeakerUser)
	}
	if !ok {
		if final {
			a.appendFinal(SpeakerUser, text)
			a.openSlot(SpeakerUser)
			return
		}
		u = a.openSlot(SpeakerUser)
	}

	u.Text = text
	if !final {
		u.Interim = true
		a.emit(ChangeUpdated, *u)
		return
	}

	u.Interim = false
	a.finalize(SpeakerUser)
	a.openSlot(SpeakerUser)
}

// BotText appends a streamed fragment to the open bot utterance. Fragments
// with no open bot utterance have nothing to attach to and are dropped.
func (a *Assembler) BotText(fragment string) {
	u, ok := a.open[SpeakerBot]
	if !ok {
		a.logger.Warn("dropping bot text with no open bot utterance", "fragment", fragment)
		return
	}
	u.Text += fragment
	a.emit(ChangeUpdated, *u)
}

// Reset drops all history and open utterances.
func (a *Assembler) Reset() {
	a.history = nil
	a.open = map[Speaker]*Utterance{}
	a.stopped = map[Speaker]time.Time{}
	a.nextID = 0
}

// Open returns the open utterance for s, if any.
func (a *Assembler) Open(s Speaker) (Utterance, bool) {
	u, ok := a.open[s]
	if !ok {
		return Utterance{}, false
	}
	return *u, true
}

// Finalized returns the finalized utterances in order.
func (a *Assembler) Finalized() []Utterance {
	out := make([]Utterance, len(a.history))
	copy(out, a.history)
	return out
}

// Utterances returns the finalized history followed by open utterances that
// carry text, ordered by when they opened.
func (a *Assembler) Utterances() []Utterance {
	out := a.Finalized()
	for _, u := range a.open {
		if strings.TrimSpace(u.Text) != "" {
			out = append(out, *u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (a *Assembler) openSlot(s Speaker) *Utterance {
	a.nextID++
	u := &Utterance{ID: a.nextID, Speaker: s, StartedAt: a.now()}
	a.open[s] = u
	a.emit(ChangeOpened, *u)
	return u
}

func (a *Assembler) closeOther(s Speaker) {
	other := s.other()
	u, ok := a.open[other]
	if !ok {
		return
	}
	if strings.TrimSpace(u.Text) != "" {
		a.logger.Warn("closing open utterance on speaker change", "speaker", other, "next", s)
	}
	a.close(other)
}

// close finalizes s when it has text and discards the placeholder otherwise.
func (a *Assembler) close(s Speaker) {
	u, ok := a.open[s]
	if !ok {
		return
	}
	if strings.TrimSpace(u.Text) == "" {
		delete(a.open, s)
		a.emit(ChangeDiscarded, *u)
		return
	}
	a.finalize(s)
}

func (a *Assembler) finalize(s Speaker) {
	u := a.open[s]
	delete(a.open, s)
	u.Interim = false
	u.Finalized = true
	u.FinalizedAt = a.now()
	a.history = append(a.history, *u)
	a.emit(ChangeFinalized, *u)
}

func (a *Assembler) appendFinal(s Speaker, text string) {
	a.nextID++
	now := a.now()
	u := Utterance{ID: a.nextID, Speaker: s, Text: text, Finalized: true, StartedAt: now, FinalizedAt: now}
	a.history = append(a.history, u)
	a.emit(ChangeFinalized, u)
}

func (a *Assembler) emit(kind ChangeKind, u Utterance) {
	if a.sink != nil {
		a.sink(Change{Kind: kind, Utterance: u})
	}
}
