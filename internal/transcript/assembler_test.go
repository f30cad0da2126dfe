package transcript

import (
	"strings"
	"testing"
	"time"
)

func newTestAssembler() (*Assembler, *[]Change) {
	a := NewAssembler(nil)
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	var changes []Change
	a.OnChange(func(c Change) { changes = append(changes, c) })
	return a, &changes
}

func TestUserInterimThenFinal(t *testing.T) {
	a, _ := newTestAssembler()

	a.SpeakerStarted(SpeakerUser)
	a.UserTranscript("hel", false)

	open, ok := a.Open(SpeakerUser)
	if !ok || open.Text != "hel" || !open.Interim {
		t.Fatalf("expected interim text hel, got %+v", open)
	}

	a.UserTranscript("hello", true)

	final := a.Finalized()
	if len(final) != 1 {
		t.Fatalf("expected one finalized utterance, got %d", len(final))
	}
	if final[0].Text != "hello" || !final[0].Finalized || final[0].Interim {
		t.Fatalf("unexpected finalized utterance %+v", final[0])
	}

	slot, ok := a.Open(SpeakerUser)
	if !ok {
		t.Fatal("expected fresh open user slot")
	}
	if slot.Text != "" || slot.Finalized || slot.ID == final[0].ID {
		t.Fatalf("expected empty fresh slot, got %+v", slot)
	}
}

func TestSecondFinalStartsNewUtterance(t *testing.T) {
	a, _ := newTestAssembler()

	a.SpeakerStarted(SpeakerUser)
	a.UserTranscript("first", true)
	a.UserTranscript("second", true)

	final := a.Finalized()
	if len(final) != 2 {
		t.Fatalf("expected two finalized utterances, got %d", len(final))
	}
	if final[0].Text != "first" || final[1].Text != "second" {
		t.Fatalf("finalized text mutated: %+v", final)
	}
}

func TestDuplicateSpeakerStartIsNoop(t *testing.T) {
	a, changes := newTestAssembler()

	a.SpeakerStarted(SpeakerUser)
	a.UserTranscript("hi", false)
	a.SpeakerStarted(SpeakerUser)

	open, _ := a.Open(SpeakerUser)
	if open.Text != "hi" {
		t.Fatalf("expected duplicate start to keep text, got %q", open.Text)
	}

	opened := 0
	for _, c := range *changes {
		if c.Kind == ChangeOpened {
			opened++
		}
	}
	if opened != 1 {
		t.Fatalf("expected one opened change, got %d", opened)
	}
}

func TestBotTextAppendsAndClosesOnStop(t *testing.T) {
	a, _ := newTestAssembler()

	a.SpeakerStarted(SpeakerBot)
	a.BotText("Hello")
	a.BotText(", how")
	a.BotText(" are you?")

	open, ok := a.Open(SpeakerBot)
	if !ok || open.Text != "Hello, how are you?" {
		t.Fatalf("expected appended text, got %+v", open)
	}

	a.SpeakerStopped(SpeakerBot)
	if _, ok := a.Open(SpeakerBot); ok {
		t.Fatal("expected bot utterance closed on stop")
	}

	a.BotText(" late")
	final := a.Finalized()
	if len(final) != 1 || final[0].Text != "Hello, how are you?" {
		t.Fatalf("expected finalized bot text untouched, got %+v", final)
	}
}

func TestBotTextWithoutOpenUtteranceIsDropped(t *testing.T) {
	a, changes := newTestAssembler()

	a.BotText("orphan")

	if len(a.Utterances()) != 0 {
		t.Fatalf("expected no utterances, got %+v", a.Utterances())
	}
	if len(*changes) != 0 {
		t.Fatalf("expected no changes, got %+v", *changes)
	}
}

func TestUserStopDoesNotFinalize(t *testing.T) {
	a, _ := newTestAssembler()

	a.SpeakerStarted(SpeakerUser)
	a.UserTranscript("turn on the", false)
	a.SpeakerStopped(SpeakerUser)

	open, ok := a.Open(SpeakerUser)
	if !ok || open.Finalized {
		t.Fatalf("expected user utterance to remain open, got %+v", open)
	}

	a.UserTranscript("turn on the lights", true)
	final := a.Finalized()
	if len(final) != 1 || final[0].Text != "turn on the lights" {
		t.Fatalf("unexpected finalized utterances %+v", final)
	}
}

func TestSpeakerChangeClosesOtherSpeaker(t *testing.T) {
	a, _ := newTestAssembler()

	a.SpeakerStarted(SpeakerUser)
	a.UserTranscript("what time is it", false)
	a.SpeakerStarted(SpeakerBot)

	if _, ok := a.Open(SpeakerUser); ok {
		t.Fatal("expected user utterance closed when bot started")
	}
	final := a.Finalized()
	if len(final) != 1 || final[0].Speaker != SpeakerUser || final[0].Text != "what time is it" {
		t.Fatalf("expected user utterance finalized with interim text, got %+v", final)
	}
	if _, ok := a.Open(SpeakerBot); !ok {
		t.Fatal("expected bot utterance open")
	}
}

func TestEmptyPlaceholderIsDiscardedOnSpeakerChange(t *testing.T) {
	a, changes := newTestAssembler()

	a.SpeakerStarted(SpeakerUser)
	a.UserTranscript("hello", true)
	a.SpeakerStarted(SpeakerBot)

	if len(a.Finalized()) != 1 {
		t.Fatalf("expected placeholder not to be finalized, got %+v", a.Finalized())
	}
	last := (*changes)[len(*changes)-2]
	if last.Kind != ChangeDiscarded || last.Utterance.Speaker != SpeakerUser {
		t.Fatalf("expected user placeholder discarded, got %+v", last)
	}
}

func TestLateFinalDoesNotInterruptBot(t *testing.T) {
	a, _ := newTestAssembler()

	a.SpeakerStarted(SpeakerBot)
	a.BotText("Sure")
	a.UserTranscript("can you help", true)
	a.BotText(", I can.")

	bot, ok := a.Open(SpeakerBot)
	if !ok || bot.Text != "Sure, I can." {
		t.Fatalf("expected bot utterance to keep streaming, got %+v", bot)
	}
	final := a.Finalized()
	if len(final) != 1 || final[0].Speaker != SpeakerUser {
		t.Fatalf("expected late user final in history, got %+v", final)
	}
}

func openWithText(a *Assembler) []Utterance {
	var out []Utterance
	for _, s := range []Speaker{SpeakerUser, SpeakerBot} {
		if u, ok := a.Open(s); ok && u.Text != "" {
			out = append(out, u)
		}
	}
	return out
}

func TestBargeInAfterLateFinalClosesBot(t *testing.T) {
	a, _ := newTestAssembler()

	a.SpeakerStarted(SpeakerBot)
	a.BotText("Hi there")
	a.UserTranscript("x", true)
	a.SpeakerStarted(SpeakerUser)
	a.UserTranscript("y", false)
	a.BotText(" more")

	if open := openWithText(a); len(open) != 1 || open[0].Speaker != SpeakerUser || open[0].Text != "y" {
		t.Fatalf("expected only the user turn open, got %+v", open)
	}
	final := a.Finalized()
	if len(final) != 2 || final[1].Speaker != SpeakerBot || final[1].Text != "Hi there" {
		t.Fatalf("expected bot closed before the trailing fragment, got %+v", final)
	}
}

func TestInterimAfterLateFinalClosesBot(t *testing.T) {
	a, _ := newTestAssembler()

	a.SpeakerStarted(SpeakerBot)
	a.BotText("Sure")
	a.UserTranscript("wait", true)
	a.UserTranscript("stop", false)

	if _, ok := a.Open(SpeakerBot); ok {
		t.Fatal("expected interim user text to close the bot")
	}
	if open := openWithText(a); len(open) != 1 || open[0].Text != "stop" {
		t.Fatalf("expected only the user interim open, got %+v", open)
	}
}

func TestEmptyFinalIsNotRecorded(t *testing.T) {
	a, changes := newTestAssembler()

	a.UserTranscript("", true)
	a.UserTranscript("   ", true)
	if len(a.Utterances()) != 0 || len(*changes) != 0 {
		t.Fatalf("expected empty finals ignored, got %+v / %+v", a.Utterances(), *changes)
	}

	a.SpeakerStarted(SpeakerUser)
	a.UserTranscript("um", false)
	a.UserTranscript("", true)

	if len(a.Finalized()) != 0 {
		t.Fatalf("expected no finalized utterance, got %+v", a.Finalized())
	}
	slot, ok := a.Open(SpeakerUser)
	if !ok || slot.Text != "" {
		t.Fatalf("expected a fresh empty user slot, got %+v", slot)
	}
	discarded := false
	for _, c := range *changes {
		if c.Kind == ChangeDiscarded && c.Utterance.Speaker == SpeakerUser {
			discarded = true
		}
	}
	if !discarded {
		t.Fatal("expected interim utterance discarded")
	}
}

func TestInterimWithoutStartOpensUtterance(t *testing.T) {
	a, _ := newTestAssembler()

	a.UserTranscript("early", false)

	open, ok := a.Open(SpeakerUser)
	if !ok || open.Text != "early" || !open.Interim {
		t.Fatalf("expected implicit open, got %+v", open)
	}
}

func TestUtterancesOrderAndReset(t *testing.T) {
	a, _ := newTestAssembler()

	a.SpeakerStarted(SpeakerUser)
	a.UserTranscript("hi", true)
	a.SpeakerStarted(SpeakerBot)
	a.BotText("hello there")

	all := a.Utterances()
	if len(all) != 2 {
		t.Fatalf("expected 2 utterances, got %+v", all)
	}
	if all[0].Speaker != SpeakerUser || all[1].Speaker != SpeakerBot || all[1].Finalized {
		t.Fatalf("unexpected order %+v", all)
	}

	a.Reset()
	if len(a.Utterances()) != 0 {
		t.Fatal("expected reset to clear utterances")
	}
	if _, ok := a.Open(SpeakerBot); ok {
		t.Fatal("expected reset to close open utterances")
	}
}

func TestMarkdownAndPlain(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 5, 7, 0, time.UTC)
	utts := []Utterance{
		{Speaker: SpeakerUser, Text: " hi ", StartedAt: ts, Finalized: true},
		{Speaker: SpeakerBot, Text: "", StartedAt: ts},
		{Speaker: SpeakerBot, Text: "hello", StartedAt: ts, Finalized: true},
	}

	md := Markdown(utts)
	if !strings.Contains(md, "**[09:05:07] User:** hi") {
		t.Fatalf("unexpected markdown %q", md)
	}
	if strings.Count(md, "\n") != 2 {
		t.Fatalf("expected empty utterance skipped, got %q", md)
	}

	if got := Plain(utts); got != "User: hi\nBot: hello\n" {
		t.Fatalf("unexpected plain text %q", got)
	}
}
