package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sjawhar/voice-bridge/internal/bot"
	"github.com/sjawhar/voice-bridge/internal/event"
	"github.com/sjawhar/voice-bridge/internal/room"
	"github.com/sjawhar/voice-bridge/internal/transcript"
)

func TestEventSerialization(t *testing.T) {
	at := time.Unix(1, 0)
	events := []any{
		TransportStateEvent{Event: newEvent(TypeTransportState, at), State: event.StateConnected, SessionID: "abc"},
		RoomLocatorEvent{Event: newEvent(TypeRoomLocator, at), RoomURL: "https://x.daily.co/r", Resolution: room.StateResolved},
		BotStateEvent{Event: newEvent(TypeBotState, at), Bot: bot.State{Phase: bot.PhaseActive}},
		TranscriptEvent{Event: newEvent(TypeTranscript, at), Change: transcript.ChangeOpened, Utterance: transcript.Utterance{ID: 1}},
		SessionResetEvent{Event: newEvent(TypeSessionReset, at), SessionID: "abc"},
		NoticeEvent{Event: newEvent(TypeNotice, at), Level: "error", Message: "boom"},
		SummaryReadyEvent{Event: newEvent(TypeSummaryReady, at), SessionID: "abc", Summary: "ok"},
	}

	for _, event := range events {
		b, err := json.Marshal(event)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}

		var payload map[string]any
		if err := json.Unmarshal(b, &payload); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}

		if payload["type"] == nil {
			t.Fatalf("missing type in payload: %s", string(b))
		}
		if payload["version"] == nil {
			t.Fatalf("missing version in payload: %s", string(b))
		}
		if payload["timestamp"] == nil {
			t.Fatalf("missing timestamp in payload: %s", string(b))
		}
	}
}

func TestHubObserverPayloads(t *testing.T) {
	hub := NewHub()
	hub.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	hub.TransportStateChanged(event.StateConnecting, "sess-1")
	hub.RoomLocatorChanged("", room.StateDeferred, "")
	hub.TranscriptChanged(transcript.Change{
		Kind:      transcript.ChangeUpdated,
		Utterance: transcript.Utterance{ID: 3, Speaker: transcript.SpeakerUser, Text: "turn on", Interim: true},
	})
	hub.Notice("warn", "room unresolved")

	want := []struct {
		typ   string
		key   string
		value any
	}{
		{TypeTransportState, "state", "connecting"},
		{TypeRoomLocator, "resolution", "deferred"},
		{TypeTranscript, "change", "updated"},
		{TypeNotice, "message", "room unresolved"},
	}
	for _, w := range want {
		var payload map[string]any
		if err := json.Unmarshal(<-ch, &payload); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if payload["type"] != w.typ || payload[w.key] != w.value {
			t.Fatalf("expected %s with %s=%v, got %v", w.typ, w.key, w.value, payload)
		}
		if payload["timestamp"] != "2026-03-01T12:00:00Z" {
			t.Fatalf("expected pinned timestamp, got %v", payload["timestamp"])
		}
	}
}
