package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sjawhar/voice-bridge/internal/bot"
	"github.com/sjawhar/voice-bridge/internal/transcript"
)

func TestWSBroadcastEventShape(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	hub.TranscriptChanged(transcript.Change{
		Kind:      transcript.ChangeUpdated,
		Utterance: transcript.Utterance{ID: 3, Speaker: transcript.SpeakerUser, Text: "test line", Interim: true},
	})

	select {
	case msg := <-ch:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if payload["type"] != TypeTranscript {
			t.Fatalf("expected event type transcript, got %#v", payload["type"])
		}
		if payload["change"] != "updated" {
			t.Fatalf("expected change updated, got %#v", payload["change"])
		}
		if payload["version"] == nil || payload["timestamp"] == nil {
			t.Fatalf("expected version and timestamp in payload: %s", string(msg))
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for websocket broadcast")
	}
}

func TestWSDeliversHubEvents(t *testing.T) {
	hub := NewHub()
	h, err := Handler(testStaticFS(t), hub, apiStoreStub{}, ControlHooks{})
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello ConnectionEvent
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != TypeConnection || !hello.Connected {
		t.Fatalf("expected connection event, got %+v err=%v", hello, err)
	}

	hub.BotStateChanged(bot.State{Phase: bot.PhaseActivating})

	var got BotStateEvent
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got.Type != TypeBotState || got.Bot.Phase != bot.PhaseActivating {
		t.Fatalf("unexpected event %+v", got)
	}
}
