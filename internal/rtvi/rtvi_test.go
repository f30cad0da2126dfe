package rtvi

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/sjawhar/voice-bridge/internal/event"
)

func TestDecodeVocabulary(t *testing.T) {
	cases := []struct {
		raw  string
		kind event.Kind
	}{
		{`{"label":"rtvi-ai","type":"bot-ready","data":{"version":"0.3.0"}}`, event.KindBotReady},
		{`{"label":"rtvi-ai","type":"bot-connected"}`, event.KindBotConnected},
		{`{"label":"rtvi-ai","type":"bot-disconnected"}`, event.KindBotDisconnected},
		{`{"label":"rtvi-ai","type":"user-started-speaking"}`, event.KindUserStartedSpeaking},
		{`{"label":"rtvi-ai","type":"user-stopped-speaking"}`, event.KindUserStoppedSpeaking},
		{`{"label":"rtvi-ai","type":"bot-started-speaking"}`, event.KindBotStartedSpeaking},
		{`{"label":"rtvi-ai","type":"bot-stopped-speaking"}`, event.KindBotStoppedSpeaking},
		{`{"label":"rtvi-ai","type":"user-transcription","data":{"text":"hi","final":false}}`, event.KindUserTranscript},
		{`{"label":"rtvi-ai","type":"bot-tts-text","data":{"text":"Hel"}}`, event.KindBotText},
		{`{"label":"rtvi-ai","type":"bot-transcription","data":{"text":"Hello there."}}`, event.KindBotText},
		{`{"label":"rtvi-ai","type":"participant-joined","data":{"id":"p2","local":false}}`, event.KindBotConnected},
		{`{"label":"rtvi-ai","type":"participant-left","data":{"id":"p2"}}`, event.KindBotDisconnected},
		{`{"label":"rtvi-ai","type":"error","data":{"message":"boom","fatal":true}}`, event.KindError},
		{`{"label":"rtvi-ai","type":"error-response","data":{"error":"bad action"}}`, event.KindMessageError},
	}

	for _, tc := range cases {
		ev, ok, err := Decode([]byte(tc.raw))
		if err != nil {
			t.Fatalf("Decode(%s) failed: %v", tc.raw, err)
		}
		if !ok {
			t.Fatalf("Decode(%s) not recognized", tc.raw)
		}
		if ev.Kind != tc.kind {
			t.Fatalf("Decode(%s) kind = %q, want %q", tc.raw, ev.Kind, tc.kind)
		}
		if string(ev.Raw) != tc.raw {
			t.Fatalf("expected raw payload kept, got %q", ev.Raw)
		}
	}
}

func TestDecodeTranscriptFields(t *testing.T) {
	ev, _, err := Decode([]byte(`{"label":"rtvi-ai","type":"user-transcription","data":{"text":"turn on the lights","final":true,"user_id":"u1"}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if ev.Text != "turn on the lights" || !ev.Final {
		t.Fatalf("unexpected transcript event %+v", ev)
	}
}

func TestDecodeErrorFields(t *testing.T) {
	ev, _, _ := Decode([]byte(`{"label":"rtvi-ai","type":"error","data":{"message":"pipeline crashed","fatal":true}}`))
	if ev.Message != "pipeline crashed" || !ev.Fatal {
		t.Fatalf("unexpected error event %+v", ev)
	}

	ev, _, _ = Decode([]byte(`{"label":"rtvi-ai","type":"error-response","id":"m1","data":{"error":"unknown action"}}`))
	if ev.Message != "unknown action" || ev.Fatal {
		t.Fatalf("unexpected message-error event %+v", ev)
	}
}

func TestDecodeIgnoresLocalParticipant(t *testing.T) {
	_, ok, err := Decode([]byte(`{"label":"rtvi-ai","type":"participant-joined","data":{"id":"me","local":true}}`))
	if err != nil || ok {
		t.Fatalf("expected local participant ignored, got ok=%v err=%v", ok, err)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, ok, err := Decode([]byte(`{"label":"rtvi-ai","type":"metrics","data":{"ttfb":[]}}`))
	if err != nil || ok {
		t.Fatalf("expected unknown type ignored, got ok=%v err=%v", ok, err)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected envelope error")
	}
	if _, _, err := Decode([]byte(`{"label":"other","type":"bot-ready"}`)); !errors.Is(err, ErrWrongLabel) {
		t.Fatalf("expected ErrWrongLabel, got %v", err)
	}
	if _, _, err := Decode([]byte(`{"label":"rtvi-ai","type":"user-transcription","data":{"text":5}}`)); err == nil {
		t.Fatal("expected data decode error")
	}
}

func TestClientReady(t *testing.T) {
	raw, err := ClientReady()
	if err != nil {
		t.Fatalf("ClientReady failed: %v", err)
	}

	var msg struct {
		Label string `json:"label"`
		Type  string `json:"type"`
		ID    string `json:"id"`
		Data  struct {
			Version string `json:"version"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal client-ready: %v", err)
	}
	if msg.Label != Label || msg.Type != "client-ready" || msg.ID == "" || msg.Data.Version != ProtocolVersion {
		t.Fatalf("unexpected client-ready %+v", msg)
	}
}
