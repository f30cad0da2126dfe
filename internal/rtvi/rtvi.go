// Package rtvi decodes the RTVI JSON messages a voice bot sends over its
// transport into the session event vocabulary.
package rtvi

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sjawhar/voice-bridge/internal/event"
)

const (
	Label = "rtvi-ai"

	// ProtocolVersion is announced in client-ready.
	ProtocolVersion = "0.3.0"
)

var ErrWrongLabel = errors.New("rtvi: message is not labelled " + Label)

// Message is the envelope shared by every RTVI message.
type Message struct {
	Label string          `json:"label"`
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type transcriptData struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type textData struct {
	Text string `json:"text"`
}

type errorData struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Fatal   bool   `json:"fatal"`
}

type participantData struct {
	ID    string `json:"id"`
	Local bool   `json:"local"`
}

// Decode parses one raw message. ok is false for message types outside the
// vocabulary; those are not errors.
func Decode(raw []byte) (ev event.Event, ok bool, err error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return event.Event{}, false, fmt.Errorf("rtvi: decode envelope: %w", err)
	}
	if msg.Label != Label {
		return event.Event{}, false, ErrWrongLabel
	}

	ev, ok, err = decodeData(msg)
	if err != nil {
		return event.Event{}, false, fmt.Errorf("rtvi: decode %s: %w", msg.Type, err)
	}
	if ok {
		ev.Raw = raw
	}
	return ev, ok, nil
}

func decodeData(msg Message) (event.Event, bool, error) {
	switch msg.Type {
	case "bot-ready":
		return event.New(event.KindBotReady), true, nil
	case "bot-connected":
		return event.New(event.KindBotConnected), true, nil
	case "bot-disconnected":
		return event.New(event.KindBotDisconnected), true, nil
	case "user-started-speaking":
		return event.New(event.KindUserStartedSpeaking), true, nil
	case "user-stopped-speaking":
		return event.New(event.KindUserStoppedSpeaking), true, nil
	case "bot-started-speaking":
		return event.New(event.KindBotStartedSpeaking), true, nil
	case "bot-stopped-speaking":
		return event.New(event.KindBotStoppedSpeaking), true, nil

	case "user-transcription":
		var d transcriptData
		if err := unmarshalData(msg.Data, &d); err != nil {
			return event.Event{}, false, err
		}
		return event.UserTranscript(d.Text, d.Final), true, nil

	case "bot-tts-text", "bot-transcription":
		var d textData
		if err := unmarshalData(msg.Data, &d); err != nil {
			return event.Event{}, false, err
		}
		return event.BotText(d.Text), true, nil

	case "participant-joined", "participant-left":
		var d participantData
		if err := unmarshalData(msg.Data, &d); err != nil {
			return event.Event{}, false, err
		}
		if d.Local {
			return event.Event{}, false, nil
		}
		if msg.Type == "participant-joined" {
			return event.New(event.KindBotConnected), true, nil
		}
		return event.New(event.KindBotDisconnected), true, nil

	case "error":
		var d errorData
		if err := unmarshalData(msg.Data, &d); err != nil {
			return event.Event{}, false, err
		}
		return event.Failure(event.KindError, firstNonEmpty(d.Message, d.Error), d.Fatal), true, nil

	case "error-response":
		var d errorData
		if err := unmarshalData(msg.Data, &d); err != nil {
			return event.Event{}, false, err
		}
		return event.Failure(event.KindMessageError, firstNonEmpty(d.Error, d.Message), false), true, nil
	}
	return event.Event{}, false, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ClientReady encodes the message a client sends once its media is flowing.
func ClientReady() ([]byte, error) {
	data, err := json.Marshal(map[string]any{
		"version": ProtocolVersion,
		"about": map[string]string{
			"library": "voice-bridge",
		},
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{
		Label: Label,
		Type:  "client-ready",
		ID:    uuid.NewString(),
		Data:  data,
	})
}
