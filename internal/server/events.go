package server

import (
	"time"

	"github.com/sjawhar/voice-bridge/internal/bot"
	"github.com/sjawhar/voice-bridge/internal/event"
	"github.com/sjawhar/voice-bridge/internal/room"
	"github.com/sjawhar/voice-bridge/internal/transcript"
)

const EventVersion = 1

const (
	TypeConnection     = "connection"
	TypeTransportState = "transport_state"
	TypeRoomLocator    = "room_locator"
	TypeBotState       = "bot_state"
	TypeTranscript     = "transcript"
	TypeSessionReset   = "session_reset"
	TypeNotice         = "notice"
	TypeSummaryReady   = "summary_ready"
)

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type TransportStateEvent struct {
	Event
	State     event.TransportState `json:"state"`
	SessionID string               `json:"session_id,omitempty"`
}

type RoomLocatorEvent struct {
	Event
	RoomURL    string     `json:"room_url,omitempty"`
	Resolution room.State `json:"resolution"`
	Source     string     `json:"source,omitempty"`
}

type BotStateEvent struct {
	Event
	Bot bot.State `json:"bot"`
}

// TranscriptEvent carries one utterance change. The UI keys rows by
// utterance id and replaces them in place.
type TranscriptEvent struct {
	Event
	Change    transcript.ChangeKind `json:"change"`
	Utterance transcript.Utterance  `json:"utterance"`
}

type SessionResetEvent struct {
	Event
	SessionID string `json:"session_id"`
}

type NoticeEvent struct {
	Event
	Level   string `json:"level"`
	Message string `json:"message"`
}

type SummaryReadyEvent struct {
	Event
	SessionID string `json:"session_id"`
	Summary   string `json:"summary"`
	Status    string `json:"status"`
	Preset    string `json:"preset,omitempty"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
