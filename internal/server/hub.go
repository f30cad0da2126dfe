package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sjawhar/voice-bridge/internal/bot"
	"github.com/sjawhar/voice-bridge/internal/event"
	"github.com/sjawhar/voice-bridge/internal/room"
	"github.com/sjawhar/voice-bridge/internal/session"
	"github.com/sjawhar/voice-bridge/internal/transcript"
)

var (
	_ session.Observer           = (*Hub)(nil)
	_ session.SummaryBroadcaster = (*Hub)(nil)
)

// Hub fans UI events out to websocket subscribers. Slow subscribers drop
// messages rather than block the session loop.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	now     func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[chan []byte]struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) TransportStateChanged(state event.TransportState, sessionID string) {
	h.broadcastEvent(TransportStateEvent{
		Event:     newEvent(TypeTransportState, h.now()),
		State:     state,
		SessionID: sessionID,
	})
}

func (h *Hub) RoomLocatorChanged(locator string, state room.State, source string) {
	h.broadcastEvent(RoomLocatorEvent{
		Event:      newEvent(TypeRoomLocator, h.now()),
		RoomURL:    locator,
		Resolution: state,
		Source:     source,
	})
}

func (h *Hub) BotStateChanged(state bot.State) {
	h.broadcastEvent(BotStateEvent{
		Event: newEvent(TypeBotState, h.now()),
		Bot:   state,
	})
}

func (h *Hub) TranscriptChanged(change transcript.Change) {
	h.broadcastEvent(TranscriptEvent{
		Event:     newEvent(TypeTranscript, h.now()),
		Change:    change.Kind,
		Utterance: change.Utterance,
	})
}

func (h *Hub) SessionReset(sessionID string) {
	h.broadcastEvent(SessionResetEvent{
		Event:     newEvent(TypeSessionReset, h.now()),
		SessionID: sessionID,
	})
}

func (h *Hub) Notice(level, message string) {
	h.broadcastEvent(NoticeEvent{
		Event:   newEvent(TypeNotice, h.now()),
		Level:   level,
		Message: message,
	})
}

func (h *Hub) BroadcastSummaryReady(sessionID, summary, status, preset string) {
	h.broadcastEvent(SummaryReadyEvent{
		Event:     newEvent(TypeSummaryReady, h.now()),
		SessionID: sessionID,
		Summary:   summary,
		Status:    status,
		Preset:    preset,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("event marshal failed", "error", err)
		return
	}
	h.Broadcast(payload)
}
