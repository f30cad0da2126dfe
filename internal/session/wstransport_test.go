package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/sjawhar/voice-bridge/internal/bot"
	"github.com/sjawhar/voice-bridge/internal/room"
	"github.com/sjawhar/voice-bridge/internal/transport/wstransport"
)

// newLateRoomServer serves a connect endpoint without a room_url and a
// websocket that announces the room only after release is closed.
func newLateRoomServer(t *testing.T, roomURL string, release <-chan struct{}) *httptest.Server {
	t.Helper()
	var upgrader websocket.Upgrader

	mux := http.NewServeMux()
	mux.HandleFunc("POST /connect", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ws_url": "ws" + strings.TrimPrefix("http://"+r.Host, "http") + "/ws",
			"token":  "tok-1",
		})
	})
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		joined, _ := json.Marshal(map[string]string{"type": "joined", "room_url": roomURL})
		if err := conn.WriteMessage(websocket.TextMessage, joined); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestWebsocketJoinResolvesAndActivates(t *testing.T) {
	release := make(chan struct{})
	srv := newLateRoomServer(t, "https://x.daily.co/r1", release)

	client, err := bot.NewClient(srv.URL, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	tr := wstransport.New(client, wstransport.Options{})
	backend := &fakeBackend{resp: bot.Response{Status: "bot_activated", PID: "9"}}
	c := startController(t, Deps{Transport: tr, Backend: backend}, Options{AutoActivate: true})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if st := status(t, c); st.Resolution != room.StateDeferred {
		t.Fatalf("expected deferred resolution before join, got %+v", st)
	}
	if backend.callCount() != 0 {
		t.Fatal("expected no activation before join")
	}

	close(release)
	eventually(t, "expected room from the join frame and an active bot", func() bool {
		st := status(t, c)
		return st.RoomLocator == "https://x.daily.co/r1" &&
			st.LocatorSource == "transport" &&
			st.Bot.Phase == bot.PhaseActive
	})
	if backend.callCount() != 1 {
		t.Fatalf("expected a single auto activation, got %d", backend.callCount())
	}

	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
}
