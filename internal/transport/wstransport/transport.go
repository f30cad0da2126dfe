// Package wstransport connects a session to a voice bot over a plain
// websocket carrying RTVI text frames and raw PCM audio frames.
package wstransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sjawhar/voice-bridge/internal/bot"
	"github.com/sjawhar/voice-bridge/internal/event"
	"github.com/sjawhar/voice-bridge/internal/room"
	"github.com/sjawhar/voice-bridge/internal/rtvi"
)

const (
	eventBuffer  = 256
	writeTimeout = 5 * time.Second
)

var (
	ErrAlreadyConnected = errors.New("wstransport: already connected")
	ErrNotConnected     = errors.New("wstransport: not connected")
	ErrNoURL            = errors.New("wstransport: no websocket url configured or returned by the backend")
)

// Credentialer hands out the room and token for a new connection.
type Credentialer interface {
	Connect(ctx context.Context) (bot.Credentials, error)
}

type Options struct {
	// URL overrides the ws_url field of the connect result.
	URL    string
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// control is the transport handshake the server sends outside RTVI.
type control struct {
	Label   string `json:"label"`
	Type    string `json:"type"`
	RoomURL string `json:"room_url"`
}

type Transport struct {
	backend Credentialer
	url     string
	dialer  *websocket.Dialer
	logger  *slog.Logger

	mu         sync.Mutex
	events     chan event.Event
	conn       *websocket.Conn
	readerDone chan struct{}
	closing    bool
	roomURL    string

	writeMu sync.Mutex
}

func New(backend Credentialer, opts Options) *Transport {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		backend: backend,
		url:     opts.URL,
		dialer:  dialer,
		logger:  logger.With("transport", "websocket"),
		events:  make(chan event.Event, eventBuffer),
	}
}

func (t *Transport) Connect(ctx context.Context) (room.Payload, error) {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	t.mu.Unlock()

	t.emit(event.StateChanged(event.StateConnecting))

	creds, err := t.backend.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("request credentials: %w", err)
	}

	target := t.url
	if target == "" {
		target, _ = creds.Raw["ws_url"].(string)
	}
	if target == "" {
		return nil, ErrNoURL
	}

	header := http.Header{}
	if creds.Token != "" {
		header.Set("Authorization", "Bearer "+creds.Token)
	}
	conn, resp, err := t.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.readerDone = done
	t.closing = false
	t.roomURL = ""
	events := t.events
	t.mu.Unlock()

	go t.read(conn, events, done)

	ready, err := rtvi.ClientReady()
	if err == nil {
		err = t.write(websocket.TextMessage, ready)
	}
	if err != nil {
		t.logger.Warn("send client-ready failed", "error", err)
	}

	return room.Payload(creds.Raw), nil
}

// Disconnect closes the socket and waits for the reader to exit. Events
// from the closed connection are discarded with the old channel.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	conn, done := t.conn, t.readerDone
	t.conn = nil
	t.closing = true
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()
		_ = conn.Close()

		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("wait for reader: %w", ctx.Err())
		}
	}

	t.mu.Lock()
	t.events = make(chan event.Event, eventBuffer)
	t.roomURL = ""
	t.mu.Unlock()
	return nil
}

func (t *Transport) Events() <-chan event.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events
}

// Internals exposes _roomUrl once the server has confirmed the room.
func (t *Transport) Internals() room.Payload {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.roomURL == "" {
		return room.Payload{}
	}
	return room.Payload{"_roomUrl": t.roomURL}
}

// Write sends one frame of PCM audio.
func (t *Transport) Write(p []byte) (int, error) {
	if err := t.write(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *Transport) write(kind int, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(kind, data)
}

func (t *Transport) read(conn *websocket.Conn, events chan event.Event, done chan struct{}) {
	defer close(done)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closing := t.closing
			t.mu.Unlock()
			if closing {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn("websocket read failed", "error", err)
				t.send(events, event.Failure(event.KindError, "connection lost: "+err.Error(), false))
			}
			t.send(events, event.StateChanged(event.StateDisconnected))
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		if t.handshake(events, data) {
			continue
		}

		ev, ok, err := rtvi.Decode(data)
		if err != nil {
			t.logger.Warn("dropping malformed message", "error", err)
			continue
		}
		if ok {
			t.send(events, ev)
		}
	}
}

func (t *Transport) handshake(events chan event.Event, data []byte) bool {
	var msg control
	if err := json.Unmarshal(data, &msg); err != nil || msg.Label != "" || msg.Type != "joined" {
		return false
	}

	t.mu.Lock()
	t.roomURL = msg.RoomURL
	t.mu.Unlock()
	t.send(events, event.StateChanged(event.StateConnected))
	return true
}

func (t *Transport) emit(ev event.Event) {
	t.mu.Lock()
	events := t.events
	t.mu.Unlock()
	t.send(events, ev)
}

func (t *Transport) send(events chan event.Event, ev event.Event) {
	select {
	case events <- ev:
	default:
		t.logger.Warn("event buffer full, dropping event", "kind", ev.Kind)
	}
}
