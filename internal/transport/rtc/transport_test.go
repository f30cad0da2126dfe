package rtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/sjawhar/voice-bridge/internal/event"
)

type countingEncoder struct {
	mu     sync.Mutex
	frames [][]int16
	err    error
}

func (e *countingEncoder) Encode(pcm []int16, data []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return 0, e.err
	}
	e.frames = append(e.frames, append([]int16(nil), pcm...))
	data[0] = byte(len(pcm))
	return 1, nil
}

func pcm(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestFramerSplitsTwentyMillisecondFrames(t *testing.T) {
	enc := &countingEncoder{}
	var packets int
	// 1000 Hz gives 20 samples per frame.
	f := newPCMFramer(enc, 1000, func(p []byte) error {
		if len(p) != 1 || p[0] != 20 {
			t.Fatalf("unexpected packet %v", p)
		}
		packets++
		return nil
	})

	samples := make([]int16, 50)
	for i := range samples {
		samples[i] = int16(i - 25)
	}
	raw := pcm(samples...)

	if n, err := f.Write(raw[:30]); err != nil || n != 30 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if packets != 0 {
		t.Fatalf("expected no packet from a partial frame, got %d", packets)
	}
	if _, err := f.Write(raw[30:]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if packets != 2 {
		t.Fatalf("expected two full frames, got %d", packets)
	}
	if enc.frames[0][0] != -25 || enc.frames[1][0] != -5 {
		t.Fatalf("unexpected frame contents %v", enc.frames)
	}
	if len(f.pending) != 20 {
		t.Fatalf("expected 10 samples pending, got %d bytes", len(f.pending))
	}
}

func TestFramerReportsEncodeError(t *testing.T) {
	f := newPCMFramer(&countingEncoder{err: errors.New("bad frame")}, 1000, func([]byte) error { return nil })
	if _, err := f.Write(make([]byte, 40)); err == nil || !strings.Contains(err.Error(), "bad frame") {
		t.Fatalf("expected encode error, got %v", err)
	}
}

func TestPeerStateEvent(t *testing.T) {
	tests := []struct {
		state webrtc.PeerConnectionState
		ok    bool
		kind  event.Kind
		to    event.TransportState
	}{
		{webrtc.PeerConnectionStateConnecting, false, "", ""},
		{webrtc.PeerConnectionStateConnected, true, event.KindTransportState, event.StateConnected},
		{webrtc.PeerConnectionStateDisconnected, false, "", ""},
		{webrtc.PeerConnectionStateFailed, true, event.KindError, ""},
		{webrtc.PeerConnectionStateClosed, true, event.KindTransportState, event.StateDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			ev, ok := peerStateEvent(tt.state)
			if ok != tt.ok {
				t.Fatalf("peerStateEvent(%s) ok = %v, want %v", tt.state, ok, tt.ok)
			}
			if !ok {
				return
			}
			if ev.Kind != tt.kind || (tt.to != "" && ev.State != tt.to) {
				t.Fatalf("peerStateEvent(%s) = %+v", tt.state, ev)
			}
		})
	}
}

func TestWriteBeforeConnect(t *testing.T) {
	tr := New(Options{BackendURL: "http://127.0.0.1:1"})
	if _, err := tr.Write([]byte{0, 0}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if len(tr.Internals()) != 0 {
		t.Fatalf("expected empty internals, got %v", tr.Internals())
	}
}

func TestConnectOfferRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/offer" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var offer offerMessage
		if err := json.NewDecoder(r.Body).Decode(&offer); err != nil || offer.Type != "offer" || offer.PCID == "" {
			t.Errorf("unexpected offer %+v err=%v", offer, err)
		}
		http.Error(w, "bot pool exhausted", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := New(Options{BackendURL: srv.URL + "/"})
	_, err := tr.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "bot pool exhausted") {
		t.Fatalf("expected offer rejection, got %v", err)
	}
	if err := tr.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect after failed connect: %v", err)
	}
}

func loopbackAPI(t *testing.T) *webrtc.API {
	t.Helper()
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("register codecs: %v", err)
	}
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))
}

func TestConnectLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}

	api := loopbackAPI(t)
	readyC := make(chan string, 1)
	botPCs := make(chan *webrtc.PeerConnection, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var offer offerMessage
		if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		pc, err := api.NewPeerConnection(webrtc.Configuration{})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		botPCs <- pc
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				var m struct {
					Type string `json:"type"`
				}
				_ = json.Unmarshal(msg.Data, &m)
				readyC <- m.Type
				_ = dc.SendText(`{"label":"rtvi-ai","type":"bot-ready","data":{}}`)
				_ = dc.SendText(`{"label":"rtvi-ai","type":"user-transcription","data":{"text":"hi","final":true}}`)
			})
		})

		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		gathered := webrtc.GatheringCompletePromise(pc)
		_ = pc.SetLocalDescription(answer)
		<-gathered

		_ = json.NewEncoder(w).Encode(map[string]any{
			"sdp":   pc.LocalDescription().SDP,
			"type":  "answer",
			"pc_id": "pc-1",
		})
	}))
	defer srv.Close()
	defer func() {
		select {
		case pc := <-botPCs:
			_ = pc.Close()
		default:
		}
	}()

	tr := New(Options{BackendURL: srv.URL, API: api})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := tr.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() { _ = tr.Disconnect(context.Background()) }()

	if result.String("session_id") != "pc-1" || result.String("sdp") != "" {
		t.Fatalf("unexpected connect result %v", result)
	}
	if tr.Internals().String("_pcId") != "pc-1" {
		t.Fatalf("unexpected internals %v", tr.Internals())
	}

	select {
	case got := <-readyC:
		if got != "client-ready" {
			t.Fatalf("expected client-ready, got %q", got)
		}
	case <-ctx.Done():
		t.Fatal("bot never received client-ready")
	}

	seen := map[event.Kind]bool{}
	connected := false
	events := tr.Events()
	for !(connected && seen[event.KindBotReady] && seen[event.KindUserTranscript]) {
		select {
		case ev := <-events:
			seen[ev.Kind] = true
			if ev.Kind == event.KindTransportState && ev.State == event.StateConnected {
				connected = true
			}
		case <-ctx.Done():
			t.Fatalf("missing events, saw %v connected=%v", seen, connected)
		}
	}

	if _, err := tr.Write(make([]byte, 640)); err != nil {
		t.Fatalf("Write audio failed: %v", err)
	}
}

func TestSetSampleRate(t *testing.T) {
	tr := New(Options{BackendURL: "http://127.0.0.1:1"})
	if err := tr.SetSampleRate(44100); err == nil {
		t.Fatal("expected 44100 Hz to be rejected")
	}
	if err := tr.SetSampleRate(48000); err != nil {
		t.Fatalf("expected 48000 Hz accepted, got %v", err)
	}
}
