// Package rtc connects a session to a voice bot over WebRTC. Signalling is
// a single SDP offer/answer exchange over HTTP; RTVI messages travel on the
// rtvi-ai data channel and microphone audio on an Opus track.
package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/sjawhar/voice-bridge/internal/event"
	"github.com/sjawhar/voice-bridge/internal/room"
	"github.com/sjawhar/voice-bridge/internal/rtvi"
)

const (
	eventBuffer   = 256
	frameDuration = 20 * time.Millisecond
	maxPacketSize = 1500
)

var (
	ErrAlreadyConnected = errors.New("rtc: already connected")
	ErrNotConnected     = errors.New("rtc: not connected")
)

type Options struct {
	// BackendURL is the bot server root; the offer goes to {BackendURL}/api/offer.
	BackendURL string
	ICEServers []string
	// SampleRate of the PCM written to the transport. Defaults to 16000.
	SampleRate int
	HTTPClient *http.Client
	Logger     *slog.Logger
	// API overrides the pion API, for custom setting engines.
	API *webrtc.API
}

type offerMessage struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
	PCID string `json:"pc_id,omitempty"`
}

type Transport struct {
	api        *webrtc.API
	offerURL   string
	ice        []webrtc.ICEServer
	sampleRate int
	http       *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	events  chan event.Event
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	audio   *pcmFramer
	pcID    string
	closing bool
	drained sync.WaitGroup
}

func New(opts Options) *Transport {
	servers := make([]webrtc.ICEServer, 0, len(opts.ICEServers))
	for _, u := range opts.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	rate := opts.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		api:        opts.API,
		offerURL:   strings.TrimRight(opts.BackendURL, "/") + "/api/offer",
		ice:        servers,
		sampleRate: rate,
		http:       client,
		logger:     logger.With("transport", "webrtc"),
		events:     make(chan event.Event, eventBuffer),
	}
}

func (t *Transport) Connect(ctx context.Context) (result room.Payload, err error) {
	t.mu.Lock()
	if t.pc != nil {
		t.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	t.closing = false
	events := t.events
	t.mu.Unlock()

	t.send(events, event.StateChanged(event.StateConnecting))

	pc, err := t.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	defer func() {
		if err != nil {
			_ = pc.Close()
		}
	}()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"audio", "voice-bridge",
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	if _, err = pc.AddTrack(track); err != nil {
		return nil, fmt.Errorf("add audio track: %w", err)
	}
	t.mu.Lock()
	rate := t.sampleRate
	t.mu.Unlock()
	enc, err := opus.NewEncoder(rate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel(rtvi.Label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	t.wire(pc, dc, events)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err = pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, fmt.Errorf("gather ice candidates: %w", ctx.Err())
	}

	answer, raw, err := t.exchange(ctx, *pc.LocalDescription())
	if err != nil {
		return nil, err
	}
	if err = pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	t.mu.Lock()
	t.pc = pc
	t.dc = dc
	t.pcID = answer.PCID
	t.audio = newPCMFramer(enc, rate, func(packet []byte) error {
		return track.WriteSample(media.Sample{Data: packet, Duration: frameDuration})
	})
	t.mu.Unlock()

	if answer.PCID != "" {
		raw["session_id"] = answer.PCID
	}
	return raw, nil
}

func (t *Transport) newPeerConnection() (*webrtc.PeerConnection, error) {
	cfg := webrtc.Configuration{ICEServers: t.ice}
	if t.api != nil {
		return t.api.NewPeerConnection(cfg)
	}
	return webrtc.NewPeerConnection(cfg)
}

func (t *Transport) exchange(ctx context.Context, local webrtc.SessionDescription) (offerMessage, room.Payload, error) {
	body, err := json.Marshal(offerMessage{
		SDP:  local.SDP,
		Type: local.Type.String(),
		PCID: uuid.NewString(),
	})
	if err != nil {
		return offerMessage{}, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.offerURL, bytes.NewReader(body))
	if err != nil {
		return offerMessage{}, nil, fmt.Errorf("build offer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return offerMessage{}, nil, fmt.Errorf("post offer: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return offerMessage{}, nil, fmt.Errorf("read answer: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return offerMessage{}, nil, fmt.Errorf("post offer: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var answer offerMessage
	if err := json.Unmarshal(data, &answer); err != nil {
		return offerMessage{}, nil, fmt.Errorf("decode answer: %w", err)
	}
	if answer.SDP == "" {
		return offerMessage{}, nil, errors.New("decode answer: empty sdp")
	}
	raw := room.Payload{}
	_ = json.Unmarshal(data, &raw)
	delete(raw, "sdp")
	return answer, raw, nil
}

// peerStateEvent maps a peer connection state onto a transport event.
// Disconnected is transient: ICE either recovers to connected or gives up
// with failed, so only closed ends the session.
func peerStateEvent(state webrtc.PeerConnectionState) (event.Event, bool) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		return event.StateChanged(event.StateConnected), true
	case webrtc.PeerConnectionStateFailed:
		return event.Failure(event.KindError, "peer connection failed", true), true
	case webrtc.PeerConnectionStateClosed:
		return event.StateChanged(event.StateDisconnected), true
	}
	return event.Event{}, false
}

func (t *Transport) wire(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, events chan event.Event) {
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if t.isClosing() {
			return
		}
		t.logger.Debug("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateDisconnected {
			t.logger.Warn("peer connection interrupted, waiting for ice to recover")
		}
		if ev, ok := peerStateEvent(state); ok {
			t.send(events, ev)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.drained.Add(1)
		go func() {
			defer t.drained.Done()
			t.drain(track)
		}()
	})

	dc.OnOpen(func() {
		ready, err := rtvi.ClientReady()
		if err == nil {
			err = dc.SendText(string(ready))
		}
		if err != nil {
			t.logger.Warn("send client-ready failed", "error", err)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if t.isClosing() {
			return
		}
		ev, ok, err := rtvi.Decode(msg.Data)
		if err != nil {
			t.logger.Warn("dropping malformed message", "error", err)
			return
		}
		if ok {
			t.send(events, ev)
		}
	})
}

// drain reads the bot's audio so the receiver's buffers never fill.
func (t *Transport) drain(track *webrtc.TrackRemote) {
	buf := make([]byte, maxPacketSize)
	var pkt rtp.Packet
	var packets int
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			t.logger.Debug("remote audio ended", "packets", packets, "error", err)
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if packets == 0 {
			t.logger.Debug("remote audio started", "ssrc", pkt.SSRC, "payload_type", pkt.PayloadType)
		}
		packets++
	}
}

func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	pc := t.pc
	t.pc = nil
	t.dc = nil
	t.audio = nil
	t.pcID = ""
	t.closing = true
	t.mu.Unlock()

	var err error
	if pc != nil {
		err = pc.Close()
		done := make(chan struct{})
		go func() {
			t.drained.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("wait for audio drain: %w", ctx.Err())
		}
	}

	t.mu.Lock()
	t.events = make(chan event.Event, eventBuffer)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

func (t *Transport) Events() <-chan event.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events
}

func (t *Transport) Internals() room.Payload {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pcID == "" {
		return room.Payload{}
	}
	return room.Payload{"_pcId": t.pcID}
}

// SupportedSampleRates are the PCM rates the Opus encoder accepts.
var SupportedSampleRates = []int{48000, 24000, 16000, 12000, 8000}

// SetSampleRate changes the PCM rate expected from the next Connect on.
func (t *Transport) SetSampleRate(rate int) error {
	if !slices.Contains(SupportedSampleRates, rate) {
		return fmt.Errorf("sample rate %d not supported by opus", rate)
	}
	t.mu.Lock()
	t.sampleRate = rate
	t.mu.Unlock()
	return nil
}

// Write accepts 16-bit little-endian mono PCM at the configured rate.
func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	framer := t.audio
	t.mu.Unlock()
	if framer == nil {
		return 0, ErrNotConnected
	}
	return framer.Write(p)
}

func (t *Transport) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

func (t *Transport) send(events chan event.Event, ev event.Event) {
	select {
	case events <- ev:
	default:
		t.logger.Warn("event buffer full, dropping event", "kind", ev.Kind)
	}
}
