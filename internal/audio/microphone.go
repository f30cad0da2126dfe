package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	microphone "github.com/deepgram/deepgram-go-sdk/v3/pkg/audio/microphone"
)

var (
	ErrNoDevice   = errors.New("audio: no microphone could be opened")
	ErrDeviceShut = errors.New("audio: microphone is not open")
)

// capture is the subset of the deepgram microphone the device drives.
type capture interface {
	Start() error
	Stream(w io.Writer) error
	Mute()
	Unmute()
	Stop() error
}

// Init and Terminate bracket all microphone use in a process.
func Init()      { microphone.Initialize() }
func Terminate() { microphone.Teardown() }

func openDeepgram(rate int) (capture, error) {
	mic, err := microphone.New(microphone.AudioConfig{InputChannels: 1, SamplingRate: float32(rate)})
	if err != nil {
		return nil, err
	}
	return mic, nil
}

// Microphone is a mono PCM16 capture device opened per session. It tries
// each candidate sample rate in order until one opens.
type Microphone struct {
	rates  []int
	logger *slog.Logger
	open   func(rate int) (capture, error)
	wait   func(time.Duration)

	mu    sync.Mutex
	mic   capture
	rate  int
	muted bool
}

func NewMicrophone(rates []int, logger *slog.Logger) *Microphone {
	if logger == nil {
		logger = slog.Default()
	}
	return &Microphone{
		rates:  rates,
		logger: logger,
		open:   openDeepgram,
		wait:   time.Sleep,
	}
}

func (m *Microphone) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mic != nil {
		return nil
	}

	for _, rate := range m.rates {
		if err := ctx.Err(); err != nil {
			return err
		}
		mic, err := m.open(rate)
		if err != nil {
			m.logger.Warn("microphone open failed", "rate", rate, "error", err)
			continue
		}
		if err := mic.Start(); err != nil {
			m.logger.Warn("microphone start failed", "rate", rate, "error", err)
			_ = mic.Stop()
			continue
		}
		if m.muted {
			mic.Mute()
		}
		m.mic = mic
		m.rate = rate
		m.logger.Info("microphone started", "rate", rate)
		return nil
	}
	return fmt.Errorf("%w (tried %v)", ErrNoDevice, m.rates)
}

// SampleRate reports the rate of the open device, or 0.
func (m *Microphone) SampleRate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

// Stream copies PCM16-LE to w until Close. Input overflows restart the
// stream.
func (m *Microphone) Stream(w io.Writer) error {
	for {
		m.mu.Lock()
		mic := m.mic
		m.mu.Unlock()
		if mic == nil {
			return ErrDeviceShut
		}

		err := mic.Stream(w)
		if err == nil || !m.isOpen(mic) {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "overflow") {
			m.logger.Warn("mic input overflow, restarting stream")
			m.wait(250 * time.Millisecond)
			continue
		}
		return fmt.Errorf("mic stream: %w", err)
	}
}

func (m *Microphone) isOpen(mic capture) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mic == mic
}

func (m *Microphone) Close() error {
	m.mu.Lock()
	mic := m.mic
	m.mic = nil
	m.rate = 0
	m.mu.Unlock()

	if mic == nil {
		return nil
	}
	return mic.Stop()
}

func (m *Microphone) Mute() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = true
	if m.mic != nil {
		m.mic.Mute()
	}
}

func (m *Microphone) Unmute() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = false
	if m.mic != nil {
		m.mic.Unmute()
	}
}
