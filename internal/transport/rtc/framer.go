package rtc

import (
	"encoding/binary"
	"fmt"
	"sync"
)

type frameEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// pcmFramer cuts a PCM byte stream into 20ms frames, encodes each one and
// hands the packet to emit.
type pcmFramer struct {
	mu      sync.Mutex
	enc     frameEncoder
	emit    func(packet []byte) error
	pending []byte
	samples []int16
	packet  []byte
}

func newPCMFramer(enc frameEncoder, sampleRate int, emit func([]byte) error) *pcmFramer {
	samples := sampleRate * int(frameDuration.Milliseconds()) / 1000
	return &pcmFramer{
		enc:     enc,
		emit:    emit,
		samples: make([]int16, samples),
		packet:  make([]byte, maxPacketSize),
	}
}

func (f *pcmFramer) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pending = append(f.pending, p...)
	frameBytes := len(f.samples) * 2
	for len(f.pending) >= frameBytes {
		for i := range f.samples {
			f.samples[i] = int16(binary.LittleEndian.Uint16(f.pending[i*2:]))
		}
		f.pending = f.pending[frameBytes:]

		n, err := f.enc.Encode(f.samples, f.packet)
		if err != nil {
			return len(p), fmt.Errorf("encode audio frame: %w", err)
		}
		if err := f.emit(f.packet[:n]); err != nil {
			return len(p), fmt.Errorf("write audio sample: %w", err)
		}
	}
	if len(f.pending) == 0 {
		f.pending = f.pending[:0:0]
	}
	return len(p), nil
}
