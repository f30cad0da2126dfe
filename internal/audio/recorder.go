package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultSampleRate = 16000
	pcmChannels       = 1
	pcmBitDepth       = 16
	wavHeaderSize     = 44
)

// Recorder keeps a WAV copy of the operator's microphone for each session.
type Recorder struct {
	audioDir string
	logger   *slog.Logger

	mu         sync.Mutex
	sessionID  string
	path       string
	file       *os.File
	written    int
	sampleRate int
}

func NewRecorder(audioDir string, logger *slog.Logger) *Recorder {
	if audioDir == "" {
		audioDir = filepath.Join("data", "audio")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{audioDir: audioDir, logger: logger, sampleRate: defaultSampleRate}
}

// SetSampleRate applies to sessions started afterwards.
func (r *Recorder) SetSampleRate(sampleRate int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sampleRate > 0 {
		r.sampleRate = sampleRate
	}
}

// Writer tees audio headed for dst into the current recording. A failing
// recording never interrupts dst.
func (r *Recorder) Writer(dst io.Writer) io.Writer {
	return &teeWriter{recorder: r, dst: dst}
}

func (r *Recorder) StartSession(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.audioDir, 0o755); err != nil {
		return fmt.Errorf("create audio directory: %w", err)
	}

	if r.file != nil {
		_ = r.finish()
	}

	path := filepath.Join(r.audioDir, sessionID+".wav")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open wav file: %w", err)
	}

	// Sizes are patched when the session ends.
	header, err := wavHeader(0, r.sampleRate, pcmChannels, pcmBitDepth)
	if err == nil {
		_, err = file.Write(header)
	}
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("write wav header: %w", err)
	}

	r.sessionID = sessionID
	r.path = path
	r.file = file
	r.written = 0
	return nil
}

// EndSession finalizes the WAV file and returns its path. Sessions that
// captured no audio leave no file behind.
func (r *Recorder) EndSession() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return "", nil
	}
	path, written := r.path, r.written
	if err := r.finish(); err != nil {
		return "", err
	}
	if written == 0 {
		_ = os.Remove(path)
		return "", nil
	}
	return path, nil
}

func (r *Recorder) finish() error {
	file, written, rate := r.file, r.written, r.sampleRate
	r.sessionID = ""
	r.path = ""
	r.file = nil
	r.written = 0

	header, err := wavHeader(written, rate, pcmChannels, pcmBitDepth)
	if err == nil {
		_, err = file.WriteAt(header, 0)
	}
	closeErr := file.Close()
	if err != nil {
		return fmt.Errorf("patch wav header: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("close wav file: %w", closeErr)
	}
	return nil
}

func (r *Recorder) writePCM(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return
	}

	n, err := r.file.Write(data)
	r.written += n
	if err != nil {
		r.logger.Warn("audio recording write failed, stopping recording", "session", r.sessionID, "error", err)
		_ = r.finish()
	}
}

func wavHeader(dataSize, sampleRate, channels, bitDepth int) ([]byte, error) {
	byteRate := sampleRate * channels * bitDepth / 8
	blockAlign := channels * bitDepth / 8

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize))
	buf.WriteString("RIFF")
	if err := binary.Write(buf, binary.LittleEndian, uint32(36+dataSize)); err != nil {
		return nil, err
	}
	buf.WriteString("WAVEfmt ")
	format := []any{
		uint32(16),
		uint16(1),
		uint16(channels),
		uint32(sampleRate),
		uint32(byteRate),
		uint16(blockAlign),
		uint16(bitDepth),
	}
	for _, f := range format {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	buf.WriteString("data")
	if err := binary.Write(buf, binary.LittleEndian, uint32(dataSize)); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

type teeWriter struct {
	recorder *Recorder
	dst      io.Writer
}

func (w *teeWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 {
		w.recorder.writePCM(p[:n])
	}
	return n, err
}
