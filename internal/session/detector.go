package session

import (
	"sync"
	"time"

	"github.com/sjawhar/voice-bridge/internal/transcript"
)

// Detector fires its idle callback once neither side of the conversation
// has spoken for the timeout. A zero timeout disables it.
type Detector struct {
	timeout time.Duration

	mu       sync.Mutex
	speaking map[transcript.Speaker]bool
	timer    *time.Timer
	onIdle   func()
}

func NewDetector(timeout time.Duration) *Detector {
	return &Detector{timeout: timeout, speaking: make(map[transcript.Speaker]bool)}
}

func (d *Detector) OnIdle(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onIdle = callback
}

// OnSpeech disarms the timer while who is talking.
func (d *Detector) OnSpeech(who transcript.Speaker) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.speaking[who] = true
	d.disarm()
}

// OnSilence marks who as quiet and re-arms the timer if nobody else is
// still talking.
func (d *Detector) OnSilence(who transcript.Speaker) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.speaking, who)
	if len(d.speaking) == 0 {
		d.arm()
	}
}

// Arm starts the countdown from a quiet line, e.g. right after joining.
func (d *Detector) Arm() {
	d.mu.Lock()
	defer d.mu.Unlock()

	clear(d.speaking)
	d.arm()
}

// Stop cancels any pending callback and forgets who was speaking.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	clear(d.speaking)
	d.disarm()
}

func (d *Detector) arm() {
	if d.timeout <= 0 {
		return
	}
	d.disarm()

	var t *time.Timer
	t = time.AfterFunc(d.timeout, func() {
		d.mu.Lock()
		if d.timer != t {
			d.mu.Unlock()
			return
		}
		callback := d.onIdle
		d.timer = nil
		d.mu.Unlock()

		if callback != nil {
			callback()
		}
	})
	d.timer = t
}

func (d *Detector) disarm() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
