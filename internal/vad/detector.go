package vad

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// Edge is a speech boundary decision produced by the detector.
type Edge int

const (
	EdgeSpeechStart Edge = iota
	EdgeSpeechEnd
)

func (e Edge) String() string {
	if e == EdgeSpeechStart {
		return "speech_start"
	}
	return "speech_end"
}

// Config tunes the energy thresholds and debounce windows.
//
// SpeechThreshold must be strictly greater than SilenceThreshold; frames whose
// RMS falls between the two are ignored entirely (hysteresis band).
type Config struct {
	SpeechThreshold  float64
	SilenceThreshold float64
	SpeechDebounce   time.Duration
	SilenceDebounce  time.Duration
}

// DefaultConfig matches the tuning used on-device: 100ms PCM16 frames at 16kHz.
func DefaultConfig() Config {
	return Config{
		SpeechThreshold:  0.08,
		SilenceThreshold: 0.02,
		SpeechDebounce:   300 * time.Millisecond,
		SilenceDebounce:  500 * time.Millisecond,
	}
}

// Detector classifies a stream of PCM16LE frames into speech-start/speech-end
// edges. A candidate frame arms a one-shot debounce timer; the edge fires only
// if no opposing candidate arrives before the timer elapses.
//
// The suppressed hook is consulted before any classification: while it reports
// true (AI audio playing, or inside the post-playback cool-down) frames are
// discarded outright so speaker bleed never reads as human speech.
type Detector struct {
	cfg        Config
	suppressed func() bool
	onEdge     func(Edge)

	mu           sync.Mutex
	speaking     bool
	gen          uint64
	pendingStart bool
	pendingEnd   bool
	startTimer   *time.Timer
	endTimer     *time.Timer
}

func New(cfg Config, suppressed func() bool, onEdge func(Edge)) *Detector {
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = 0.08
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 0.02
	}
	if cfg.SpeechDebounce <= 0 {
		cfg.SpeechDebounce = 300 * time.Millisecond
	}
	if cfg.SilenceDebounce <= 0 {
		cfg.SilenceDebounce = 500 * time.Millisecond
	}
	return &Detector{cfg: cfg, suppressed: suppressed, onEdge: onEdge}
}

// SetOnEdge installs the edge callback; used when the consumer is built
// after the detector. Must be set before the first frame is processed.
func (d *Detector) SetOnEdge(cb func(Edge)) {
	d.mu.Lock()
	d.onEdge = cb
	d.mu.Unlock()
}

// RMS computes root-mean-square energy of a PCM16LE frame normalized to [0,1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// ProcessFrame classifies one frame. Safe to call from the capture callback.
func (d *Detector) ProcessFrame(pcm []byte) {
	if d.suppressed != nil && d.suppressed() {
		return
	}
	level := RMS(pcm)

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case level >= d.cfg.SpeechThreshold:
		d.onSpeechCandidateLocked()
	case level <= d.cfg.SilenceThreshold:
		d.onSilenceCandidateLocked()
	default:
		// Hysteresis band: neither candidate, leave pending timers running.
	}
}

// Speaking reports the detector's current state.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Reset cancels all pending timers and returns to the not-speaking state.
// Cancellation is total: a timer that already fired but has not yet taken the
// lock observes the bumped generation and does nothing.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	d.speaking = false
	d.cancelStartLocked()
	d.cancelEndLocked()
}

func (d *Detector) onSpeechCandidateLocked() {
	if d.speaking {
		// A speech candidate while an end-debounce is pending cancels it.
		d.cancelEndLocked()
		return
	}
	if d.pendingStart {
		return
	}
	d.pendingStart = true
	gen := d.gen
	d.startTimer = time.AfterFunc(d.cfg.SpeechDebounce, func() {
		d.fireStart(gen)
	})
}

func (d *Detector) onSilenceCandidateLocked() {
	if !d.speaking {
		d.cancelStartLocked()
		return
	}
	if d.pendingEnd {
		return
	}
	d.pendingEnd = true
	gen := d.gen
	d.endTimer = time.AfterFunc(d.cfg.SilenceDebounce, func() {
		d.fireEnd(gen)
	})
}

func (d *Detector) fireStart(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.pendingStart || d.speaking {
		d.mu.Unlock()
		return
	}
	d.pendingStart = false
	d.startTimer = nil
	d.speaking = true
	cb := d.onEdge
	d.mu.Unlock()

	if cb != nil {
		cb(EdgeSpeechStart)
	}
}

func (d *Detector) fireEnd(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.pendingEnd || !d.speaking {
		d.mu.Unlock()
		return
	}
	d.pendingEnd = false
	d.endTimer = nil
	d.speaking = false
	cb := d.onEdge
	d.mu.Unlock()

	if cb != nil {
		cb(EdgeSpeechEnd)
	}
}

func (d *Detector) cancelStartLocked() {
	d.pendingStart = false
	if d.startTimer != nil {
		d.startTimer.Stop()
		d.startTimer = nil
	}
}

func (d *Detector) cancelEndLocked() {
	d.pendingEnd = false
	if d.endTimer != nil {
		d.endTimer.Stop()
		d.endTimer = nil
	}
}
