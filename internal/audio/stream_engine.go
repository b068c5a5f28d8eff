package audio

import (
	"errors"
	"sync"
	"time"
)

// ErrPlaybackStopped is returned by PlaySound when StopSound aborts an
// in-flight chunk.
var ErrPlaybackStopped = errors.New("audio: playback stopped")

// StreamEngine implements Engine over a device connection. The device pushes
// microphone frames in via PushFrame; playback chunks go out through the
// send callback and are paced locally at the PCM rate so PlaySound's blocking
// contract holds even though the device buffers ahead.
type StreamEngine struct {
	send func(turnID string, pcm []byte, sampleRate int) error

	mu         sync.Mutex
	onFrame    func(pcm []byte)
	sampleRate int
	stale      map[string]struct{}
	stop       chan struct{}

	playMu sync.Mutex
}

func NewStreamEngine(send func(turnID string, pcm []byte, sampleRate int) error) *StreamEngine {
	return &StreamEngine{
		send:       send,
		sampleRate: DefaultPlaybackConfig().SampleRate,
		stale:      make(map[string]struct{}),
		stop:       make(chan struct{}),
	}
}

func (e *StreamEngine) StartMicrophone(_ MicConfig, onFrame func(pcm []byte)) error {
	e.mu.Lock()
	e.onFrame = onFrame
	e.mu.Unlock()
	return nil
}

func (e *StreamEngine) StopMicrophone() error {
	e.mu.Lock()
	e.onFrame = nil
	e.mu.Unlock()
	return nil
}

// PushFrame delivers one device microphone frame. Frames arriving while the
// microphone is stopped are dropped.
func (e *StreamEngine) PushFrame(pcm []byte) {
	e.mu.Lock()
	onFrame := e.onFrame
	e.mu.Unlock()
	if onFrame != nil {
		onFrame(pcm)
	}
}

func (e *StreamEngine) SetPlaybackConfig(cfg PlaybackConfig) error {
	e.mu.Lock()
	if cfg.SampleRate > 0 {
		e.sampleRate = cfg.SampleRate
	}
	e.mu.Unlock()
	return nil
}

// PlaySound forwards one chunk to the device and blocks for the chunk's
// play duration. Chunks for retired turns are silently skipped; StopSound
// aborts the pacing sleep.
func (e *StreamEngine) PlaySound(turnID string, pcm []byte) error {
	e.playMu.Lock()
	defer e.playMu.Unlock()

	e.mu.Lock()
	if _, retired := e.stale[turnID]; retired {
		e.mu.Unlock()
		return nil
	}
	rate := e.sampleRate
	stop := e.stop
	e.mu.Unlock()

	if err := e.send(turnID, pcm, rate); err != nil {
		return err
	}

	// PCM16LE mono: two bytes per sample.
	d := time.Duration(len(pcm)) * time.Second / time.Duration(2*rate)
	select {
	case <-time.After(d):
		return nil
	case <-stop:
		return ErrPlaybackStopped
	}
}

func (e *StreamEngine) StopSound() error {
	e.mu.Lock()
	close(e.stop)
	e.stop = make(chan struct{})
	e.mu.Unlock()
	return nil
}

// ClearQueueByTurnID retires a turn: any chunk still tagged with it will be
// skipped instead of played.
func (e *StreamEngine) ClearQueueByTurnID(turnID string) error {
	e.mu.Lock()
	e.stale[turnID] = struct{}{}
	e.mu.Unlock()
	return nil
}

func (e *StreamEngine) Resume() error {
	return nil
}
