package audio

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knagata/koelog/internal/vad"
)

// CoordinatorConfig tunes playback bookkeeping.
type CoordinatorConfig struct {
	// EchoCooldown keeps speech detection suppressed after playback ends,
	// long enough for the device-side tail to drain.
	EchoCooldown time.Duration
	// TurnGrace is how long after a model turn completes before the
	// coordinator considers playback over when no chunks are in flight.
	TurnGrace time.Duration
	// MinChunkBytes filters out fragments too short to be audible.
	MinChunkBytes int
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		EchoCooldown:  1500 * time.Millisecond,
		TurnGrace:     200 * time.Millisecond,
		MinChunkBytes: 64,
	}
}

// Coordinator owns the microphone and playback state for one call session.
// It enforces the core playback invariant: at most one model turn is audible
// at a time, tracked by a pending-chunk counter that never goes negative.
type Coordinator struct {
	engine    Engine
	det       *vad.Detector
	sendAudio func(pcm []byte)
	cfg       CoordinatorConfig
	log       *slog.Logger

	mu              sync.Mutex
	pending         int
	playing         bool
	queue           []playItem
	draining        bool
	currentTurnID   string
	interrupted     bool
	stopping        bool
	recording       bool
	muted           bool
	lastPlaybackEnd time.Time
}

type playItem struct {
	turnID string
	pcm    []byte
}

func NewCoordinator(engine Engine, det *vad.Detector, sendAudio func(pcm []byte), cfg CoordinatorConfig, log *slog.Logger) *Coordinator {
	if cfg.EchoCooldown <= 0 {
		cfg.EchoCooldown = DefaultCoordinatorConfig().EchoCooldown
	}
	if cfg.TurnGrace <= 0 {
		cfg.TurnGrace = DefaultCoordinatorConfig().TurnGrace
	}
	if cfg.MinChunkBytes <= 0 {
		cfg.MinChunkBytes = DefaultCoordinatorConfig().MinChunkBytes
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		engine:        engine,
		det:           det,
		sendAudio:     sendAudio,
		cfg:           cfg,
		log:           log,
		currentTurnID: uuid.NewString(),
	}
}

// StartRecording opens the capture stream. Frames flow through speech
// detection and then upstream; muting skips both without closing capture.
func (c *Coordinator) StartRecording(mic MicConfig) error {
	c.mu.Lock()
	if c.recording {
		c.mu.Unlock()
		return nil
	}
	c.recording = true
	c.mu.Unlock()

	if err := c.engine.StartMicrophone(mic, c.handleFrame); err != nil {
		c.mu.Lock()
		c.recording = false
		c.mu.Unlock()
		return err
	}
	return nil
}

// StopRecording closes the capture stream and resets speech detection so no
// half-armed debounce timer survives into the next recording.
func (c *Coordinator) StopRecording() error {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return nil
	}
	c.recording = false
	c.mu.Unlock()

	err := c.engine.StopMicrophone()
	if c.det != nil {
		c.det.Reset()
	}
	return err
}

func (c *Coordinator) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
}

func (c *Coordinator) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Coordinator) handleFrame(pcm []byte) {
	c.mu.Lock()
	muted := c.muted
	c.mu.Unlock()
	if muted {
		return
	}
	if c.det != nil {
		c.det.ProcessFrame(pcm)
	}
	if c.sendAudio != nil {
		c.sendAudio(pcm)
	}
}

// PlayAudio enqueues one model audio chunk for the current turn. Chunks
// arriving during an interruption are rejected; chunks below the minimum
// size are skipped without touching the counter. Queued chunks reach the
// engine strictly in submission order: a single drainer goroutine works the
// queue, started lazily and exiting once the queue is empty.
func (c *Coordinator) PlayAudio(pcm []byte) {
	c.mu.Lock()
	if c.interrupted || c.stopping {
		c.mu.Unlock()
		return
	}
	if len(pcm) < c.cfg.MinChunkBytes {
		c.mu.Unlock()
		return
	}
	firstOfTurn := c.pending == 0 && !c.playing
	c.pending++
	c.playing = true
	c.queue = append(c.queue, playItem{turnID: c.currentTurnID, pcm: pcm})
	startDrain := !c.draining
	if startDrain {
		c.draining = true
	}
	c.mu.Unlock()

	if firstOfTurn {
		// Fire and forget: playback must not wait on device config.
		go func() {
			if err := c.engine.SetPlaybackConfig(DefaultPlaybackConfig()); err != nil {
				c.log.Warn("set playback config failed", "error", err)
			}
		}()
	}
	if startDrain {
		go c.drainQueue()
	}
}

func (c *Coordinator) drainQueue() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		item := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		err := c.engine.PlaySound(item.turnID, item.pcm)
		c.mu.Lock()
		if c.pending > 0 {
			c.pending--
			if c.pending == 0 {
				c.playing = false
				c.lastPlaybackEnd = time.Now()
			}
		}
		c.mu.Unlock()
		if err != nil {
			c.log.Warn("play audio chunk failed", "turn_id", item.turnID, "error", err)
		}
	}
}

// StopPlaying halts playback immediately and zeroes the pending counter.
// Idempotent: overlapping calls collapse into one engine stop.
func (c *Coordinator) StopPlaying() {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	c.pending = 0
	c.playing = false
	c.queue = nil
	c.lastPlaybackEnd = time.Now()
	turnID := c.currentTurnID
	c.mu.Unlock()

	// Both engine calls run regardless of each other's outcome.
	if err := c.engine.StopSound(); err != nil {
		c.log.Warn("stop sound failed", "error", err)
	}
	if err := c.engine.ClearQueueByTurnID(turnID); err != nil {
		c.log.Warn("clear playback queue failed", "turn_id", turnID, "error", err)
	}

	c.mu.Lock()
	c.stopping = false
	c.mu.Unlock()
}

// InterruptAI handles a barge-in: stop playback, retire the current turn ID
// so stale chunks are rejected by the engine, and ready the path for the
// user's turn. Idempotent.
func (c *Coordinator) InterruptAI() {
	c.mu.Lock()
	if c.interrupted {
		c.mu.Unlock()
		return
	}
	c.interrupted = true
	c.mu.Unlock()

	c.StopPlaying()

	c.mu.Lock()
	c.currentTurnID = uuid.NewString()
	c.interrupted = false
	c.mu.Unlock()

	if err := c.engine.Resume(); err != nil {
		c.log.Warn("resume after interrupt failed", "error", err)
	}
}

// OnTurnComplete marks playback over once in-flight chunks drain. The grace
// delay covers the gap between the model's turn-complete signal and the last
// chunk finishing.
func (c *Coordinator) OnTurnComplete() {
	time.AfterFunc(c.cfg.TurnGrace, func() {
		c.mu.Lock()
		if c.pending == 0 {
			c.playing = false
			c.lastPlaybackEnd = time.Now()
		}
		c.mu.Unlock()
	})
}

// Suppressed reports whether speech detection should ignore the microphone:
// while the model is audible and for the echo cooldown after it stops.
func (c *Coordinator) Suppressed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing {
		return true
	}
	return !c.lastPlaybackEnd.IsZero() && time.Since(c.lastPlaybackEnd) < c.cfg.EchoCooldown
}

func (c *Coordinator) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

func (c *Coordinator) PendingChunks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

func (c *Coordinator) CurrentTurnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTurnID
}
