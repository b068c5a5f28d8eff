package call

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/knagata/koelog/internal/audio"
	"github.com/knagata/koelog/internal/gemini"
	"github.com/knagata/koelog/internal/mood"
	"github.com/knagata/koelog/internal/observability"
	"github.com/knagata/koelog/internal/transcript"
	"github.com/knagata/koelog/internal/vad"
)

// Transport is the upstream duplex voice connection as the engine sees it.
// *gemini.Client satisfies it; tests substitute a fake.
type Transport interface {
	Connect(ctx context.Context, systemPrompt string) error
	Events() <-chan gemini.Event
	SendAudioChunk(pcm []byte)
	SendText(text string, recordInHistory bool)
	SendInterrupt()
	PauseAudioSending()
	ResumeAudioSending()
	Disconnect() error
}

// AudioPort is the playback/capture coordinator as the engine sees it.
// *audio.Coordinator satisfies it.
type AudioPort interface {
	StartRecording(audio.MicConfig) error
	StopRecording() error
	SetMuted(bool)
	PlayAudio(pcm []byte)
	StopPlaying()
	InterruptAI()
	OnTurnComplete()
}

// Config tunes the turn-taking loop.
type Config struct {
	SystemPrompt string
	Mic          audio.MicConfig

	// GreetingDelay is how long after connect before the engine asks the
	// model to open the conversation.
	GreetingDelay time.Duration

	// LightSilenceTimeout arms the gentle nudge of a silence stretch and
	// DeepSilenceTimeout the stronger one. Both run from the moment the
	// floor opens; model audio or user speech stops both.
	LightSilenceTimeout time.Duration
	DeepSilenceTimeout  time.Duration

	// TurnFinalizeDelay is the pause after a model turn completes before
	// the engine reopens the floor to the user.
	TurnFinalizeDelay time.Duration

	// ReminderEveryTurns re-sends the role reminder after this many
	// completed model turns. Zero disables reminders.
	ReminderEveryTurns int
}

func DefaultConfig() Config {
	return Config{
		Mic:                 audio.DefaultMicConfig(),
		GreetingDelay:       time.Second,
		LightSilenceTimeout: 15 * time.Second,
		DeepSilenceTimeout:  30 * time.Second,
		TurnFinalizeDelay:   600 * time.Millisecond,
		ReminderEveryTurns:  5,
	}
}

const (
	greetingDirective = gemini.DirectivePrefix + "通話が始まりました。短く温かく挨拶して、今日はどんな一日だったか聞いてください。"
	lightNudge        = gemini.DirectivePrefix + "ユーザーがしばらく黙っています。短い相槌でやさしく続きを促してください。"
	roleReminder      = gemini.DirectivePrefix + "これは音声日記の通話です。聞き役に徹して、返答は短く保ってください。"
)

var deepNudgePrompts = []string{
	"最近楽しみにしていることを聞いてみてください。",
	"今日いちばん印象に残ったことを聞いてみてください。",
	"明日の予定をやさしく聞いてみてください。",
}

type controlKind int

const (
	ctrlEnd controlKind = iota
	ctrlMute
	ctrlUnmute
	ctrlText
)

type controlMsg struct {
	kind controlKind
	text string
}

// Engine drives one call session: it owns the turn-taking state machine and
// is the only goroutine that touches it. Speech edges, transport events,
// device controls and timers all funnel into a single select loop, so no
// transition ever races another.
type Engine struct {
	cfg       Config
	transport Transport
	audioPort AudioPort
	buf       *transcript.Buffer
	metrics   *observability.Metrics
	notify    func(Notification)
	log       *slog.Logger

	edges   chan vad.Edge
	control chan controlMsg
	done    chan struct{}

	mu             sync.Mutex
	state          SessionState
	nudges         int
	completedTurns int
}

func NewEngine(cfg Config, transport Transport, audioPort AudioPort, buf *transcript.Buffer, metrics *observability.Metrics, notify func(Notification), log *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Mic.SampleRate == 0 {
		cfg.Mic = def.Mic
	}
	if cfg.GreetingDelay <= 0 {
		cfg.GreetingDelay = def.GreetingDelay
	}
	if cfg.LightSilenceTimeout <= 0 {
		cfg.LightSilenceTimeout = def.LightSilenceTimeout
	}
	if cfg.DeepSilenceTimeout <= 0 {
		cfg.DeepSilenceTimeout = def.DeepSilenceTimeout
	}
	if cfg.TurnFinalizeDelay <= 0 {
		cfg.TurnFinalizeDelay = def.TurnFinalizeDelay
	}
	if log == nil {
		log = slog.Default()
	}
	if notify == nil {
		notify = func(Notification) {}
	}
	return &Engine{
		cfg:       cfg,
		transport: transport,
		audioPort: audioPort,
		buf:       buf,
		metrics:   metrics,
		notify:    notify,
		log:       log,
		edges:     make(chan vad.Edge, 16),
		control:   make(chan controlMsg, 16),
		done:      make(chan struct{}),
		state:     StateEnded,
	}
}

// OnEdge is the speech detector callback. It never blocks the capture path.
func (e *Engine) OnEdge(edge vad.Edge) {
	select {
	case e.edges <- edge:
	case <-e.done:
	default:
		e.log.Warn("dropping speech edge, engine loop busy", "edge", edge.String())
	}
}

func (e *Engine) State() SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) NudgeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nudges
}

func (e *Engine) CompletedTurns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completedTurns
}

// RequestEnd asks the loop to shut the session down. Safe from any goroutine.
func (e *Engine) RequestEnd() { e.enqueue(controlMsg{kind: ctrlEnd}) }

func (e *Engine) SetMuted(muted bool) {
	if muted {
		e.enqueue(controlMsg{kind: ctrlMute})
	} else {
		e.enqueue(controlMsg{kind: ctrlUnmute})
	}
}

// SendUserText injects a typed user turn into the conversation.
func (e *Engine) SendUserText(text string) { e.enqueue(controlMsg{kind: ctrlText, text: text}) }

func (e *Engine) enqueue(msg controlMsg) {
	select {
	case e.control <- msg:
	case <-e.done:
	}
}

func (e *Engine) setState(s SessionState) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev == s {
		return
	}
	e.log.Info("session state", "from", string(prev), "to", string(s))
	if e.metrics != nil {
		e.metrics.SessionEvents.WithLabelValues("state_" + string(s)).Inc()
	}
	e.notify(Notification{Type: NotifyStateChanged, State: s})
}

// Run connects upstream and drives the session until the context ends, the
// device requests an end, or the transport drops. It always leaves the
// session in StateEnded with capture and playback stopped.
func (e *Engine) Run(ctx context.Context) error {
	e.setState(StateConnecting)
	if err := e.transport.Connect(ctx, e.cfg.SystemPrompt); err != nil {
		e.notify(Notification{Type: NotifyError, Code: "connect_failed", Detail: err.Error()})
		e.shutdown()
		return err
	}

	// All timers start disarmed; the loop arms them as states demand. The
	// two silence timers run independently from the same instant, so a
	// stretch with no activity at all still reaches the deep prompt.
	greeting := newStoppedTimer()
	light := newStoppedTimer()
	deep := newStoppedTimer()
	finalize := newStoppedTimer()
	defer greeting.Stop()
	defer light.Stop()
	defer deep.Stop()
	defer finalize.Stop()

	var (
		turnCompleting bool
		bargedIn       bool
		awaitingAudio  bool
		lastEndpoint   time.Time
		lastEmitted    int
	)

	armSilence := func() {
		resetTimer(light, e.cfg.LightSilenceTimeout)
		resetTimer(deep, e.cfg.DeepSilenceTimeout)
	}
	stopSilence := func() {
		stopTimer(light)
		stopTimer(deep)
	}

	flushTranscript := func() {
		if e.buf == nil {
			return
		}
		for _, entry := range e.buf.EntriesFrom(lastEmitted) {
			lastEmitted++
			e.notify(Notification{
				Type:      NotifyTranscriptEntry,
				Speaker:   string(entry.Speaker),
				EntryText: entry.Text,
			})
		}
	}

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()

		case evt := <-e.transport.Events():
			switch evt.Type {
			case gemini.EventConnected:
				if err := e.audioPort.StartRecording(e.cfg.Mic); err != nil {
					e.notify(Notification{Type: NotifyError, Code: "microphone_failed", Detail: err.Error()})
					e.shutdown()
					return err
				}
				e.setState(StateListening)
				resetTimer(greeting, e.cfg.GreetingDelay)
				armSilence()

			case gemini.EventDisconnected:
				e.shutdown()
				return nil

			case gemini.EventError:
				if e.metrics != nil {
					e.metrics.ProviderErrors.WithLabelValues("live", evt.Code).Inc()
				}
				e.log.Warn("transport error", "code", evt.Code, "detail", evt.Detail)
				e.notify(Notification{Type: NotifyError, Code: evt.Code, Detail: evt.Detail})

			case gemini.EventAudio:
				if turnCompleting || bargedIn {
					// Tail of a finished or cancelled turn. The barge-in
					// latch holds until the cancelled turn's completion
					// arrives, so chunks already buffered in the events
					// channel before the interrupt cannot slip through.
					continue
				}
				stopSilence()
				stopTimer(greeting)
				if e.State() != StateAiTalking {
					e.setState(StateAiTalking)
					if awaitingAudio && e.metrics != nil && !lastEndpoint.IsZero() {
						e.metrics.ObserveFirstAudioLatency(time.Since(lastEndpoint))
					}
					awaitingAudio = false
				}
				e.audioPort.PlayAudio(evt.Audio)

			case gemini.EventInputTranscript:
				// Streaming recognition means the user is audible; the
				// silence stretch is over even before the speech edge.
				e.mu.Lock()
				e.nudges = 0
				e.mu.Unlock()

			case gemini.EventTurnComplete:
				turnCompleting = true
				bargedIn = false
				e.transport.PauseAudioSending()
				e.audioPort.OnTurnComplete()
				resetTimer(finalize, e.cfg.TurnFinalizeDelay)
			}

		case edge := <-e.edges:
			switch edge {
			case vad.EdgeSpeechStart:
				switch e.State() {
				case StateListening, StateAiThinking:
					stopSilence()
					stopTimer(greeting)
					e.mu.Lock()
					e.nudges = 0
					e.mu.Unlock()
					e.setState(StateUserTalking)
				case StateAiTalking:
					// Barge-in: user wins the floor immediately.
					turnCompleting = false
					bargedIn = true
					e.setState(StateInterrupted)
					e.transport.SendInterrupt()
					e.audioPort.InterruptAI()
					if e.metrics != nil {
						e.metrics.BargeIns.Inc()
					}
					e.mu.Lock()
					e.nudges = 0
					e.mu.Unlock()
					e.setState(StateUserTalking)
				}
			case vad.EdgeSpeechEnd:
				if e.State() == StateUserTalking {
					lastEndpoint = time.Now()
					awaitingAudio = true
					e.setState(StateListening)
					armSilence()
				}
			}

		case <-greeting.C:
			if e.State() == StateListening {
				stopSilence()
				e.transport.SendText(greetingDirective, false)
				e.setState(StateAiThinking)
			}

		case <-light.C:
			if e.State() != StateListening {
				continue
			}
			e.mu.Lock()
			e.nudges++
			e.mu.Unlock()
			e.transport.SendText(lightNudge, false)
			e.setState(StateAiThinking)
			if e.metrics != nil {
				e.metrics.SilenceNudges.WithLabelValues("light").Inc()
			}
			e.notify(Notification{Type: NotifyNudge, NudgeKind: "light"})

		case <-deep.C:
			// The light nudge may still be unanswered; the deep prompt
			// fires anyway as long as no model audio has arrived, so a
			// fully silent stretch always escalates.
			s := e.State()
			e.mu.Lock()
			nudged := e.nudges > 0
			e.mu.Unlock()
			if s != StateListening && !(s == StateAiThinking && nudged) {
				continue
			}
			e.mu.Lock()
			e.nudges++
			e.mu.Unlock()
			m := mood.Neutral
			if e.buf != nil {
				m = mood.Infer(e.buf.LastUserTexts(3))
			}
			prompt := deepNudgePrompts[rand.Intn(len(deepNudgePrompts))]
			e.transport.SendText(gemini.DirectivePrefix+mood.Hint(m)+prompt, false)
			e.setState(StateAiThinking)
			if e.metrics != nil {
				e.metrics.SilenceNudges.WithLabelValues("deep").Inc()
			}
			e.notify(Notification{Type: NotifyNudge, NudgeKind: "deep"})

		case <-finalize.C:
			turnCompleting = false
			e.transport.ResumeAudioSending()
			flushTranscript()
			if s := e.State(); s == StateAiTalking || s == StateAiThinking {
				e.setState(StateListening)
				armSilence()
			}
			e.mu.Lock()
			e.nudges = 0
			e.completedTurns++
			turns := e.completedTurns
			e.mu.Unlock()
			if e.cfg.ReminderEveryTurns > 0 && turns%e.cfg.ReminderEveryTurns == 0 {
				e.transport.SendText(roleReminder, false)
			}

		case msg := <-e.control:
			switch msg.kind {
			case ctrlEnd:
				flushTranscript()
				e.shutdown()
				return nil
			case ctrlMute:
				e.audioPort.SetMuted(true)
			case ctrlUnmute:
				e.audioPort.SetMuted(false)
			case ctrlText:
				stopSilence()
				stopTimer(greeting)
				e.transport.SendText(msg.text, true)
				flushTranscript()
				e.setState(StateAiThinking)
			}
		}
	}
}

// shutdown tears the session down in a fixed order: capture first so no new
// upstream audio, then playback, then the transport. Safe from any state.
func (e *Engine) shutdown() {
	select {
	case <-e.done:
		return
	default:
		close(e.done)
	}

	if err := e.audioPort.StopRecording(); err != nil {
		e.log.Warn("stop recording during shutdown", "error", err)
	}
	e.audioPort.StopPlaying()
	if err := e.transport.Disconnect(); err != nil {
		e.log.Warn("disconnect during shutdown", "error", err)
	}
	e.setState(StateEnded)
	e.notify(Notification{Type: NotifyEnded})
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	stopTimer(t)
	return t
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
