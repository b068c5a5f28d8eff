package call

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/knagata/koelog/internal/audio"
	"github.com/knagata/koelog/internal/gemini"
	"github.com/knagata/koelog/internal/transcript"
	"github.com/knagata/koelog/internal/vad"
)

type sentText struct {
	text     string
	recorded bool
}

// fakeTransport feeds events into the engine and records what it was asked
// to send. It mirrors the real client's transcript rule: only non-directive
// text with recordInHistory set reaches the buffer.
type fakeTransport struct {
	events chan gemini.Event
	buf    *transcript.Buffer

	mu          sync.Mutex
	texts       []sentText
	interrupts  int
	pauses      int
	resumes     int
	disconnects int
}

func newFakeTransport(buf *transcript.Buffer) *fakeTransport {
	return &fakeTransport{events: make(chan gemini.Event, 64), buf: buf}
}

func (f *fakeTransport) Connect(context.Context, string) error { return nil }
func (f *fakeTransport) Events() <-chan gemini.Event           { return f.events }
func (f *fakeTransport) SendAudioChunk([]byte)                 {}

func (f *fakeTransport) SendText(text string, recordInHistory bool) {
	f.mu.Lock()
	f.texts = append(f.texts, sentText{text: text, recorded: recordInHistory})
	f.mu.Unlock()
	if recordInHistory && !strings.HasPrefix(text, gemini.DirectivePrefix) && f.buf != nil {
		f.buf.Append(transcript.SpeakerUser, text)
	}
}

func (f *fakeTransport) SendInterrupt() {
	f.mu.Lock()
	f.interrupts++
	f.mu.Unlock()
}

func (f *fakeTransport) PauseAudioSending() {
	f.mu.Lock()
	f.pauses++
	f.mu.Unlock()
}

func (f *fakeTransport) ResumeAudioSending() {
	f.mu.Lock()
	f.resumes++
	f.mu.Unlock()
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) sentTexts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.texts...)
}

func (f *fakeTransport) interruptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

type fakeAudioPort struct {
	mu         sync.Mutex
	recording  bool
	muted      bool
	played     [][]byte
	stops      int
	interrupts int
	turnDone   int
}

func (f *fakeAudioPort) StartRecording(audio.MicConfig) error {
	f.mu.Lock()
	f.recording = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAudioPort) StopRecording() error {
	f.mu.Lock()
	f.recording = false
	f.mu.Unlock()
	return nil
}

func (f *fakeAudioPort) SetMuted(m bool) {
	f.mu.Lock()
	f.muted = m
	f.mu.Unlock()
}

func (f *fakeAudioPort) PlayAudio(pcm []byte) {
	f.mu.Lock()
	f.played = append(f.played, pcm)
	f.mu.Unlock()
}

func (f *fakeAudioPort) StopPlaying() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeAudioPort) InterruptAI() {
	f.mu.Lock()
	f.interrupts++
	f.mu.Unlock()
}

func (f *fakeAudioPort) OnTurnComplete() {
	f.mu.Lock()
	f.turnDone++
	f.mu.Unlock()
}

func (f *fakeAudioPort) playedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.played)
}

type notifyRecorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *notifyRecorder) record(n Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *notifyRecorder) byType(t NotificationType) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func waitState(t *testing.T, e *Engine, want SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", e.State(), want)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testRig struct {
	engine    *Engine
	transport *fakeTransport
	port      *fakeAudioPort
	buf       *transcript.Buffer
	notes     *notifyRecorder
	runErr    chan error
	cancel    context.CancelFunc
}

func startEngine(t *testing.T, cfg Config) *testRig {
	t.Helper()
	buf := transcript.NewBuffer()
	tr := newFakeTransport(buf)
	port := &fakeAudioPort{}
	notes := &notifyRecorder{}
	eng := NewEngine(cfg, tr, port, buf, nil, notes.record, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()
	t.Cleanup(cancel)
	return &testRig{engine: eng, transport: tr, port: port, buf: buf, notes: notes, runErr: runErr, cancel: cancel}
}

// quietConfig keeps every background timer far away so tests trigger
// transitions explicitly.
func quietConfig() Config {
	return Config{
		GreetingDelay:       time.Hour,
		LightSilenceTimeout: time.Hour,
		DeepSilenceTimeout:  time.Hour,
		TurnFinalizeDelay:   20 * time.Millisecond,
		ReminderEveryTurns:  1000,
	}
}

func TestEngineStartsEnded(t *testing.T) {
	eng := NewEngine(quietConfig(), newFakeTransport(nil), &fakeAudioPort{}, nil, nil, nil, nil)
	if got := eng.State(); got != StateEnded {
		t.Fatalf("initial state = %s, want %s", got, StateEnded)
	}
}

func TestGreetingAfterConnect(t *testing.T) {
	cfg := quietConfig()
	cfg.GreetingDelay = 30 * time.Millisecond
	rig := startEngine(t, cfg)

	rig.transport.events <- gemini.Event{Type: gemini.EventConnected}
	waitState(t, rig.engine, StateListening)
	waitFor(t, func() bool {
		rig.port.mu.Lock()
		defer rig.port.mu.Unlock()
		return rig.port.recording
	}, "recording to start")

	waitState(t, rig.engine, StateAiThinking)
	texts := rig.transport.sentTexts()
	if len(texts) != 1 || texts[0].text != greetingDirective || texts[0].recorded {
		t.Fatalf("greeting sends = %+v", texts)
	}
	if rig.buf.Len() != 0 {
		t.Fatalf("greeting directive leaked into transcript")
	}
}

func TestModelTurnRoundTrip(t *testing.T) {
	rig := startEngine(t, quietConfig())
	rig.transport.events <- gemini.Event{Type: gemini.EventConnected}
	waitState(t, rig.engine, StateListening)

	rig.transport.events <- gemini.Event{Type: gemini.EventAudio, Audio: []byte{1, 2}}
	waitState(t, rig.engine, StateAiTalking)
	waitFor(t, func() bool { return rig.port.playedCount() == 1 }, "chunk to reach playback")

	rig.transport.events <- gemini.Event{Type: gemini.EventTurnComplete}
	waitFor(t, func() bool {
		rig.transport.mu.Lock()
		defer rig.transport.mu.Unlock()
		return rig.transport.pauses == 1
	}, "audio sending to pause")

	// Audio arriving before the turn finalizes belongs to the finished
	// turn's tail and is dropped.
	rig.transport.events <- gemini.Event{Type: gemini.EventAudio, Audio: []byte{3, 4}}
	waitState(t, rig.engine, StateListening)
	if rig.port.playedCount() != 1 {
		t.Fatalf("tail chunk was played")
	}
	waitFor(t, func() bool {
		rig.transport.mu.Lock()
		defer rig.transport.mu.Unlock()
		return rig.transport.resumes == 1
	}, "audio sending to resume")
	if rig.engine.CompletedTurns() != 1 {
		t.Fatalf("completed turns = %d, want 1", rig.engine.CompletedTurns())
	}
}

func TestBargeInInterruptsExactlyOnce(t *testing.T) {
	rig := startEngine(t, quietConfig())
	rig.transport.events <- gemini.Event{Type: gemini.EventConnected}
	waitState(t, rig.engine, StateListening)
	rig.transport.events <- gemini.Event{Type: gemini.EventAudio, Audio: []byte{1}}
	waitState(t, rig.engine, StateAiTalking)

	rig.engine.OnEdge(vad.EdgeSpeechStart)
	waitState(t, rig.engine, StateUserTalking)
	if got := rig.transport.interruptCount(); got != 1 {
		t.Fatalf("interrupts = %d, want 1", got)
	}
	rig.port.mu.Lock()
	portInterrupts := rig.port.interrupts
	rig.port.mu.Unlock()
	if portInterrupts != 1 {
		t.Fatalf("audio port interrupts = %d, want 1", portInterrupts)
	}

	// A second start edge while the user already holds the floor is a no-op.
	rig.engine.OnEdge(vad.EdgeSpeechStart)
	time.Sleep(30 * time.Millisecond)
	if got := rig.transport.interruptCount(); got != 1 {
		t.Fatalf("interrupts after duplicate edge = %d, want 1", got)
	}
}

func TestBargeInDropsBufferedStaleAudio(t *testing.T) {
	rig := startEngine(t, quietConfig())
	rig.transport.events <- gemini.Event{Type: gemini.EventConnected}
	waitState(t, rig.engine, StateListening)
	rig.transport.events <- gemini.Event{Type: gemini.EventAudio, Audio: []byte{1}}
	waitState(t, rig.engine, StateAiTalking)
	waitFor(t, func() bool { return rig.port.playedCount() == 1 }, "first chunk to play")

	rig.engine.OnEdge(vad.EdgeSpeechStart)
	waitState(t, rig.engine, StateUserTalking)

	// A chunk of the cancelled turn that was already sitting in the events
	// channel when the interrupt landed is delivered now. It must not play
	// and must not steal the floor back from the user.
	rig.transport.events <- gemini.Event{Type: gemini.EventAudio, Audio: []byte{2, 3}}
	time.Sleep(30 * time.Millisecond)
	if got := rig.port.playedCount(); got != 1 {
		t.Fatalf("stale chunk reached playback: played %d, want 1", got)
	}
	if s := rig.engine.State(); s != StateUserTalking {
		t.Fatalf("state = %s after stale chunk, want %s", s, StateUserTalking)
	}

	// The cancelled turn's completion reopens the pipeline; the model's
	// next turn plays normally.
	rig.transport.events <- gemini.Event{Type: gemini.EventTurnComplete}
	waitFor(t, func() bool {
		rig.transport.mu.Lock()
		defer rig.transport.mu.Unlock()
		return rig.transport.resumes == 1
	}, "audio sending to resume")
	rig.engine.OnEdge(vad.EdgeSpeechEnd)
	waitState(t, rig.engine, StateListening)

	rig.transport.events <- gemini.Event{Type: gemini.EventAudio, Audio: []byte{4, 5}}
	waitState(t, rig.engine, StateAiTalking)
	waitFor(t, func() bool { return rig.port.playedCount() == 2 }, "next turn to play")
}

func TestSpeechEndReturnsToListening(t *testing.T) {
	rig := startEngine(t, quietConfig())
	rig.transport.events <- gemini.Event{Type: gemini.EventConnected}
	waitState(t, rig.engine, StateListening)

	rig.engine.OnEdge(vad.EdgeSpeechStart)
	waitState(t, rig.engine, StateUserTalking)
	rig.engine.OnEdge(vad.EdgeSpeechEnd)
	waitState(t, rig.engine, StateListening)
}

func TestSilenceEscalatesToDeepWithoutActivity(t *testing.T) {
	cfg := quietConfig()
	cfg.LightSilenceTimeout = 40 * time.Millisecond
	cfg.DeepSilenceTimeout = 100 * time.Millisecond
	rig := startEngine(t, cfg)

	rig.buf.Append(transcript.SpeakerUser, "今日は疲れた")

	rig.transport.events <- gemini.Event{Type: gemini.EventConnected}
	waitState(t, rig.engine, StateListening)

	// Light nudge first; then, with no model audio and no user speech at
	// all, the deep prompt still fires when its own timeout elapses.
	waitFor(t, func() bool { return rig.engine.NudgeCount() == 1 }, "light nudge")
	waitState(t, rig.engine, StateAiThinking)
	texts := rig.transport.sentTexts()
	if len(texts) != 1 || texts[0].text != lightNudge {
		t.Fatalf("first nudge sends = %+v", texts)
	}

	waitFor(t, func() bool { return rig.engine.NudgeCount() == 2 }, "deep nudge")
	texts = rig.transport.sentTexts()
	last := texts[len(texts)-1]
	if !strings.HasPrefix(last.text, gemini.DirectivePrefix) || last.recorded {
		t.Fatalf("deep nudge = %+v, want unrecorded directive", last)
	}

	nudges := rig.notes.byType(NotifyNudge)
	if len(nudges) != 2 || nudges[0].NudgeKind != "light" || nudges[1].NudgeKind != "deep" {
		t.Fatalf("nudge notifications = %+v", nudges)
	}
	// Only the pre-seeded user line is in the transcript.
	if rig.buf.Len() != 1 {
		t.Fatalf("nudges leaked into transcript: %+v", rig.buf.Entries())
	}
}

func TestModelReplyResetsSilenceStretch(t *testing.T) {
	cfg := quietConfig()
	cfg.LightSilenceTimeout = 40 * time.Millisecond
	rig := startEngine(t, cfg)

	rig.transport.events <- gemini.Event{Type: gemini.EventConnected}
	waitState(t, rig.engine, StateListening)
	waitFor(t, func() bool { return rig.engine.NudgeCount() == 1 }, "first light nudge")

	// The model answers the nudge; its audio stops both silence timers and
	// the completed turn starts a fresh stretch, so the next nudge is light
	// again rather than deep.
	rig.transport.events <- gemini.Event{Type: gemini.EventAudio, Audio: []byte{1}}
	rig.transport.events <- gemini.Event{Type: gemini.EventTurnComplete}
	waitState(t, rig.engine, StateListening)
	if rig.engine.NudgeCount() != 0 {
		t.Fatalf("nudge count = %d after completed turn, want 0", rig.engine.NudgeCount())
	}

	waitFor(t, func() bool { return rig.engine.NudgeCount() == 1 }, "second light nudge")
	nudges := rig.notes.byType(NotifyNudge)
	if len(nudges) != 2 || nudges[0].NudgeKind != "light" || nudges[1].NudgeKind != "light" {
		t.Fatalf("nudge notifications = %+v", nudges)
	}
}

func TestUserSpeechResetsNudgeCounter(t *testing.T) {
	cfg := quietConfig()
	cfg.LightSilenceTimeout = 30 * time.Millisecond
	rig := startEngine(t, cfg)

	rig.transport.events <- gemini.Event{Type: gemini.EventConnected}
	waitState(t, rig.engine, StateListening)
	waitFor(t, func() bool { return rig.engine.NudgeCount() == 1 }, "nudge")

	rig.engine.OnEdge(vad.EdgeSpeechStart)
	waitState(t, rig.engine, StateUserTalking)
	if rig.engine.NudgeCount() != 0 {
		t.Fatalf("nudge count = %d after user speech, want 0", rig.engine.NudgeCount())
	}
}

func TestRoleReminderEveryNTurns(t *testing.T) {
	cfg := quietConfig()
	cfg.ReminderEveryTurns = 2
	rig := startEngine(t, cfg)

	rig.transport.events <- gemini.Event{Type: gemini.EventConnected}
	waitState(t, rig.engine, StateListening)

	for i := 0; i < 2; i++ {
		rig.transport.events <- gemini.Event{Type: gemini.EventAudio, Audio: []byte{1}}
		waitState(t, rig.engine, StateAiTalking)
		rig.transport.events <- gemini.Event{Type: gemini.EventTurnComplete}
		waitState(t, rig.engine, StateListening)
	}
	waitFor(t, func() bool { return rig.engine.CompletedTurns() == 2 }, "two completed turns")

	waitFor(t, func() bool {
		for _, s := range rig.transport.sentTexts() {
			if s.text == roleReminder {
				return true
			}
		}
		return false
	}, "role reminder")
	for _, s := range rig.transport.sentTexts() {
		if s.text == roleReminder && s.recorded {
			t.Fatalf("role reminder marked for transcript recording")
		}
	}
}

func TestTypedTextTurn(t *testing.T) {
	rig := startEngine(t, quietConfig())
	rig.transport.events <- gemini.Event{Type: gemini.EventConnected}
	waitState(t, rig.engine, StateListening)

	rig.engine.SendUserText("今日は映画を見た")
	waitState(t, rig.engine, StateAiThinking)

	waitFor(t, func() bool {
		return len(rig.notes.byType(NotifyTranscriptEntry)) == 1
	}, "transcript notification")
	entry := rig.notes.byType(NotifyTranscriptEntry)[0]
	if entry.Speaker != string(transcript.SpeakerUser) || entry.EntryText != "今日は映画を見た" {
		t.Fatalf("transcript notification = %+v", entry)
	}
}

func TestEndRequestShutsDownCleanly(t *testing.T) {
	rig := startEngine(t, quietConfig())
	rig.transport.events <- gemini.Event{Type: gemini.EventConnected}
	waitState(t, rig.engine, StateListening)

	rig.engine.RequestEnd()
	waitState(t, rig.engine, StateEnded)
	select {
	case err := <-rig.runErr:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after end request")
	}

	rig.transport.mu.Lock()
	disconnects := rig.transport.disconnects
	rig.transport.mu.Unlock()
	if disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", disconnects)
	}
	rig.port.mu.Lock()
	defer rig.port.mu.Unlock()
	if rig.port.recording {
		t.Fatalf("still recording after shutdown")
	}
	if rig.port.stops != 1 {
		t.Fatalf("playback stops = %d, want 1", rig.port.stops)
	}
	if len(rig.notes.byType(NotifyEnded)) != 1 {
		t.Fatalf("ended notifications = %+v", rig.notes.byType(NotifyEnded))
	}
}

func TestUpstreamDisconnectEndsSession(t *testing.T) {
	rig := startEngine(t, quietConfig())
	rig.transport.events <- gemini.Event{Type: gemini.EventConnected}
	waitState(t, rig.engine, StateListening)

	rig.transport.events <- gemini.Event{Type: gemini.EventDisconnected}
	waitState(t, rig.engine, StateEnded)
	select {
	case err := <-rig.runErr:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after disconnect")
	}
}

func TestMuteControl(t *testing.T) {
	rig := startEngine(t, quietConfig())
	rig.transport.events <- gemini.Event{Type: gemini.EventConnected}
	waitState(t, rig.engine, StateListening)

	rig.engine.SetMuted(true)
	waitFor(t, func() bool {
		rig.port.mu.Lock()
		defer rig.port.mu.Unlock()
		return rig.port.muted
	}, "mute to apply")
	rig.engine.SetMuted(false)
	waitFor(t, func() bool {
		rig.port.mu.Lock()
		defer rig.port.mu.Unlock()
		return !rig.port.muted
	}, "unmute to apply")
}
