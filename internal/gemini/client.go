package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/knagata/koelog/internal/transcript"
)

// DirectivePrefix marks system-internal text turns (silence nudges, keep-alive
// reminders). The prefix is stripped before the text goes on the wire and such
// turns are never recorded in the transcript.
const DirectivePrefix = "((system))"

const livePath = "/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

const pcmMimeType = "audio/pcm;rate=16000"

// Config describes the upstream Live connection.
type Config struct {
	APIKey    string
	WSBaseURL string
	Model     string
	Voice     string
}

// Client owns one persistent duplex connection to the voice model. It
// translates session intents into wire messages and inbound frames into typed
// events on a single ordered channel. The client never reconnects on its own;
// that decision belongs to the caller.
type Client struct {
	cfg        Config
	log        *slog.Logger
	transcript *transcript.Buffer

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu            sync.Mutex
	ready         bool
	paused        bool
	interrupted   bool
	connectedOnce bool

	events         chan Event
	disconnectOnce sync.Once

	// Per-turn accumulators, touched only by the read loop. Fragments are
	// concatenated with no separator: the transcribed language carries no
	// word-boundary spaces.
	userSpeech strings.Builder
	aiSpeech   strings.Builder
	aiText     strings.Builder
}

func NewClient(cfg Config, buf *transcript.Buffer, log *slog.Logger) *Client {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://generativelanguage.googleapis.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "models/gemini-2.0-flash-exp"
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = "Aoede"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		log:        log,
		transcript: buf,
		events:     make(chan Event, 256),
	}
}

// Events yields the client's typed events in arrival order. EventDisconnected
// is terminal: nothing follows it.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connect dials the Live endpoint and sends the one-time setup message:
// audio-only response modality, the configured voice, input/output audio
// transcription, and the system prompt. Outbound sends stay gated until the
// server acknowledges setup.
func (c *Client) Connect(ctx context.Context, systemPrompt string) error {
	u, err := url.Parse(strings.TrimRight(c.cfg.WSBaseURL, "/") + livePath)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("key", c.cfg.APIKey)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial live websocket: %w", err)
	}
	c.conn = conn

	setup := setupMessage{
		Setup: setupPayload{
			Model: c.cfg.Model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: c.cfg.Voice},
					},
				},
				ThinkingConfig: thinkingConfig{ThinkingBudget: 0},
			},
			SystemInstruction: content{Parts: []part{{Text: systemPrompt}}},
		},
	}
	if err := c.writeJSON(setup); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send setup: %w", err)
	}

	go c.readLoop()
	return nil
}

// SendAudioChunk forwards one microphone frame upstream. Silently dropped
// unless the connection is open, setup is acknowledged, and sending is not
// paused.
func (c *Client) SendAudioChunk(pcm []byte) {
	if len(pcm) == 0 || !c.sendable() {
		return
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MimeType: pcmMimeType,
				Data:     base64.StdEncoding.EncodeToString(pcm),
			}},
		},
	}
	if err := c.writeJSON(msg); err != nil {
		c.emit(Event{Type: EventError, Code: "send_audio_failed", Detail: err.Error(), Retryable: true})
	}
}

// SendText emits one complete user text turn. The transcript records it only
// when recordInHistory is set and the text is not a system directive.
func (c *Client) SendText(text string, recordInHistory bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || !c.sendable() {
		return
	}
	directive := strings.HasPrefix(trimmed, DirectivePrefix)
	wireText := strings.TrimSpace(strings.TrimPrefix(trimmed, DirectivePrefix))
	if wireText == "" {
		return
	}

	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns:        []content{{Role: "user", Parts: []part{{Text: wireText}}}},
			TurnComplete: true,
		},
	}
	if err := c.writeJSON(msg); err != nil {
		c.emit(Event{Type: EventError, Code: "send_text_failed", Detail: err.Error(), Retryable: true})
		return
	}
	if recordInHistory && !directive && c.transcript != nil {
		c.transcript.Append(transcript.SpeakerUser, wireText)
	}
}

// SendInterrupt is purely local bookkeeping: the wire protocol has no
// interrupt message (the server infers interruption from the incoming audio
// stream). It latches the interrupted flag so late chunks from the cancelled
// turn are discarded until the matching turnComplete arrives.
func (c *Client) SendInterrupt() {
	c.mu.Lock()
	c.interrupted = true
	c.mu.Unlock()
	c.emit(Event{Type: EventInterrupted})
}

// PauseAudioSending suppresses outbound microphone audio; used to avoid the
// device re-hearing the tail of a finished model turn.
func (c *Client) PauseAudioSending() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *Client) ResumeAudioSending() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Ready reports whether setup has been acknowledged.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Disconnect closes the connection and resets setup/interrupt state. Safe to
// call at any point, more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.ready = false
	c.paused = false
	c.interrupted = false
	c.mu.Unlock()

	if c.conn == nil {
		c.emitDisconnected()
		return nil
	}
	return c.conn.Close()
}

func (c *Client) sendable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.ready && !c.paused
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// emit never blocks the read loop: if the consumer has gone away the event is
// dropped. The buffer is generous enough that an attached session never drops.
func (c *Client) emit(evt Event) {
	select {
	case c.events <- evt:
	default:
		c.log.Warn("dropping event, consumer not keeping up", "type", evt.Type)
	}
}

func (c *Client) emitDisconnected() {
	c.disconnectOnce.Do(func() {
		c.emit(Event{Type: EventDisconnected})
	})
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.ready = false
		c.mu.Unlock()
		c.emitDisconnected()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!strings.Contains(err.Error(), "use of closed network connection") {
				c.emit(Event{Type: EventError, Code: "transport_closed", Detail: err.Error(), Retryable: false})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed payloads are dropped, never fatal.
			c.log.Warn("dropping malformed live frame", "error", err)
			continue
		}

		if msg.SetupComplete != nil {
			c.mu.Lock()
			c.ready = true
			first := !c.connectedOnce
			c.connectedOnce = true
			c.mu.Unlock()
			if first {
				c.emit(Event{Type: EventConnected})
			}
			continue
		}

		if msg.ServerContent != nil {
			c.handleServerContent(msg.ServerContent)
		}
	}
}

func (c *Client) handleServerContent(sc *serverContent) {
	c.mu.Lock()
	interrupted := c.interrupted
	c.mu.Unlock()

	if interrupted {
		// Late content from the interrupted turn is discarded wholesale; only
		// the matching turnComplete is honored, which also clears the latch.
		if !sc.TurnComplete {
			return
		}
		c.mu.Lock()
		c.interrupted = false
		c.mu.Unlock()
		c.finalizeTurn()
		c.emit(Event{Type: EventTurnComplete})
		return
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			switch {
			case p.InlineData != nil:
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					c.log.Warn("dropping undecodable audio part", "error", err)
					continue
				}
				c.emit(Event{Type: EventAudio, Audio: pcm})
			case p.Text != "":
				c.aiText.WriteString(p.Text)
				c.emit(Event{Type: EventText, Text: p.Text})
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		c.userSpeech.WriteString(sc.InputTranscription.Text)
		c.emit(Event{Type: EventInputTranscript, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		c.aiSpeech.WriteString(sc.OutputTranscription.Text)
	}

	if sc.TurnComplete {
		c.finalizeTurn()
		c.emit(Event{Type: EventTurnComplete})
	}
}

// finalizeTurn flushes the per-turn accumulators into the transcript as one
// user entry and one AI entry. Accumulators reset afterwards, so a duplicate
// turnComplete for the same turn flushes nothing.
func (c *Client) finalizeTurn() {
	user := c.userSpeech.String()
	ai := c.aiSpeech.String()
	if strings.TrimSpace(ai) == "" {
		ai = c.aiText.String()
	}
	c.userSpeech.Reset()
	c.aiSpeech.Reset()
	c.aiText.Reset()

	if c.transcript == nil {
		return
	}
	c.transcript.Append(transcript.SpeakerUser, user)
	c.transcript.Append(transcript.SpeakerAI, ai)
}
