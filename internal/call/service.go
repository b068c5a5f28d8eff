package call

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/knagata/koelog/internal/audio"
	"github.com/knagata/koelog/internal/config"
	"github.com/knagata/koelog/internal/gemini"
	"github.com/knagata/koelog/internal/journal"
	"github.com/knagata/koelog/internal/observability"
	"github.com/knagata/koelog/internal/protocol"
	"github.com/knagata/koelog/internal/session"
	"github.com/knagata/koelog/internal/transcript"
	"github.com/knagata/koelog/internal/vad"
)

const defaultSystemPrompt = "あなたは音声日記アプリの聞き役です。" +
	"ユーザーが今日の出来事や気持ちを話すのを、短い相槌と軽い質問でやさしく支えてください。" +
	"助言や説教はせず、返答はいつも一、二文に収めてください。日本語で話してください。"

// Service builds and runs one full call stack per device connection. It is
// what the HTTP layer hands each websocket to.
type Service struct {
	cfg      config.Config
	sessions *session.Manager
	journal  *journal.Service
	store    journal.Store
	metrics  *observability.Metrics
	log      *slog.Logger

	// Live transcript buffers by session ID, for the transcript endpoint.
	transcripts sync.Map
}

func NewService(cfg config.Config, sessions *session.Manager, journalSvc *journal.Service, store journal.Store, metrics *observability.Metrics, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		sessions: sessions,
		journal:  journalSvc,
		store:    store,
		metrics:  metrics,
		log:      log,
	}
}

// RunConnection owns the session for the lifetime of one device websocket:
// it assembles the audio pipeline, pumps device messages into the engine,
// and journals the transcript once the call is over.
func (s *Service) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	log := s.log.With("session_id", sess.ID, "user_id", sess.UserID)

	buf := transcript.NewBuffer()
	s.transcripts.Store(sess.ID, buf)
	defer s.transcripts.Delete(sess.ID)

	voice := strings.TrimSpace(sess.VoiceID)
	if voice == "" && s.store != nil {
		if pref, err := s.store.GetVoicePreference(ctx, sess.UserID); err != nil {
			log.Warn("voice preference lookup failed", "error", err)
		} else {
			voice = pref
		}
	}

	client := gemini.NewClient(gemini.Config{
		APIKey:    s.cfg.GeminiAPIKey,
		WSBaseURL: s.cfg.GeminiWSBaseURL,
		Model:     s.cfg.GeminiModel,
		Voice:     voice,
	}, buf, log)

	streamEngine := audio.NewStreamEngine(func(turnID string, pcm []byte, sampleRate int) error {
		s.send(outbound, protocol.PlayAudio{
			Type:        protocol.TypePlayAudio,
			SessionID:   sess.ID,
			TurnID:      turnID,
			AudioBase64: base64.StdEncoding.EncodeToString(pcm),
			SampleRate:  sampleRate,
		})
		return nil
	})

	var coord *audio.Coordinator
	detector := vad.New(vad.Config{
		SpeechThreshold:  s.cfg.SpeechThreshold,
		SilenceThreshold: s.cfg.SilenceThreshold,
		SpeechDebounce:   s.cfg.SpeechDebounce,
		SilenceDebounce:  s.cfg.SilenceDebounce,
	}, func() bool { return coord != nil && coord.Suppressed() }, nil)
	coord = audio.NewCoordinator(streamEngine, detector, client.SendAudioChunk, audio.CoordinatorConfig{
		EchoCooldown: s.cfg.EchoCooldown,
	}, log)

	engine := NewEngine(Config{
		SystemPrompt:        defaultSystemPrompt,
		GreetingDelay:       s.cfg.GreetingDelay,
		LightSilenceTimeout: s.cfg.LightSilenceTimeout,
		DeepSilenceTimeout:  s.cfg.DeepSilenceTimeout,
		TurnFinalizeDelay:   s.cfg.TurnFinalizeDelay,
		ReminderEveryTurns:  s.cfg.ReminderEveryTurns,
	}, client, coord, buf, s.metrics, s.notifier(sess, outbound), log)
	detector.SetOnEdge(engine.OnEdge)

	// Device messages feed the engine until the websocket reader closes
	// inbound, which ends the call.
	go func() {
		for raw := range inbound {
			switch msg := raw.(type) {
			case protocol.ClientAudioChunk:
				pcm, err := base64.StdEncoding.DecodeString(msg.PCM16Base64)
				if err != nil {
					log.Warn("dropping undecodable audio chunk", "error", err)
					continue
				}
				streamEngine.PushFrame(pcm)
				if err := s.sessions.Touch(sess.ID); err != nil {
					log.Warn("session touch failed", "error", err)
				}
			case protocol.ClientControl:
				_ = s.sessions.Touch(sess.ID)
				switch msg.Action {
				case protocol.ActionEnd:
					engine.RequestEnd()
				case protocol.ActionMute:
					engine.SetMuted(true)
				case protocol.ActionUnmute:
					engine.SetMuted(false)
				case protocol.ActionText:
					engine.SendUserText(msg.Text)
				default:
					log.Warn("unknown control action", "action", msg.Action)
				}
			}
		}
		engine.RequestEnd()
	}()

	runErr := engine.Run(ctx)

	// Journal with a fresh context: the websocket context is usually gone
	// by the time the call ends, and the transcript must survive it.
	if s.journal != nil {
		jctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		entry, err := s.journal.Finalize(jctx, sess.UserID, sess.ID, buf)
		switch {
		case errors.Is(err, journal.ErrEmptyTranscript):
			log.Info("no transcript to journal")
		case err != nil:
			log.Error("journal finalize failed", "error", err)
		default:
			log.Info("journal entry saved", "entry_id", entry.ID, "fallback", entry.Fallback)
		}
	}

	if _, err := s.sessions.End(sess.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Warn("session end failed", "error", err)
	}
	return runErr
}

// Transcript returns the live transcript of an in-progress call.
func (s *Service) Transcript(sessionID string) ([]transcript.Entry, bool) {
	v, ok := s.transcripts.Load(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*transcript.Buffer).Entries(), true
}

// notifier translates engine notifications into device protocol messages.
func (s *Service) notifier(sess *session.Session, outbound chan<- any) func(Notification) {
	return func(n Notification) {
		switch n.Type {
		case NotifyStateChanged:
			if n.State == StateInterrupted {
				if err := s.sessions.Interrupt(sess.ID); err != nil {
					s.log.Warn("record interruption failed", "session_id", sess.ID, "error", err)
				}
			}
			s.send(outbound, protocol.StateChanged{
				Type:      protocol.TypeStateChanged,
				SessionID: sess.ID,
				State:     string(n.State),
			})
		case NotifyTranscriptEntry:
			s.send(outbound, protocol.TranscriptEntry{
				Type:      protocol.TypeTranscriptEntry,
				SessionID: sess.ID,
				Speaker:   n.Speaker,
				Text:      n.EntryText,
			})
		case NotifyNudge:
			s.send(outbound, protocol.Nudge{
				Type:      protocol.TypeNudge,
				SessionID: sess.ID,
				Kind:      n.NudgeKind,
			})
		case NotifyError:
			s.send(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sess.ID,
				Code:      n.Code,
				Detail:    n.Detail,
			})
		case NotifyEnded:
			s.send(outbound, protocol.SystemEvent{
				Type:      protocol.TypeSystemEvent,
				SessionID: sess.ID,
				Code:      "call_ended",
			})
		}
	}
}

// send queues one outbound message without ever blocking the pipeline; a
// saturated device queue drops the message and counts it.
func (s *Service) send(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
		if s.metrics != nil {
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.ObserveOutboundMessage(string(t), "queued")
			}
		}
	default:
		if s.metrics != nil {
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.ObserveOutboundMessage(string(t), "drop_full")
			}
		}
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.StateChanged:
		return m.Type, true
	case protocol.PlayAudio:
		return m.Type, true
	case protocol.TranscriptEntry:
		return m.Type, true
	case protocol.Nudge:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
