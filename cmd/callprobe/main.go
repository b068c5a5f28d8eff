package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/knagata/koelog/internal/audio"
	"github.com/knagata/koelog/internal/protocol"
)

type options struct {
	baseURL        string
	userID         string
	voiceID        string
	wavPath        string
	turns          int
	chunkMS        int
	realtime       float64
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	verbose        bool
}

type createSessionRequest struct {
	UserID  string `json:"user_id,omitempty"`
	VoiceID string `json:"voice_id,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id,omitempty"`
	State  string `json:"state,omitempty"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "callprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "callprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var startDelayMS int
	var interTurnMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "koelog base URL")
	flag.StringVar(&cfg.userID, "user-id", "probe-replay", "user_id used for the synthetic session")
	flag.StringVar(&cfg.voiceID, "voice-id", "", "optional voice_id for the session")
	flag.StringVar(&cfg.wavPath, "wav", "", "mono 16-bit PCM WAV file to replay (default: synthetic tone)")
	flag.IntVar(&cfg.turns, "turns", 5, "number of turns to replay")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 100, "audio chunk size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&startDelayMS, "start-delay-ms", 900, "delay before first synthetic turn in milliseconds")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 300, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 20000, "timeout waiting for the assistant reply per turn in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	pcm, sampleRate, err := loadUtterance(cfg.wavPath)
	if err != nil {
		return fmt.Errorf("prepare utterance audio: %w", err)
	}

	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	if cfg.verbose {
		fmt.Printf("callprobe: session=%s turns=%d chunk_ms=%d realtime=%.2f sample_rate=%dHz bytes=%d\n",
			sessionID, cfg.turns, cfg.chunkMS, cfg.realtime, sampleRate, len(pcm))
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	firstAudioCh := make(chan time.Time, 32)
	listeningCh := make(chan struct{}, 32)
	readErrCh := make(chan error, 1)
	go readLoop(conn, firstAudioCh, listeningCh, readErrCh, cfg.verbose)

	seq := 0
	for i := 0; i < cfg.turns; i++ {
		select {
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		default:
		}
		drainTimes(firstAudioCh)
		drainSignals(listeningCh)

		if err := sendTurnAudio(conn, sessionID, pcm, sampleRate, cfg.chunkMS, cfg.realtime, &seq); err != nil {
			return fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		endpoint := time.Now()

		firstAudio, err := awaitFirstAudio(firstAudioCh, readErrCh, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d await first audio: %w", i+1, err)
		}
		if err := awaitListening(listeningCh, readErrCh, cfg.turnTimeout); err != nil {
			return fmt.Errorf("turn %d await turn end: %w", i+1, err)
		}
		fmt.Printf("callprobe: turn %d/%d first_audio_ms=%d turn_total_ms=%d\n",
			i+1, cfg.turns, firstAudio.Sub(endpoint).Milliseconds(), time.Since(endpoint).Milliseconds())

		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	if cfg.verbose {
		fmt.Println("callprobe: replay completed")
	}
	return nil
}

// loadUtterance reads a WAV recording, or builds a two-second 220Hz tone that
// clears the speech threshold. Both get a one-second silence tail appended so
// the server-side endpoint detector sees the utterance end.
func loadUtterance(wavPath string) ([]byte, int, error) {
	const silenceTail = time.Second

	if strings.TrimSpace(wavPath) != "" {
		data, err := os.ReadFile(wavPath)
		if err != nil {
			return nil, 0, err
		}
		pcm, sampleRate, err := audio.DecodeWAVPCM16LE(data)
		if err != nil {
			return nil, 0, err
		}
		tail := make([]byte, 2*sampleRate*int(silenceTail/time.Second))
		return append(append([]byte(nil), pcm...), tail...), sampleRate, nil
	}

	sampleRate := audio.DefaultMicConfig().SampleRate
	voiced := 2 * sampleRate
	silent := sampleRate * int(silenceTail/time.Second)
	pcm := make([]byte, 2*(voiced+silent))
	for i := 0; i < voiced; i++ {
		s := int16(0.3 * 32767 * math.Sin(2*math.Pi*220*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(s))
	}
	return pcm, sampleRate, nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	reqBody := createSessionRequest{
		UserID: cfg.userID,
	}
	if strings.TrimSpace(cfg.voiceID) != "" {
		reqBody.VoiceID = strings.TrimSpace(cfg.voiceID)
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/call/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/call/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/call/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, firstAudioCh chan<- time.Time, listeningCh chan<- struct{}, readErrCh chan<- error, verbose bool) {
	lastTurnID := ""
	sawTalking := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypePlayAudio):
			if env.TurnID != lastTurnID {
				lastTurnID = env.TurnID
				select {
				case firstAudioCh <- time.Now():
				default:
				}
			}
		case string(protocol.TypeStateChanged):
			switch env.State {
			case "ai_talking":
				sawTalking = true
			case "listening":
				if sawTalking {
					sawTalking = false
					select {
					case listeningCh <- struct{}{}:
					default:
					}
				}
			}
		case string(protocol.TypeErrorEvent):
			if verbose {
				fmt.Fprintf(os.Stderr, "callprobe: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
	}
}

func sendTurnAudio(conn *websocket.Conn, sessionID string, pcm []byte, sampleRate, chunkMS int, realtime float64, seq *int) error {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	bytesPerChunk := sampleRate * 2 * chunkMS / 1000
	if bytesPerChunk < 2 {
		bytesPerChunk = 2
	}
	if bytesPerChunk%2 != 0 {
		bytesPerChunk++
	}
	if bytesPerChunk > len(pcm) {
		bytesPerChunk = len(pcm)
		if bytesPerChunk%2 != 0 {
			bytesPerChunk--
		}
	}
	if bytesPerChunk <= 0 {
		return fmt.Errorf("invalid chunk size for sample_rate=%d", sampleRate)
	}

	for off := 0; off < len(pcm); {
		end := off + bytesPerChunk
		if end > len(pcm) {
			end = len(pcm)
		}
		if (end-off)%2 != 0 {
			end--
		}
		if end <= off {
			break
		}
		chunkBytes := end - off
		*seq = *seq + 1
		msg := protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			SessionID:   sessionID,
			Seq:         *seq,
			PCM16Base64: base64.StdEncoding.EncodeToString(pcm[off:end]),
			SampleRate:  sampleRate,
			TSMs:        time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		off = end

		chunkDuration := time.Duration(float64(time.Duration(chunkBytes)*time.Second/time.Duration(sampleRate*2)) / realtime)
		if chunkDuration <= 0 {
			chunkDuration = 10 * time.Millisecond
		}
		time.Sleep(chunkDuration)
	}
	return nil
}

func awaitFirstAudio(firstAudioCh <-chan time.Time, readErrCh <-chan error, timeout time.Duration) (time.Time, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ts := <-firstAudioCh:
		return ts, nil
	case err := <-readErrCh:
		return time.Time{}, err
	case <-timer.C:
		return time.Time{}, fmt.Errorf("timeout after %s", timeout)
	}
}

func awaitListening(listeningCh <-chan struct{}, readErrCh <-chan error, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-listeningCh:
		return nil
	case err := <-readErrCh:
		return err
	case <-timer.C:
		return fmt.Errorf("timeout after %s", timeout)
	}
}

func drainTimes(ch chan time.Time) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func drainSignals(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
