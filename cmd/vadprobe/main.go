package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/knagata/koelog/internal/audio"
	"github.com/knagata/koelog/internal/vad"
)

// vadprobe replays a mono 16-bit PCM WAV file through the speech detector and
// prints every edge decision with its offset, for threshold tuning against
// real recordings.

type options struct {
	wavPath          string
	frameMS          int
	speechThreshold  float64
	silenceThreshold float64
	speechDebounce   time.Duration
	silenceDebounce  time.Duration
	printRMS         bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vadprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "vadprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	def := vad.DefaultConfig()

	flag.StringVar(&cfg.wavPath, "wav", "", "mono 16-bit PCM WAV file to analyze")
	flag.IntVar(&cfg.frameMS, "frame-ms", 100, "frame size in milliseconds")
	flag.Float64Var(&cfg.speechThreshold, "speech-threshold", def.SpeechThreshold, "RMS level above which a frame is a speech candidate")
	flag.Float64Var(&cfg.silenceThreshold, "silence-threshold", def.SilenceThreshold, "RMS level below which a frame is a silence candidate")
	flag.DurationVar(&cfg.speechDebounce, "speech-debounce", def.SpeechDebounce, "sustained speech needed before speech_start")
	flag.DurationVar(&cfg.silenceDebounce, "silence-debounce", def.SilenceDebounce, "sustained silence needed before speech_end")
	flag.BoolVar(&cfg.printRMS, "rms", false, "also print per-frame RMS levels")
	flag.Parse()

	if cfg.wavPath == "" {
		return options{}, fmt.Errorf("-wav is required")
	}
	if cfg.frameMS < 10 || cfg.frameMS > 1000 {
		return options{}, fmt.Errorf("frame-ms must be in [10,1000]")
	}
	if cfg.speechThreshold <= cfg.silenceThreshold {
		return options{}, fmt.Errorf("speech-threshold must be greater than silence-threshold")
	}
	return cfg, nil
}

func run(cfg options) error {
	data, err := os.ReadFile(cfg.wavPath)
	if err != nil {
		return err
	}
	pcm, sampleRate, err := audio.DecodeWAVPCM16LE(data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", cfg.wavPath, err)
	}

	frameBytes := 2 * sampleRate * cfg.frameMS / 1000
	frameDur := time.Duration(cfg.frameMS) * time.Millisecond
	total := time.Duration(len(pcm)/2) * time.Second / time.Duration(sampleRate)
	fmt.Printf("vadprobe: %s sample_rate=%dHz duration=%s frames=%d\n",
		cfg.wavPath, sampleRate, total.Round(time.Millisecond), len(pcm)/frameBytes)

	// The detector debounces on wall-clock timers, so the file is replayed in
	// real time. Offsets printed are file positions, not wall clock.
	var offset time.Duration
	edges := 0
	det := vad.New(vad.Config{
		SpeechThreshold:  cfg.speechThreshold,
		SilenceThreshold: cfg.silenceThreshold,
		SpeechDebounce:   cfg.speechDebounce,
		SilenceDebounce:  cfg.silenceDebounce,
	}, nil, func(edge vad.Edge) {
		edges++
		fmt.Printf("%8s  %s\n", offset.Round(10*time.Millisecond), edge)
	})

	for off := 0; off+frameBytes <= len(pcm); off += frameBytes {
		frame := pcm[off : off+frameBytes]
		if cfg.printRMS {
			fmt.Printf("%8s  rms=%.4f\n", offset.Round(10*time.Millisecond), vad.RMS(frame))
		}
		det.ProcessFrame(frame)
		offset += frameDur
		time.Sleep(frameDur)
	}
	// Let a trailing debounce window settle before reporting.
	time.Sleep(cfg.silenceDebounce + 50*time.Millisecond)

	fmt.Printf("vadprobe: %d edges, speaking=%v at end of file\n", edges, det.Speaking())
	return nil
}
