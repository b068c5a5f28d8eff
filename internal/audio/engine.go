package audio

// MicConfig describes the capture stream a session expects from its device.
type MicConfig struct {
	SampleRate int
	FrameBytes int
}

// PlaybackConfig describes the output stream pushed back to the device.
type PlaybackConfig struct {
	SampleRate int
}

// Engine abstracts the physical audio path. The production implementation
// bridges a device websocket (StreamEngine); tests substitute fakes.
//
// PlaySound blocks until the chunk has been delivered and played, or fails.
// ClearQueueByTurnID discards any queued chunks tagged with the given turn so
// a cancelled turn cannot resume after an interruption.
type Engine interface {
	StartMicrophone(cfg MicConfig, onFrame func(pcm []byte)) error
	StopMicrophone() error

	SetPlaybackConfig(cfg PlaybackConfig) error
	PlaySound(turnID string, pcm []byte) error
	StopSound() error
	ClearQueueByTurnID(turnID string) error

	// Resume readies the playback path for the next turn after StopSound.
	Resume() error
}

func DefaultMicConfig() MicConfig {
	return MicConfig{SampleRate: 16000, FrameBytes: 1024}
}

func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{SampleRate: 24000}
}
