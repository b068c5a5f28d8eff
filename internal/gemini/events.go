package gemini

// EventType identifies client event variants.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventError           EventType = "error"
	EventAudio           EventType = "audio"
	EventText            EventType = "text"
	EventInputTranscript EventType = "input_transcript"
	EventTurnComplete    EventType = "turn_complete"
	EventInterrupted     EventType = "interrupted"
)

// Event is delivered on the client's single ordered event channel. Audio
// carries decoded PCM bytes for EventAudio; Text carries the fragment for
// EventText and EventInputTranscript.
type Event struct {
	Type      EventType
	Audio     []byte
	Text      string
	Code      string
	Detail    string
	Retryable bool
}
