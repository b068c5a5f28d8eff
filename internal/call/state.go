package call

// SessionState is the turn-taking state of one live call.
type SessionState string

const (
	StateConnecting  SessionState = "connecting"
	StateListening   SessionState = "listening"
	StateUserTalking SessionState = "user_talking"
	StateAiThinking  SessionState = "ai_thinking"
	StateAiTalking   SessionState = "ai_talking"
	StateInterrupted SessionState = "interrupted"
	StateEnded       SessionState = "ended"
)

// NotificationType tags events the engine pushes toward the device.
type NotificationType string

const (
	NotifyStateChanged    NotificationType = "state_changed"
	NotifyTranscriptEntry NotificationType = "transcript_entry"
	NotifyNudge           NotificationType = "nudge"
	NotifyError           NotificationType = "error"
	NotifyEnded           NotificationType = "ended"
)

// Notification is one downstream event. Exactly one payload field is set,
// according to Type.
type Notification struct {
	Type      NotificationType
	State     SessionState
	EntryText string
	Speaker   string
	NudgeKind string
	Code      string
	Detail    string
}
