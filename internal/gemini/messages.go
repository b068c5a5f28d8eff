package gemini

// Wire messages for the Live bidirectional streaming protocol. Field names
// follow the upstream JSON exactly; optional inbound fields decode
// permissively (a transcription fragment without text is an empty string,
// since the wire format is externally controlled).

type emptyObject struct{}

type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	InputAudioTranscription  emptyObject      `json:"inputAudioTranscription"`
	OutputAudioTranscription emptyObject      `json:"outputAudioTranscription"`
	SystemInstruction        content          `json:"systemInstruction"`
}

type generationConfig struct {
	ResponseModalities []string       `json:"responseModalities"`
	SpeechConfig       speechConfig   `json:"speechConfig"`
	ThinkingConfig     thinkingConfig `json:"thinkingConfig"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type thinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

type serverMessage struct {
	SetupComplete *emptyObject   `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
}

type serverContent struct {
	ModelTurn           *content               `json:"modelTurn,omitempty"`
	InputTranscription  *transcriptionFragment `json:"inputTranscription,omitempty"`
	OutputTranscription *transcriptionFragment `json:"outputTranscription,omitempty"`
	TurnComplete        bool                   `json:"turnComplete,omitempty"`
}

type transcriptionFragment struct {
	Text string `json:"text"`
}
