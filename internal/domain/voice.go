package domain

type VoiceMode string

const (
	VoiceModeDisconnected VoiceMode = "disconnected"
	VoiceModeRelay        VoiceMode = "relay"
	VoiceModeFallback     VoiceMode = "fallback"
)

// ErrorKind classifies the last voice error for the UI.
type ErrorKind string

const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindTransient  ErrorKind = "transient"
	ErrorKindPermission ErrorKind = "permission"
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindDegraded   ErrorKind = "degraded"
)

// VoiceConnectionState is the local client's voice view. One per session.
type VoiceConnectionState struct {
	Connected  bool      `json:"connected"`
	Muted      bool      `json:"muted"`
	Speaking   bool      `json:"speaking"`
	PushToTalk bool      `json:"pushToTalk"`
	Mode       VoiceMode `json:"mode"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  ErrorKind `json:"errorKind,omitempty"`
	RoomID     RoomID    `json:"roomId,omitempty"`
}

func NewVoiceConnectionState() VoiceConnectionState {
	return VoiceConnectionState{Mode: VoiceModeDisconnected}
}
