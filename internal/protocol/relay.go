package protocol

// Relay messages use a flat "type" discriminator.
const (
	RelayTypeJoin   = "join"
	RelayJoined     = "joined"
	RelayLeave      = "leave"
	RelayOffer      = "offer"
	RelayAnswer     = "answer"
	RelayCandidate  = "candidate"
	RelayMute       = "mute"
	RelaySpeaking   = "speaking"
	RelayData       = "data"
	RelayPing       = "ping"
	RelayPong       = "pong"
	RelayError      = "error"
	RelayPeerJoined = "participant_joined"
	RelayPeerLeft   = "participant_left"
	RelayPeerMuted  = "participant_muted"
	RelayPeerSpeak  = "participant_speaking"
)

type RelayParticipant struct {
	Identity string `json:"identity"`
	Muted    bool   `json:"muted"`
	Speaking bool   `json:"speaking"`
}

// RelayMessage is the union of every relay frame; unused fields are omitted.
type RelayMessage struct {
	Type          string             `json:"type"`
	Token         string             `json:"token,omitempty"`
	Probe         bool               `json:"probe,omitempty"`
	Room          string             `json:"room,omitempty"`
	Identity      string             `json:"identity,omitempty"`
	Participants  []RelayParticipant `json:"participants,omitempty"`
	SDP           string             `json:"sdp,omitempty"`
	Candidate     string             `json:"candidate,omitempty"`
	SDPMid        string             `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16             `json:"sdpMLineIndex,omitempty"`
	Muted         bool               `json:"muted,omitempty"`
	Speaking      bool               `json:"speaking,omitempty"`
	Topic         string             `json:"topic,omitempty"`
	Payload       []byte             `json:"payload,omitempty"`
	Error         string             `json:"error,omitempty"`
}
