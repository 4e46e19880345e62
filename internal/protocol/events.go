package protocol

// Client to server.
const (
	EventRoomJoin  = "room:join"
	EventRoomLeave = "room:leave"
	EventRoomClose = "room:close"

	EventChatMessage = "chat:message"

	EventGameVote  = "game:vote"
	EventGameReady = "game:ready"

	EventVoiceJoin       = "voice:join"
	EventVoiceLeave      = "voice:leave"
	EventVoiceMute       = "voice:mute"
	EventVoicePushToTalk = "voice:push-to-talk"
	EventVoiceFallback   = "voice:fallback"

	EventWebRTCOffer     = "webrtc:offer"
	EventWebRTCAnswer    = "webrtc:answer"
	EventWebRTCCandidate = "webrtc:ice-candidate"

	EventPing = "ping"
)

// Server to client.
const (
	EventAck   = "ack"
	EventPong  = "pong"
	EventError = "error"

	EventRoomState      = "room:state"
	EventRoomUserJoined = "room:user-joined"
	EventRoomUserLeft   = "room:user-left"
	EventRoomClosed     = "room:closed"

	EventGamePlayerReady = "game:player-ready"

	EventVoiceUserJoined        = "voice:user-joined"
	EventVoiceUserLeft          = "voice:user-left"
	EventVoiceUserMuted         = "voice:user-muted"
	EventVoiceUserSpeaking      = "voice:user-speaking"
	EventVoiceFallbackActivated = "voice:fallback-activated"
	EventVoiceRelayJoin         = "voice:livekit-join"
)

// FallbackModeP2P is the mode carried by voice:fallback-activated.
const FallbackModeP2P = "p2p"
