package domain

// Participant is a room member as seen by every other member.
// Voice facets are set by discrete events, never recomputed.
type Participant struct {
	UserID     UserID `json:"userId"`
	Username   string `json:"username"`
	AvatarURL  string `json:"avatarUrl,omitempty"`
	InVoice    bool   `json:"inVoice"`
	VoiceMuted bool   `json:"voiceMuted"`
	Speaking   bool   `json:"speaking"`
	IsLeader   bool   `json:"isLeader"`
	IsReady    bool   `json:"isReady"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(user *User) *Participant {
	return &Participant{
		UserID:    user.ID,
		Username:  user.Username,
		AvatarURL: user.AvatarURL,
	}
}
