package domain

import "errors"

type RoomID string

type RoomKind string

const (
	RoomKindMatch  RoomKind = "match"
	RoomKindClan   RoomKind = "clan"
	RoomKindCustom RoomKind = "custom"
)

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

const MaxRoomIDLen = 64

var (
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
	ErrUnknownKind   = errors.New("unknown room kind")
)

type Room struct {
	ID         RoomID     `json:"id"`
	Kind       RoomKind   `json:"kind"`
	Capacity   int        `json:"capacity"`
	Visibility Visibility `json:"visibility"`
	OwnerID    UserID     `json:"ownerId"`
	// Fallback is set once any member reported relay failure; room-wide.
	Fallback bool `json:"fallback"`
}

// NewRoom builds a room with the defaults of its kind.
func NewRoom(id RoomID, kind RoomKind, owner UserID) (*Room, error) {
	if id == "" {
		return nil, ErrRoomIDEmpty
	}
	if len(id) > MaxRoomIDLen {
		return nil, ErrRoomIDTooLong
	}
	if kind == "" {
		kind = RoomKindMatch
	}
	r := &Room{ID: id, Kind: kind, OwnerID: owner, Visibility: VisibilityPublic}
	switch kind {
	case RoomKindMatch:
		r.Capacity = 10
	case RoomKindClan:
		r.Capacity = 50
	case RoomKindCustom:
		r.Capacity = 20
		r.Visibility = VisibilityPrivate
	default:
		return nil, ErrUnknownKind
	}
	return r, nil
}
