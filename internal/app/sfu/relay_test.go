package sfu

import (
	"testing"

	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/stretchr/testify/assert"
)

func TestOutTrack_StateTransitions(t *testing.T) {
	ot := NewOutTrack(nil, nil)
	assert.Equal(t, TrackStateOk, ot.GetState())

	ot.MarkMuted()
	assert.Equal(t, TrackStateMuted, ot.GetState())
	ot.MarkOk()
	assert.Equal(t, TrackStateOk, ot.GetState())

	ot.MarkDelete()
	ot.MarkMuted()
	ot.MarkOk()
	assert.Equal(t, TrackStateDelete, ot.GetState(), "deleted track stays deleted")
}

func TestRelay_MuteAppliesToExistingAndNewSubscribers(t *testing.T) {
	r := NewRelay(nil, "alice", nil)
	first := NewOutTrack(nil, nil)
	r.AddOutTrack("s1", first)

	r.setMuted(true)
	assert.Equal(t, TrackStateMuted, first.GetState())

	late := NewOutTrack(nil, nil)
	r.AddOutTrack("s2", late)
	assert.Equal(t, TrackStateMuted, late.GetState())

	r.setMuted(false)
	assert.Equal(t, TrackStateOk, first.GetState())
	assert.Equal(t, TrackStateOk, late.GetState())
	assert.Equal(t, 2, r.subscribers())
}

func TestRelay_CleanupDeleted(t *testing.T) {
	r := NewRelay(nil, "alice", nil)
	gone := NewOutTrack(nil, nil)
	stay := NewOutTrack(nil, nil)
	r.AddOutTrack("gone", gone)
	r.AddOutTrack("stay", stay)

	gone.MarkDelete()
	r.cleanupDeleted([]core.SessionID{"gone", "stay"})
	assert.Equal(t, 1, r.subscribers())
	_, ok := r.outTrack("stay")
	assert.True(t, ok)
}

func TestRelayManager_UnknownSource(t *testing.T) {
	m := NewRelayManager()
	assert.False(t, m.SetMuted("nobody", true))
	assert.False(t, m.HasRelay("nobody"))
	assert.Zero(t, m.Subscribers("nobody"))
	assert.Nil(t, m.StopRelay("nobody"))
	_, ok := m.MarkSubscriberDelete("nobody", "x")
	assert.False(t, ok)
}
