package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeaturesFor(t *testing.T) {
	free := FeaturesFor(TierFree)
	assert.True(t, free.Has(FeatureVoiceChat))
	assert.False(t, free.Has(FeatureHDAudio))

	premium := FeaturesFor(TierPremium)
	assert.True(t, premium.Has(FeatureCustomRooms))
	assert.False(t, premium.Has(FeatureLifetimeBadge))

	lifetime := FeaturesFor(TierLifetime)
	assert.True(t, lifetime.Has(FeatureCustomRooms))
	assert.True(t, lifetime.Has(FeatureLifetimeBadge))

	assert.Equal(t, free, FeaturesFor("unknown"))
}

func TestEntitlementRecord_ExpiredAndDowngrade(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	assert.False(t, NewEntitlementRecord("u1", TierPremium, nil).Expired(now))
	assert.False(t, NewEntitlementRecord("u1", TierPremium, &future).Expired(now))

	rec := NewEntitlementRecord("u1", TierPremium, &past)
	require.True(t, rec.Expired(now))
	rec.Downgrade()
	assert.Equal(t, TierFree, rec.Tier)
	assert.Nil(t, rec.ExpiresAt)
	assert.False(t, rec.Features.Has(FeatureHDAudio))
}

func TestFeatureSet_JSON(t *testing.T) {
	b, err := json.Marshal(NewFeatureSet("b", "a"))
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(b))

	var fs FeatureSet
	require.NoError(t, json.Unmarshal([]byte(`["x"]`), &fs))
	assert.True(t, fs.Has("x"))
}

func TestNewRoom_Defaults(t *testing.T) {
	r, err := NewRoom("r1", "", "u1")
	require.NoError(t, err)
	assert.Equal(t, RoomKindMatch, r.Kind)
	assert.Equal(t, 10, r.Capacity)

	r, err = NewRoom("r2", RoomKindCustom, "u1")
	require.NoError(t, err)
	assert.Equal(t, VisibilityPrivate, r.Visibility)

	_, err = NewRoom("r3", "arena", "u1")
	assert.ErrorIs(t, err, ErrUnknownKind)
	_, err = NewRoom("", RoomKindClan, "u1")
	assert.ErrorIs(t, err, ErrRoomIDEmpty)
}

func TestHealthStatus_State(t *testing.T) {
	h := NewHealthStatus()
	assert.Equal(t, HealthStateHealthy, h.State())
	h.ConsecutiveFailures = 1
	assert.Equal(t, HealthStateDegraded, h.State())
	h.FallbackActive = true
	assert.Equal(t, HealthStateFallbackActive, h.State())
}
