package domain

import (
	"encoding/json"
	"slices"
	"time"
)

type Tier string

const (
	TierFree     Tier = "free"
	TierPremium  Tier = "premium"
	TierLifetime Tier = "lifetime"
)

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPremium, TierLifetime:
		return true
	}
	return false
}

func (t Tier) Premium() bool { return t == TierPremium || t == TierLifetime }

const (
	FeatureVoiceChat     = "voice_chat"
	FeatureTextChat      = "text_chat"
	FeatureHDAudio       = "hd_audio"
	FeaturePushToTalk    = "push_to_talk"
	FeatureCustomRooms   = "custom_rooms"
	FeatureClanVoice     = "clan_voice"
	FeatureLifetimeBadge = "lifetime_badge"
)

var (
	freeFeatures    = []string{FeatureVoiceChat, FeatureTextChat}
	premiumFeatures = append(slices.Clone(freeFeatures), FeatureHDAudio, FeaturePushToTalk, FeatureCustomRooms, FeatureClanVoice)
	lifetimeExtras  = []string{FeatureLifetimeBadge}
)

// FeatureSet is a set of feature names. Serialized as a sorted list.
type FeatureSet map[string]struct{}

func NewFeatureSet(names ...string) FeatureSet {
	fs := make(FeatureSet, len(names))
	for _, n := range names {
		fs[n] = struct{}{}
	}
	return fs
}

func (fs FeatureSet) Has(name string) bool {
	_, ok := fs[name]
	return ok
}

func (fs FeatureSet) List() []string {
	out := make([]string, 0, len(fs))
	for n := range fs {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func (fs FeatureSet) MarshalJSON() ([]byte, error) { return json.Marshal(fs.List()) }

func (fs *FeatureSet) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	*fs = NewFeatureSet(names...)
	return nil
}

// FeaturesFor is a pure function of tier.
func FeaturesFor(t Tier) FeatureSet {
	switch t {
	case TierLifetime:
		return NewFeatureSet(append(slices.Clone(premiumFeatures), lifetimeExtras...)...)
	case TierPremium:
		return NewFeatureSet(premiumFeatures...)
	default:
		return NewFeatureSet(freeFeatures...)
	}
}

type EntitlementRecord struct {
	UserID    UserID     `json:"userId"`
	Tier      Tier       `json:"tier"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Features  FeatureSet `json:"features"`
	CachedAt  time.Time  `json:"cachedAt"`
}

func NewEntitlementRecord(uid UserID, tier Tier, expiresAt *time.Time) *EntitlementRecord {
	return &EntitlementRecord{
		UserID:    uid,
		Tier:      tier,
		ExpiresAt: expiresAt,
		Features:  FeaturesFor(tier),
	}
}

func FreeRecord(uid UserID) *EntitlementRecord {
	return NewEntitlementRecord(uid, TierFree, nil)
}

// Expired reports whether the record carries an expiry in the past.
func (r *EntitlementRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Downgrade turns the record into a free one in place.
func (r *EntitlementRecord) Downgrade() {
	r.Tier = TierFree
	r.ExpiresAt = nil
	r.Features = FeaturesFor(TierFree)
}
