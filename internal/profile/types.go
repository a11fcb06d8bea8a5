package profile

import "time"

// Status is the lifecycle state of a profile.
type Status string

const (
	StatusActive     Status = "active"
	StatusRestricted Status = "restricted"
)

// AppealState tracks where a profile sits in the appeal workflow.
type AppealState string

const (
	AppealNone          AppealState = ""
	AppealPendingReview AppealState = "pending_review"
	AppealNeedsCaptcha  AppealState = "needs_captcha"
	AppealFailed        AppealState = "failed"
	AppealExhausted     AppealState = "exhausted"
)

// Bounded history sizes.
const (
	maxUsageHistory       = 20
	maxRestrictionHistory = 10
	usageTextPreviewLen   = 80
)

// DayStats aggregates one day of posting activity for a profile.
type DayStats struct {
	Attempts int `json:"attempts"`
	Success  int `json:"success"`
	Failed   int `json:"failed"`
}

// UsageRecord is one entry in a profile's bounded usage history.
type UsageRecord struct {
	At         time.Time `json:"at"`
	CampaignID string    `json:"campaign_id"`
	Text       string    `json:"text"` // truncated preview, not full content
	Success    bool      `json:"success"`
}

// RestrictionRecord is one entry in a profile's bounded restriction history.
type RestrictionRecord struct {
	At        time.Time  `json:"at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason"`
}

// Profile is a long-lived automation identity with its own usage and
// restriction state. Identity is the opaque session artifact name.
type Profile struct {
	Name   string   `json:"name"`
	Status Status   `json:"status"`
	Tags   []string `json:"tags,omitempty"`

	LastUsedAt   *time.Time          `json:"last_used_at,omitempty"`
	UsageCount   int                 `json:"usage_count"`
	DailyStats   map[string]DayStats `json:"daily_stats,omitempty"` // keyed by 2006-01-02
	UsageHistory []UsageRecord       `json:"usage_history,omitempty"`

	RestrictionExpiresAt *time.Time          `json:"restriction_expires_at,omitempty"`
	RestrictionReason    string              `json:"restriction_reason,omitempty"`
	RestrictionHistory   []RestrictionRecord `json:"restriction_history,omitempty"`

	AppealState    AppealState `json:"appeal_state,omitempty"`
	AppealAttempts int         `json:"appeal_attempts,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Restricted reports whether the profile is currently restricted, ignoring
// expiry (expiry is resolved lazily by the ledger).
func (p *Profile) Restricted() bool {
	return p.Status == StatusRestricted
}

// HasTag reports whether the profile carries the given tag.
func (p *Profile) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// clone returns a deep copy so callers never alias ledger-owned state.
func (p *Profile) clone() *Profile {
	cp := *p
	if p.LastUsedAt != nil {
		t := *p.LastUsedAt
		cp.LastUsedAt = &t
	}
	if p.RestrictionExpiresAt != nil {
		t := *p.RestrictionExpiresAt
		cp.RestrictionExpiresAt = &t
	}
	cp.Tags = append([]string(nil), p.Tags...)
	cp.UsageHistory = append([]UsageRecord(nil), p.UsageHistory...)
	cp.RestrictionHistory = append([]RestrictionRecord(nil), p.RestrictionHistory...)
	if p.DailyStats != nil {
		cp.DailyStats = make(map[string]DayStats, len(p.DailyStats))
		for k, v := range p.DailyStats {
			cp.DailyStats[k] = v
		}
	}
	return &cp
}
