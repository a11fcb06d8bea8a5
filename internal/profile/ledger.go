// Package profile implements the profile ledger: per-profile usage history,
// the restriction state machine, and LRU rotation across the pool.
//
// The ledger owns exactly one state file (profiles.json) and guards it with a
// single in-process mutex. Every mutator persists through the durable store
// before returning. Restriction expiry is lazy: any read that cares about
// eligibility first releases restrictions whose expiry has passed, so no
// background timer is needed.
package profile

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"swarmpost/internal/logging"
	"swarmpost/internal/store"
)

// ErrUnknownProfile is returned when an operation names a profile the ledger
// has never seen.
var ErrUnknownProfile = fmt.Errorf("unknown profile")

// Ledger tracks every known profile. Construct once at startup and pass by
// reference.
type Ledger struct {
	mu       sync.Mutex
	path     string
	now      func() time.Time
	profiles map[string]*Profile
}

// ledgerDoc is the persisted shape of the ledger.
type ledgerDoc struct {
	Version  int                 `json:"version"`
	Profiles map[string]*Profile `json:"profiles"`
}

// NewLedger loads (or initializes) the ledger stored under stateDir.
func NewLedger(stateDir string) (*Ledger, error) {
	l := &Ledger{
		path:     filepath.Join(stateDir, "profiles.json"),
		now:      time.Now,
		profiles: make(map[string]*Profile),
	}

	var doc ledgerDoc
	found, err := store.Read(l.path, &doc)
	if err != nil {
		return nil, fmt.Errorf("load profile ledger: %w", err)
	}
	if found && doc.Profiles != nil {
		l.profiles = doc.Profiles
		// Migration for older persisted shapes: restricted profiles written
		// before expiry tracking keep their status but get nil expiry, which
		// means manual-only release.
		for name, p := range l.profiles {
			if p.Name == "" {
				p.Name = name
			}
			if p.Status == "" {
				p.Status = StatusActive
			}
		}
	}
	return l, nil
}

// SetClock overrides the time source. Test hook.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Ledger) persistLocked() error {
	doc := ledgerDoc{Version: 1, Profiles: l.profiles}
	if err := store.Write(l.path, doc); err != nil {
		return fmt.Errorf("persist profile ledger: %w", err)
	}
	return nil
}

// expireLocked releases any restriction whose expiry has passed. Returns the
// names released.
func (l *Ledger) expireLocked() []string {
	now := l.now()
	var released []string
	for _, p := range l.profiles {
		if p.Status == StatusRestricted && p.RestrictionExpiresAt != nil && !p.RestrictionExpiresAt.After(now) {
			p.Status = StatusActive
			p.RestrictionExpiresAt = nil
			p.RestrictionReason = ""
			p.UpdatedAt = now
			released = append(released, p.Name)
		}
	}
	if len(released) > 0 {
		logging.Profiles("auto-expired restrictions: %v", released)
	}
	return released
}

// ReleaseExpired releases every restriction past its expiry and returns the
// names released. The appeal workflow uses this to count auto-unblocks
// explicitly; ordinary readers get the same behavior implicitly.
func (l *Ledger) ReleaseExpired() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	released := l.expireLocked()
	if len(released) == 0 {
		return nil, nil
	}
	sort.Strings(released)
	return released, l.persistLocked()
}

// PriorityOrder returns eligible profile names in LRU order: never-used
// first, then by last_used_at ascending, input order breaking ties.
// Restrictions past their expiry are released as a side effect. candidates
// of nil means all known profiles (sorted by name before the stable LRU
// pass, for determinism); tags of nil disables tag filtering.
func (l *Ledger) PriorityOrder(candidates []string, tags []string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	released := l.expireLocked()

	if candidates == nil {
		candidates = make([]string, 0, len(l.profiles))
		for name := range l.profiles {
			candidates = append(candidates, name)
		}
		sort.Strings(candidates)
	}

	eligible := make([]*Profile, 0, len(candidates))
	for _, name := range candidates {
		p, ok := l.profiles[name]
		if !ok || p.Status == StatusRestricted {
			continue
		}
		if len(tags) > 0 && !matchesAnyTag(p, tags) {
			continue
		}
		eligible = append(eligible, p)
	}

	// Stable sort keeps input order for equal timestamps.
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i].LastUsedAt, eligible[j].LastUsedAt
		switch {
		case a == nil && b == nil:
			return false
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})

	names := make([]string, len(eligible))
	for i, p := range eligible {
		names[i] = p.Name
	}

	if len(released) > 0 {
		if err := l.persistLocked(); err != nil {
			return names, err
		}
	}
	return names, nil
}

func matchesAnyTag(p *Profile, tags []string) bool {
	for _, tag := range tags {
		if p.HasTag(tag) {
			return true
		}
	}
	return false
}

// MarkUsed records a completed usage of the profile.
func (l *Ledger) MarkUsed(name, campaignID, text string, success bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.profiles[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}

	now := l.now()
	p.LastUsedAt = &now
	p.UsageCount++
	p.UpdatedAt = now

	if p.DailyStats == nil {
		p.DailyStats = make(map[string]DayStats)
	}
	day := now.Format("2006-01-02")
	stats := p.DailyStats[day]
	stats.Attempts++
	if success {
		stats.Success++
	} else {
		stats.Failed++
	}
	p.DailyStats[day] = stats

	preview := text
	if len(preview) > usageTextPreviewLen {
		preview = preview[:usageTextPreviewLen]
	}
	p.UsageHistory = append(p.UsageHistory, UsageRecord{
		At:         now,
		CampaignID: campaignID,
		Text:       preview,
		Success:    success,
	})
	if len(p.UsageHistory) > maxUsageHistory {
		p.UsageHistory = p.UsageHistory[len(p.UsageHistory)-maxUsageHistory:]
	}

	logging.ProfilesDebug("mark used: %s campaign=%s success=%v", name, campaignID, success)
	return l.persistLocked()
}

// MarkRestricted places a time-boxed restriction on the profile.
func (l *Ledger) MarkRestricted(name string, hours int, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.profiles[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}

	now := l.now()
	expires := now.Add(time.Duration(hours) * time.Hour)
	p.Status = StatusRestricted
	p.RestrictionExpiresAt = &expires
	p.RestrictionReason = reason
	p.UpdatedAt = now

	p.RestrictionHistory = append(p.RestrictionHistory, RestrictionRecord{
		At:        now,
		ExpiresAt: &expires,
		Reason:    reason,
	})
	if len(p.RestrictionHistory) > maxRestrictionHistory {
		p.RestrictionHistory = p.RestrictionHistory[len(p.RestrictionHistory)-maxRestrictionHistory:]
	}

	logging.Profiles("restricted %s for %dh: %s", name, hours, reason)
	return l.persistLocked()
}

// Unblock clears restriction state unconditionally. Covers both manual
// release and auto-resolution by the appeal workflow.
func (l *Ledger) Unblock(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.profiles[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}

	p.Status = StatusActive
	p.RestrictionExpiresAt = nil
	p.RestrictionReason = ""
	p.AppealState = AppealNone
	p.AppealAttempts = 0
	p.UpdatedAt = l.now()

	logging.Profiles("unblocked %s", name)
	return l.persistLocked()
}

// ExtendRestriction adds extraHours to the current restriction expiry. No-op
// when the profile is not restricted; a restriction with no expiry (manual
// release only) is extended from now.
func (l *Ledger) ExtendRestriction(name string, extraHours int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.profiles[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	if p.Status != StatusRestricted {
		return nil
	}

	now := l.now()
	base := now
	if p.RestrictionExpiresAt != nil {
		base = *p.RestrictionExpiresAt
	}
	expires := base.Add(time.Duration(extraHours) * time.Hour)
	p.RestrictionExpiresAt = &expires
	p.UpdatedAt = now

	logging.Profiles("extended restriction on %s by %dh (expires %s)", name, extraHours, expires.Format(time.RFC3339))
	return l.persistLocked()
}

// SetAppealState records where the profile sits in the appeal workflow.
func (l *Ledger) SetAppealState(name string, state AppealState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.profiles[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	p.AppealState = state
	p.UpdatedAt = l.now()
	return l.persistLocked()
}

// IncrementAppealAttempts bumps the per-profile appeal counter and returns
// the new value.
func (l *Ledger) IncrementAppealAttempts(name string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.profiles[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	p.AppealAttempts++
	p.UpdatedAt = l.now()
	return p.AppealAttempts, l.persistLocked()
}

// ResetExhausted clears the exhausted marker on every profile so a new batch
// gets a fresh set of appeal rounds.
func (l *Ledger) ResetExhausted() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	changed := false
	for _, p := range l.profiles {
		if p.AppealState == AppealExhausted {
			p.AppealState = AppealNone
			p.AppealAttempts = 0
			p.UpdatedAt = l.now()
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return l.persistLocked()
}

// Ensure creates a profile record on first sight of its session artifact.
// Existing records are left untouched.
func (l *Ledger) Ensure(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.profiles[name]; ok {
		return nil
	}
	now := l.now()
	l.profiles[name] = &Profile{
		Name:      name,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	logging.Profiles("registered profile %s", name)
	return l.persistLocked()
}

// Remove drops a profile whose session artifact disappeared.
func (l *Ledger) Remove(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.profiles[name]; !ok {
		return nil
	}
	delete(l.profiles, name)
	logging.Profiles("removed profile %s", name)
	return l.persistLocked()
}

// SetTags replaces a profile's tag set.
func (l *Ledger) SetTags(name string, tags []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.profiles[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	p.Tags = append([]string(nil), tags...)
	p.UpdatedAt = l.now()
	return l.persistLocked()
}

// Get returns a copy of the named profile. Expiry is resolved first so the
// caller sees current status.
func (l *Ledger) Get(name string) (*Profile, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if released := l.expireLocked(); len(released) > 0 {
		_ = l.persistLocked()
	}
	p, ok := l.profiles[name]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// List returns copies of all profiles sorted by name, resolving expiry first.
func (l *Ledger) List() []*Profile {
	l.mu.Lock()
	defer l.mu.Unlock()

	if released := l.expireLocked(); len(released) > 0 {
		_ = l.persistLocked()
	}

	names := make([]string, 0, len(l.profiles))
	for name := range l.profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*Profile, len(names))
	for i, name := range names {
		out[i] = l.profiles[name].clone()
	}
	return out
}

// Restricted returns copies of all currently restricted profiles, after lazy
// expiry.
func (l *Ledger) Restricted() []*Profile {
	var out []*Profile
	for _, p := range l.List() {
		if p.Restricted() {
			out = append(out, p)
		}
	}
	return out
}
