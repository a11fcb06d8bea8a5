package campaign

import (
	"fmt"
	"time"
)

// Conflict scopes.
const (
	ScopeCurrentCampaign = "current_campaign"
)

// HistoryScope names the rolling-window scope for a given lookback.
func HistoryScope(lookbackDays int) string {
	return fmt.Sprintf("history_%dd", lookbackDays)
}

// Conflict is one duplicate-content finding. Advisory only: campaigns are
// still enqueued, the caller surfaces these as warnings.
type Conflict struct {
	Scope      string `json:"scope"`
	JobIndex   int    `json:"job_index"`
	Text       string `json:"text"`
	CampaignID string `json:"campaign_id,omitempty"` // originating campaign for history conflicts
}

func (c Conflict) String() string {
	if c.CampaignID != "" {
		return fmt.Sprintf("job %d duplicates a post from campaign %s (%s)", c.JobIndex, c.CampaignID, c.Scope)
	}
	return fmt.Sprintf("job %d duplicates an earlier job in this batch (%s)", c.JobIndex, c.Scope)
}

// FindConflicts scans candidate jobs for repeated outbound text, both within
// the batch itself and against successful results of campaigns completed
// inside the lookback window. Matching is on normalized text.
func FindConflicts(jobs []Job, history []*Campaign, lookbackDays int, now time.Time) []Conflict {
	var conflicts []Conflict

	// Later jobs repeating an earlier job in the same batch.
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		norm := NormalizeText(job.Text)
		if norm == "" {
			continue
		}
		if seen[norm] {
			conflicts = append(conflicts, Conflict{
				Scope:    ScopeCurrentCampaign,
				JobIndex: job.Index,
				Text:     job.Text,
			})
			continue
		}
		seen[norm] = true
	}

	// Successful posts from recently completed campaigns.
	cutoff := now.AddDate(0, 0, -lookbackDays)
	posted := make(map[string]string) // normalized text -> campaign ID
	for _, c := range history {
		if c.Status != StatusCompleted || c.UpdatedAt.Before(cutoff) {
			continue
		}
		for _, r := range c.Results {
			if !r.Success || r.Text == "" {
				continue
			}
			norm := NormalizeText(r.Text)
			if _, ok := posted[norm]; !ok {
				posted[norm] = c.ID
			}
		}
	}

	for _, job := range jobs {
		norm := NormalizeText(job.Text)
		if norm == "" {
			continue
		}
		if id, ok := posted[norm]; ok {
			conflicts = append(conflicts, Conflict{
				Scope:      HistoryScope(lookbackDays),
				JobIndex:   job.Index,
				Text:       job.Text,
				CampaignID: id,
			})
		}
	}

	return conflicts
}
