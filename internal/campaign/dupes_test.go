package campaign

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func completedCampaign(id string, completedAt time.Time, texts ...string) *Campaign {
	c := &Campaign{
		ID:        id,
		Status:    StatusCompleted,
		UpdatedAt: completedAt,
	}
	for i, text := range texts {
		c.Results = append(c.Results, JobResult{Index: i, Success: true, Text: text})
	}
	return c
}

func TestFindConflictsWithinBatch(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	jobs := []Job{
		{Index: 0, Text: "Fresh spring deals!"},
		{Index: 1, Text: "something else"},
		{Index: 2, Text: "  fresh   SPRING deals!  "}, // same text after normalization
	}

	conflicts := FindConflicts(jobs, nil, 30, now)
	assert.Len(t, conflicts, 1)
	assert.Equal(t, ScopeCurrentCampaign, conflicts[0].Scope)
	assert.Equal(t, 2, conflicts[0].JobIndex, "the later duplicate is flagged, not the first occurrence")
}

func TestFindConflictsHistoryWindow(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	jobs := []Job{{Index: 0, Text: "limited time offer"}}

	tests := []struct {
		name     string
		ageDays  int
		expected int
	}{
		{"within window", 5, 1},
		{"outside window", 40, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := []*Campaign{
				completedCampaign("old-camp", now.AddDate(0, 0, -tt.ageDays), "Limited Time Offer"),
			}
			conflicts := FindConflicts(jobs, history, 30, now)
			assert.Len(t, conflicts, tt.expected)
			if tt.expected > 0 {
				assert.Equal(t, "history_30d", conflicts[0].Scope)
				assert.Equal(t, "old-camp", conflicts[0].CampaignID)
			}
		})
	}
}

func TestFindConflictsIgnoresFailedResults(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	history := []*Campaign{{
		ID:        "c1",
		Status:    StatusCompleted,
		UpdatedAt: now.AddDate(0, 0, -1),
		Results:   []JobResult{{Index: 0, Success: false, Text: "never went out"}},
	}}

	conflicts := FindConflicts([]Job{{Index: 0, Text: "never went out"}}, history, 30, now)
	assert.Empty(t, conflicts, "only successful posts count as duplicates")
}

func TestFindConflictsIgnoresIncompleteCampaigns(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	history := []*Campaign{{
		ID:        "c1",
		Status:    StatusProcessing,
		UpdatedAt: now,
		Results:   []JobResult{{Index: 0, Success: true, Text: "mid-flight text"}},
	}}

	conflicts := FindConflicts([]Job{{Index: 0, Text: "mid-flight text"}}, history, 30, now)
	assert.Empty(t, conflicts)
}

func TestNormalizeAndHash(t *testing.T) {
	assert.Equal(t, NormalizeText("  Hello   WORLD "), NormalizeText("hello world"))
	assert.Equal(t, ContentHash("  Hello   WORLD "), ContentHash("hello world"))
	assert.NotEqual(t, ContentHash("hello world"), ContentHash("hello worlds"))
}
