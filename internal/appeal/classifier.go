package appeal

import "strings"

// Outcome is the closed set of verification verdicts. How the underlying
// signal is produced (vendor API, vision step, page scrape) is not this
// package's concern; the classifier only maps an opaque signal onto one of
// these.
type Outcome string

const (
	OutcomeResolved Outcome = "resolved"
	OutcomeActive   Outcome = "active"
	OutcomeInReview Outcome = "in_review"
	OutcomeUnknown  Outcome = "unknown"
)

// Classifier maps an opaque executor signal to an Outcome.
type Classifier interface {
	Classify(signal string) Outcome
}

// KeywordClassifier is the default classifier: a keyword scan over the
// signal text. Order matters - review markers are checked before active
// markers because vendor responses often contain both ("restriction under
// review").
type KeywordClassifier struct{}

var (
	resolvedMarkers = []string{"resolved", "lifted", "no restriction", "not restricted", "restored"}
	reviewMarkers   = []string{"in review", "under review", "pending review", "being reviewed", "appeal received"}
	activeMarkers   = []string{"restricted", "active restriction", "limit reached", "blocked", "suspended"}
)

// Classify implements Classifier.
func (KeywordClassifier) Classify(signal string) Outcome {
	s := strings.ToLower(signal)
	if s == "" {
		return OutcomeUnknown
	}
	for _, m := range resolvedMarkers {
		if strings.Contains(s, m) {
			return OutcomeResolved
		}
	}
	for _, m := range reviewMarkers {
		if strings.Contains(s, m) {
			return OutcomeInReview
		}
	}
	for _, m := range activeMarkers {
		if strings.Contains(s, m) {
			return OutcomeActive
		}
	}
	return OutcomeUnknown
}
