package campaign

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"swarmpost/internal/store"
)

// Draft is a staged text waiting to be turned into a campaign job.
type Draft struct {
	Text    string    `json:"text"`
	Target  string    `json:"target,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// DraftPool persists staged texts under drafts.json. Same single-document,
// single-mutex discipline as the queue.
type DraftPool struct {
	mu     sync.Mutex
	path   string
	now    func() time.Time
	drafts []Draft
}

type draftDoc struct {
	Version int     `json:"version"`
	Drafts  []Draft `json:"drafts"`
}

// NewDraftPool loads (or initializes) the draft pool stored under stateDir.
func NewDraftPool(stateDir string) (*DraftPool, error) {
	p := &DraftPool{
		path: filepath.Join(stateDir, "drafts.json"),
		now:  time.Now,
	}
	var doc draftDoc
	found, err := store.Read(p.path, &doc)
	if err != nil {
		return nil, fmt.Errorf("load drafts: %w", err)
	}
	if found {
		p.drafts = doc.Drafts
	}
	return p, nil
}

func (p *DraftPool) persistLocked() error {
	if err := store.Write(p.path, draftDoc{Version: 1, Drafts: p.drafts}); err != nil {
		return fmt.Errorf("persist drafts: %w", err)
	}
	return nil
}

// Add stages a draft.
func (p *DraftPool) Add(text, target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drafts = append(p.drafts, Draft{Text: text, Target: target, AddedAt: p.now()})
	return p.persistLocked()
}

// List returns the staged drafts in order.
func (p *DraftPool) List() []Draft {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Draft(nil), p.drafts...)
}

// Take removes and returns up to n drafts as jobs ready for a new campaign.
func (p *DraftPool) Take(n int) ([]Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n <= 0 || n > len(p.drafts) {
		n = len(p.drafts)
	}
	taken := p.drafts[:n]
	rest := append([]Draft(nil), p.drafts[n:]...)

	jobs := make([]Job, len(taken))
	for i, d := range taken {
		jobs[i] = Job{Index: i, Type: "post", Text: d.Text, Target: d.Target}
	}

	p.drafts = rest
	if err := p.persistLocked(); err != nil {
		return nil, err
	}
	return jobs, nil
}
