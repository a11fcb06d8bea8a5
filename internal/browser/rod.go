// Package browser is the rod-backed executor. It connects to (or launches) a
// Chrome instance, restores a profile's saved session into an incognito
// context, and drives the page for one task at a time. All DOM heuristics
// live here; the orchestration core sees only statuses and signals.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"swarmpost/internal/executor"
	"swarmpost/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Page selectors. These track the vendor's markup and are the part of this
// package expected to churn.
const (
	composerSelector   = "[data-testid=composer], textarea[name=text]"
	attachInputSel     = "input[type=file]"
	submitSelector     = "[data-testid=submit], button[type=submit]"
	confirmedSelector  = "[data-testid=post-confirmed]"
	statusBannerSel    = "[data-testid=status-banner], [role=alert]"
	appealButtonSel    = "[data-testid=appeal-button]"
	appealResponseSel  = "[data-testid=appeal-response]"
	recentPostsItemSel = "[data-testid=post-text]"
)

// Config holds the browser connection settings.
type Config struct {
	DebuggerURL         string
	Headless            bool
	NavigationTimeoutMs int

	// Vendor pages the non-post tasks navigate to.
	StatusURL      string
	AppealURL      string
	RecentPostsURL string
}

// NavigationTimeout returns the per-navigation deadline.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// sessionArtifact is the on-disk session a profile carries, written by
// whatever logged the profile in.
type sessionArtifact struct {
	Origin       string                      `json:"origin,omitempty"`
	Cookies      []*proto.NetworkCookieParam `json:"cookies,omitempty"`
	LocalStorage map[string]string           `json:"local_storage,omitempty"`
}

// Executor implements executor.Executor on top of rod.
type Executor struct {
	cfg         Config
	sessionsDir string

	mu      sync.Mutex
	browser *rod.Browser
}

// New returns an executor that lazily connects on first use.
func New(cfg Config, sessionsDir string) *Executor {
	return &Executor{cfg: cfg, sessionsDir: sessionsDir}
}

// ensureStarted connects to the configured debugger URL, or launches a
// Chrome when none is configured. A stale connection is detected and
// replaced.
func (e *Executor) ensureStarted(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.browser != nil {
		if _, err := e.browser.Version(); err == nil {
			return nil
		}
		logging.Browser("stale browser connection, reconnecting")
		_ = e.browser.Close()
		e.browser = nil
	}

	controlURL := e.cfg.DebuggerURL
	if controlURL == "" {
		url, err := launcher.New().Headless(e.cfg.Headless).Launch()
		if err != nil {
			return fmt.Errorf("no debugger_url and failed to launch: %w", err)
		}
		controlURL = url
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	e.browser = b
	return nil
}

// Shutdown closes the browser connection.
func (e *Executor) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browser == nil {
		return nil
	}
	err := e.browser.Close()
	e.browser = nil
	return err
}

// openSession creates an incognito page carrying the profile's saved
// cookies and storage. The caller must close the returned page.
func (e *Executor) openSession(ctx context.Context, profileName, url string) (*rod.Page, error) {
	if err := e.ensureStarted(ctx); err != nil {
		return nil, err
	}

	art, err := e.loadArtifact(profileName)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	b := e.browser
	e.mu.Unlock()
	if b == nil {
		return nil, errors.New("browser not connected")
	}

	incognito, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if len(art.Cookies) > 0 {
		if err := page.SetCookies(art.Cookies); err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("restore cookies for %s: %w", profileName, err)
		}
	}

	if url == "" {
		url = art.Origin
	}
	if err := page.Context(ctx).Timeout(e.cfg.NavigationTimeout()).Navigate(url); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}

	if len(art.LocalStorage) > 0 {
		restoreLocalStorage(page, art.LocalStorage)
	}

	logging.Browser("opened session for %s at %s", profileName, url)
	return page, nil
}

func (e *Executor) loadArtifact(profileName string) (*sessionArtifact, error) {
	path := filepath.Join(e.sessionsDir, profileName+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session artifact for %s: %w", profileName, err)
	}
	var art sessionArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("parse session artifact for %s: %w", profileName, err)
	}
	return &art, nil
}

func restoreLocalStorage(page *rod.Page, kv map[string]string) {
	data, err := json.Marshal(kv)
	if err != nil {
		return
	}
	_, _ = page.Evaluate(&rod.EvalOptions{
		JS: `(raw) => {
			try {
				const kv = JSON.parse(raw || "{}");
				Object.entries(kv).forEach(([k, v]) => localStorage.setItem(k, v));
			} catch (e) {}
		}`,
		JSArgs:       []interface{}{string(data)},
		ByValue:      true,
		AwaitPromise: true,
	})
}

// Perform implements executor.Executor.
func (e *Executor) Perform(ctx context.Context, profileName string, task executor.TaskSpec, progress executor.ProgressFunc) (executor.Result, error) {
	switch task.Type {
	case executor.TaskPost, "":
		return e.post(ctx, profileName, task, progress)
	case executor.TaskVerifyRestriction:
		return e.readSignal(ctx, profileName, e.cfg.StatusURL, statusBannerSel)
	case executor.TaskFallbackCheck:
		return e.fallbackCheck(ctx, profileName)
	case executor.TaskAppeal:
		return e.appeal(ctx, profileName)
	default:
		return executor.Result{}, fmt.Errorf("unknown task type %q", task.Type)
	}
}

// post drives the composer. Milestones fire only after the page confirms the
// corresponding step, never before.
func (e *Executor) post(ctx context.Context, profileName string, task executor.TaskSpec, progress executor.ProgressFunc) (executor.Result, error) {
	page, err := e.openSession(ctx, profileName, task.Target)
	if err != nil {
		return executor.Result{}, err
	}
	defer page.Close()

	var steps []string
	step := func(format string, args ...interface{}) {
		steps = append(steps, fmt.Sprintf(format, args...))
	}

	if signal := bannerText(ctx, page); isRestrictionSignal(signal) {
		logging.BrowserError("%s: restriction banner before composing: %s", profileName, signal)
		return executor.Result{Status: executor.StatusRestricted, Signal: signal, StepLog: steps}, nil
	}

	composer, err := page.Context(ctx).Timeout(e.cfg.NavigationTimeout()).Element(composerSelector)
	if err != nil {
		return executor.Result{Status: executor.StatusFailed, Signal: "composer not found", StepLog: steps}, nil
	}
	if err := composer.Input(task.Text); err != nil {
		return executor.Result{Status: executor.StatusFailed, Signal: "composer input failed", StepLog: steps}, nil
	}
	step("composed %d chars", len(task.Text))

	if task.Attachment != "" {
		input, err := page.Context(ctx).Element(attachInputSel)
		if err != nil {
			return executor.Result{Status: executor.StatusFailed, Signal: "attachment input not found", StepLog: steps}, nil
		}
		if err := input.SetFiles([]string{task.Attachment}); err != nil {
			return executor.Result{Status: executor.StatusFailed, Signal: "attachment upload failed", StepLog: steps}, nil
		}
		step("attached %s", filepath.Base(task.Attachment))
		if progress != nil {
			progress(executor.MilestoneAttachmentConfirmed)
		}
	}

	submit, err := page.Context(ctx).Element(submitSelector)
	if err != nil {
		return executor.Result{Status: executor.StatusFailed, Signal: "submit button not found", StepLog: steps}, nil
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return executor.Result{Status: executor.StatusFailed, Signal: "submit click failed", StepLog: steps}, nil
	}
	step("submit clicked")
	if progress != nil {
		progress(executor.MilestoneSubmitClicked)
	}

	// The outcome after a click is either a confirmation marker or a
	// restriction banner; wait for whichever shows up first.
	confirmCtx, cancel := context.WithTimeout(ctx, e.cfg.NavigationTimeout())
	defer cancel()
	if _, err := page.Context(confirmCtx).Element(confirmedSelector); err != nil {
		if signal := bannerText(ctx, page); isRestrictionSignal(signal) {
			logging.BrowserError("%s: restricted on submit: %s", profileName, signal)
			return executor.Result{Status: executor.StatusRestricted, Signal: signal, StepLog: steps}, nil
		}
		return executor.Result{Status: executor.StatusFailed, Signal: "no confirmation after submit", StepLog: steps}, nil
	}
	step("confirmed")
	if progress != nil {
		progress(executor.MilestoneConfirmed)
	}

	return executor.Result{Status: executor.StatusSuccess, Signal: "posted", StepLog: steps}, nil
}

// readSignal navigates to a vendor page and returns the banner text as the
// structured signal. The classifier upstream decides what it means.
func (e *Executor) readSignal(ctx context.Context, profileName, url, selector string) (executor.Result, error) {
	page, err := e.openSession(ctx, profileName, url)
	if err != nil {
		return executor.Result{}, err
	}
	defer page.Close()

	el, err := page.Context(ctx).Timeout(e.cfg.NavigationTimeout()).Element(selector)
	if err != nil {
		return executor.Result{Status: executor.StatusSuccess, Signal: ""}, nil
	}
	text, err := el.Text()
	if err != nil {
		return executor.Result{Status: executor.StatusSuccess, Signal: ""}, nil
	}
	return executor.Result{Status: executor.StatusSuccess, Signal: strings.TrimSpace(text)}, nil
}

// fallbackCheck probes whether the composer is reachable at all. A reachable
// composer reads as no restriction.
func (e *Executor) fallbackCheck(ctx context.Context, profileName string) (executor.Result, error) {
	page, err := e.openSession(ctx, profileName, "")
	if err != nil {
		return executor.Result{}, err
	}
	defer page.Close()

	if _, err := page.Context(ctx).Timeout(e.cfg.NavigationTimeout()).Element(composerSelector); err == nil {
		return executor.Result{Status: executor.StatusSuccess, Signal: "no restriction: composer reachable"}, nil
	}
	if signal := bannerText(ctx, page); signal != "" {
		return executor.Result{Status: executor.StatusSuccess, Signal: signal}, nil
	}
	return executor.Result{Status: executor.StatusSuccess, Signal: ""}, nil
}

// appeal opens the appeal page, submits the form, and returns the vendor
// response text as the signal.
func (e *Executor) appeal(ctx context.Context, profileName string) (executor.Result, error) {
	page, err := e.openSession(ctx, profileName, e.cfg.AppealURL)
	if err != nil {
		return executor.Result{}, err
	}
	defer page.Close()

	btn, err := page.Context(ctx).Timeout(e.cfg.NavigationTimeout()).Element(appealButtonSel)
	if err != nil {
		// No appeal button usually means nothing left to appeal; surface the
		// banner so the classifier can tell.
		return executor.Result{Status: executor.StatusSuccess, Signal: bannerText(ctx, page)}, nil
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return executor.Result{Status: executor.StatusFailed, Signal: "appeal click failed"}, nil
	}

	resp, err := page.Context(ctx).Timeout(e.cfg.NavigationTimeout()).Element(appealResponseSel)
	if err != nil {
		return executor.Result{Status: executor.StatusSuccess, Signal: ""}, nil
	}
	text, _ := resp.Text()
	return executor.Result{Status: executor.StatusSuccess, Signal: strings.TrimSpace(text)}, nil
}

// Reconcile implements executor.Executor: scan the profile's recent posts
// for the interrupted job's text. A loaded page that lacks the text is
// strong evidence the post never landed; a page that fails to load proves
// nothing.
func (e *Executor) Reconcile(ctx context.Context, profileName string, hint executor.CheckpointHint) (executor.Reconciliation, error) {
	if strings.TrimSpace(hint.Text) == "" {
		return executor.Reconciliation{Found: nil, Confidence: 0, Reason: "no source text in checkpoint"}, nil
	}

	page, err := e.openSession(ctx, profileName, e.cfg.RecentPostsURL)
	if err != nil {
		return executor.Reconciliation{Found: nil, Confidence: 0, Reason: fmt.Sprintf("recent posts unreachable: %v", err)}, nil
	}
	defer page.Close()

	items, err := page.Context(ctx).Timeout(e.cfg.NavigationTimeout()).Elements(recentPostsItemSel)
	if err != nil {
		return executor.Reconciliation{Found: nil, Confidence: 0, Reason: "recent posts did not render"}, nil
	}

	needle := normalizeForMatch(hint.Text)
	for _, item := range items {
		text, err := item.Text()
		if err != nil {
			continue
		}
		if normalizeForMatch(text) == needle {
			found := true
			return executor.Reconciliation{Found: &found, Confidence: 0.95, Reason: "text found in recent posts"}, nil
		}
	}

	found := false
	return executor.Reconciliation{Found: &found, Confidence: 0.85, Reason: fmt.Sprintf("scanned %d recent posts, no match", len(items))}, nil
}

// bannerText returns the status banner text, or "" when none is visible.
func bannerText(ctx context.Context, page *rod.Page) string {
	el, err := page.Context(ctx).Timeout(2 * time.Second).Element(statusBannerSel)
	if err != nil {
		return ""
	}
	text, err := el.Text()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

var restrictionMarkers = []string{"restricted", "limit reached", "blocked", "suspended", "checkpoint", "captcha"}

func isRestrictionSignal(signal string) bool {
	s := strings.ToLower(signal)
	if s == "" {
		return false
	}
	for _, m := range restrictionMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// normalizeForMatch mirrors the dedup normalization so reconciliation
// matches exactly what the hash was computed over.
func normalizeForMatch(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}
