package service

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/domain/browser"
)

// exemptActions never count toward loop detection — repeating them is
// often the correct thing to do (waiting for a slow page, going back to
// retry a flow) rather than a sign of being stuck.
var exemptActions = map[string]bool{
	"wait":    true,
	"done":    true,
	"go_back": true,
}

// BrowserLoopDetector is service.LoopDetector's browser-agent counterpart:
// it tracks two windows — one of action fingerprints (name+args, the same
// exact-match idea LoopDetector.Record uses) and one of page fingerprints
// (browser.StateSummary.Fingerprint(), catching "the action succeeded but
// the page never actually changed"). Neither window can abort the run; it
// only ever returns a nudge string for the message manager to inject.
type BrowserLoopDetector struct {
	windowSize int
	threshold  int

	actionFingerprints []string
	pageFingerprints   []string

	logger *zap.Logger
}

// NewBrowserLoopDetector mirrors NewLoopDetector's constructor shape.
func NewBrowserLoopDetector(windowSize, threshold int, logger *zap.Logger) *BrowserLoopDetector {
	return &BrowserLoopDetector{
		windowSize: windowSize,
		threshold:  threshold,
		logger:     logger,
	}
}

// RecordAction records one executed action (name + JSON args) and, if the
// exact same action has now repeated >= threshold times in a row within the
// window, returns a nudge telling the model to break the loop.
func (d *BrowserLoopDetector) RecordAction(name, argsFingerprint string) string {
	if exemptActions[name] {
		return ""
	}

	sig := name
	if argsFingerprint != "" {
		sig = name + "|" + argsFingerprint
	}

	d.actionFingerprints = append(d.actionFingerprints, sig)
	if len(d.actionFingerprints) > d.windowSize {
		d.actionFingerprints = d.actionFingerprints[1:]
	}

	if nudge := d.checkRepeat(d.actionFingerprints, sig); nudge != "" {
		d.logger.Warn("Repeated action fingerprint detected",
			zap.String("action", name),
			zap.Int("threshold", d.threshold),
		)
		return nudge
	}
	return ""
}

// RecordPage records the page fingerprint observed after an action and
// returns a nudge if the page hasn't changed across threshold+1 consecutive
// steps — per spec.md §8.2's "at least window_size+1 identical fingerprints"
// rule, this uses threshold+1 rather than threshold so a page-stagnation
// nudge never fires earlier than the matching action-repeat nudge would.
func (d *BrowserLoopDetector) RecordPage(state *browser.StateSummary) string {
	fp := state.Fingerprint()
	d.pageFingerprints = append(d.pageFingerprints, fp)
	if len(d.pageFingerprints) > d.windowSize+1 {
		d.pageFingerprints = d.pageFingerprints[1:]
	}

	if len(d.pageFingerprints) < d.threshold+1 {
		return ""
	}
	tail := d.pageFingerprints[len(d.pageFingerprints)-(d.threshold+1):]
	for _, f := range tail {
		if f != tail[0] || f == "" {
			return ""
		}
	}
	d.logger.Warn("Page fingerprint unchanged across window", zap.Int("consecutive", d.threshold+1))
	return "[SYSTEM] The page has not changed across your last several actions. " +
		"Re-evaluate your plan: the action you are taking may not be having the effect you expect."
}

func (d *BrowserLoopDetector) checkRepeat(window []string, sig string) string {
	if len(window) < d.threshold {
		return ""
	}
	tail := window[len(window)-d.threshold:]
	for _, s := range tail {
		if s != tail[0] {
			return ""
		}
	}
	return fmt.Sprintf(
		"[SYSTEM] The exact same action (%s) has now been repeated %d times in a row "+
			"with no new information. Stop repeating it — try a different action or call done "+
			"if the task genuinely cannot proceed.",
		sig, d.threshold,
	)
}
