package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/domain/browser"
)

func TestBrowserLoopDetector_RecordAction_NudgesOnRepeat(t *testing.T) {
	d := NewBrowserLoopDetector(5, 3, zap.NewNop())

	for i := 0; i < 2; i++ {
		assert.Empty(t, d.RecordAction("click", "index=4"), "expected no nudge before threshold")
	}
	assert.NotEmpty(t, d.RecordAction("click", "index=4"), "expected a nudge once the same action repeated threshold times")
}

func TestBrowserLoopDetector_RecordAction_ExemptActionsNeverNudge(t *testing.T) {
	d := NewBrowserLoopDetector(5, 2, zap.NewNop())

	for i := 0; i < 10; i++ {
		assert.Empty(t, d.RecordAction("wait", ""), "wait should be exempt from loop detection")
	}
}

func TestBrowserLoopDetector_RecordAction_DifferentArgsResetsRepeat(t *testing.T) {
	d := NewBrowserLoopDetector(5, 2, zap.NewNop())

	assert.Empty(t, d.RecordAction("click", "index=1"))
	assert.Empty(t, d.RecordAction("click", "index=2"), "different args should not count as a repeat")
}

func TestBrowserLoopDetector_RecordPage_NudgesWhenFingerprintUnchanged(t *testing.T) {
	d := NewBrowserLoopDetector(5, 2, zap.NewNop())
	state := &browser.StateSummary{URL: "https://example.com", Title: "Example"}

	var last string
	for i := 0; i < 3; i++ {
		last = d.RecordPage(state)
	}
	assert.NotEmpty(t, last, "expected a nudge once the page fingerprint repeated threshold+1 times")
}

func TestBrowserLoopDetector_RecordPage_NoNudgeWhenPageChanges(t *testing.T) {
	d := NewBrowserLoopDetector(5, 2, zap.NewNop())

	pages := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}
	for _, url := range pages {
		assert.Empty(t, d.RecordPage(&browser.StateSummary{URL: url, Title: "t"}), "page kept changing, expected no nudge")
	}
}

func TestBrowserLoopDetector_RecordPage_NilStateNeverNudges(t *testing.T) {
	d := NewBrowserLoopDetector(5, 2, zap.NewNop())

	var nilState *browser.StateSummary
	for i := 0; i < 5; i++ {
		assert.Empty(t, d.RecordPage(nilState), "a nil state's empty fingerprint should never trigger a stagnation nudge")
	}
}
