package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/domain/browser"
)

// fakeSession is a scripted browser.Session for exercising action handlers
// without a real browser driver.
type fakeSession struct {
	navigateErr error
	clickErr    error

	navigatedTo string
	clickedIdx  int
	typedIdx    int
	typedText   string
	wentBack    bool
	sentKeys    string
	scrolled    float64
	extracted   string
	switched    string
	closed      string
	waited      time.Duration
	screenshot  []byte
}

func (f *fakeSession) Navigate(_ context.Context, url string) error {
	f.navigatedTo = url
	return f.navigateErr
}
func (f *fakeSession) GoBack(_ context.Context) error { f.wentBack = true; return nil }
func (f *fakeSession) Click(_ context.Context, index int) error {
	f.clickedIdx = index
	return f.clickErr
}
func (f *fakeSession) Type(_ context.Context, index int, text string) error {
	f.typedIdx, f.typedText = index, text
	return nil
}
func (f *fakeSession) SendKeys(_ context.Context, keys string) error { f.sentKeys = keys; return nil }
func (f *fakeSession) Scroll(_ context.Context, pages float64) error { f.scrolled = pages; return nil }
func (f *fakeSession) ExtractContent(_ context.Context, selector string) (string, error) {
	return f.extracted, nil
}
func (f *fakeSession) SwitchTab(_ context.Context, tabID string) error { f.switched = tabID; return nil }
func (f *fakeSession) OpenTab(_ context.Context, url string) (browser.Tab, error) {
	return browser.Tab{TabID: "t2", URL: url}, nil
}
func (f *fakeSession) CloseTab(_ context.Context, tabID string) error { f.closed = tabID; return nil }
func (f *fakeSession) Screenshot(_ context.Context) ([]byte, error)   { return f.screenshot, nil }
func (f *fakeSession) State(_ context.Context, _ bool) (*browser.StateSummary, error) {
	return &browser.StateSummary{}, nil
}
func (f *fakeSession) Cookies(_ context.Context) ([]browser.Cookie, error) { return nil, nil }
func (f *fakeSession) Wait(_ context.Context, d time.Duration) error       { f.waited = d; return nil }
func (f *fakeSession) Close(_ context.Context) error                      { return nil }

func TestGoToURLTool_NavigatesActiveTab(t *testing.T) {
	session := &fakeSession{}
	tool := NewGoToURLTool(session, zap.NewNop())

	res, err := tool.Execute(context.Background(), map[string]interface{}{"url": "https://example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || session.navigatedTo != "https://example.com" {
		t.Fatalf("expected navigation to example.com, got %+v", session)
	}
}

func TestGoToURLTool_MissingURLReturnsError(t *testing.T) {
	tool := NewGoToURLTool(&fakeSession{}, zap.NewNop())
	if _, err := tool.Execute(context.Background(), map[string]interface{}{}); err == nil {
		t.Fatal("expected an error when url is missing")
	}
}

func TestGoToURLTool_NavigateFailureReportsFailedResult(t *testing.T) {
	session := &fakeSession{navigateErr: errors.New("dns error")}
	tool := NewGoToURLTool(session, zap.NewNop())

	res, err := tool.Execute(context.Background(), map[string]interface{}{"url": "https://broken.example"})
	if err != nil {
		t.Fatalf("Execute should not itself error on a session failure, got %v", err)
	}
	if res.Success {
		t.Fatal("expected Success=false when Navigate fails")
	}
	if res.Error == "" {
		t.Fatal("expected Error to be populated when Navigate fails")
	}
}

func TestClickTool_ClicksRequestedIndex(t *testing.T) {
	session := &fakeSession{}
	tool := NewClickTool(session, zap.NewNop())

	if _, err := tool.Execute(context.Background(), map[string]interface{}{"index": float64(4)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.clickedIdx != 4 {
		t.Fatalf("expected click on index 4, got %d", session.clickedIdx)
	}
}

func TestInputTextTool_RequiresText(t *testing.T) {
	tool := NewInputTextTool(&fakeSession{}, zap.NewNop())
	if _, err := tool.Execute(context.Background(), map[string]interface{}{"index": float64(1)}); err == nil {
		t.Fatal("expected an error when text is missing")
	}
}

func TestInputTextTool_TypesIntoElement(t *testing.T) {
	session := &fakeSession{}
	tool := NewInputTextTool(session, zap.NewNop())

	res, err := tool.Execute(context.Background(), map[string]interface{}{"index": float64(2), "text": "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || session.typedIdx != 2 || session.typedText != "hello" {
		t.Fatalf("expected typed text into index 2, got %+v", session)
	}
}

func TestExtractContentTool_ReturnsPageContentAsOutput(t *testing.T) {
	session := &fakeSession{extracted: "hello world"}
	tool := NewExtractContentTool(session, zap.NewNop())

	res, err := tool.Execute(context.Background(), map[string]interface{}{"selector": "main"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "hello world" {
		t.Fatalf("expected extracted content as Output, got %q", res.Output)
	}
}

func TestWaitTool_ClampsToMax(t *testing.T) {
	session := &fakeSession{}
	tool := NewWaitTool(session, zap.NewNop())

	if _, err := tool.Execute(context.Background(), map[string]interface{}{"seconds": float64(999)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.waited != maxWaitSeconds*time.Second {
		t.Fatalf("expected wait clamped to %ds, got %v", maxWaitSeconds, session.waited)
	}
}

func TestWaitTool_ClampsNegativeToZero(t *testing.T) {
	session := &fakeSession{}
	tool := NewWaitTool(session, zap.NewNop())

	if _, err := tool.Execute(context.Background(), map[string]interface{}{"seconds": float64(-5)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.waited != 0 {
		t.Fatalf("expected wait clamped to 0, got %v", session.waited)
	}
}

func TestDoneTool_TerminatesSequence(t *testing.T) {
	tool := NewDoneTool(zap.NewNop())
	var terminator interface{ TerminatesSequence() bool } = tool
	if !terminator.TerminatesSequence() {
		t.Fatal("done tool must report TerminatesSequence() == true")
	}
}

func TestDoneTool_ReportsSuccessAndText(t *testing.T) {
	tool := NewDoneTool(zap.NewNop())
	res, err := tool.Execute(context.Background(), map[string]interface{}{"success": true, "text": "all set"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Output != "all set" {
		t.Fatalf("expected success output 'all set', got %+v", res)
	}
	if done, _ := res.Metadata["is_done"].(bool); !done {
		t.Fatal("expected metadata is_done=true")
	}
}
