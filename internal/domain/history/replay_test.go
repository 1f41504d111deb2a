package history

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ngoclaw/browseragent/internal/domain/browser"
	domaintool "github.com/ngoclaw/browseragent/internal/domain/tool"
)

// fakeSession is a minimal in-memory browser.Session for replay tests. It
// tracks clicks/navigations and serves a fixed selector map.
type fakeSession struct {
	elements  []browser.Element
	clicked   []int
	navigated []string
	typed     map[int]string
}

func newFakeSession(elements []browser.Element) *fakeSession {
	return &fakeSession{elements: elements, typed: make(map[int]string)}
}

func (f *fakeSession) Navigate(_ context.Context, url string) error {
	f.navigated = append(f.navigated, url)
	return nil
}
func (f *fakeSession) GoBack(_ context.Context) error { return nil }
func (f *fakeSession) Click(_ context.Context, index int) error {
	f.clicked = append(f.clicked, index)
	return nil
}
func (f *fakeSession) Type(_ context.Context, index int, text string) error {
	f.typed[index] = text
	return nil
}
func (f *fakeSession) SendKeys(_ context.Context, keys string) error      { return nil }
func (f *fakeSession) Scroll(_ context.Context, pages float64) error      { return nil }
func (f *fakeSession) ExtractContent(_ context.Context, selector string) (string, error) {
	return "page content", nil
}
func (f *fakeSession) SwitchTab(_ context.Context, tabID string) error { return nil }
func (f *fakeSession) OpenTab(_ context.Context, url string) (browser.Tab, error) {
	return browser.Tab{TabID: "t2", URL: url}, nil
}
func (f *fakeSession) CloseTab(_ context.Context, tabID string) error   { return nil }
func (f *fakeSession) Screenshot(_ context.Context) ([]byte, error)     { return []byte("png"), nil }
func (f *fakeSession) State(_ context.Context, _ bool) (*browser.StateSummary, error) {
	return &browser.StateSummary{URL: "https://example.com", Elements: f.elements}, nil
}
func (f *fakeSession) Cookies(_ context.Context) ([]browser.Cookie, error) { return nil, nil }
func (f *fakeSession) Wait(_ context.Context, d time.Duration) error       { return nil }
func (f *fakeSession) Close(_ context.Context) error                      { return nil }

// fakeTool is a minimal domaintool.Tool backed by a closure, so tests can
// build a small registry without depending on the infrastructure layer's
// concrete action handlers.
type fakeTool struct {
	name string
	exec func(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error)
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return f.name }
func (f *fakeTool) Kind() domaintool.Kind { return domaintool.KindExecute }
func (f *fakeTool) Schema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	return f.exec(ctx, args)
}

// fakeRegistryFor builds a registry wired to session for the handful of
// actions replay tests exercise (click/go_back/input_text/extract_content).
func fakeRegistryFor(t *testing.T, session *fakeSession) domaintool.Registry {
	t.Helper()
	reg := domaintool.NewInMemoryRegistry()
	tools := []*fakeTool{
		{name: "click", exec: func(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
			idx, _ := args["index"].(float64)
			if err := session.Click(ctx, int(idx)); err != nil {
				return &domaintool.Result{Error: err.Error()}, nil
			}
			return &domaintool.Result{Output: "clicked", Success: true}, nil
		}},
		{name: "go_back", exec: func(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
			return &domaintool.Result{Output: "back", Success: true}, session.GoBack(ctx)
		}},
		{name: "input_text", exec: func(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
			idx, _ := args["index"].(float64)
			text, _ := args["text"].(string)
			return &domaintool.Result{Output: "typed", Success: true}, session.Type(ctx, int(idx), text)
		}},
	}
	for _, tl := range tools {
		if err := reg.Register(tl); err != nil {
			t.Fatalf("register %s: %v", tl.name, err)
		}
	}
	return reg
}

func actionOutput(t *testing.T, name string, args map[string]interface{}) *AgentOutput {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return &AgentOutput{Action: []map[string]json.RawMessage{{name: raw}}}
}

func TestRerun_ReidentifiesElementByExactHashAfterIndexShift(t *testing.T) {
	recordedElement := browser.Element{Index: 3, TagName: "button", XPath: "//button[1]", Attributes: map[string]string{"id": "submit"}}
	recordedHist := DOMHistoryElement{
		Tag:            recordedElement.TagName,
		XPath:          recordedElement.XPath,
		HighlightIndex: recordedElement.Index,
		ExactHash:      recordedElement.ExactHash(),
		StableHash:     recordedElement.StableHash(),
		Attributes:     recordedElement.Attributes,
	}

	// Live page has the same element but the index shifted from 3 to 7.
	liveElement := browser.Element{Index: 7, TagName: "button", XPath: "//button[1]", Attributes: map[string]string{"id": "submit"}}
	session := newFakeSession([]browser.Element{liveElement})

	hist := AgentHistoryList{Steps: []AgentHistory{
		{
			ModelOutput: actionOutput(t, "click", map[string]interface{}{"index": 3}),
			State:       BrowserStateHistory{InteractedElements: []DOMHistoryElement{recordedHist}},
			Metadata:    &StepMetadata{StepNumber: 0},
		},
	}}

	result, err := Rerun(context.Background(), session, hist, RerunOptions{Registry: fakeRegistryFor(t, session)})
	if err != nil {
		t.Fatalf("Rerun returned error: %v", err)
	}
	if len(session.clicked) != 1 || session.clicked[0] != 7 {
		t.Fatalf("expected click on re-identified index 7, got %+v", session.clicked)
	}
	if len(result.Steps) == 0 {
		t.Fatal("expected at least the synthesized summary step")
	}
}

func TestRerun_SkipsRedundantRetry(t *testing.T) {
	session := newFakeSession([]browser.Element{{Index: 1, TagName: "a"}})
	step := AgentHistory{
		ModelOutput: actionOutput(t, "click", map[string]interface{}{"index": 1}),
		Metadata:    &StepMetadata{StepNumber: 0},
	}
	hist := AgentHistoryList{Steps: []AgentHistory{step, step}}

	result, err := Rerun(context.Background(), session, hist, RerunOptions{Registry: fakeRegistryFor(t, session)})
	if err != nil {
		t.Fatalf("Rerun returned error: %v", err)
	}
	if len(session.clicked) != 1 {
		t.Fatalf("expected the redundant second click to be elided, got %d clicks", len(session.clicked))
	}
	// one replayed step + the synthesized summary step
	if len(result.Steps) != 2 {
		t.Fatalf("expected 2 entries (1 replayed + summary), got %d", len(result.Steps))
	}
}

func TestRerun_SkipFailuresOmitsErroredSteps(t *testing.T) {
	session := newFakeSession(nil)
	errored := AgentHistory{
		ModelOutput: actionOutput(t, "go_back", nil),
		Result:      []ActionResult{{Error: "boom"}},
		Metadata:    &StepMetadata{StepNumber: 0},
	}
	ok := AgentHistory{
		ModelOutput: actionOutput(t, "go_back", nil),
		Metadata:    &StepMetadata{StepNumber: 1},
	}
	hist := AgentHistoryList{Steps: []AgentHistory{errored, ok}}

	result, err := Rerun(context.Background(), session, hist, RerunOptions{SkipFailures: true, Registry: fakeRegistryFor(t, session)})
	if err != nil {
		t.Fatalf("Rerun returned error: %v", err)
	}
	if result.Summary.CompletionStatus != "complete" {
		t.Fatalf("expected complete status, got %q", result.Summary.CompletionStatus)
	}
}

func TestRerun_ExtractActionBecomesAIStep(t *testing.T) {
	session := newFakeSession(nil)
	hist := AgentHistoryList{Steps: []AgentHistory{
		{
			ModelOutput: actionOutput(t, "extract_content", map[string]interface{}{"selector": "main", "goal": "find the price"}),
			Metadata:    &StepMetadata{StepNumber: 0},
		},
	}}

	result, err := Rerun(context.Background(), session, hist, RerunOptions{Registry: fakeRegistryFor(t, session)})
	if err != nil {
		t.Fatalf("Rerun returned error: %v", err)
	}
	if len(result.Steps) == 0 {
		t.Fatal("expected replayed steps")
	}
	if result.Steps[0].Result[0].ExtractedContent != "page content" {
		t.Fatalf("expected fallback to raw extraction with no LLM configured, got %q", result.Steps[0].Result[0].ExtractedContent)
	}
}

func TestDetectVariablesAndSubstitute(t *testing.T) {
	hist := AgentHistoryList{Steps: []AgentHistory{
		{ModelOutput: actionOutput(t, "input_text", map[string]interface{}{"index": 1, "text": "alice@example.com"})},
	}}

	vars := DetectVariables(hist)
	key := "input_text_text"
	if vars[key] != "alice@example.com" {
		t.Fatalf("expected detected variable %q, got %+v", key, vars)
	}

	substituted := SubstituteVariables(hist, map[string]string{key: "bob@example.com"})
	invocations, err := domaintool.ParseActionInvocations(substituted.Steps[0].ModelOutput.Action)
	if err != nil {
		t.Fatalf("parse substituted actions: %v", err)
	}
	if invocations[0].Args["text"] != "bob@example.com" {
		t.Fatalf("expected substituted text, got %+v", invocations[0].Args)
	}
}
