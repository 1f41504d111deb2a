package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/domain/browser"
	domaintool "github.com/ngoclaw/browseragent/internal/domain/tool"
)

// stubTool is a minimal domaintool.Tool for exercising the act() sequence
// rules without a real browser action. result/err are returned verbatim by
// Execute; calls records every invocation's args for assertions.
type stubTool struct {
	name   string
	kind   domaintool.Kind
	result *domaintool.Result
	err    error
	calls  int
}

func (t *stubTool) Name() string                 { return t.name }
func (t *stubTool) Description() string          { return "stub" }
func (t *stubTool) Kind() domaintool.Kind        { return t.kind }
func (t *stubTool) Schema() map[string]interface{} { return map[string]interface{}{} }
func (t *stubTool) Execute(_ context.Context, _ map[string]interface{}) (*domaintool.Result, error) {
	t.calls++
	return t.result, t.err
}

func newCatalog(tools ...domaintool.Tool) *domaintool.Catalog {
	reg := domaintool.NewInMemoryRegistry()
	for _, tool := range tools {
		_ = reg.Register(tool)
	}
	return domaintool.NewCatalog(reg)
}

func actionList(names ...string) []map[string]json.RawMessage {
	out := make([]map[string]json.RawMessage, 0, len(names))
	for _, n := range names {
		out = append(out, map[string]json.RawMessage{n: json.RawMessage(`{}`)})
	}
	return out
}

// fixedStateSession always reports the same URL/tab, so act()'s
// page-changed check never fires unless the test swaps the session out.
type fixedStateSession struct {
	browser.Session
	url, tab string
}

func (f *fixedStateSession) State(_ context.Context, _ bool) (*browser.StateSummary, error) {
	return &browser.StateSummary{URL: f.url, ActiveTabID: f.tab}, nil
}

func newTestStepExecutor(t *testing.T, catalog *domaintool.Catalog, session browser.Session, settings AgentSettings) *StepExecutor {
	t.Helper()
	logger := zap.NewNop()
	mm := NewMessageManager("system", "task", "false", 10, nil, "test-model", logger)
	plan := NewPlanState(0, 0)
	exec := NewStepExecutor(StepExecutorConfig{
		Catalog:        catalog,
		Session:        session,
		Settings:       settings,
		MessageManager: mm,
		Plan:           plan,
		Logger:         logger,
	})
	exec.lastState = &browser.StateSummary{URL: "https://example.com", ActiveTabID: "t1"}
	return exec
}

func TestStepExecutor_Act_StopsSequenceOnNonFinalError(t *testing.T) {
	failing := &stubTool{name: "click", kind: domaintool.KindExecute, result: &domaintool.Result{Error: "element not found"}}
	trailing := &stubTool{name: "scroll", kind: domaintool.KindExecute, result: &domaintool.Result{Success: true}}
	catalog := newCatalog(failing, trailing)
	session := &fixedStateSession{url: "https://example.com", tab: "t1"}
	exec := newTestStepExecutor(t, catalog, session, AgentSettings{})

	output := &AgentOutput{Action: actionList("click", "scroll")}
	results, names, _, done, _ := exec.act(context.Background(), 1, output)

	if len(results) != 1 || len(names) != 1 {
		t.Fatalf("expected the sequence to stop after the failing action, got %d results", len(results))
	}
	if trailing.calls != 0 {
		t.Fatalf("expected the trailing action to never run, got %d calls", trailing.calls)
	}
	if done {
		t.Fatalf("an {error} result is not the same as {is_done}")
	}
}

func TestStepExecutor_Act_StopsSequenceOnURLChange(t *testing.T) {
	navigate := &stubTool{name: "go_to_url", kind: domaintool.KindFetch, result: &domaintool.Result{Success: true}}
	trailing := &stubTool{name: "scroll", kind: domaintool.KindExecute, result: &domaintool.Result{Success: true}}
	catalog := newCatalog(navigate, trailing)
	session := &fixedStateSession{url: "https://example.com/new-page", tab: "t1"}
	exec := newTestStepExecutor(t, catalog, session, AgentSettings{})
	exec.lastState = &browser.StateSummary{URL: "https://example.com", ActiveTabID: "t1"}

	output := &AgentOutput{Action: actionList("go_to_url", "scroll")}
	results, _, _, _, _ := exec.act(context.Background(), 1, output)

	if len(results) != 1 {
		t.Fatalf("expected the sequence to stop once the URL changed, got %d results", len(results))
	}
	if trailing.calls != 0 {
		t.Fatalf("expected the trailing action to never run after a URL change, got %d calls", trailing.calls)
	}
}

func TestStepExecutor_Act_WaitsBetweenActionsButNotBeforeFirst(t *testing.T) {
	a := &stubTool{name: "a", kind: domaintool.KindExecute, result: &domaintool.Result{Success: true}}
	b := &stubTool{name: "b", kind: domaintool.KindExecute, result: &domaintool.Result{Success: true}}
	catalog := newCatalog(a, b)
	session := &fixedStateSession{url: "https://example.com", tab: "t1"}
	exec := newTestStepExecutor(t, catalog, session, AgentSettings{WaitBetweenActions: 20 * time.Millisecond})

	output := &AgentOutput{Action: actionList("a", "b")}
	start := time.Now()
	results, _, _, _, _ := exec.act(context.Background(), 1, output)
	elapsed := time.Since(start)

	if len(results) != 2 {
		t.Fatalf("expected both actions to run, got %d results", len(results))
	}
	if elapsed < 20*time.Millisecond {
		t.Fatalf("expected at least one wait_between_actions delay, took %s", elapsed)
	}
}

func TestStepExecutor_Act_CachesReadOnlyToolResults(t *testing.T) {
	read := &stubTool{name: "extract_content", kind: domaintool.KindRead, result: &domaintool.Result{Output: "page text", Success: true}}
	catalog := newCatalog(read)
	session := &fixedStateSession{url: "https://example.com", tab: "t1"}
	exec := newTestStepExecutor(t, catalog, session, AgentSettings{})

	first := &AgentOutput{Action: actionList("extract_content")}
	results1, _, _, _, _ := exec.act(context.Background(), 1, first)
	if read.calls != 1 {
		t.Fatalf("expected the first call to execute the tool, got %d calls", read.calls)
	}
	if results1[0].ExtractedContent != "page text" {
		t.Fatalf("expected the real tool output on the first call, got %+v", results1[0])
	}

	second := &AgentOutput{Action: actionList("extract_content")}
	results2, _, _, _, _ := exec.act(context.Background(), 1, second)
	if read.calls != 1 {
		t.Fatalf("expected the second identical call to be served from cache, got %d calls", read.calls)
	}
	if results2[0].ExtractedContent != "page text" {
		t.Fatalf("expected the cached output to match the original, got %+v", results2[0])
	}
}

func TestStepExecutor_Act_DoesNotCacheMutatingTools(t *testing.T) {
	click := &stubTool{name: "click", kind: domaintool.KindExecute, result: &domaintool.Result{Success: true}}
	catalog := newCatalog(click)
	session := &fixedStateSession{url: "https://example.com", tab: "t1"}
	exec := newTestStepExecutor(t, catalog, session, AgentSettings{})

	output := &AgentOutput{Action: actionList("click")}
	exec.act(context.Background(), 1, output)
	exec.act(context.Background(), 1, output)

	if click.calls != 2 {
		t.Fatalf("expected a mutating action to run every time (no caching), got %d calls", click.calls)
	}
}

func TestStepExecutor_Prepare_LoopDetectionDisabledSkipsNudges(t *testing.T) {
	catalog := newCatalog()
	session := &fixedStateSession{url: "https://example.com", tab: "t1"}
	exec := newTestStepExecutor(t, catalog, session, AgentSettings{LoopDetectionEnabled: false, MaxFailures: 10})

	before := len(exec.mm.Messages())
	for i := 0; i < 10; i++ {
		output := &AgentOutput{Action: actionList("click")}
		exec.postProcess(output, []ActionResult{{}}, []string{"click"})
	}
	if _, err := exec.prepare(context.Background(), 1, false, 0); err != nil {
		t.Fatalf("prepare returned error: %v", err)
	}

	for _, msg := range exec.mm.Messages()[before:] {
		if msg.Nudge {
			t.Fatalf("expected no loop-detector nudge while LoopDetectionEnabled=false, got %q", msg.Content)
		}
	}
}
