package application

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/domain/browser"
	"github.com/ngoclaw/browseragent/internal/domain/service"
	"github.com/ngoclaw/browseragent/internal/infrastructure/config"
	"github.com/ngoclaw/browseragent/internal/infrastructure/eventbus"
	"github.com/ngoclaw/browseragent/internal/infrastructure/historystore"
	"github.com/ngoclaw/browseragent/internal/infrastructure/llm"
	"github.com/ngoclaw/browseragent/internal/infrastructure/monitoring"
	"github.com/ngoclaw/browseragent/internal/infrastructure/prompt"
	"github.com/ngoclaw/browseragent/internal/infrastructure/skill"
	"github.com/ngoclaw/browseragent/internal/infrastructure/visualizer"
)

// fakeSession is a scripted browser.Session, grounded on the fakeSession
// pattern in infrastructure/tool/browser_tools_test.go.
type fakeSession struct {
	navigatedTo string
	closed      bool
}

func (f *fakeSession) Navigate(_ context.Context, url string) error { f.navigatedTo = url; return nil }
func (f *fakeSession) GoBack(_ context.Context) error                { return nil }
func (f *fakeSession) Click(_ context.Context, _ int) error          { return nil }
func (f *fakeSession) Type(_ context.Context, _ int, _ string) error { return nil }
func (f *fakeSession) SendKeys(_ context.Context, _ string) error    { return nil }
func (f *fakeSession) Scroll(_ context.Context, _ float64) error     { return nil }
func (f *fakeSession) ExtractContent(_ context.Context, _ string) (string, error) {
	return "", nil
}
func (f *fakeSession) SwitchTab(_ context.Context, _ string) error { return nil }
func (f *fakeSession) OpenTab(_ context.Context, url string) (browser.Tab, error) {
	return browser.Tab{TabID: "t2", URL: url}, nil
}
func (f *fakeSession) CloseTab(_ context.Context, _ string) error { return nil }
func (f *fakeSession) Screenshot(_ context.Context) ([]byte, error) { return nil, nil }
func (f *fakeSession) State(_ context.Context, _ bool) (*browser.StateSummary, error) {
	return &browser.StateSummary{URL: f.navigatedTo}, nil
}
func (f *fakeSession) Cookies(_ context.Context) ([]browser.Cookie, error) { return nil, nil }
func (f *fakeSession) Wait(_ context.Context, _ time.Duration) error       { return nil }
func (f *fakeSession) Close(_ context.Context) error                      { f.closed = true; return nil }

// fakeBrowserFactory hands out a single fakeSession so the test can
// inspect what the run did to it.
type fakeBrowserFactory struct {
	session *fakeSession
}

func (f *fakeBrowserFactory) NewSession(_ context.Context, _ browser.SessionOptions) (browser.Session, error) {
	return f.session, nil
}

// fakeProvider implements llm.Provider, returning a scripted "done"
// response regardless of what the prompt asked for.
type fakeProvider struct {
	response *service.LLMResponse
}

func (p *fakeProvider) Name() string                                  { return "fake" }
func (p *fakeProvider) Models() []string                               { return []string{"fake-model"} }
func (p *fakeProvider) SupportsModel(_ string) bool                    { return true }
func (p *fakeProvider) IsAvailable(_ context.Context) bool             { return true }
func (p *fakeProvider) Generate(_ context.Context, _ *service.LLMRequest) (*service.LLMResponse, error) {
	return p.response, nil
}
func (p *fakeProvider) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	// deltaCh is closed by the caller (callLLMWithRetry) once GenerateStream returns.
	return p.Generate(ctx, req)
}

// doneResponse builds an LLMResponse whose Content is a one-action "done"
// AgentOutput, following the single-key action-object convention
// domaintool.ParseActionInvocations expects.
func doneResponse(text string) *service.LLMResponse {
	return &service.LLMResponse{
		Content:   `{"action":[{"done":{"success":true,"text":"` + text + `"}}]}`,
		ModelUsed: "fake-model",
	}
}

func newTestApp(t *testing.T, session *fakeSession, provider *fakeProvider) *App {
	t.Helper()

	logger := zap.NewNop()
	cfg := &config.Config{}
	cfg.Agent.MaxIterations = 5
	cfg.Agent.DefaultModel = "fake-model"
	cfg.BrowserAgent.AttachmentMode = "exclusive"
	cfg.BrowserAgent.HistoryDSN = ":memory:"

	store, err := historystore.Open(":memory:")
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	router := llm.NewRouter(logger)
	router.AddProvider(provider)

	skillDir := t.TempDir()

	app := &App{
		config:         cfg,
		logger:         logger,
		bus:            eventbus.NewInMemoryBus(logger, 64),
		locks:          browser.NewLockTable(),
		browserFactory: &fakeBrowserFactory{session: session},
		llmRouter:      router,
		skillService:   skill.NewService(skillDir),
		historyStore:   store,
		renderer:       visualizer.NewNoopRenderer(logger),
		promptEngine:   prompt.NewPromptEngine(cfg.Agent.Workspace, logger),
	}
	app.securityHook = service.NewSecurityHook(cfg.Agent.Security, nil, logger)
	app.monitor = monitoring.NewMonitor(logger)
	if err := app.promptEngine.Discover(); err != nil {
		t.Fatalf("prompt engine discover: %v", err)
	}
	return app
}

func TestApp_RunTask_CompletesOnDoneAction(t *testing.T) {
	session := &fakeSession{}
	provider := &fakeProvider{response: doneResponse("task complete")}
	app := newTestApp(t, session, provider)

	result, err := app.RunTask(context.Background(), TaskRequest{
		RunID: "run-test-1",
		Task:  "go to example.com and report back",
	})
	if err != nil {
		t.Fatalf("RunTask returned error: %v", err)
	}
	if !result.Done {
		t.Fatalf("expected run to be marked done, got %+v", result)
	}
	if result.Success == nil || !*result.Success {
		t.Fatalf("expected success=true, got %+v", result.Success)
	}
	if !session.closed {
		t.Fatal("expected the browser session to be closed after the run")
	}

	saved, err := app.historyStore.Load(context.Background(), "run-test-1")
	if err != nil {
		t.Fatalf("expected run history to be persisted: %v", err)
	}
	if saved.TaskID != "run-test-1" {
		t.Fatalf("unexpected persisted task id: %s", saved.TaskID)
	}
}

func TestApp_Close_ReleasesResources(t *testing.T) {
	session := &fakeSession{}
	provider := &fakeProvider{response: doneResponse("n/a")}
	app := newTestApp(t, session, provider)

	if err := app.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}
