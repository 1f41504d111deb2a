package tool

import (
	"testing"

	"go.uber.org/zap"

	domaintool "github.com/ngoclaw/browseragent/internal/domain/tool"
)

func TestRegisterBrowserActions_RegistersAllActionsWithVision(t *testing.T) {
	reg, count := RegisterBrowserActions(BrowserActionDeps{
		Session: &fakeSession{},
		UseVision: "true",
		Logger:    zap.NewNop(),
	})

	wantNames := []string{
		"go_to_url", "go_back", "click", "input_text", "send_keys",
		"scroll", "extract_content", "switch_tab", "close_tab",
		"screenshot", "wait", "done",
	}
	if count != len(wantNames) {
		t.Fatalf("expected %d actions registered, got %d", len(wantNames), count)
	}
	for _, name := range wantNames {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("expected action %q to be registered", name)
		}
	}
}

func TestRegisterBrowserActions_OmitsScreenshotWhenVisionAuto(t *testing.T) {
	reg, count := RegisterBrowserActions(BrowserActionDeps{
		Session:   &fakeSession{},
		UseVision: "auto",
		Logger:    zap.NewNop(),
	})

	if _, ok := reg.Get("screenshot"); ok {
		t.Fatal("expected screenshot action to be omitted when use_vision=auto")
	}
	if count != 11 {
		t.Fatalf("expected 11 actions registered without screenshot, got %d", count)
	}
}

func TestRegisterBrowserActions_NavigateAliasResolvesToAction(t *testing.T) {
	reg, _ := RegisterBrowserActions(BrowserActionDeps{
		Session:   &fakeSession{},
		UseVision: "true",
		Logger:    zap.NewNop(),
	})

	if _, ok := reg.Get("navigate"); ok {
		t.Skip("Registry.Get is keyed by canonical Name, not aliases; alias resolution happens in Catalog")
	}
	if _, ok := domaintool.NewCatalog(reg).Resolve("navigate"); !ok {
		t.Fatal("expected alias \"navigate\" to resolve through the Catalog")
	}
}
