package visualizer

import (
	"context"
	"testing"

	"github.com/ngoclaw/browseragent/internal/domain/history"
)

func TestNoopRenderer_ReturnsEmptyPathAndNoError(t *testing.T) {
	r := NewNoopRenderer(nil)
	path, err := r.Render(context.Background(), history.AgentHistoryList{TaskID: "task-1"}, "/tmp/out")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if path != "" {
		t.Fatalf("expected empty path from no-op renderer, got %q", path)
	}
}

func TestScreenshotPaths_SkipsStepsWithoutAScreenshot(t *testing.T) {
	hist := history.AgentHistoryList{
		Steps: []history.AgentHistory{
			{State: history.BrowserStateHistory{ScreenshotPath: "/tmp/step1.png"}},
			{State: history.BrowserStateHistory{}},
			{State: history.BrowserStateHistory{ScreenshotPath: "/tmp/step3.png"}},
		},
	}

	paths := ScreenshotPaths(hist)
	if len(paths) != 2 {
		t.Fatalf("expected 2 screenshot paths, got %d: %v", len(paths), paths)
	}
	if paths[0] != "/tmp/step1.png" || paths[1] != "/tmp/step3.png" {
		t.Fatalf("unexpected paths: %v", paths)
	}
}
