package service

import (
	"testing"

	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/domain/browser"
)

func TestMessageManager_AppendStateSetsLastStateText(t *testing.T) {
	mm := NewMessageManager("system prompt", "do the task", "true", 10, nil, "test-model", zap.NewNop())

	state := &browser.StateSummary{
		URL:   "https://example.com",
		Title: "Example",
		Elements: []browser.Element{
			{Index: 1, TagName: "button", Text: "Submit"},
		},
	}
	mm.AppendState(state, "")

	if mm.LastStateText() == "" {
		t.Fatal("expected LastStateText to be populated after AppendState")
	}
	last := mm.Messages()[len(mm.Messages())-1]
	if last.Content != mm.LastStateText() {
		t.Errorf("expected last message content to match LastStateText, got %q vs %q", last.Content, mm.LastStateText())
	}
}

func TestMessageManager_AppendStateNoVisionOmitsImagePart(t *testing.T) {
	mm := NewMessageManager("system prompt", "do the task", "false", 10, nil, "test-model", zap.NewNop())

	state := &browser.StateSummary{
		URL:           "https://example.com",
		Title:         "Example",
		ScreenshotPNG: []byte("fake-png-bytes"),
	}
	mm.AppendState(state, "")

	last := mm.Messages()[len(mm.Messages())-1]
	if len(last.Parts) != 0 {
		t.Errorf("expected no image parts when use_vision=false, got %+v", last.Parts)
	}
}

func TestMessageManager_AppendStateVisionAttachesScreenshot(t *testing.T) {
	mm := NewMessageManager("system prompt", "do the task", "true", 10, nil, "test-model", zap.NewNop())

	state := &browser.StateSummary{
		URL:           "https://example.com",
		Title:         "Example",
		ScreenshotPNG: []byte("fake-png-bytes"),
	}
	mm.AppendState(state, "")

	last := mm.Messages()[len(mm.Messages())-1]
	if len(last.Parts) != 2 {
		t.Fatalf("expected text+image parts when use_vision=true, got %d", len(last.Parts))
	}
	if last.Parts[1].Type != "image" || string(last.Parts[1].Data) != "fake-png-bytes" {
		t.Errorf("expected image part carrying the screenshot bytes, got %+v", last.Parts[1])
	}
}

func TestMessageManager_AddContextMessageIgnoresEmpty(t *testing.T) {
	mm := NewMessageManager("system prompt", "do the task", "true", 10, nil, "test-model", zap.NewNop())
	before := len(mm.Messages())

	mm.AddContextMessage("")
	if len(mm.Messages()) != before {
		t.Errorf("expected empty nudge to be ignored, message count changed from %d to %d", before, len(mm.Messages()))
	}

	mm.AddContextMessage("[SYSTEM] nudge")
	if len(mm.Messages()) != before+1 {
		t.Errorf("expected nudge to append one message, got count %d", len(mm.Messages()))
	}
}

func TestMessageManager_DropLastIfNudge_RemovesOnlyNudges(t *testing.T) {
	mm := NewMessageManager("system prompt", "do the task", "true", 10, nil, "test-model", zap.NewNop())
	before := len(mm.Messages())

	mm.AddContextMessage("[SYSTEM] replan nudge")
	mm.AppendAssistant(`{"action":[{"wait":{}}]}`)
	mm.AddContextMessage("[SYSTEM] budget nudge")

	if got := len(mm.Messages()); got != before+3 {
		t.Fatalf("expected 3 messages appended before drop, got %d", got-before)
	}

	mm.DropLastIfNudge()

	msgs := mm.Messages()
	if got := len(msgs); got != before+1 {
		t.Fatalf("expected only the non-nudge assistant message to survive, got %d extra messages", got-before)
	}
	if msgs[len(msgs)-1].Content != `{"action":[{"wait":{}}]}` {
		t.Errorf("expected the surviving message to be the assistant turn, got %+v", msgs[len(msgs)-1])
	}

	mm.DropLastIfNudge()
	if len(mm.Messages()) != before+1 {
		t.Errorf("a second drop with no pending nudges should be a no-op")
	}
}
