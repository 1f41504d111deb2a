package browser

import (
	"strings"
	"testing"
)

// The selector map script and key-name table are the only parts of this
// package exercisable without a live Chromium process; the rest is an
// integration surface covered by the fake browser.Session in the domain
// and infrastructure/tool test suites.

func TestBuildSelectorMapJS_TagsInteractiveElementsWithDataAgentIndex(t *testing.T) {
	if !strings.Contains(buildSelectorMapJS, "data-agent-index") {
		t.Fatal("expected selector map script to stamp data-agent-index onto matched elements")
	}
	if !strings.Contains(buildSelectorMapJS, "a[href]") || !strings.Contains(buildSelectorMapJS, "button") {
		t.Fatal("expected selector map script to match anchors and buttons")
	}
}

func TestNamedKeys_RecognizesCommonControlKeys(t *testing.T) {
	for _, name := range []string{"enter", "tab", "escape", "arrowdown", "backspace"} {
		if _, ok := namedKeys[name]; !ok {
			t.Errorf("expected namedKeys to recognize %q", name)
		}
	}
	if _, ok := namedKeys["not-a-real-key"]; ok {
		t.Fatal("expected unrecognized key name to be absent")
	}
}
