// Package browser defines the Browser Session Facade — the narrow surface
// the agent step executor drives a real browser through. Concrete drivers
// (internal/infrastructure/browser) implement Session; the domain package
// only knows about state summaries, elements and tabs.
package browser

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// AttachmentMode controls how a session is shared across concurrent runs,
// mirroring spec.md's session_attachment_mode.
type AttachmentMode string

const (
	// AttachmentCopy opens an independent browser context per run.
	AttachmentCopy AttachmentMode = "copy"
	// AttachmentStrict refuses to attach if another run already owns the
	// session; the caller must wait or fail.
	AttachmentStrict AttachmentMode = "strict"
	// AttachmentShared lets multiple runs drive the same session serially,
	// coordinated by the shared-session lock table.
	AttachmentShared AttachmentMode = "shared"
)

// Element is a single interactive or text-bearing node in the current
// page's selector map, indexed by the facade for the model to reference
// by a small integer (spec.md's "indexed element" convention).
type Element struct {
	Index         int               `json:"index"`
	TagName       string            `json:"tag_name"`
	Text          string            `json:"text,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	XPath         string            `json:"xpath"`
	IsInViewport  bool              `json:"is_in_viewport"`
	IsInteractive bool              `json:"is_interactive"`
	AXName        string            `json:"ax_name,omitempty"`
}

// ExactHash fingerprints e by its precise position and attributes — it
// changes whenever the page's DOM structure shifts even slightly. Used by
// the replay engine as the first, strictest re-identification attempt.
func (e Element) ExactHash() string {
	h := fnv1a(e.XPath + "|" + e.TagName + "|" + attrString(e.Attributes))
	return fmt.Sprintf("%08x", h)
}

// StableHash fingerprints e by tag and visible text only, ignoring layout
// attributes that commonly change between page loads (generated ids,
// style classes). Used as the replay engine's second re-identification
// attempt when ExactHash no longer matches.
func (e Element) StableHash() string {
	h := fnv1a(e.TagName + "|" + strings.TrimSpace(e.Text))
	return fmt.Sprintf("%08x", h)
}

func attrString(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(attrs[k])
		b.WriteByte(';')
	}
	return b.String()
}

// fnv1a is a small, dependency-free 32-bit hash used only to fingerprint
// elements for replay matching — not a security boundary, just a cheap
// stable identifier, so the stdlib-grade FNV-1a constants are sufficient.
func fnv1a(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// Tab describes one open browser tab/page.
type Tab struct {
	TabID  string `json:"tab_id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

// DownloadedFile records a file the session observed being downloaded.
type DownloadedFile struct {
	Path      string    `json:"path"`
	URL       string    `json:"url,omitempty"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// StateSummary is the perception snapshot the message manager renders into
// the next step's prompt: URL, title, selector map, open tabs, and an
// optional screenshot.
type StateSummary struct {
	URL            string             `json:"url"`
	Title          string             `json:"title"`
	Elements       []Element          `json:"elements"`
	Tabs           []Tab              `json:"tabs"`
	ActiveTabID    string             `json:"active_tab_id"`
	ScreenshotPNG  []byte             `json:"-"`
	PixelsAbove    int                `json:"pixels_above"`
	PixelsBelow    int                `json:"pixels_below"`
	DownloadedFiles []DownloadedFile  `json:"downloaded_files,omitempty"`
	CapturedAt     time.Time          `json:"captured_at"`
}

// Fingerprint returns a stable string identifying this page for loop
// detection purposes (url + title is enough to tell "the page didn't
// change" from "the page changed").
func (s *StateSummary) Fingerprint() string {
	if s == nil {
		return ""
	}
	return s.URL + "|" + s.Title
}

// Session is the facade the action registry and step executor drive. One
// Session wraps exactly one browser context (a real CDP target behind the
// go-rod adapter, or an in-memory fake in tests).
type Session interface {
	// Navigate loads a URL in the active tab.
	Navigate(ctx context.Context, url string) error
	// GoBack navigates the active tab back one history entry.
	GoBack(ctx context.Context) error
	// Click clicks the element at the given selector-map index.
	Click(ctx context.Context, index int) error
	// Type enters text into the element at the given index.
	Type(ctx context.Context, index int, text string) error
	// SendKeys sends a raw key sequence to the active tab (e.g. "Enter", "Escape").
	SendKeys(ctx context.Context, keys string) error
	// Scroll scrolls the active tab by the given number of pages (negative = up).
	Scroll(ctx context.Context, pages float64) error
	// ExtractContent returns the page's visible text, optionally restricted
	// to a CSS selector.
	ExtractContent(ctx context.Context, selector string) (string, error)
	// SwitchTab activates the tab with the given id.
	SwitchTab(ctx context.Context, tabID string) error
	// OpenTab opens a new tab, optionally navigating it to url.
	OpenTab(ctx context.Context, url string) (Tab, error)
	// CloseTab closes the tab with the given id.
	CloseTab(ctx context.Context, tabID string) error
	// Screenshot captures a PNG of the active tab's current viewport.
	Screenshot(ctx context.Context) ([]byte, error)
	// State captures a full perception snapshot of the active tab.
	State(ctx context.Context, includeScreenshot bool) (*StateSummary, error)
	// Cookies returns the session's current cookie jar, serialized.
	Cookies(ctx context.Context) ([]Cookie, error)
	// Wait pauses for the given duration (bounded by the caller's context).
	Wait(ctx context.Context, d time.Duration) error
	// Close releases the underlying browser context.
	Close(ctx context.Context) error
}

// Cookie mirrors the fields the skill service checks for
// "missing cookies" prompts (see infrastructure/skill).
type Cookie struct {
	Name   string `json:"name"`
	Domain string `json:"domain"`
	Value  string `json:"value,omitempty"`
}

// Factory creates a new Session, used by the run controller to provision
// a browser for a task. Concrete infrastructure implements this against a
// real driver (go-rod) or a remote pool (cloudsession).
type Factory interface {
	NewSession(ctx context.Context, opts SessionOptions) (Session, error)
}

// SessionOptions configures a freshly provisioned session.
type SessionOptions struct {
	Headless       bool
	UserDataDir    string
	ProxyServer    string
	ViewportWidth  int
	ViewportHeight int
}
