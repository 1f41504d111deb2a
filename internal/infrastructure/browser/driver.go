// Package browser implements the domain browser.Session/Factory facade on
// top of go-rod, driving a real Chromium instance over the Chrome DevTools
// Protocol.
package browser

import (
	"context"
	"fmt"
	"os"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	domainbrowser "github.com/ngoclaw/browseragent/internal/domain/browser"
)

// RodFactory provisions go-rod-backed sessions, one Chromium process per
// NewSession call (spec.md's session_attachment_mode "copy" behavior; the
// run controller layers "shared"/"strict" semantics on top via the
// shared-session lock table in internal/infrastructure/sessioncache).
type RodFactory struct {
	logger *zap.Logger
}

func NewRodFactory(logger *zap.Logger) *RodFactory {
	return &RodFactory{logger: logger}
}

var _ domainbrowser.Factory = (*RodFactory)(nil)

// NewSession launches a fresh Chromium process and returns a Session wired
// to its first page. The launch flags mirror the anti-detection set real
// browser-automation agents use to avoid the most common
// "navigator.webdriver" bot checks.
func (f *RodFactory) NewSession(ctx context.Context, opts domainbrowser.SessionOptions) (domainbrowser.Session, error) {
	width, height := opts.ViewportWidth, opts.ViewportHeight
	if width == 0 {
		width = 1280
	}
	if height == 0 {
		height = 800
	}

	l := launcher.New().
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-infobars").
		Set("disable-dev-shm-usage").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-background-networking").
		Set("disable-client-side-phishing-detection").
		Set("disable-default-apps").
		Set("disable-popup-blocking").
		Set("disable-prompt-on-repost").
		Set("disable-sync").
		Set("metrics-recording-only").
		Set("window-size", fmt.Sprintf("%d,%d", width, height)).
		Headless(opts.Headless)

	if opts.UserDataDir != "" {
		if err := os.MkdirAll(opts.UserDataDir, 0755); err != nil {
			return nil, fmt.Errorf("create user data dir: %w", err)
		}
		l = l.UserDataDir(opts.UserDataDir)
	}
	if opts.ProxyServer != "" {
		l = l.Proxy(opts.ProxyServer)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	b := rod.New().Context(ctx).ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chromium: %w", err)
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("open initial page: %w", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width: width, Height: height, DeviceScaleFactor: 1,
	}); err != nil {
		f.logger.Warn("failed to set viewport", zap.Error(err))
	}

	return newSession(b, page, l, f.logger), nil
}
