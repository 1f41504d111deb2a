// Package visualizer is the hand-off seam between a completed run and
// whatever renders it for a human: an animated GIF stitched from
// per-step screenshots, an HTML report, or nothing at all. Rendering
// internals are out of scope here — this package only defines the seam
// and a default that does nothing, following the same narrow-interface
// hand-off the teacher used for outbound media delivery.
package visualizer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/domain/history"
)

// Renderer turns a completed run's history into a rendered artifact on
// disk (a GIF, an HTML report, ...) and reports back where it landed.
// The run controller calls Render once a run finishes; it never
// inspects the artifact itself, only the path it's told.
type Renderer interface {
	// Render produces an artifact for hist under outDir and returns its
	// path. Implementations decide their own file naming and format.
	Render(ctx context.Context, hist history.AgentHistoryList, outDir string) (string, error)
}

// NoopRenderer implements Renderer by doing nothing. It's the default
// when no concrete renderer (GIF encoder, HTML templater, ...) has been
// wired in, so the run controller's "optionally render a GIF" step
// always has something to call.
type NoopRenderer struct {
	logger *zap.Logger
}

// NewNoopRenderer builds a Renderer that logs and skips rendering.
func NewNoopRenderer(logger *zap.Logger) *NoopRenderer {
	return &NoopRenderer{logger: logger}
}

var _ Renderer = (*NoopRenderer)(nil)

// Render is a no-op: it logs the skip and returns an empty path with no
// error, so callers can treat "nothing to show" the same as "rendered
// nothing this time" rather than a failure.
func (r *NoopRenderer) Render(_ context.Context, hist history.AgentHistoryList, _ string) (string, error) {
	if r.logger != nil {
		r.logger.Debug("visualizer: no renderer configured, skipping",
			zap.String("task_id", hist.TaskID),
			zap.Int("steps", len(hist.Steps)))
	}
	return "", nil
}

// ScreenshotPaths collects the non-empty screenshot paths recorded
// across a run's steps, in step order. A GIF/HTML renderer consumes
// this as its source frame list; NoopRenderer ignores it.
func ScreenshotPaths(hist history.AgentHistoryList) []string {
	paths := make([]string, 0, len(hist.Steps))
	for _, step := range hist.Steps {
		if step.State.ScreenshotPath != "" {
			paths = append(paths, step.State.ScreenshotPath)
		}
	}
	return paths
}

// ErrNoFrames is returned by a concrete renderer when a run recorded no
// screenshots to stitch together.
var ErrNoFrames = fmt.Errorf("visualizer: run has no screenshots to render")
