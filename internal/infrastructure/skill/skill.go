// Package skill discovers per-site browsing skills — small directories
// describing a site's quirks (a SKILL.md summary plus a declared list of
// cookies the site needs before the skill's instructions are reliable,
// e.g. a logged-in session cookie). The step executor asks this service,
// once per step, which skills are currently unavailable because their
// required cookies are missing from the session — spec.md's "ask skill
// service for currently-unavailable skill info (missing cookies listed)".
package skill

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/domain/browser"
	"github.com/ngoclaw/browseragent/internal/domain/service"
)

// Skill is an installed per-site skill with metadata parsed from SKILL.md
// and a COOKIES file (one cookie name per line) describing what the
// session needs before the skill applies.
type Skill struct {
	ID              string
	Name            string
	Description     string
	Path            string
	RequiredCookies []string
	Enabled         bool
	InstalledAt     time.Time
}

// Service discovers, installs, and manages skills from a directory.
type Service struct {
	skills   map[string]*Skill
	skillDir string
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
}

// NewService creates a skill service and scans skillDir for installed
// skills. An empty skillDir disables skill discovery entirely (the step
// executor treats a nil/empty-skill Service the same as spec.md's "skill
// service (if present)" being absent).
func NewService(skillDir string) *Service {
	s := &Service{
		skills:   make(map[string]*Skill),
		skillDir: skillDir,
	}
	s.scanInstalledSkills()
	return s
}

func (s *Service) scanInstalledSkills() {
	if s.skillDir == "" {
		return
	}
	entries, err := os.ReadDir(s.skillDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		skillPath := filepath.Join(s.skillDir, entry.Name())
		info, err := os.Stat(skillPath)
		if err != nil || !info.IsDir() {
			continue
		}
		if sk := s.loadSkillFromPath(skillPath); sk != nil {
			s.skills[sk.ID] = sk
		}
	}
}

func (s *Service) loadSkillFromPath(path string) *Skill {
	skillFile := filepath.Join(path, "SKILL.md")
	if _, err := os.Stat(skillFile); os.IsNotExist(err) {
		return nil
	}
	content, err := os.ReadFile(skillFile)
	if err != nil {
		return nil
	}

	name := filepath.Base(path)
	description := ""
	lines := strings.Split(string(content), "\n")
	if len(lines) > 0 && len(lines[0]) > 2 && lines[0][0] == '#' {
		name = strings.TrimSpace(lines[0][1:])
	}
	if len(lines) > 2 {
		description = strings.TrimSpace(lines[2])
	}

	return &Skill{
		ID:              filepath.Base(path),
		Name:            name,
		Description:     description,
		Path:            path,
		RequiredCookies: readCookieNames(filepath.Join(path, "COOKIES")),
		Enabled:         true,
		InstalledAt:     time.Now(),
	}
}

func readCookieNames(path string) []string {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var names []string
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			names = append(names, line)
		}
	}
	return names
}

// Install installs a skill from a local source path via symlink.
func (s *Service) Install(source, name string) (*Skill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.skills[name]; exists {
		return nil, fmt.Errorf("skill already exists: %s", name)
	}
	if _, err := os.Stat(source); err != nil {
		return nil, fmt.Errorf("source path does not exist: %s", source)
	}
	if err := os.MkdirAll(s.skillDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create skill dir: %w", err)
	}
	targetPath := filepath.Join(s.skillDir, name)
	if err := os.Symlink(source, targetPath); err != nil {
		return nil, fmt.Errorf("install failed: %w", err)
	}
	sk := s.loadSkillFromPath(targetPath)
	if sk == nil {
		os.Remove(targetPath)
		return nil, fmt.Errorf("invalid skill directory (missing SKILL.md)")
	}
	s.skills[sk.ID] = sk
	return sk, nil
}

// Uninstall removes a skill by ID.
func (s *Service) Uninstall(skillID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, exists := s.skills[skillID]
	if !exists {
		return fmt.Errorf("skill not found: %s", skillID)
	}
	if err := os.RemoveAll(sk.Path); err != nil {
		return fmt.Errorf("uninstall failed: %w", err)
	}
	delete(s.skills, skillID)
	return nil
}

// List returns all installed skills.
func (s *Service) List() []*Skill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Skill, 0, len(s.skills))
	for _, sk := range s.skills {
		out = append(out, sk)
	}
	return out
}

// Watch starts hot-reloading: a new skill directory appearing under
// skillDir is scanned and registered, a removed one is dropped, and a
// changed SKILL.md or COOKIES file is re-parsed in place. Safe to call
// once; a no-op when skillDir is empty. The watcher runs until ctx is
// cancelled or Close is called.
func (s *Service) Watch(ctx context.Context, logger *zap.Logger) error {
	if s.skillDir == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("skill: create watcher: %w", err)
	}
	if err := w.Add(s.skillDir); err != nil {
		w.Close()
		return fmt.Errorf("skill: watch %s: %w", s.skillDir, err)
	}

	s.mu.Lock()
	for _, sk := range s.skills {
		_ = w.Add(sk.Path)
	}
	s.watcher = w
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				s.handleWatchEvent(w, event, logger)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("skill watcher error", zap.Error(err))
			}
		}
	}()

	logger.Info("skill hot-reload watching started", zap.String("dir", s.skillDir))
	return nil
}

// handleWatchEvent reacts to a change under skillDir or one of its
// watched skill subdirectories: a newly created skill directory is
// watched in turn (so its SKILL.md/COOKIES arriving a moment later is
// still seen) and scanned immediately in case SKILL.md is already
// there, a removed skill directory is dropped, and any write re-scans
// every installed skill (cheap at this scale, and avoids tracking which
// skill a nested SKILL.md/COOKIES write belongs to).
func (s *Service) handleWatchEvent(w *fsnotify.Watcher, event fsnotify.Event, logger *zap.Logger) {
	name := filepath.Base(event.Name)

	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.Add(event.Name)
		}
		s.mu.Lock()
		if sk := s.loadSkillFromPath(event.Name); sk != nil {
			s.skills[sk.ID] = sk
			logger.Info("skill detected", zap.String("skill", sk.ID))
		}
		s.mu.Unlock()
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		s.mu.Lock()
		if _, exists := s.skills[name]; exists {
			delete(s.skills, name)
			logger.Info("skill removed", zap.String("skill", name))
		}
		s.mu.Unlock()
	case event.Op&fsnotify.Write == fsnotify.Write:
		s.mu.Lock()
		s.scanInstalledSkills()
		s.mu.Unlock()
	}
}

// Close stops the hot-reload watcher, if one was started. Safe to call
// on a Service whose Watch was never called.
func (s *Service) Close() error {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

// UnavailableSkillInfo names an enabled skill and the cookie names the
// current session is missing for it. Aliased to service.SkillAvailability
// so *Service satisfies service.SkillService without either package
// depending on a third shared location for the struct.
type UnavailableSkillInfo = service.SkillAvailability

// Unavailable reports, for each enabled skill with a nonempty
// RequiredCookies list, which of those cookies are absent from cookies.
// A Service with no skills (including a nil skillDir) always returns nil.
func (s *Service) Unavailable(cookies []browser.Cookie) []UnavailableSkillInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	have := make(map[string]bool, len(cookies))
	for _, c := range cookies {
		have[c.Name] = true
	}

	var out []UnavailableSkillInfo
	for _, sk := range s.skills {
		if !sk.Enabled || len(sk.RequiredCookies) == 0 {
			continue
		}
		var missing []string
		for _, name := range sk.RequiredCookies {
			if !have[name] {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			out = append(out, UnavailableSkillInfo{Name: sk.Name, MissingCookies: missing})
		}
	}
	return out
}
