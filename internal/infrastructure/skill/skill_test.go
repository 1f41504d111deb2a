package skill

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/domain/browser"
)

// waitFor polls check until it returns true or timeout elapses, for
// asserting on the fsnotify watcher goroutine's eventually-consistent
// updates to svc.skills.
func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !check() {
		t.Fatal("condition not met before timeout")
	}
}

func writeSkill(t *testing.T, dir, id, markdown string, cookies []string) {
	t.Helper()
	skillPath := filepath.Join(dir, id)
	if err := os.MkdirAll(skillPath, 0755); err != nil {
		t.Fatalf("mkdir skill dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(skillPath, "SKILL.md"), []byte(markdown), 0644); err != nil {
		t.Fatalf("write SKILL.md: %v", err)
	}
	if len(cookies) > 0 {
		content := ""
		for _, c := range cookies {
			content += c + "\n"
		}
		if err := os.WriteFile(filepath.Join(skillPath, "COOKIES"), []byte(content), 0644); err != nil {
			t.Fatalf("write COOKIES: %v", err)
		}
	}
}

func TestNewService_ScansInstalledSkills(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "example-site", "# Example Site\n\nLog in tricks for example.com.\n", []string{"session_id"})

	svc := NewService(dir)
	skills := svc.List()
	if len(skills) != 1 {
		t.Fatalf("expected 1 skill, got %d", len(skills))
	}
	if skills[0].Name != "Example Site" {
		t.Errorf("expected name parsed from SKILL.md heading, got %q", skills[0].Name)
	}
	if len(skills[0].RequiredCookies) != 1 || skills[0].RequiredCookies[0] != "session_id" {
		t.Errorf("expected required cookie session_id, got %+v", skills[0].RequiredCookies)
	}
}

func TestNewService_EmptyDirDisablesDiscovery(t *testing.T) {
	svc := NewService("")
	if len(svc.List()) != 0 {
		t.Fatal("expected no skills when skillDir is empty")
	}
	if out := svc.Unavailable(nil); out != nil {
		t.Fatalf("expected nil Unavailable for an empty-dir service, got %+v", out)
	}
}

func TestService_UnavailableReportsMissingCookies(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "needs-login", "# Needs Login\n\nDescribe it.\n", []string{"session_id", "csrf_token"})

	svc := NewService(dir)
	out := svc.Unavailable([]browser.Cookie{{Name: "session_id"}})
	if len(out) != 1 {
		t.Fatalf("expected 1 unavailable skill, got %d", len(out))
	}
	if out[0].Name != "Needs Login" {
		t.Errorf("expected unavailable skill named 'Needs Login', got %q", out[0].Name)
	}
	if len(out[0].MissingCookies) != 1 || out[0].MissingCookies[0] != "csrf_token" {
		t.Errorf("expected only csrf_token missing, got %+v", out[0].MissingCookies)
	}
}

func TestService_UnavailableEmptyWhenAllCookiesPresent(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "needs-login", "# Needs Login\n\nDescribe it.\n", []string{"session_id"})

	svc := NewService(dir)
	out := svc.Unavailable([]browser.Cookie{{Name: "session_id"}})
	if len(out) != 0 {
		t.Fatalf("expected no unavailable skills once cookies are present, got %+v", out)
	}
}

func TestService_InstallAndUninstall(t *testing.T) {
	sourceDir := t.TempDir()
	writeSkill(t, sourceDir, "source-skill", "# Source Skill\n\nDetails.\n", nil)

	skillsDir := t.TempDir()
	svc := NewService(filepath.Join(skillsDir, "skills"))

	sk, err := svc.Install(filepath.Join(sourceDir, "source-skill"), "source-skill")
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if sk.Name != "Source Skill" {
		t.Errorf("expected installed skill name 'Source Skill', got %q", sk.Name)
	}
	if len(svc.List()) != 1 {
		t.Fatalf("expected 1 skill after install, got %d", len(svc.List()))
	}

	if err := svc.Uninstall(sk.ID); err != nil {
		t.Fatalf("Uninstall failed: %v", err)
	}
	if len(svc.List()) != 0 {
		t.Fatalf("expected 0 skills after uninstall, got %d", len(svc.List()))
	}
}

func TestService_Watch_NoopWhenSkillDirEmpty(t *testing.T) {
	svc := NewService("")
	if err := svc.Watch(context.Background(), zap.NewNop()); err != nil {
		t.Fatalf("Watch on an empty skillDir should be a no-op, got error: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close on a never-started watcher should be a no-op, got error: %v", err)
	}
}

func TestService_Watch_DetectsNewSkillDirectory(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(dir)
	if len(svc.List()) != 0 {
		t.Fatalf("expected no skills before the directory is created, got %d", len(svc.List()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Watch(ctx, zap.NewNop()); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer svc.Close()

	writeSkill(t, dir, "late-arrival", "# Late Arrival\n\nShowed up after Watch started.\n", []string{"session_id"})

	waitFor(t, 2*time.Second, func() bool {
		for _, sk := range svc.List() {
			if sk.ID == "late-arrival" {
				return true
			}
		}
		return false
	})
}

func TestService_Watch_DropsRemovedSkillDirectory(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "going-away", "# Going Away\n\nWill be removed.\n", nil)
	svc := NewService(dir)
	if len(svc.List()) != 1 {
		t.Fatalf("expected 1 skill before removal, got %d", len(svc.List()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Watch(ctx, zap.NewNop()); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer svc.Close()

	if err := os.RemoveAll(filepath.Join(dir, "going-away")); err != nil {
		t.Fatalf("remove skill dir: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(svc.List()) == 0
	})
}

func TestService_Watch_ReScansOnWrite(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "editable", "# Editable\n\nOriginal description line.\n", nil)
	svc := NewService(dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Watch(ctx, zap.NewNop()); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer svc.Close()

	skillFile := filepath.Join(dir, "editable", "SKILL.md")
	if err := os.WriteFile(skillFile, []byte("# Editable Renamed\n\nUpdated description line.\n"), 0644); err != nil {
		t.Fatalf("rewrite SKILL.md: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, sk := range svc.List() {
			if sk.ID == "editable" && sk.Name == "Editable Renamed" {
				return true
			}
		}
		return false
	})
}
