package service

import "github.com/ngoclaw/browseragent/internal/domain/browser"

// SkillAvailability names an enabled skill and the cookies the current
// session is missing for it — the step executor surfaces these as a
// context nudge so the model knows a site-specific trick won't work yet.
type SkillAvailability struct {
	Name           string
	MissingCookies []string
}

// SkillService is the narrow surface the step executor consumes from
// infrastructure/skill, kept as an interface here so this package never
// imports the infrastructure layer. A nil SkillService is the same as
// spec.md's "skill service (if present)" being absent.
type SkillService interface {
	Unavailable(cookies []browser.Cookie) []SkillAvailability
}
