package tool

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ActionInvocation is a single action the model asked the step executor to
// run, parsed out of AgentOutput.action. Args holds the argument object
// that ParseActionInvocations unwrapped from the single-key action entry.
type ActionInvocation struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Validate checks that an ActionInvocation has a name and that the name is
// a registered action; Args is not inspected. The "single-key" shape is
// checked earlier, by ParseActionInvocations. (spec.md's action model uses one-key-per-action objects, e.g.
// {"go_to_url": {"url": "..."}} rather than a flat {"action": "go_to_url", ...}
// — Name/Args here is the normalized in-memory form after unwrapping that.)
func (a ActionInvocation) Validate(reg Registry) error {
	if a.Name == "" {
		return fmt.Errorf("action invocation missing a name")
	}
	if _, ok := reg.Get(a.Name); !ok {
		return fmt.Errorf("unknown action %q", a.Name)
	}
	return nil
}

// ParseActionInvocations unwraps the single-key action-object convention:
// each entry in raw is a map with exactly one key (the action name) whose
// value is the argument object.
func ParseActionInvocations(raw []map[string]json.RawMessage) ([]ActionInvocation, error) {
	out := make([]ActionInvocation, 0, len(raw))
	for i, entry := range raw {
		if len(entry) != 1 {
			return nil, fmt.Errorf("action %d: expected exactly one key, got %d", i, len(entry))
		}
		for name, argsRaw := range entry {
			var args map[string]interface{}
			if len(argsRaw) > 0 {
				if err := json.Unmarshal(argsRaw, &args); err != nil {
					return nil, fmt.Errorf("action %d (%s): %w", i, name, err)
				}
			}
			out = append(out, ActionInvocation{Name: name, Args: args})
		}
	}
	return out, nil
}

// DomainFiltered is implemented by actions that should only be offered to
// the model on pages whose URL matches one of the returned glob patterns
// (empty/nil means "available everywhere"). Checked by Catalog.Available.
type DomainFiltered interface {
	Domains() []string
}

// Terminator is implemented by actions that end the current step's action
// sequence regardless of how many actions were requested (e.g. done,
// a page navigation, a new tab). Matches spec.md's "terminates_sequence"
// per-action flag.
type Terminator interface {
	TerminatesSequence() bool
}

// Aliased is implemented by actions that are reachable under more than one
// name (e.g. "go_to_url" / "navigate"). The registry's canonical name is
// what Aliases() never includes.
type Aliased interface {
	Aliases() []string
}

// Catalog wraps a Registry with the domain-filtering, alias-resolution and
// prompt-rendering behavior the action registry needs beyond a plain
// name->Tool lookup. It does not replace Registry — it is built on top of
// whatever InMemoryRegistry already holds.
type Catalog struct {
	reg     Registry
	aliases map[string]string // alias -> canonical name
}

// NewCatalog builds a Catalog over reg, indexing every action's aliases.
func NewCatalog(reg Registry) *Catalog {
	c := &Catalog{reg: reg, aliases: make(map[string]string)}
	for _, def := range reg.List() {
		t, ok := reg.Get(def.Name)
		if !ok {
			continue
		}
		if al, ok := t.(Aliased); ok {
			for _, a := range al.Aliases() {
				c.aliases[a] = def.Name
			}
		}
	}
	return c
}

// Resolve maps an action name (possibly an alias) to its canonical Tool.
func (c *Catalog) Resolve(name string) (Tool, bool) {
	if t, ok := c.reg.Get(name); ok {
		return t, true
	}
	if canon, ok := c.aliases[name]; ok {
		return c.reg.Get(canon)
	}
	return nil, false
}

// Available returns the definitions visible for the given page URL: every
// action with no DomainFiltered restriction, plus any whose Domains()
// glob-match url.
func (c *Catalog) Available(url string) []Definition {
	all := c.reg.List()
	out := make([]Definition, 0, len(all))
	for _, def := range all {
		t, ok := c.reg.Get(def.Name)
		if !ok {
			continue
		}
		df, isFiltered := t.(DomainFiltered)
		if !isFiltered || len(df.Domains()) == 0 {
			out = append(out, def)
			continue
		}
		for _, pattern := range df.Domains() {
			if matchDomain(pattern, url) {
				out = append(out, def)
				break
			}
		}
	}
	return out
}

// matchDomain implements the glob subset spec.md's domain filters need:
// "*" wildcards within a host/path glob, compared case-insensitively.
// Bare "*" (match anything) is rejected by ValidateDomainPattern — a
// catch-all domain filter defeats the purpose of filtering at all.
func matchDomain(pattern, url string) bool {
	pattern = strings.ToLower(pattern)
	url = strings.ToLower(url)
	re := "^" + regexp.QuoteMeta(pattern) + "$"
	re = strings.ReplaceAll(re, regexp.QuoteMeta("*"), ".*")
	matched, err := regexp.MatchString(re, url)
	if err != nil {
		return false
	}
	return matched
}

// ValidateDomainPattern rejects degenerate catch-all patterns
// ("*", "*.com", "http://*") that a careless action registration could
// otherwise use to defeat domain filtering.
func ValidateDomainPattern(pattern string) error {
	trimmed := strings.TrimSpace(pattern)
	degenerate := map[string]bool{
		"*": true, "**": true, "http://*": true, "https://*": true,
		"*.com": true, "*.*": true,
	}
	if degenerate[trimmed] {
		return fmt.Errorf("domain pattern %q is too broad to be a useful filter", pattern)
	}
	return nil
}

// RenderPromptDescription renders the action catalog available for url
// into the compact, deterministic listing fed to the model's system
// prompt (get_prompt_description in spec.md's vocabulary). Actions are
// sorted by name for a stable prompt across steps (stable prompts compress
// better and are easier to diff in logs).
func (c *Catalog) RenderPromptDescription(url string) string {
	defs := c.Available(url)
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	var b strings.Builder
	for _, d := range defs {
		b.WriteString("- ")
		b.WriteString(d.Name)
		if d.Description != "" {
			b.WriteString(": ")
			b.WriteString(d.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// sensitivePlaceholder matches <secret>NAME</secret> markers the model is
// instructed to emit instead of literal credential values.
var sensitivePlaceholder = regexp.MustCompile(`<secret>([A-Za-z0-9_\-.]+)</secret>`)

// SubstituteSensitiveData replaces <secret>NAME</secret> placeholders in
// action arguments with the real value from sensitiveData, so the model
// never sees (and therefore never leaks into its own output or logs) the
// actual credential — only the placeholder name. Unknown placeholder names
// are left untouched and reported so the caller can fail the action.
func SubstituteSensitiveData(value string, sensitiveData map[string]string) (result string, missing []string) {
	seen := map[string]bool{}
	result = sensitivePlaceholder.ReplaceAllStringFunc(value, func(m string) string {
		name := sensitivePlaceholder.FindStringSubmatch(m)[1]
		if real, ok := sensitiveData[name]; ok {
			return real
		}
		if !seen[name] {
			missing = append(missing, name)
			seen[name] = true
		}
		return m
	})
	return result, missing
}

// RedactSensitiveData is the inverse of SubstituteSensitiveData: given text
// that may contain real secret values (e.g. a tool result echoing back
// what was typed), replace each known value with its placeholder before
// the text is added to the LLM-visible message history. This keeps
// secrets out of the model's own context window and any persisted
// history/transcript.
func RedactSensitiveData(text string, sensitiveData map[string]string) string {
	for name, real := range sensitiveData {
		if real == "" {
			continue
		}
		text = strings.ReplaceAll(text, real, "<secret>"+name+"</secret>")
	}
	return text
}
