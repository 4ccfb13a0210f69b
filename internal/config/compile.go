package config

import (
	"fmt"
	"regexp"
	"sort"
)

// kebabCase validates section names: lowercase letters, digits, and
// hyphens, starting with a letter.
var kebabCase = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// RuleKind distinguishes allow rules from deny rules.
type RuleKind string

const (
	RuleAllow RuleKind = "allow"
	RuleDeny  RuleKind = "deny"
)

// Rule is a compiled, immutable rule. All regex fields are pre-compiled
// at load time; a Rule is never mutated after compilation.
type Rule struct {
	ID          string
	SectionName string
	Description string
	Kind        RuleKind

	// Tool selector: exactly one of Tool / ToolRegex is set.
	Tool             string
	ToolRegex        *regexp.Regexp
	ToolExcludeRegex *regexp.Regexp

	FilePathRegex        *regexp.Regexp
	FilePathExcludeRegex *regexp.Regexp

	CommandRegex        *regexp.Regexp
	CommandExcludeRegex *regexp.Regexp

	SubagentType             string
	SubagentTypeExcludeRegex *regexp.Regexp

	PromptRegex        *regexp.Regexp
	PromptExcludeRegex *regexp.Regexp
}

// CompiledConfig is the immutable output of Compile. DenyRules and
// AllowRules are flattened across all enabled sections, ordered by
// ascending section priority, then section name, then declaration
// order. Reloading configuration produces a brand-new CompiledConfig.
type CompiledConfig struct {
	Logging     LoggingConfig
	LLMFallback LLMFallbackConfig
	DenyRules   []Rule
	AllowRules  []Rule

	// Source identifies the root config file for audit provenance.
	Source string
}

// Compile validates the raw configuration and flattens its sections
// into the two ordered rule lists. Every validation failure is fatal;
// no partial result is ever returned.
func (c *Config) Compile() (*CompiledConfig, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	// Enabled sections in evaluation order: priority ascending, then
	// name ascending. Declaration order within a section is preserved
	// by the section's own rule slices.
	names := make([]string, 0, len(c.Sections))
	for name, section := range c.Sections {
		if section.Enabled {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := c.Sections[names[i]].Priority, c.Sections[names[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})

	compiled := &CompiledConfig{
		Logging:     c.Logging,
		LLMFallback: c.LLMFallback,
		Source:      c.Source,
	}

	for _, name := range names {
		for _, spec := range c.Sections[name].Deny {
			rule, err := compileRule(spec, name, RuleDeny)
			if err != nil {
				return nil, err
			}
			compiled.DenyRules = append(compiled.DenyRules, rule)
		}
	}
	for _, name := range names {
		for _, spec := range c.Sections[name].Allow {
			rule, err := compileRule(spec, name, RuleAllow)
			if err != nil {
				return nil, err
			}
			compiled.AllowRules = append(compiled.AllowRules, rule)
		}
	}

	return compiled, nil
}

// validate runs the load-time checks in a fixed order: reserved names,
// section naming, then global rule-ID uniqueness. Per-rule selector and
// regex checks happen during rule compilation.
func (c *Config) validate() error {
	for _, reserved := range reservedNames {
		if _, ok := c.Sections[reserved]; ok {
			return fmt.Errorf("invalid section name %q - this is a reserved name (reserved: logging, llm_fallback, includes)", reserved)
		}
	}

	// Deterministic iteration so the first reported error is stable.
	names := make([]string, 0, len(c.Sections))
	for name := range c.Sections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !kebabCase.MatchString(name) {
			return fmt.Errorf("invalid section name %q - section names must be kebab-case (lowercase letters, digits, hyphens, starting with a letter)", name)
		}
	}

	seen := make(map[string]string) // rule id -> "section/kind"
	for _, name := range names {
		section := c.Sections[name]
		for _, spec := range section.Deny {
			if prev, dup := seen[spec.ID]; dup {
				return fmt.Errorf("duplicate rule ID %q in section %q (deny) - already defined in %s; rule IDs must be unique across all sections", spec.ID, name, prev)
			}
			seen[spec.ID] = fmt.Sprintf("section %q (deny)", name)
		}
		for _, spec := range section.Allow {
			if prev, dup := seen[spec.ID]; dup {
				return fmt.Errorf("duplicate rule ID %q in section %q (allow) - already defined in %s; rule IDs must be unique across all sections", spec.ID, name, prev)
			}
			seen[spec.ID] = fmt.Sprintf("section %q (allow)", name)
		}
	}

	if err := c.LLMFallback.Validate(); err != nil {
		return err
	}

	return nil
}

// compileRule turns one RuleSpec into a compiled Rule, enforcing the
// per-rule invariants: an ID, exactly one tool selector, exactly one
// primary field pattern, and compilable regexes throughout.
func compileRule(spec RuleSpec, sectionName string, kind RuleKind) (Rule, error) {
	if spec.ID == "" {
		return Rule{}, fmt.Errorf("rule in section %q is missing required 'id'", sectionName)
	}

	switch {
	case spec.Tool != "" && spec.ToolRegex != "":
		return Rule{}, fmt.Errorf("rule %q in section %q cannot have both 'tool' and 'tool_regex'", spec.ID, sectionName)
	case spec.Tool == "" && spec.ToolRegex == "":
		return Rule{}, fmt.Errorf("rule %q in section %q must have either 'tool' or 'tool_regex'", spec.ID, sectionName)
	}

	primaries := 0
	for _, set := range []bool{
		spec.FilePathRegex != "",
		spec.CommandRegex != "",
		spec.SubagentType != "",
		spec.PromptRegex != "",
	} {
		if set {
			primaries++
		}
	}
	if primaries != 1 {
		return Rule{}, fmt.Errorf("rule %q in section %q must have exactly one of 'file_path_regex', 'command_regex', 'subagent_type', or 'prompt_regex' (found %d)", spec.ID, sectionName, primaries)
	}

	rule := Rule{
		ID:           spec.ID,
		SectionName:  sectionName,
		Description:  spec.Description,
		Kind:         kind,
		Tool:         spec.Tool,
		SubagentType: spec.SubagentType,
	}

	var err error
	patterns := []struct {
		name string
		src  string
		dst  **regexp.Regexp
	}{
		{"tool_regex", spec.ToolRegex, &rule.ToolRegex},
		{"tool_exclude_regex", spec.ToolExcludeRegex, &rule.ToolExcludeRegex},
		{"file_path_regex", spec.FilePathRegex, &rule.FilePathRegex},
		{"file_path_exclude_regex", spec.FilePathExcludeRegex, &rule.FilePathExcludeRegex},
		{"command_regex", spec.CommandRegex, &rule.CommandRegex},
		{"command_exclude_regex", spec.CommandExcludeRegex, &rule.CommandExcludeRegex},
		{"subagent_type_exclude_regex", spec.SubagentTypeExcludeRegex, &rule.SubagentTypeExcludeRegex},
		{"prompt_regex", spec.PromptRegex, &rule.PromptRegex},
		{"prompt_exclude_regex", spec.PromptExcludeRegex, &rule.PromptExcludeRegex},
	}
	for _, p := range patterns {
		if p.src == "" {
			continue
		}
		*p.dst, err = regexp.Compile(p.src)
		if err != nil {
			return Rule{}, fmt.Errorf("invalid %s in rule %q (section %q): %w", p.name, spec.ID, sectionName, err)
		}
	}

	return rule, nil
}
