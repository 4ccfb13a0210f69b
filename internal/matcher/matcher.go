// Package matcher evaluates a tool request against a compiled rule
// list. It is a pure function of (rules, input): no state survives
// between calls, and "no match" is a normal outcome, never an error.
package matcher

import (
	"fmt"
	"regexp"

	"github.com/yanmxa/toolgate/internal/config"
	"github.com/yanmxa/toolgate/internal/hookio"
	"github.com/yanmxa/toolgate/internal/log"
	"go.uber.org/zap"
)

// Decision describes a successful rule match.
type Decision struct {
	Kind           config.RuleKind
	RuleID         string
	SectionName    string
	Description    string
	MatchedPattern string // which pattern fired, e.g. "command_regex"
	RuleIndex      int    // position in the flattened list
	Reasoning      string
}

// Check walks rules in their fixed order and returns the first match,
// or nil. The list order already encodes section priority, so
// first-match-wins is the whole precedence story.
func Check(rules []config.Rule, in *hookio.Input) *Decision {
	for idx, rule := range rules {
		if !toolMatches(&rule, in.ToolName) {
			continue
		}

		reasoning, pattern, ok := checkFields(&rule, in)
		if !ok {
			continue
		}

		log.Logger().Debug("rule matched",
			zap.String("rule_id", rule.ID),
			zap.String("section", rule.SectionName),
			zap.String("pattern", pattern))

		return &Decision{
			Kind:           rule.Kind,
			RuleID:         rule.ID,
			SectionName:    rule.SectionName,
			Description:    rule.Description,
			MatchedPattern: pattern,
			RuleIndex:      idx,
			Reasoning:      reasoning,
		}
	}
	return nil
}

// toolMatches applies the rule's tool selector: exact name, or regex
// with an optional exclude regex.
func toolMatches(rule *config.Rule, toolName string) bool {
	if rule.Tool != "" {
		return rule.Tool == toolName
	}
	if rule.ToolRegex == nil || !rule.ToolRegex.MatchString(toolName) {
		return false
	}
	if rule.ToolExcludeRegex != nil && rule.ToolExcludeRegex.MatchString(toolName) {
		return false
	}
	return true
}

// checkFields applies the tool-specific field mapping. The mapping is
// fixed: file tools match file_path, Bash matches command, Task matches
// subagent_type or prompt. Tools outside the mapping never match.
func checkFields(rule *config.Rule, in *hookio.Input) (reasoning, pattern string, ok bool) {
	switch in.ToolName {
	case "Read", "Write", "Edit", "Glob":
		if path, present := in.Field("file_path"); present &&
			matchWithExclude(path, rule.FilePathRegex, rule.FilePathExcludeRegex) {
			return fmt.Sprintf("%s, file_path: %s", in.ToolName, path), "file_path_regex", true
		}

	case "Bash":
		if cmd, present := in.Field("command"); present &&
			matchWithExclude(cmd, rule.CommandRegex, rule.CommandExcludeRegex) {
			return fmt.Sprintf("Bash, command: %s", cmd), "command_regex", true
		}

	case "Task":
		if st, present := in.Field("subagent_type"); present &&
			matchSubagent(rule, st) {
			return fmt.Sprintf("Task, subagent: %s", st), "subagent_type", true
		}
		if prompt, present := in.Field("prompt"); present &&
			matchWithExclude(prompt, rule.PromptRegex, rule.PromptExcludeRegex) {
			return "Task, prompt pattern matched", "prompt_regex", true
		}
	}

	return "", "", false
}

// matchWithExclude tests the primary regex and then the exclude regex.
// A matching exclude disqualifies the rule even when the primary fired.
func matchWithExclude(value string, primary, exclude *regexp.Regexp) bool {
	if primary == nil || !primary.MatchString(value) {
		return false
	}
	if exclude != nil && exclude.MatchString(value) {
		return false
	}
	return true
}

// matchSubagent compares the exact subagent_type selector, then the
// exclude regex.
func matchSubagent(rule *config.Rule, subagentType string) bool {
	if rule.SubagentType == "" || rule.SubagentType != subagentType {
		return false
	}
	if rule.SubagentTypeExcludeRegex != nil && rule.SubagentTypeExcludeRegex.MatchString(subagentType) {
		return false
	}
	return true
}
