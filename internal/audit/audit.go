// Package audit writes the two append-only JSONL decision logs: a
// minimal operational log for quick monitoring and an enriched review
// log for post-hoc analysis. Audit failures are reported to the
// diagnostic log and never propagate, so logging can never change a
// decision.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yanmxa/toolgate/internal/config"
	"github.com/yanmxa/toolgate/internal/hookio"
	"github.com/yanmxa/toolgate/internal/log"
)

// Decision source values recorded in both logs.
const (
	SourceRule        = "rule"
	SourceLLM         = "llm"
	SourcePassthrough = "passthrough"
)

// Decision values recorded in both logs.
const (
	DecisionAllow       = "allow"
	DecisionDeny        = "deny"
	DecisionPassthrough = "passthrough"
)

// Risk levels for review flags, ordered low < medium < high.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// operationalEntry is one line of the operational log.
type operationalEntry struct {
	Timestamp      time.Time      `json:"timestamp"`
	SessionID      string         `json:"session_id"`
	ToolName       string         `json:"tool_name"`
	ToolInput      map[string]any `json:"tool_input"`
	Decision       string         `json:"decision"`
	DecisionSource string         `json:"decision_source"`
}

// reviewEntry is one line of the review log.
type reviewEntry struct {
	Timestamp      time.Time      `json:"timestamp"`
	SessionID      string         `json:"session_id"`
	ToolName       string         `json:"tool_name"`
	ToolInput      map[string]any `json:"tool_input"`
	Cwd            string         `json:"cwd"`
	Decision       string         `json:"decision"`
	DecisionSource string         `json:"decision_source"`
	Reasoning      string         `json:"reasoning"`
	RuleMetadata   *RuleMetadata  `json:"rule_metadata,omitempty"`
	LLMMetadata    *LLMMetadata   `json:"llm_metadata,omitempty"`
	ReviewFlags    ReviewFlags    `json:"review_flags"`
}

// RuleMetadata enriches a rule-sourced decision.
type RuleMetadata struct {
	RuleID          string `json:"rule_id"`
	SectionName     string `json:"section_name"`
	RuleType        string `json:"rule_type"` // "allow" or "deny"
	RuleIndex       int    `json:"rule_index"`
	RuleDescription string `json:"rule_description,omitempty"`
	ConfigFile      string `json:"config_file"`
	MatchedPattern  string `json:"matched_pattern"`
}

// LLMMetadata enriches a classifier-sourced decision.
type LLMMetadata struct {
	Assessment       string `json:"assessment"`
	Reasoning        string `json:"reasoning"`
	Confidence       string `json:"confidence,omitempty"`
	ProcessingTimeMs int64  `json:"processing_time_ms,omitempty"`
	Model            string `json:"model"`
}

// ReviewFlags marks entries a human should look at.
type ReviewFlags struct {
	NeedsReview bool     `json:"needs_review"`
	RiskLevel   string   `json:"risk_level"`
	Reasons     []string `json:"reasons"`
}

// Outcome is everything the engine knows about a decided request.
type Outcome struct {
	Decision  string
	Source    string
	Reasoning string
	Rule      *RuleMetadata
	LLM       *LLMMetadata
}

// Logger appends decision records to the configured log files. Files
// are opened per write; with O_APPEND a single write call keeps each
// JSONL line intact across concurrent hook processes.
type Logger struct {
	opPath     string
	reviewPath string
}

// NewLogger builds a Logger from the logging configuration.
func NewLogger(cfg config.LoggingConfig) *Logger {
	return &Logger{opPath: cfg.LogFile, reviewPath: cfg.ReviewLogFile}
}

// Record writes one operational line and one review line for a decided
// request. It is called exactly once per request, on every decision
// path including pass-through.
func (l *Logger) Record(in *hookio.Input, out Outcome) {
	now := time.Now().UTC()

	op := operationalEntry{
		Timestamp:      now,
		SessionID:      in.SessionID,
		ToolName:       in.ToolName,
		ToolInput:      in.ToolInput,
		Decision:       out.Decision,
		DecisionSource: out.Source,
	}
	if err := appendLine(l.opPath, op); err != nil {
		log.Logger().Warn("operational log write failed",
			zap.String("path", l.opPath), zap.Error(err))
	}

	review := reviewEntry{
		Timestamp:      now,
		SessionID:      in.SessionID,
		ToolName:       in.ToolName,
		ToolInput:      in.ToolInput,
		Cwd:            in.Cwd,
		Decision:       out.Decision,
		DecisionSource: out.Source,
		Reasoning:      out.Reasoning,
		RuleMetadata:   out.Rule,
		LLMMetadata:    out.LLM,
		ReviewFlags:    ComputeReviewFlags(in, out),
	}
	if err := appendLine(l.reviewPath, review); err != nil {
		log.Logger().Warn("review log write failed",
			zap.String("path", l.reviewPath), zap.Error(err))
	}
}

// appendLine marshals entry and appends it as a single JSONL line.
func appendLine(path string, entry any) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	// One write call per line so O_APPEND keeps lines whole under
	// concurrent writers.
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ComputeReviewFlags derives review flags from the decided request. It
// is a pure function: the same inputs always produce the same flags,
// and the risk level is the maximum across all triggered reasons.
func ComputeReviewFlags(in *hookio.Input, out Outcome) ReviewFlags {
	flags := ReviewFlags{RiskLevel: RiskLow, Reasons: []string{}}

	raise := func(level, reason string) {
		flags.NeedsReview = true
		flags.Reasons = append(flags.Reasons, reason)
		if riskRank(level) > riskRank(flags.RiskLevel) {
			flags.RiskLevel = level
		}
	}

	inputStr := strings.ToLower(renderToolInput(in.ToolInput))
	reasoning := strings.ToLower(out.Reasoning)

	if out.Decision == DecisionAllow && out.Source == SourceLLM {
		if in.ToolName == "Bash" {
			if strings.Contains(inputStr, "rm ") || strings.Contains(inputStr, "delete") {
				raise(RiskHigh, "LLM allowed Bash command with deletion")
			}
			if strings.Contains(inputStr, "curl") && strings.Contains(inputStr, "|") {
				raise(RiskHigh, "LLM allowed piped shell execution")
			}
			if strings.Contains(inputStr, "sudo") {
				raise(RiskHigh, "LLM allowed sudo command")
			}
		}

		if strings.Contains(reasoning, "uncertain") ||
			strings.Contains(reasoning, "unclear") ||
			strings.Contains(reasoning, "might") {
			raise(RiskMedium, "LLM reasoning indicates uncertainty")
		}
	}

	if out.Decision == DecisionDeny && out.Source == SourceLLM {
		if strings.Contains(inputStr, "cargo test") ||
			strings.Contains(inputStr, "npm install") ||
			strings.Contains(inputStr, "git status") {
			raise(RiskMedium, "LLM denied common safe development command")
		}
	}

	if out.Decision == DecisionPassthrough {
		raise(RiskMedium, "No rule or confident LLM decision - passed through to user")
	}

	return flags
}

func riskRank(level string) int {
	switch level {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// renderToolInput flattens the tool parameters to a single string for
// substring checks. Marshal order is deterministic (sorted keys).
func renderToolInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprint(input)
	}
	return string(data)
}
