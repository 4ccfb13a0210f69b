// Package engine ties the pipeline together: deny rules, then allow
// rules, then the optional LLM fallback, then pass-through. Every
// request is audited exactly once, whichever path decided it.
package engine

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/yanmxa/toolgate/internal/audit"
	"github.com/yanmxa/toolgate/internal/classifier"
	"github.com/yanmxa/toolgate/internal/config"
	"github.com/yanmxa/toolgate/internal/hookio"
	"github.com/yanmxa/toolgate/internal/log"
	"github.com/yanmxa/toolgate/internal/matcher"
)

// Engine evaluates tool requests against the current compiled
// configuration. The configuration is held behind an atomic pointer:
// reload builds a whole new CompiledConfig and swaps it in, so an
// in-flight evaluation always sees one consistent version.
type Engine struct {
	cfg    atomic.Pointer[config.CompiledConfig]
	audit  *audit.Logger
	client classifier.Client
}

// New builds an engine around a compiled configuration. The classifier
// client is constructed eagerly when the fallback is enabled so a bad
// provider fails at startup, not mid-request.
func New(cfg *config.CompiledConfig) (*Engine, error) {
	e := &Engine{audit: audit.NewLogger(cfg.Logging)}
	e.cfg.Store(cfg)

	if cfg.LLMFallback.Enabled {
		client, err := classifier.New(&cfg.LLMFallback)
		if err != nil {
			return nil, err
		}
		e.client = client
	}
	return e, nil
}

// NewWithClient builds an engine with an explicit classifier client.
func NewWithClient(cfg *config.CompiledConfig, client classifier.Client) *Engine {
	e := &Engine{audit: audit.NewLogger(cfg.Logging), client: client}
	e.cfg.Store(cfg)
	return e
}

// Reload swaps in a new compiled configuration.
func (e *Engine) Reload(cfg *config.CompiledConfig) {
	e.cfg.Store(cfg)
}

// Decide evaluates one request and returns the decision document, or
// nil for pass-through. The decision is always audited before return;
// audit or classifier infrastructure failures never change it.
func (e *Engine) Decide(ctx context.Context, in *hookio.Input) *hookio.Output {
	cfg := e.cfg.Load()

	if d := matcher.Check(cfg.DenyRules, in); d != nil {
		e.audit.Record(in, ruleOutcome(audit.DecisionDeny, d, cfg.Source))
		return hookio.Deny(d.Reasoning)
	}

	if d := matcher.Check(cfg.AllowRules, in); d != nil {
		e.audit.Record(in, ruleOutcome(audit.DecisionAllow, d, cfg.Source))
		return hookio.Allow(d.Reasoning)
	}

	if cfg.LLMFallback.Enabled && e.client != nil {
		log.Logger().Info("no rule matched, consulting llm fallback",
			zap.String("tool", in.ToolName))
		return e.decideWithFallback(ctx, cfg, in)
	}

	e.audit.Record(in, audit.Outcome{
		Decision: audit.DecisionPassthrough,
		Source:   audit.SourcePassthrough,
	})
	return nil
}

// decideWithFallback runs the classifier and maps its terminal state
// through the configured action policy.
func (e *Engine) decideWithFallback(ctx context.Context, cfg *config.CompiledConfig, in *hookio.Input) *hookio.Output {
	result, failure := classifier.Assess(ctx, &cfg.LLMFallback, e.client, in)
	action := classifier.ResolveAction(cfg.LLMFallback.Actions, result, failure)

	meta := llmMetadata(result, failure, e.client.Model())
	reasoning := meta.Reasoning

	switch action {
	case config.ActionAllow:
		e.audit.Record(in, audit.Outcome{
			Decision:  audit.DecisionAllow,
			Source:    audit.SourceLLM,
			Reasoning: reasoning,
			LLM:       meta,
		})
		return hookio.Allow("LLM assessment: " + reasoning)

	case config.ActionDeny:
		e.audit.Record(in, audit.Outcome{
			Decision:  audit.DecisionDeny,
			Source:    audit.SourceLLM,
			Reasoning: reasoning,
			LLM:       meta,
		})
		return hookio.Deny("LLM assessment: " + reasoning)

	default:
		e.audit.Record(in, audit.Outcome{
			Decision:  audit.DecisionPassthrough,
			Source:    audit.SourceLLM,
			Reasoning: reasoning,
			LLM:       meta,
		})
		return nil
	}
}

func ruleOutcome(decision string, d *matcher.Decision, configFile string) audit.Outcome {
	return audit.Outcome{
		Decision:  decision,
		Source:    audit.SourceRule,
		Reasoning: d.Reasoning,
		Rule: &audit.RuleMetadata{
			RuleID:          d.RuleID,
			SectionName:     d.SectionName,
			RuleType:        string(d.Kind),
			RuleIndex:       d.RuleIndex,
			RuleDescription: d.Description,
			ConfigFile:      configFile,
			MatchedPattern:  d.MatchedPattern,
		},
	}
}

func llmMetadata(result *classifier.Result, failure *classifier.Failure, model string) *audit.LLMMetadata {
	if failure != nil {
		reason := "classifier " + string(failure.Kind)
		if failure.Err != nil {
			reason += ": " + failure.Err.Error()
		}
		return &audit.LLMMetadata{
			Assessment:       string(failure.Kind),
			Reasoning:        reason,
			ProcessingTimeMs: failure.Elapsed.Milliseconds(),
			Model:            model,
		}
	}
	return &audit.LLMMetadata{
		Assessment:       string(result.Label),
		Reasoning:        result.Reasoning,
		Confidence:       result.Confidence,
		ProcessingTimeMs: result.Elapsed.Milliseconds(),
		Model:            result.Model,
	}
}
