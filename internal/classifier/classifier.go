// Package classifier implements the LLM fallback consulted when no
// rule matches a request. The external model is unreliable by
// assumption: every call runs under a per-attempt wall-clock timeout,
// malformed answers are repaired or retried, and every terminal state
// maps through the configured action policy so a request can never be
// left undecided.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yanmxa/toolgate/internal/config"
	"github.com/yanmxa/toolgate/internal/hookio"
	"github.com/yanmxa/toolgate/internal/log"
)

// Label is the closed classification taxonomy. SAFE/UNSAFE/UNKNOWN is
// primary; the ALLOW/QUERY/DENY scheme used by earlier deployments is
// accepted as a compatibility alias at parse time.
type Label string

const (
	LabelSafe    Label = "SAFE"
	LabelUnsafe  Label = "UNSAFE"
	LabelUnknown Label = "UNKNOWN"
)

// Result is a parsed, labeled classification.
type Result struct {
	Label      Label
	Reasoning  string
	Model      string
	Elapsed    time.Duration
	Confidence string // reserved; models do not report this yet
}

// FailureKind separates timeouts from every other failure so the
// distinction survives into the audit record.
type FailureKind string

const (
	FailTimeout FailureKind = "timeout"
	FailError   FailureKind = "error"
)

// Failure is a terminal classifier failure after all retries.
type Failure struct {
	Kind    FailureKind
	Err     error
	Elapsed time.Duration
}

// Client is the substitutable model transport: given the two prompt
// halves, produce the raw completion text within ctx's deadline.
type Client interface {
	Classify(ctx context.Context, system, user string) (string, error)
	Model() string
}

// New builds the backend selected by the config. Provider validity is
// checked at compile time, so an unknown value here is a programming
// error.
func New(cfg *config.LLMFallbackConfig) (Client, error) {
	switch cfg.Provider {
	case "", "openai":
		return newOpenAIClient(cfg), nil
	case "anthropic":
		return newAnthropicClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown classifier provider %q", cfg.Provider)
	}
}

// Assess runs the classification state machine: call, parse, retry.
// Exactly one of the return values is non-nil. Each attempt gets its
// own timeout; a timeout or transport error ends the run immediately,
// while an unparseable answer consumes a retry. At most
// cfg.MaxRetries+1 calls are made.
func Assess(ctx context.Context, cfg *config.LLMFallbackConfig, client Client, in *hookio.Input) (*Result, *Failure) {
	start := time.Now()
	prompt := buildPrompt(in)
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Logger().Info("classifier retry",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", cfg.MaxRetries))
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		content, err := client.Classify(attemptCtx, cfg.SystemPrompt, prompt)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				log.Logger().Warn("classifier timed out",
					zap.Int("timeout_secs", cfg.TimeoutSecs))
				return nil, &Failure{Kind: FailTimeout, Err: err, Elapsed: time.Since(start)}
			}
			return nil, &Failure{Kind: FailError, Err: err, Elapsed: time.Since(start)}
		}

		label, reasoning, err := parseResponse(content)
		if err != nil {
			lastErr = err
			log.Logger().Warn("classifier response unparseable",
				zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}

		return &Result{
			Label:     label,
			Reasoning: reasoning,
			Model:     client.Model(),
			Elapsed:   time.Since(start),
		}, nil
	}

	return nil, &Failure{
		Kind:    FailError,
		Err:     fmt.Errorf("unparseable response after %d attempts: %w", cfg.MaxRetries+1, lastErr),
		Elapsed: time.Since(start),
	}
}

// ResolveAction maps a terminal classifier state to the final action.
// The policy is total over {SAFE, UNSAFE, UNKNOWN, timeout, error}.
func ResolveAction(policy config.ActionPolicy, result *Result, failure *Failure) config.Action {
	if failure != nil {
		if failure.Kind == FailTimeout {
			return policy.Timeout
		}
		return policy.Error
	}
	switch result.Label {
	case LabelSafe:
		return policy.Safe
	case LabelUnsafe:
		return policy.Unsafe
	default:
		return policy.Unknown
	}
}

// buildPrompt renders the user half of the prompt: tool identity,
// pretty-printed parameters, the label taxonomy, and a strict
// JSON-only instruction.
func buildPrompt(in *hookio.Input) string {
	params, err := json.MarshalIndent(in.ToolInput, "", "  ")
	if err != nil {
		params = []byte("{}")
	}

	return fmt.Sprintf(`Classify this operation as SAFE, UNSAFE, or UNKNOWN.

SAFE = Clearly safe development operation, auto-approve
UNSAFE = Clearly dangerous (destructive, credential access, privilege escalation)
UNKNOWN = Anything else (ambiguous, unfamiliar, uncertain) - user will review

Tool: %s
Parameters:
%s

CRITICAL: Only use SAFE or UNSAFE if you are 100%% confident.
CRITICAL: When in doubt, always use UNKNOWN.

Respond in this exact JSON format:
{
  "classification": "SAFE|UNSAFE|UNKNOWN",
  "reasoning": "brief explanation"
}

Respond ONLY with valid JSON.`, in.ToolName, params)
}

// rawResponse is the expected shape of the model's JSON answer.
type rawResponse struct {
	Classification string `json:"classification"`
	Reasoning      string `json:"reasoning"`
}

// parseResponse extracts and validates the model's JSON answer. Models
// wrap answers in prose or code fences, so the first balanced JSON
// object span is extracted before parsing; a failed parse gets one
// mechanical repair pass before counting as unparseable.
func parseResponse(content string) (Label, string, error) {
	jsonStr, ok := extractJSON(content)
	if !ok {
		return "", "", errors.New("no JSON object found in response")
	}

	var resp rawResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		repaired := repairJSON(jsonStr)
		if err2 := json.Unmarshal([]byte(repaired), &resp); err2 != nil {
			return "", "", fmt.Errorf("failed to parse JSON even after repair: %w", err)
		}
	}

	label, err := normalizeLabel(resp.Classification)
	if err != nil {
		return "", "", err
	}
	return label, resp.Reasoning, nil
}

// extractJSON returns the first balanced {...} span in s, honoring
// string literals and escapes.
func extractJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// repairJSON applies mechanical fixes for common model mistakes,
// currently trailing commas before a closing brace or bracket.
func repairJSON(s string) string {
	s = strings.ReplaceAll(s, ",}", "}")
	s = strings.ReplaceAll(s, ",]", "]")
	return strings.TrimSpace(s)
}

// normalizeLabel maps the model's classification onto the closed
// taxonomy, accepting the legacy ALLOW/QUERY/DENY aliases.
func normalizeLabel(s string) (Label, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SAFE", "ALLOW":
		return LabelSafe, nil
	case "UNSAFE", "DENY":
		return LabelUnsafe, nil
	case "UNKNOWN", "QUERY":
		return LabelUnknown, nil
	default:
		return "", fmt.Errorf("invalid classification %q - must be SAFE, UNSAFE, or UNKNOWN", s)
	}
}
