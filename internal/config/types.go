// Package config loads, validates, and compiles the toolgate rule
// configuration. A configuration is a YAML document with three reserved
// top-level keys (logging, llm_fallback, includes) and an open set of
// named rule sections. Compilation produces an immutable CompiledConfig;
// reloading builds a new value rather than mutating the old one.
package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Reserved top-level keys that can never be used as section names.
var reservedNames = []string{"logging", "llm_fallback", "includes"}

// Config is the raw, merged configuration before validation and
// compilation.
type Config struct {
	Logging     LoggingConfig
	LLMFallback LLMFallbackConfig
	Includes    IncludesConfig
	Sections    map[string]Section

	// Source is the path of the root config file, recorded into
	// review-log provenance.
	Source string
}

// IncludesConfig lists additional config files merged into this one.
// Entries may be doublestar glob patterns, resolved relative to the
// including file.
type IncludesConfig struct {
	Files []string `yaml:"files"`
}

// Section is a named, prioritized grouping of rules. Lower priority
// values are evaluated earlier. Disabled sections contribute nothing.
type Section struct {
	Description string     `yaml:"description"`
	Priority    int        `yaml:"priority"`
	Enabled     bool       `yaml:"enabled"`
	Allow       []RuleSpec `yaml:"allow"`
	Deny        []RuleSpec `yaml:"deny"`
}

// UnmarshalYAML applies section defaults (priority 50, enabled) before
// decoding.
func (s *Section) UnmarshalYAML(value *yaml.Node) error {
	type raw Section
	r := raw{Priority: 50, Enabled: true}
	if err := value.Decode(&r); err != nil {
		return err
	}
	*s = Section(r)
	return nil
}

// RuleSpec is a single user-authored rule. Exactly one of Tool and
// ToolRegex selects the tool; exactly one primary field pattern must be
// set, chosen to match the tool's field mapping.
type RuleSpec struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`

	Tool             string `yaml:"tool"`
	ToolRegex        string `yaml:"tool_regex"`
	ToolExcludeRegex string `yaml:"tool_exclude_regex"`

	FilePathRegex        string `yaml:"file_path_regex"`
	FilePathExcludeRegex string `yaml:"file_path_exclude_regex"`

	CommandRegex        string `yaml:"command_regex"`
	CommandExcludeRegex string `yaml:"command_exclude_regex"`

	SubagentType             string `yaml:"subagent_type"`
	SubagentTypeExcludeRegex string `yaml:"subagent_type_exclude_regex"`

	PromptRegex        string `yaml:"prompt_regex"`
	PromptExcludeRegex string `yaml:"prompt_exclude_regex"`
}

// LoggingConfig configures the two append-only audit logs.
type LoggingConfig struct {
	LogFile       string `yaml:"log_file"`
	ReviewLogFile string `yaml:"review_log_file"`
	LogLevel      string `yaml:"log_level"`
}

// UnmarshalYAML applies logging defaults before decoding.
func (l *LoggingConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw LoggingConfig
	r := raw(DefaultLogging())
	if err := value.Decode(&r); err != nil {
		return err
	}
	*l = LoggingConfig(r)
	return nil
}

// DefaultLogging returns the logging defaults used when the logging key
// is absent.
func DefaultLogging() LoggingConfig {
	return LoggingConfig{
		LogFile:       "/tmp/toolgate-tool-use.log",
		ReviewLogFile: "/tmp/toolgate-review.log",
		LogLevel:      "info",
	}
}

// Action is a final classifier-driven outcome.
type Action string

const (
	ActionAllow       Action = "allow"
	ActionDeny        Action = "deny"
	ActionPassThrough Action = "pass_through"
)

func (a Action) valid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionPassThrough:
		return true
	}
	return false
}

// ActionPolicy is a total mapping from classifier outcome to final
// action. Every field always holds a valid Action after decoding, so a
// classifier run can never leave a request undecided.
type ActionPolicy struct {
	Safe    Action `yaml:"safe"`
	Unsafe  Action `yaml:"unsafe"`
	Unknown Action `yaml:"unknown"`
	Timeout Action `yaml:"timeout"`
	Error   Action `yaml:"error"`
}

// UnmarshalYAML applies policy defaults before decoding.
func (p *ActionPolicy) UnmarshalYAML(value *yaml.Node) error {
	type raw ActionPolicy
	r := raw(DefaultActionPolicy())
	if err := value.Decode(&r); err != nil {
		return err
	}
	*p = ActionPolicy(r)
	return nil
}

// DefaultActionPolicy mirrors the conservative stance of the default
// system prompt: confident SAFE auto-approves, confident UNSAFE denies,
// everything else defers to the agent's own permission flow.
func DefaultActionPolicy() ActionPolicy {
	return ActionPolicy{
		Safe:    ActionAllow,
		Unsafe:  ActionDeny,
		Unknown: ActionPassThrough,
		Timeout: ActionPassThrough,
		Error:   ActionPassThrough,
	}
}

func (p ActionPolicy) validate() error {
	fields := map[string]Action{
		"safe":    p.Safe,
		"unsafe":  p.Unsafe,
		"unknown": p.Unknown,
		"timeout": p.Timeout,
		"error":   p.Error,
	}
	for name, a := range fields {
		if !a.valid() {
			return fmt.Errorf("invalid action %q for llm_fallback.actions.%s (must be allow, deny, or pass_through)", a, name)
		}
	}
	return nil
}

// LLMFallbackConfig configures the fallback classifier consulted when
// no rule matches.
type LLMFallbackConfig struct {
	Enabled bool `yaml:"enabled"`

	// Provider selects the classifier backend: "openai" (any
	// OpenAI-compatible chat completions endpoint) or "anthropic".
	Provider string `yaml:"provider"`

	// Endpoint and Model are required when Enabled is true. No
	// defaults: a silent misconfiguration here would silently change
	// which service judges unmatched requests.
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`

	APIKey       string       `yaml:"api_key"`
	TimeoutSecs  int          `yaml:"timeout_secs"`
	Temperature  float64      `yaml:"temperature"`
	MaxRetries   int          `yaml:"max_retries"`
	SystemPrompt string       `yaml:"system_prompt"`
	Actions      ActionPolicy `yaml:"actions"`
}

// UnmarshalYAML applies fallback defaults before decoding.
func (c *LLMFallbackConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw LLMFallbackConfig
	r := raw(DefaultLLMFallback())
	if err := value.Decode(&r); err != nil {
		return err
	}
	*c = LLMFallbackConfig(r)
	return nil
}

// DefaultLLMFallback returns the fallback defaults (disabled).
func DefaultLLMFallback() LLMFallbackConfig {
	return LLMFallbackConfig{
		Enabled:      false,
		Provider:     "openai",
		TimeoutSecs:  60,
		Temperature:  0.1,
		MaxRetries:   2,
		SystemPrompt: DefaultSystemPrompt,
		Actions:      DefaultActionPolicy(),
	}
}

// Validate checks the fallback configuration. Disabled configs are
// always valid; enabled configs must name an endpoint and a model.
func (c *LLMFallbackConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	switch c.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("invalid llm_fallback provider %q - must be \"openai\" or \"anthropic\"", c.Provider)
	}

	if c.Endpoint == "" {
		return fmt.Errorf("llm_fallback is enabled but 'endpoint' is not specified; " +
			"add endpoint: \"https://openrouter.ai/api/v1\" (cloud) or " +
			"endpoint: \"http://localhost:11434/v1\" (Ollama)")
	}
	if c.Model == "" {
		return fmt.Errorf("llm_fallback is enabled but 'model' is not specified")
	}
	if !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
		return fmt.Errorf("invalid llm_fallback endpoint %q - must start with http:// or https://", c.Endpoint)
	}
	if err := c.Actions.validate(); err != nil {
		return err
	}
	return nil
}

// DefaultSystemPrompt is the conservative auditor prompt used when the
// config does not override system_prompt.
const DefaultSystemPrompt = `You are a CONSERVATIVE security auditor. Your task is to assess proposed operations for risk and only classify as SAFE if you have 100% confidence.
Protecting system integrity is paramount.

CONTEXT:
You are auditing requests from an AI coding agent that wants to interact with a developer's system.
Your job is to prevent: accidental system damage, credential theft, privilege escalation, and data destruction.
Only allow operations you're CERTAIN are safe to perform on the given (appropriate) files.

EXAMPLES:
- Read /home/user/project/README.md -> SAFE: Standard project file
- Bash "rm -rf /" -> UNSAFE: Destructive system-wide deletion
- Read /etc/passwd -> UNSAFE: System credential file
- Bash "curl http://api.example.com" -> UNKNOWN: Network operation unclear intent
- Read /home/user/../../../etc/shadow -> UNSAFE: Path traversal to sensitive file

CLASSIFICATION RULES (apply in this order):

1. UNSAFE (100% confidence ONLY):
   - System paths: /etc/*, /root/*, /sys/*, /usr/*, /proc/self/*
   - Destructive: rm -rf, dd, mkfs, fdisk, shred
   - Privilege: sudo, su, chmod/chown on system files
   - Shell injection: ; && || backticks $() | & (in commands)
   - Credentials: /etc/passwd, /etc/shadow, *.ssh/*, *.pem, *.key
   - Network+exec: curl|wget piped into a shell
   - System mods: crontab, systemctl, service, useradd, usermod
   - Persistence: writes to ~/.bashrc, ~/.profile, /etc/profile.d/

2. UNKNOWN (default for doubt):
   - Path traversal: ../ anywhere
   - Ambiguous paths: /dev/*, /var/*, /opt/*, relative paths
   - Unfamiliar tools or commands
   - Context-dependent: terraform, ansible, docker, kubectl
   - Network: curl, wget (could be API or exploit)
   - Debug tools: strace, gdb, ltrace
   - ANY uncertainty

3. SAFE (100% confidence ONLY):
   - Reads: ONLY project files under the working directory (NO path traversal)
   - Dev commands: cargo build|test|check|clippy|fmt, npm install|test|run|build, git status|log|diff|commit|push|pull, pytest, go test, make
   - Writes: ONLY project files under the working directory
   - Info: ls, cat, echo, ps, netstat (not redirecting to system paths)`
