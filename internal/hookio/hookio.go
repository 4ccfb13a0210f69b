// Package hookio defines the JSON documents exchanged with the calling
// agent: the PreToolUse request read from stdin and the permission
// decision written to stdout. Emitting no output at all is a valid
// outcome and signals the agent to run its own permission flow.
package hookio

import (
	"encoding/json"
	"fmt"
	"io"
)

// Input is the tool-invocation request delivered by the agent.
// ToolInput is an open map whose keys depend on ToolName
// (e.g. "command" for Bash, "file_path" for file tools).
type Input struct {
	SessionID      string         `json:"session_id"`
	TranscriptPath string         `json:"transcript_path"`
	Cwd            string         `json:"cwd"`
	HookEventName  string         `json:"hook_event_name"`
	ToolName       string         `json:"tool_name"`
	ToolInput      map[string]any `json:"tool_input"`
	ToolUseID      string         `json:"tool_use_id,omitempty"`
}

// Output is the decision document. SuppressOutput keeps the decision
// reason out of the agent transcript.
type Output struct {
	HookSpecificOutput SpecificOutput `json:"hookSpecificOutput"`
	SuppressOutput     bool           `json:"suppressOutput"`
}

// SpecificOutput carries the permission decision itself.
// PermissionDecision is exactly "allow" or "deny".
type SpecificOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason"`
}

// ReadInput parses a request document from r.
func ReadInput(r io.Reader) (*Input, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read hook input: %w", err)
	}

	var input Input
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to parse hook input: %w", err)
	}
	return &input, nil
}

// Field extracts a string value from ToolInput. Missing or non-string
// values return ok=false; absence is a normal outcome, never an error.
func (in *Input) Field(name string) (string, bool) {
	v, ok := in.ToolInput[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Allow builds an allow decision with the given reason.
func Allow(reason string) *Output {
	return decision("allow", reason)
}

// Deny builds a deny decision with the given reason.
func Deny(reason string) *Output {
	return decision("deny", reason)
}

func decision(kind, reason string) *Output {
	return &Output{
		HookSpecificOutput: SpecificOutput{
			HookEventName:            "PreToolUse",
			PermissionDecision:       kind,
			PermissionDecisionReason: reason,
		},
		SuppressOutput: true,
	}
}

// Write serializes the decision to w as a single JSON object.
func (o *Output) Write(w io.Writer) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to serialize decision: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write decision: %w", err)
	}
	return nil
}
