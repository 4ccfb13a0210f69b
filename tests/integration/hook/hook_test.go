package hook_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/yanmxa/toolgate/internal/classifier"
	"github.com/yanmxa/toolgate/internal/config"
	"github.com/yanmxa/toolgate/internal/engine"
	"github.com/yanmxa/toolgate/internal/hookio"
)

// writeConfig writes a full config file into dir and returns its path.
func writeConfig(t *testing.T, dir string, fallbackEnabled bool) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")

	content := fmt.Sprintf(`logging:
  log_file: %q
  review_log_file: %q

llm_fallback:
  enabled: %v
  endpoint: "http://localhost:11434/v1"
  model: "test-model"
  max_retries: 1
  actions:
    unknown: pass_through
    error: pass_through

destructive-commands:
  description: "Block destructive shell commands"
  priority: 5
  deny:
    - id: deny-rm-rf
      tool: Bash
      command_regex: "^rm -rf"

dev-workflow:
  priority: 50
  allow:
    - id: allow-cargo
      tool: Bash
      command_regex: "^cargo (build|test|check)"
      command_exclude_regex: "&|;|\\||` + "`" + `|\\$\\("
    - id: allow-project-reads
      tool_regex: "^(Read|Glob)$"
      file_path_regex: "^/home/user/project/"
`,
		filepath.Join(dir, "tool-use.log"),
		filepath.Join(dir, "review.log"),
		fallbackEnabled)

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func buildEngine(t *testing.T, dir string, client classifier.Client) *engine.Engine {
	t.Helper()
	cfg, err := config.Load(writeConfig(t, dir, client != nil))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	compiled, err := cfg.Compile()
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if client != nil {
		return engine.NewWithClient(compiled, client)
	}
	e, err := engine.New(compiled)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return e
}

func request(tool string, input map[string]any) *hookio.Input {
	return &hookio.Input{
		SessionID:     "integration",
		Cwd:           "/home/user/project",
		HookEventName: "PreToolUse",
		ToolName:      tool,
		ToolInput:     input,
	}
}

func readJSONL(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("invalid JSONL: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func TestHookEndToEnd(t *testing.T) {
	dir := t.TempDir()
	e := buildEngine(t, dir, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		in   *hookio.Input
		want string // "allow", "deny", or "" for pass-through
	}{
		{"deny rule fires first", request("Bash", map[string]any{"command": "rm -rf /tmp/x"}), "deny"},
		{"allow cargo", request("Bash", map[string]any{"command": "cargo test"}), "allow"},
		{"exclude disqualifies chained command", request("Bash", map[string]any{"command": "cargo build && rm -rf /"}), ""},
		{"allow project read", request("Read", map[string]any{"file_path": "/home/user/project/main.go"}), "allow"},
		{"deny wins over catch-all order", request("Bash", map[string]any{"command": "rm -rf /home"}), "deny"},
		{"unmatched tool passes through", request("WebFetch", map[string]any{"url": "https://example.com"}), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := e.Decide(ctx, tt.in)
			if tt.want == "" {
				if out != nil {
					t.Fatalf("Decide() = %+v, want pass-through", out)
				}
				return
			}
			if out == nil {
				t.Fatalf("Decide() = nil, want %s", tt.want)
			}
			if got := out.HookSpecificOutput.PermissionDecision; got != tt.want {
				t.Errorf("decision = %q, want %q", got, tt.want)
			}
			if out.HookSpecificOutput.HookEventName != "PreToolUse" {
				t.Errorf("hookEventName = %q", out.HookSpecificOutput.HookEventName)
			}
			if !out.SuppressOutput {
				t.Error("SuppressOutput should be set")
			}
		})
	}

	opLines := readJSONL(t, filepath.Join(dir, "tool-use.log"))
	if len(opLines) != len(tests) {
		t.Errorf("operational lines = %d, want %d", len(opLines), len(tests))
	}
	reviewLines := readJSONL(t, filepath.Join(dir, "review.log"))
	if len(reviewLines) != len(tests) {
		t.Errorf("review lines = %d, want %d", len(reviewLines), len(tests))
	}
}

func TestHookFallbackEndToEnd(t *testing.T) {
	dir := t.TempDir()
	fake := &classifier.Fake{
		Responses: []string{`{"classification": "UNSAFE", "reasoning": "writes to system path"}`},
	}
	e := buildEngine(t, dir, fake)

	out := e.Decide(context.Background(),
		request("Write", map[string]any{"file_path": "/etc/cron.d/job", "content": "x"}))
	if out == nil || out.HookSpecificOutput.PermissionDecision != "deny" {
		t.Fatalf("Decide() = %+v, want deny from fallback", out)
	}

	review := readJSONL(t, filepath.Join(dir, "review.log"))
	if len(review) != 1 {
		t.Fatalf("review lines = %d", len(review))
	}
	if review[0]["decision_source"] != "llm" {
		t.Errorf("decision_source = %v", review[0]["decision_source"])
	}
	lm, ok := review[0]["llm_metadata"].(map[string]any)
	if !ok || lm["assessment"] != "UNSAFE" {
		t.Errorf("llm_metadata = %v", review[0]["llm_metadata"])
	}
}

// Decision document shape as consumed by the calling agent.
func TestHookOutputWireFormat(t *testing.T) {
	dir := t.TempDir()
	e := buildEngine(t, dir, nil)

	out := e.Decide(context.Background(), request("Bash", map[string]any{"command": "cargo check"}))
	if out == nil {
		t.Fatal("expected a decision")
	}

	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	hso, ok := doc["hookSpecificOutput"].(map[string]any)
	if !ok {
		t.Fatalf("missing hookSpecificOutput: %s", data)
	}
	if hso["permissionDecision"] != "allow" {
		t.Errorf("permissionDecision = %v", hso["permissionDecision"])
	}
	if _, ok := hso["permissionDecisionReason"].(string); !ok {
		t.Error("permissionDecisionReason missing")
	}
}
