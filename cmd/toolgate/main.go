package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/yanmxa/toolgate/internal/config"
	"github.com/yanmxa/toolgate/internal/engine"
	"github.com/yanmxa/toolgate/internal/hookio"
	"github.com/yanmxa/toolgate/internal/log"
)

var version = "0.1.0"

var configPath string

func init() {
	// Load .env file if it exists (silent fail if not found)
	_ = godotenv.Load()

	// Initialize logging (enabled via TOOLGATE_DEBUG=1)
	_ = log.Init()

	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	_ = runCmd.MarkFlagRequired("config")
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	_ = validateCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	defer log.Sync()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "Toolgate - permission hook for AI coding agents",
	Long: `Toolgate is a PreToolUse permission hook: it reads a tool request
as JSON from stdin, evaluates it against configured allow/deny rules
(with an optional LLM fallback), and writes a permission decision to
stdout. No output means pass-through to the agent's own flow.

Usage as a hook:
  toolgate run --config ~/.toolgate/config.yaml`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the hook (reads JSON from stdin, writes the decision to stdout)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHook(cmd.Context(), configPath)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateConfig(configPath)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("toolgate version %s\n", version)
	},
}

func runHook(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	compiled, err := cfg.Compile()
	if err != nil {
		return fmt.Errorf("failed to compile rules: %w", err)
	}

	input, err := hookio.ReadInput(os.Stdin)
	if err != nil {
		return fmt.Errorf("failed to read hook input: %w", err)
	}

	eng, err := engine.New(compiled)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if out := eng.Decide(ctx, input); out != nil {
		return out.Write(os.Stdout)
	}
	// No decision: emit nothing so the agent falls back to its own
	// permission flow.
	return nil
}

func validateConfig(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	compiled, err := cfg.Compile()
	if err != nil {
		return fmt.Errorf("failed to compile rules: %w", err)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Deny rules:  %d\n", len(compiled.DenyRules))
	fmt.Printf("  Allow rules: %d\n", len(compiled.AllowRules))
	fmt.Printf("  Log file:    %s\n", compiled.Logging.LogFile)
	fmt.Printf("  Review log:  %s\n", compiled.Logging.ReviewLogFile)
	if compiled.LLMFallback.Enabled {
		fmt.Printf("  LLM fallback: %s (%s)\n", compiled.LLMFallback.Model, compiled.LLMFallback.Provider)
	} else {
		fmt.Println("  LLM fallback: disabled")
	}
	return nil
}
