package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/leonardorey-coder/promptscript/interp"
	"github.com/leonardorey-coder/promptscript/replay"
	"github.com/leonardorey-coder/promptscript/types"
)

const (
	secretEnv   = "PROMPTSCRIPT_API_KEY"
	projectFile = ".ps.yaml"
)

var (
	flagRoot       string
	flagDryRun     bool
	flagHaltOnLoop bool
	flagMaxSteps   int
	flagMaxTimeMs  int
	flagMaxTools   int
	flagMaxLLM     int
	flagMaxTokens  int
	flagMaxCost    float64
	flagFollowSubs bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "promptscript",
		Short: "Deterministic orchestration runtime for LLM workflows",
		Long:  "promptscript runs sandboxed, budgeted, replayable workflow scripts whose steps may call an LLM.",
	}

	runCmd := &cobra.Command{
		Use:   "run <script.ps>",
		Short: "Run a workflow script",
		Args:  cobra.ExactArgs(1),
		RunE:  runScript,
	}
	runCmd.Flags().StringVar(&flagRoot, "root", ".", "project root (the sandbox boundary)")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "skip side-effectful tool runs")
	runCmd.Flags().BoolVar(&flagHaltOnLoop, "halt-on-loop", false, "treat loop detection as fatal")
	runCmd.Flags().IntVar(&flagMaxSteps, "max-steps", 0, "statement budget (0 keeps the .ps.yaml value; unlimited if unset)")
	runCmd.Flags().IntVar(&flagMaxTimeMs, "max-time-ms", 0, "wall-clock budget in ms")
	runCmd.Flags().IntVar(&flagMaxTools, "max-tool-calls", 0, "tool call budget")
	runCmd.Flags().IntVar(&flagMaxLLM, "max-llm-calls", 0, "LLM call budget")
	runCmd.Flags().IntVar(&flagMaxTokens, "max-tokens", 0, "token budget")
	runCmd.Flags().Float64Var(&flagMaxCost, "max-cost-usd", 0, "cost budget in USD")

	replayCmd := &cobra.Command{
		Use:   "replay <runId>",
		Short: "Print the timeline of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE:  replayRun,
	}
	replayCmd.Flags().StringVar(&flagRoot, "root", ".", "project root")
	replayCmd.Flags().BoolVar(&flagFollowSubs, "follow-subruns", false, "inline child run timelines")

	rootCmd.AddCommand(runCmd, replayCmd)

	viper.AutomaticEnv()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runScript(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(flagRoot)
	if err != nil {
		return err
	}

	cfg.DryRun = cfg.DryRun || flagDryRun
	cfg.HaltOnLoop = cfg.HaltOnLoop || flagHaltOnLoop
	cfg.Budget = cfg.Budget.Merge(types.BudgetConfig{
		MaxSteps:     flagMaxSteps,
		MaxTimeMs:    flagMaxTimeMs,
		MaxToolCalls: flagMaxTools,
		MaxLLMCalls:  flagMaxLLM,
		MaxTokens:    flagMaxTokens,
		MaxCostUsd:   flagMaxCost,
	})

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = viper.GetString(secretEnv)
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = viper.GetString("OPENAI_API_KEY")
	}

	src, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("cannot read script: %w", err)
	}

	vm, err := interp.New(interp.Options{Config: cfg})
	if err != nil {
		return err
	}

	if _, err := vm.RunSource(context.Background(), string(src)); err != nil {
		return err
	}

	fmt.Printf("run %s finished; logs at %s\n", vm.Logger().RunID(), vm.Logger().Dir())
	return nil
}

func replayRun(cmd *cobra.Command, args []string) error {
	timeline, err := replay.Timeline(flagRoot, args[0], flagFollowSubs)
	if err != nil {
		return err
	}
	fmt.Print(timeline)
	return nil
}

// loadConfig starts from defaults and overlays the project's .ps.yaml
// when one exists.
func loadConfig(root string) (types.RunConfig, error) {
	cfg := types.DefaultRunConfig(root)

	path := filepath.Join(root, projectFile)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return types.RunConfig{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return types.RunConfig{}, fmt.Errorf("invalid %s: %w", projectFile, err)
	}
	cfg.ProjectRoot = root
	return cfg, nil
}
