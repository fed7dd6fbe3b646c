package commands

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xuxu777xu/CodePilot-sub000/internal/config"
	"github.com/xuxu777xu/CodePilot-sub000/internal/headless"
)

var (
	runPrompt       string
	runWorkDir      string
	runURL          string
	runAutoApprove  bool
	runOutputFormat string
	runTimeout      string
	runStdin        bool
	runSessionID    string
	runFiles        []string
	runSystemPrompt string
	runQuiet        bool
	runVerbose      bool
	runModel        string
	runMode         string
)

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Run a single prompt against a CodePilot server",
	Long: `Run a single prompt without interaction.

The turn is streamed from the server and printed in the chosen format (text,
json, or jsonl). Permission requests are denied unless --auto-approve is given.

Exit codes: 0 success, 1 error, 2 timeout, 3 permission denied,
4 agent error, 5 invalid input, 6 stopped.

Examples:
  # Simple prompt
  codepilot run "Fix the bug in main.go"

  # Auto-approve all tool executions
  codepilot run --yolo "Refactor the authentication module"

  # With timeout and JSON output
  codepilot run -o json -t 5m "Run tests and fix failures"

  # Read prompt from stdin
  echo "Fix linting errors" | codepilot run --stdin

  # With context files
  codepilot run -f spec.md -f api.yaml "Implement the API from spec"

  # Stream JSONL events for programmatic consumption
  codepilot run -o jsonl "Implement feature X" | jq -r '.type'`,
	RunE: runRun,
}

func init() {
	// Prompt input
	runCmd.Flags().StringVarP(&runPrompt, "prompt", "p", "", "Prompt/instruction to execute")
	runCmd.Flags().BoolVar(&runStdin, "stdin", false, "Read prompt from stdin")
	runCmd.Flags().StringArrayVarP(&runFiles, "file", "f", nil, "File(s) to attach as context")
	runCmd.Flags().StringVar(&runSystemPrompt, "system-prompt", "", "File appended to the system prompt")

	// Server, working directory and session
	runCmd.Flags().StringVar(&runURL, "url", "", "Server URL (default from config, then http://127.0.0.1:4096)")
	runCmd.Flags().StringVarP(&runWorkDir, "workdir", "w", "", "Working directory")
	runCmd.Flags().StringVarP(&runSessionID, "session", "s", "", "Session ID")

	// Tool permissions
	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "Auto-approve all tool executions")
	runCmd.Flags().BoolVar(&runAutoApprove, "yolo", false, "Alias for --auto-approve")

	// Output format
	runCmd.Flags().StringVarP(&runOutputFormat, "format", "o", "text", "Output format: text, json, jsonl")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Suppress progress output, only show result")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Show all events")

	// Execution limits
	runCmd.Flags().StringVarP(&runTimeout, "timeout", "t", "30m", "Maximum execution time (e.g., 5m, 1h)")

	// Agent
	runCmd.Flags().StringVar(&runModel, "model", "", "Model passed to the agent")
	runCmd.Flags().StringVar(&runMode, "mode", "", "Permission mode passed to the agent")
}

func runRun(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(runWorkDir)
	if err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	setupLogging(appConfig, false)

	timeout, err := time.ParseDuration(runTimeout)
	if err != nil {
		return fmt.Errorf("invalid timeout: %w", err)
	}

	outputFormat, ok := headless.ParseFormat(runOutputFormat)
	if !ok {
		return fmt.Errorf("invalid output format: %s (must be text, json, or jsonl)", runOutputFormat)
	}

	prompt := runPrompt
	if prompt == "" && len(args) > 0 {
		prompt = strings.Join(args, " ")
	}
	if prompt == "" && !runStdin {
		return fmt.Errorf("prompt required. Provide via argument, --prompt flag, or --stdin")
	}

	model := runModel
	if model == "" {
		model = appConfig.Agent.Model
	}

	cfg := &headless.Config{
		Prompt:       prompt,
		ServerURL:    serverURL(runURL, appConfig),
		WorkDir:      workDir,
		SessionID:    runSessionID,
		AutoApprove:  runAutoApprove,
		OutputFormat: outputFormat,
		Timeout:      timeout,
		ReadStdin:    runStdin,
		Files:        runFiles,
		SystemPrompt: runSystemPrompt,
		Quiet:        runQuiet,
		Verbose:      runVerbose,
		Model:        model,
		Mode:         runMode,
		Stream:       appConfig.Stream,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := headless.NewRunner(cfg)
	result, err := runner.Run(ctx, os.Stdout, os.Stdin)

	if result != nil && result.ExitCode != headless.ExitSuccess {
		exit(int(result.ExitCode))
	}
	return err
}
