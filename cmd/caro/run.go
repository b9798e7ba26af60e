package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alantheprice/caro/internal/agent"
	"github.com/alantheprice/caro/internal/backend"
	"github.com/alantheprice/caro/internal/cmdcontext"
	"github.com/alantheprice/caro/internal/config"
	"github.com/alantheprice/caro/internal/executor"
	"github.com/alantheprice/caro/internal/history"
	"github.com/alantheprice/caro/internal/model"
	"github.com/alantheprice/caro/internal/obslog"
	"github.com/alantheprice/caro/internal/safety"
)

// recentHistoryDepth bounds how many prior commands are surfaced to the
// context collector's recent_commands field.
const recentHistoryDepth = 10

func init() {
	rootCmd.Flags().String("shell", "", "target shell: bash|zsh|fish|sh|pwsh|cmd (default: detected from $SHELL)")
	rootCmd.Flags().String("backend", "", "override the configured default backend (ollama|openai|generic|static)")
	rootCmd.Flags().Duration("timeout", 0, "wall-clock timeout for command execution (default: execution.timeout_secs from config)")
	rootCmd.Flags().Bool("allow-dangerous", false, "demote Critical verdicts to a confirmable Warn instead of blocking outright")
	rootCmd.Flags().BoolP("yes", "y", false, "skip interactive confirmation for commands below the block threshold")
	rootCmd.Flags().BoolP("explain", "e", false, "include the backend's explanation and do not execute")
	rootCmd.Flags().BoolP("execute", "x", false, "execute without printing the candidate command first")

	rootCmd.RunE = runMain
	rootCmd.Args = cobra.ArbitraryArgs
}

func runMain(cmd *cobra.Command, args []string) error {
	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		color.NoColor = true
	}
	format := outputFormat(cmd)

	prompt, err := resolvePrompt(args, cmd.InOrStdin())
	if err != nil {
		fmt.Fprintln(os.Stderr, "caro:", err)
		os.Exit(64)
	}
	if prompt == "" {
		return cmd.Usage()
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "caro: config error:", err)
		os.Exit(6)
	}

	if allowDangerous, _ := cmd.Flags().GetBool("allow-dangerous"); allowDangerous {
		cfg.Safety.AllowDangerous = true
	}

	confirmAt, err := safety.ParseRiskLevel(cfg.Safety.ConfirmAtOrAbove)
	if err != nil {
		fmt.Fprintln(os.Stderr, "caro: config error:", err)
		os.Exit(6)
	}
	blockAt, err := safety.ParseRiskLevel(cfg.Safety.BlockAtOrAbove)
	if err != nil {
		fmt.Fprintln(os.Stderr, "caro: config error:", err)
		os.Exit(6)
	}
	engine, err := safety.NewWithOptions(safety.Options{
		ConfirmAt:      confirmAt,
		BlockAt:        blockAt,
		Level:          cfg.Safety.Level,
		AllowPatterns:  cfg.Safety.AllowPatterns,
		CustomPatterns: toModelPatterns(cfg.Safety.CustomPatterns),
		AllowDangerous: cfg.Safety.AllowDangerous,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "caro: config error:", err)
		os.Exit(6)
	}

	backendName, _ := cmd.Flags().GetString("backend")
	chain := buildChain(cfg, firstNonEmpty(backendName, cfg.DefaultBackend, firstOf(cfg.Backends.Preferred)))

	yes, _ := cmd.Flags().GetBool("yes")
	logger := obslog.Get(!yes)
	logger.SetVerbosity(verbosity)

	hist, histErr := openHistory()
	if histErr != nil {
		logger.LogError(histErr)
	}
	var recent []string
	if hist != nil {
		recent, _ = hist.Recent(recentHistoryDepth)
	}

	reqCtx := cmdcontext.Collect(recent)
	if shellFlag, _ := cmd.Flags().GetString("shell"); shellFlag != "" {
		reqCtx.Shell = model.ParseShellKind(shellFlag)
	}
	req := model.CommandRequest{
		ID:      uuid.NewString(),
		Prompt:  prompt,
		Context: reqCtx,
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		timeout = time.Duration(cfg.Execution.TimeoutSecs) * time.Second
	}
	explainOnly, _ := cmd.Flags().GetBool("explain")
	executeImmediately, _ := cmd.Flags().GetBool("execute")
	skipConfirm := yes || executeImmediately || cfg.Execution.Confirm == "never"

	loop := agent.New(chain, engine, logger, shellPath(reqCtx.Shell.String()), timeout, skipConfirm)

	if explainOnly {
		outcome, _ := loop.Run(context.Background(), req, nil)
		recordHistory(hist, req, outcome)
		if format == "json" {
			_ = emitJSON(outcome)
		} else {
			printExplain(outcome)
		}
		os.Exit(exitCodeForOutcome(outcome))
	}

	events := make(chan executor.Event, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if ev.Done {
				return
			}
			stream := os.Stdout
			if ev.Stream == executor.Stderr {
				stream = os.Stderr
			}
			fmt.Fprintln(stream, ev.Line)
		}
	}()

	outcome, _ := loop.Run(context.Background(), req, events)
	close(events)
	<-done

	recordHistory(hist, req, outcome)

	if format == "json" {
		if err := emitJSON(outcome); err != nil {
			fmt.Fprintln(os.Stderr, "caro:", err)
		}
	} else {
		printOutcome(outcome)
	}
	os.Exit(exitCodeForOutcome(outcome))
	return nil
}

// resolvePrompt joins args into the prompt text, or reads stdin in full
// when the sole argument is "-".
func resolvePrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(bufio.NewReader(stdin))
		if err != nil {
			return "", fmt.Errorf("read prompt from stdin: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.TrimSpace(strings.Join(args, " ")), nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if noConfig, _ := cmd.Flags().GetBool("no-config"); noConfig {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load()
}

func openHistory() (*history.Store, error) {
	path, err := history.DefaultPath()
	if err != nil {
		return nil, err
	}
	return history.Open(path)
}

func recordHistory(hist *history.Store, req model.CommandRequest, outcome agent.Outcome) {
	if hist == nil {
		return
	}
	rec := history.Record{
		Timestamp: outcomeTimestamp(),
		Prompt:    req.Prompt,
		Command:   outcome.Command.Command,
		Backend:   outcome.Command.Backend,
		Risk:      outcome.Verdict.Risk.String(),
		Outcome:   outcomeKindName(outcome.Kind),
		ExitCode:  outcome.Result.ExitCode,
	}
	_ = hist.Append(rec)
}

// outcomeTimestamp is split out so it is the sole place a real wall-clock
// read happens on the history-recording path.
func outcomeTimestamp() time.Time { return time.Now() }

func outcomeKindName(k agent.OutcomeKind) string {
	switch k {
	case agent.OutcomeSuccess:
		return "success"
	case agent.OutcomeGenerationFailed:
		return "generation_failed"
	case agent.OutcomeBlocked:
		return "blocked"
	case agent.OutcomeCancelled:
		return "cancelled"
	case agent.OutcomeExecutionFailed:
		return "execution_failed"
	case agent.OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

func exitCodeForOutcome(outcome agent.Outcome) int {
	switch outcome.Kind {
	case agent.OutcomeSuccess:
		return 0
	case agent.OutcomeGenerationFailed:
		return 1
	case agent.OutcomeBlocked:
		return 2
	case agent.OutcomeCancelled:
		return 3
	case agent.OutcomeExecutionFailed:
		return 4
	case agent.OutcomeTimeout:
		return 5
	default:
		return 1
	}
}

func toModelPatterns(cps []config.CustomPattern) []model.Pattern {
	out := make([]model.Pattern, 0, len(cps))
	for _, cp := range cps {
		risk, err := safety.ParseRiskLevel(cp.Risk)
		if err != nil {
			continue // already rejected by config.Validate; defensive only
		}
		out = append(out, model.Pattern{
			Name:         cp.Name,
			Regex:        cp.Regex,
			Risk:         risk,
			Description:  cp.Description,
			Category:     cp.Category,
			Nondemotable: cp.Nondemotable,
		})
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstOf(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func shellPath(kind string) string {
	switch kind {
	case "bash":
		return "bash"
	case "zsh":
		return "zsh"
	case "fish":
		return "fish"
	case "pwsh":
		return "pwsh"
	case "cmd":
		return "cmd"
	default:
		return "sh"
	}
}

func buildChain(cfg *config.Config, preferred string) *backend.Chain {
	backends := map[string]backend.Backend{
		"ollama":  backend.NewOllama(cfg.Backends.OllamaURL, cfg.Backends.OllamaModel, msToDuration(cfg.Backends.OllamaTimeoutMS, 30*time.Second)),
		"openai":  backend.NewOpenAI(cfg.Backends.OpenAIURL, cfg.Backends.OpenAIModel, cfg.Backends.OpenAIAPIKey, msToDuration(cfg.Backends.OpenAITimeoutMS, 60*time.Second)),
		"generic": backend.NewGeneric(cfg.Backends.GenericURL, msToDuration(cfg.Backends.GenericTimeoutMS, 60*time.Second)),
		"static":  backend.NewStatic(),
	}
	order := append([]string{preferred}, cfg.Backends.Preferred...)
	order = append(order, "ollama", "openai", "generic", "static")
	seen := map[string]bool{}
	var chain []backend.Backend
	for _, name := range order {
		if name == "" || seen[name] {
			continue
		}
		if b, ok := backends[name]; ok {
			chain = append(chain, b)
			seen[name] = true
		}
	}
	return backend.NewChain(chain...)
}

func msToDuration(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func emitJSON(outcome agent.Outcome) error {
	factors := make([]map[string]string, len(outcome.Verdict.Factors))
	for i, f := range outcome.Verdict.Factors {
		factors[i] = map[string]string{
			"pattern":   f.PatternID,
			"severity":  f.Severity.String(),
			"rationale": f.Rationale,
		}
	}
	payload := map[string]interface{}{
		"command":       outcome.Command.Command,
		"explanation":   outcome.Command.Explanation,
		"risk_level":    outcome.Verdict.Risk.String(),
		"risk_factors":  factors,
		"backend":       outcome.Command.Backend,
		"executed":      outcome.Executed,
		"terminated_by": string(outcome.Result.TerminatedBy),
	}
	if outcome.Executed {
		payload["exit_code"] = outcome.Result.ExitCode
		payload["duration_ms"] = outcome.Result.Duration.Milliseconds()
	}
	if outcome.Aborted {
		payload["reason"] = outcome.Reason
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func printExplain(outcome agent.Outcome) {
	fmt.Printf("command: %s\n", outcome.Command.Command)
	if outcome.Command.Explanation != "" {
		fmt.Printf("explanation: %s\n", outcome.Command.Explanation)
	}
	fmt.Printf("risk: %s\n", outcome.Verdict.Risk)
	for _, f := range outcome.Verdict.Factors {
		fmt.Printf("  - %s (%s): %s\n", f.PatternID, f.Severity, f.Rationale)
	}
}

func printOutcome(outcome agent.Outcome) {
	if outcome.Aborted {
		fmt.Fprintln(os.Stderr, color.RedString("caro: %s", outcome.Reason))
		return
	}
	if outcome.Executed {
		fmt.Fprintln(os.Stderr, color.GreenString("caro: exited %d", outcome.Result.ExitCode))
	}
}
