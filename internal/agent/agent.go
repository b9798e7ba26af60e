// Package agent orchestrates one request end to end: generate a candidate,
// validate it for safety, confirm with the user if required, and execute
// it, looping back into generation up to a bounded number of refinements
// when the user requests changes instead of aborting outright.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alantheprice/caro/internal/backend"
	"github.com/alantheprice/caro/internal/executor"
	"github.com/alantheprice/caro/internal/model"
	"github.com/alantheprice/caro/internal/obslog"
	"github.com/alantheprice/caro/internal/safety"
)

// State names one step of the agent loop's state machine.
type State int

const (
	Preparing State = iota
	Generating
	Validating
	AwaitingConfirmation
	Executing
	Terminal
)

func (s State) String() string {
	switch s {
	case Preparing:
		return "preparing"
	case Generating:
		return "generating"
	case Validating:
		return "validating"
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	case Executing:
		return "executing"
	default:
		return "terminal"
	}
}

// maxRefinements bounds how many times the loop will re-generate after a
// user requests a refinement, preventing an unbounded back-and-forth. The
// 4th rejection counts as a cancellation.
const maxRefinements = 3

// OutcomeKind classifies how a Run terminated, mapping directly onto the
// CLI's exit code taxonomy.
type OutcomeKind int

const (
	OutcomeSuccess           OutcomeKind = iota
	OutcomeGenerationFailed              // exit 1: no backend produced a candidate
	OutcomeBlocked                       // exit 2: safety engine blocked the candidate
	OutcomeCancelled                     // exit 3: user cancelled or exhausted refinements
	OutcomeExecutionFailed               // exit 4: the child process exited non-zero or failed to run
	OutcomeTimeout                       // exit 5: execution exceeded its wall-clock timeout
)

// Outcome is the terminal result of one agent loop run.
type Outcome struct {
	Command  model.GeneratedCommand
	Verdict  model.SafetyVerdict
	Executed bool
	Result   executor.Result
	Kind     OutcomeKind
	Aborted  bool
	Reason   string
}

// Loop drives one CommandRequest through generation, safety validation,
// confirmation, and (if confirmed) execution.
type Loop struct {
	chain              *backend.Chain
	engine             *safety.Engine
	logger             *obslog.Logger
	shell              string
	execTO             time.Duration
	skipConf           bool
	allowEditDangerous bool
}

// New builds a Loop wired to chain for generation, engine for safety
// evaluation, and logger for confirmation prompts and diagnostics.
func New(chain *backend.Chain, engine *safety.Engine, logger *obslog.Logger, shell string, execTimeout time.Duration, skipConfirm bool) *Loop {
	return &Loop{chain: chain, engine: engine, logger: logger, shell: shell, execTO: execTimeout, skipConf: skipConfirm}
}

// WithAllowEditDangerous controls whether a user-edited command must still
// pass safety validation before it may run. By default it must; setting
// this lets an edited command skip straight to confirmation, matching the
// CLI's explicit --allow-edit-dangerous mode.
func (l *Loop) WithAllowEditDangerous(allow bool) *Loop {
	l.allowEditDangerous = allow
	return l
}

// augmentPrompt carries the previous candidate and the user's feedback into
// the next generation cycle, per the refinement edge in §4.6.
func augmentPrompt(original, previous, feedback string) string {
	return fmt.Sprintf(
		"%s\n\nThe previous candidate command was: %s\nThe user rejected it with this feedback: %s\nGenerate an improved command that addresses the feedback.",
		original, previous, feedback,
	)
}

// Run executes the state machine for req, streaming execution events (if
// any) onto events.
func (l *Loop) Run(ctx context.Context, req model.CommandRequest, events chan<- executor.Event) (Outcome, error) {
	state := Preparing
	refinements := 0

	var candidate model.GeneratedCommand
	var verdict model.SafetyVerdict

	for state != Terminal {
		switch state {
		case Preparing:
			state = Generating

		case Generating:
			cmd, errs, err := l.chain.Generate(ctx, req)
			if err != nil {
				for _, e := range errs {
					l.logger.LogError(e)
				}
				return Outcome{Kind: OutcomeGenerationFailed, Aborted: true, Reason: fmt.Sprintf("generation failed: %v", err)}, err
			}
			candidate = cmd
			state = Validating

		case Validating:
			verdict = l.engine.Evaluate(candidate.Command, req.Context.Shell)
			if verdict.ShouldBlock {
				return Outcome{Command: candidate, Verdict: verdict, Kind: OutcomeBlocked, Aborted: true, Reason: verdict.Reasoning}, nil
			}
			state = AwaitingConfirmation

		case AwaitingConfirmation:
			needsConfirm := verdict.ShouldConfirm || !l.skipConf
			if !needsConfirm {
				state = Executing
				continue
			}
			prompt := fmt.Sprintf("Run `%s`?", candidate.Command)
			resp, err := l.logger.Confirm(prompt)
			if err != nil {
				return Outcome{Command: candidate, Verdict: verdict, Kind: OutcomeCancelled, Aborted: true, Reason: err.Error()}, err
			}
			switch {
			case resp.Confirmed:
				state = Executing
			case resp.EditedCommand != "":
				candidate.Command = resp.EditedCommand
				candidate.Explanation = ""
				if l.allowEditDangerous {
					state = Executing
				} else {
					state = Validating
				}
			case resp.Feedback != "":
				if refinements >= maxRefinements {
					return Outcome{Command: candidate, Verdict: verdict, Kind: OutcomeCancelled, Aborted: true, Reason: "rejected after maximum refinement cycles"}, nil
				}
				refinements++
				req.Prompt = augmentPrompt(req.Prompt, candidate.Command, resp.Feedback)
				state = Generating
			default:
				return Outcome{Command: candidate, Verdict: verdict, Kind: OutcomeCancelled, Aborted: true, Reason: "cancelled by user"}, nil
			}

		case Executing:
			result, err := executor.Run(ctx, l.shell, candidate.Command, l.execTO, events)
			if err != nil {
				kind := OutcomeExecutionFailed
				reason := err.Error()
				switch {
				case errors.Is(err, context.DeadlineExceeded):
					kind = OutcomeTimeout
					reason = "command timed out"
				case errors.Is(err, context.Canceled):
					kind = OutcomeCancelled
					reason = "execution cancelled"
				}
				return Outcome{Command: candidate, Verdict: verdict, Executed: true, Result: result, Kind: kind, Aborted: true, Reason: reason}, err
			}
			outcome := Outcome{Command: candidate, Verdict: verdict, Executed: true, Result: result, Kind: OutcomeSuccess}
			if result.ExitCode != 0 {
				outcome.Kind = OutcomeExecutionFailed
				outcome.Reason = fmt.Sprintf("command exited %d", result.ExitCode)
			}
			return outcome, nil
		}
	}
	return Outcome{Kind: OutcomeCancelled, Aborted: true, Reason: "no transitions taken"}, nil
}
