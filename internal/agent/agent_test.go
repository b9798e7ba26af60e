package agent

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alantheprice/caro/internal/backend"
	"github.com/alantheprice/caro/internal/executor"
	"github.com/alantheprice/caro/internal/model"
	"github.com/alantheprice/caro/internal/obslog"
	"github.com/alantheprice/caro/internal/safety"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedBackend struct{ cmd string }

func (f fixedBackend) Name() string                           { return "fixed" }
func (f fixedBackend) Available(context.Context) bool { return true }
func (f fixedBackend) Generate(context.Context, model.CommandRequest) (model.GeneratedCommand, error) {
	return model.GeneratedCommand{Command: f.cmd, Backend: "fixed"}, nil
}

func newTestLogger(t *testing.T, stdin string) *obslog.Logger {
	t.Helper()
	l := obslog.Get(true)
	l.SetIO(strings.NewReader(stdin), &bytes.Buffer{})
	return l
}

func TestLoop_SafeCommandRunsWithoutConfirmation(t *testing.T) {
	chain := backend.NewChain(fixedBackend{cmd: "echo hello"})
	engine := safety.New(model.RiskModerate, model.RiskCritical)
	logger := newTestLogger(t, "")
	loop := New(chain, engine, logger, "sh", 5*time.Second, true)

	events := make(chan executor.Event, 64)
	go func() {
		for range events {
		}
	}()

	out, err := loop.Run(context.Background(), model.CommandRequest{Prompt: "say hello"}, events)
	require.NoError(t, err)
	assert.True(t, out.Executed)
	assert.Equal(t, 0, out.Result.ExitCode)
}

func TestLoop_CriticalCommandIsBlockedBeforeConfirmation(t *testing.T) {
	chain := backend.NewChain(fixedBackend{cmd: "rm -rf /"})
	engine := safety.New(model.RiskModerate, model.RiskCritical)
	logger := newTestLogger(t, "")
	loop := New(chain, engine, logger, "sh", 5*time.Second, true)

	events := make(chan executor.Event, 64)
	out, err := loop.Run(context.Background(), model.CommandRequest{Prompt: "wipe everything"}, events)
	require.NoError(t, err)
	assert.True(t, out.Aborted)
	assert.False(t, out.Executed)
	assert.Equal(t, model.RiskCritical, out.Verdict.Risk)
}

func TestLoop_ModerateCommandRespectsRejection(t *testing.T) {
	chain := backend.NewChain(fixedBackend{cmd: "sudo apt update"})
	engine := safety.New(model.RiskModerate, model.RiskCritical)
	logger := newTestLogger(t, "no\n")
	loop := New(chain, engine, logger, "sh", 5*time.Second, true)

	events := make(chan executor.Event, 64)
	out, err := loop.Run(context.Background(), model.CommandRequest{Prompt: "update packages"}, events)
	require.NoError(t, err)
	assert.True(t, out.Aborted)
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.Equal(t, "cancelled by user", out.Reason)
	assert.Equal(t, model.RiskHigh, out.Verdict.Risk)
}

func TestLoop_RefinementFeedbackRegeneratesThenExhausts(t *testing.T) {
	chain := backend.NewChain(fixedBackend{cmd: "sudo apt update"})
	engine := safety.New(model.RiskModerate, model.RiskCritical)
	logger := newTestLogger(t, "refine try without sudo\nrefine try without sudo\nrefine try without sudo\nrefine try without sudo\n")
	loop := New(chain, engine, logger, "sh", 5*time.Second, true)

	events := make(chan executor.Event, 64)
	out, err := loop.Run(context.Background(), model.CommandRequest{Prompt: "update packages"}, events)
	require.NoError(t, err)
	assert.True(t, out.Aborted)
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.Equal(t, "rejected after maximum refinement cycles", out.Reason)
}

func TestLoop_ModerateCommandRunsOnConfirmation(t *testing.T) {
	chain := backend.NewChain(fixedBackend{cmd: "echo moderate"})
	engine := safety.New(model.RiskSafe, model.RiskCritical) // force confirm even for "safe"
	logger := newTestLogger(t, "yes\n")
	loop := New(chain, engine, logger, "sh", 5*time.Second, true)

	events := make(chan executor.Event, 64)
	go func() {
		for range events {
		}
	}()
	out, err := loop.Run(context.Background(), model.CommandRequest{Prompt: "echo something"}, events)
	require.NoError(t, err)
	assert.True(t, out.Executed)
}
