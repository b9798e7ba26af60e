package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/alantheprice/caro/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutput_FencedBlock(t *testing.T) {
	cmd, _, err := ParseOutput("```bash\nls -la\n```")
	require.NoError(t, err)
	assert.Equal(t, "ls -la", cmd)
}

func TestParseOutput_JSONEnvelope(t *testing.T) {
	cmd, explanation, err := ParseOutput(`{"cmd": "df -h", "explanation": "show disk usage"}`)
	require.NoError(t, err)
	assert.Equal(t, "df -h", cmd)
	assert.Equal(t, "show disk usage", explanation)
}

func TestParseOutput_KnownPrefix(t *testing.T) {
	cmd, _, err := ParseOutput("some preamble\n$ ps aux\n")
	require.NoError(t, err)
	assert.Equal(t, "ps aux", cmd)
}

func TestParseOutput_FailsClosedOnProse(t *testing.T) {
	_, _, err := ParseOutput("I think you want to list files in your home directory.")
	require.Error(t, err)
	var be *Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, ErrDecode, be.Kind)
}

func TestStatic_ListFiles(t *testing.T) {
	s := NewStatic()
	got, err := s.Generate(context.Background(), model.CommandRequest{Prompt: "list files in /tmp"})
	require.NoError(t, err)
	assert.Equal(t, "ls -la /tmp", got.Command)
}

func TestStatic_NoMatch(t *testing.T) {
	s := NewStatic()
	_, err := s.Generate(context.Background(), model.CommandRequest{Prompt: "do something exotic"})
	require.Error(t, err)
}

type stubBackend struct {
	name    string
	err     error
	cmd     model.GeneratedCommand
	unavail bool
}

func (s *stubBackend) Name() string                       { return s.name }
func (s *stubBackend) Available(context.Context) bool { return !s.unavail }
func (s *stubBackend) Generate(context.Context, model.CommandRequest) (model.GeneratedCommand, error) {
	if s.err != nil {
		return model.GeneratedCommand{}, s.err
	}
	return s.cmd, nil
}

func TestChain_FallsThroughToSecondBackend(t *testing.T) {
	first := &stubBackend{name: "a", err: &Error{Backend: "a", Kind: ErrTimeout, Err: assertErr("down")}}
	second := &stubBackend{name: "b", cmd: model.GeneratedCommand{Command: "echo hi", Backend: "b"}}
	chain := NewChain(first, second)

	got, errs, err := chain.Generate(context.Background(), model.CommandRequest{})
	require.NoError(t, err)
	assert.Equal(t, "echo hi", got.Command)
	assert.Len(t, errs, 1)
}

func TestChain_SkipsUnavailableBackend(t *testing.T) {
	first := &stubBackend{name: "a", unavail: true}
	second := &stubBackend{name: "b", cmd: model.GeneratedCommand{Command: "echo hi", Backend: "b"}}
	chain := NewChain(first, second)

	got, errs, err := chain.Generate(context.Background(), model.CommandRequest{})
	require.NoError(t, err)
	assert.Equal(t, "echo hi", got.Command)
	require.Len(t, errs, 1)
	var be *Error
	require.True(t, errors.As(errs[0], &be))
	assert.Equal(t, ErrUnavailable, be.Kind)
}

func TestChain_StopsOnNonRetryableError(t *testing.T) {
	first := &stubBackend{name: "a", err: &Error{Backend: "a", Kind: ErrRefused, Err: assertErr("refused")}}
	second := &stubBackend{name: "b", cmd: model.GeneratedCommand{Command: "echo hi", Backend: "b"}}
	chain := NewChain(first, second)

	_, errs, err := chain.Generate(context.Background(), model.CommandRequest{})
	require.Error(t, err)
	require.Len(t, errs, 1)
	var be *Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, ErrRefused, be.Kind)
}

type assertErr string

func (a assertErr) Error() string { return string(a) }
