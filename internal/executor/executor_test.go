package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(events <-chan Event) []Event {
	var out []Event
	for e := range events {
		out = append(out, e)
		if e.Done {
			return out
		}
	}
	return out
}

func TestRun_StreamsStdoutLines(t *testing.T) {
	events := make(chan Event, 16)
	go func() {
		_, err := Run(context.Background(), "sh", "echo one; echo two", 5*time.Second, events)
		assert.NoError(t, err)
	}()
	got := drain(events)

	var lines []string
	for _, e := range got {
		if !e.Done {
			lines = append(lines, e.Line)
		}
	}
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	events := make(chan Event, 16)
	var result Result
	var err error
	done := make(chan struct{})
	go func() {
		result, err = Run(context.Background(), "sh", "exit 3", 5*time.Second, events)
		close(done)
	}()
	drain(events)
	<-done

	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, TerminatedCompleted, result.TerminatedBy)
}

func TestRun_TimeoutCancelsCommand(t *testing.T) {
	events := make(chan Event, 16)
	start := time.Now()
	result, err := Run(context.Background(), "sh", "sleep 5", 100*time.Millisecond, events)
	drain(events)
	assert.Error(t, err)
	assert.Equal(t, TerminatedTimeout, result.TerminatedBy)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRun_CancelledContextIsDistinguishedFromTimeout(t *testing.T) {
	events := make(chan Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var result Result
	var err error
	go func() {
		result, err = Run(ctx, "sh", "sleep 5", 5*time.Second, events)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	drain(events)
	<-done

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, TerminatedCancelled, result.TerminatedBy)
}

func TestRun_ZeroTimeoutReturnsImmediateTimeout(t *testing.T) {
	events := make(chan Event, 4)
	result, err := Run(context.Background(), "sh", "echo hi", 0, events)
	drain(events)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, TerminatedTimeout, result.TerminatedBy)
}
