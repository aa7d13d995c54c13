package bridge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedesk/receptionist/internal/engine"
)

// fakeEngine scripts ProcessTurn outcomes per call.
type fakeEngine struct {
	calls    []string
	failures int
	failWith error
	state    engine.State
}

func (f *fakeEngine) ProcessTurn(ctx context.Context, sessionID, utterance string) (*engine.TurnResult, error) {
	f.calls = append(f.calls, utterance)
	if f.failures > 0 {
		f.failures--
		return nil, f.failWith
	}
	return &engine.TurnResult{ResponseText: "done", NextStep: "next", Completed: true}, nil
}

func (f *fakeEngine) GetState(ctx context.Context, sessionID string) (*engine.State, error) {
	return &f.state, nil
}

func newTestBridge(eng engine.Engine) *Bridge {
	b := New(Config{
		Engine:      eng,
		CallTimeout: time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	})
	b.sleep = func(context.Context, time.Duration) error { return nil }
	return b
}

func TestExecuteInvalidArgsFailsFastWithoutRetry(t *testing.T) {
	eng := &fakeEngine{}
	b := newTestBridge(eng)

	exec, err := b.Execute(context.Background(), "s1", "book_appointment", map[string]any{"name": "Ada"}, "call-1")
	require.ErrorIs(t, err, ErrInvalidParameters)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, 1, exec.Attempts)
	assert.Empty(t, eng.calls, "engine must never be invoked for invalid parameters")
}

func TestExecuteUnknownFunctionRejected(t *testing.T) {
	b := newTestBridge(&fakeEngine{})
	_, err := b.Execute(context.Background(), "s1", "launch_rocket", nil, "call-1")
	require.ErrorIs(t, err, ErrInvalidParameters)
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	eng := &fakeEngine{failures: 2, failWith: fmt.Errorf("engine turn: connection refused")}
	b := newTestBridge(eng)

	exec, err := b.Execute(context.Background(), "s1", "check_availability", map[string]any{"date": "2026-03-02"}, "call-2")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, 3, exec.Attempts)
	assert.Equal(t, "done", exec.Result["response_text"])
}

func TestExecuteDoesNotRetryNonRetryable(t *testing.T) {
	eng := &fakeEngine{failures: 5, failWith: errors.New("engine turn status 401: unauthorized")}
	b := newTestBridge(eng)

	exec, err := b.Execute(context.Background(), "s1", "check_availability", map[string]any{"date": "2026-03-02"}, "call-3")
	require.Error(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, 1, exec.Attempts)
	assert.Len(t, eng.calls, 1)
}

func TestExecuteExhaustsRetryBudget(t *testing.T) {
	eng := &fakeEngine{failures: 10, failWith: fmt.Errorf("engine turn: timeout")}
	b := newTestBridge(eng)

	exec, err := b.Execute(context.Background(), "s1", "check_availability", map[string]any{"date": "2026-03-02"}, "call-4")
	require.Error(t, err)
	assert.Equal(t, 3, exec.Attempts)
	assert.Len(t, eng.calls, 3)
}

func TestExecuteFillsDefaultsAndTrims(t *testing.T) {
	eng := &fakeEngine{}
	b := newTestBridge(eng)

	exec, err := b.Execute(context.Background(), "s1", "collect_visitor_info", map[string]any{"name": "  Ada Lovelace  "}, "call-5")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", exec.Args["name"])
	assert.Equal(t, "general inquiry", exec.Args["purpose"])
	assert.Equal(t, "check_availability", exec.SuggestedNext)
}

func TestExecutionStatusForwardOnly(t *testing.T) {
	e := &Execution{CallID: "c", Status: StatusCompleted}
	err := e.advance(StatusExecuting)
	require.Error(t, err)
	assert.Equal(t, StatusCompleted, e.Status)
}

func TestSyncStateRepairsMissingCallThenIdempotent(t *testing.T) {
	eng := &fakeEngine{state: engine.State{
		VisitorName:       "Ada Lovelace",
		AppointmentBooked: true,
		AppointmentTime:   "2026-03-02T10:00:00Z",
	}}
	b := newTestBridge(eng)
	ctx := context.Background()

	first, err := b.SyncState(ctx, "s1", &eng.state)
	require.NoError(t, err)
	assert.False(t, first.Consistent)
	require.Len(t, first.RepairActions, 1)
	assert.Equal(t, "replay_missing_call", first.RepairActions[0].Action)
	assert.Equal(t, "book_appointment", first.RepairActions[0].Function)

	// The replayed call is now in the log: a second sync finds nothing to do.
	second, err := b.SyncState(ctx, "s1", &eng.state)
	require.NoError(t, err)
	assert.True(t, second.Consistent)
	assert.InDelta(t, 1.0, second.Score, 1e-9)
	assert.Empty(t, second.RepairActions)
}

func TestSyncStateScoresMultipleIssues(t *testing.T) {
	eng := &fakeEngine{state: engine.State{
		InfoCollected:    true,
		NotificationSent: true,
		VisitorName:      "Ada",
	}}
	b := newTestBridge(eng)

	issues := b.checkConsistency("s1", &eng.state)
	require.Len(t, issues, 2)
	assert.InDelta(t, 0.5, consistencyScore(issues), 1e-9)
}

func TestEndSessionClearsLogAndTurns(t *testing.T) {
	eng := &fakeEngine{}
	b := newTestBridge(eng)
	ctx := context.Background()

	_, err := b.Execute(ctx, "s1", "end_conversation", nil, "call-6")
	require.NoError(t, err)
	b.RecordTurn("s1", "hi", "hello")

	b.EndSession("s1")
	assert.Empty(t, b.Log().ForSession("s1"))
	assert.Empty(t, b.RecentTurns("s1"))
}

func TestParseExtractionToleratesFences(t *testing.T) {
	out, err := parseExtraction("```json\n{\"name\": \" Ada \", \"purpose\": \"demo\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Ada", out["name"])
	assert.Equal(t, "demo", out["purpose"])
}
