package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/voicedesk/receptionist/internal/engine"
	"github.com/voicedesk/receptionist/internal/metrics"
)

// Issue types found by the consistency check.
const (
	IssueMissingExecution = "missing_execution"
	IssueDivergentField   = "divergent_field"
	IssuePartialExecution = "partial_execution"
)

// Issue is one inconsistency between the engine's state and the execution log.
type Issue struct {
	Type     string `json:"type"`
	Function string `json:"function,omitempty"`
	Field    string `json:"field,omitempty"`
	Detail   string `json:"detail"`
}

// RepairAction records one repair the bridge ran.
type RepairAction struct {
	Action   string `json:"action"`
	Function string `json:"function,omitempty"`
	CallID   string `json:"call_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SyncResult is the outcome of one SyncState run. State is the engine view
// the check ran against, for callers that record conversation progress.
type SyncResult struct {
	Consistent    bool           `json:"consistent"`
	Score         float64        `json:"score"`
	Issues        []Issue        `json:"issues,omitempty"`
	RepairActions []RepairAction `json:"repair_actions,omitempty"`
	State         *engine.State  `json:"-"`
}

// RepairStrategy reconciles detected issues. The default heuristic re-derives
// missing function calls from the engine's state; the interface keeps the
// detect→repair→log contract while letting the heuristics evolve or be
// substituted in tests.
type RepairStrategy interface {
	Repair(ctx context.Context, sessionID string, st *engine.State, issues []Issue) []RepairAction
}

// SyncState merges the engine's view with the execution log, scores their
// consistency, and runs repair when they diverge. Running it twice on an
// already-consistent state is a no-op.
func (b *Bridge) SyncState(ctx context.Context, sessionID string, st *engine.State) (*SyncResult, error) {
	if st == nil {
		fetched, err := b.cfg.Engine.GetState(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("sync state: %w", err)
		}
		st = fetched
	}

	issues := b.checkConsistency(sessionID, st)
	result := &SyncResult{
		Consistent: len(issues) == 0,
		Score:      consistencyScore(issues),
		Issues:     issues,
		State:      st,
	}
	if result.Consistent {
		return result, nil
	}

	slog.Warn("state divergence detected", "session_id", sessionID, "score", result.Score, "issues", len(issues))
	result.RepairActions = b.cfg.Repair.Repair(ctx, sessionID, st, issues)
	for _, a := range result.RepairActions {
		metrics.RepairActionsTotal.WithLabelValues(a.Action).Inc()
	}
	return result, nil
}

// checkConsistency compares key fields of the engine state against the
// session's execution log: functions the state implies should have run but
// did not, executions stuck mid-flight, and collected values that disagree.
func (b *Bridge) checkConsistency(sessionID string, st *engine.State) []Issue {
	var issues []Issue

	implied := []struct {
		flag bool
		fn   string
	}{
		{st.InfoCollected, "collect_visitor_info"},
		{st.AppointmentBooked, "book_appointment"},
		{st.NotificationSent, "send_notification"},
	}
	for _, imp := range implied {
		if imp.flag && !b.log.Completed(sessionID, imp.fn) {
			issues = append(issues, Issue{
				Type:     IssueMissingExecution,
				Function: imp.fn,
				Detail:   fmt.Sprintf("engine state implies %s ran but no completed execution found", imp.fn),
			})
		}
	}

	var lastCollect *Execution
	for _, exec := range b.log.ForSession(sessionID) {
		if exec.Status == StatusPending || exec.Status == StatusExecuting {
			issues = append(issues, Issue{
				Type:     IssuePartialExecution,
				Function: exec.Function,
				Detail:   fmt.Sprintf("call %s is still %s", exec.CallID, exec.Status),
			})
			continue
		}
		if exec.Function == "collect_visitor_info" && exec.Status == StatusCompleted {
			e := exec
			lastCollect = &e
		}
	}

	// Field-level comparison against the most recent collection only: a
	// successful repair supersedes older divergent executions.
	if lastCollect != nil {
		if name, _ := lastCollect.Args["name"].(string); name != "" && st.VisitorName != "" &&
			!strings.EqualFold(name, st.VisitorName) {
			issues = append(issues, Issue{
				Type:   IssueDivergentField,
				Field:  "visitor_name",
				Detail: fmt.Sprintf("execution log has %q, engine has %q", name, st.VisitorName),
			})
		}
	}

	return issues
}

// consistencyScore maps issues to [0,1]: 1 is fully consistent, each issue
// costs a fixed share.
func consistencyScore(issues []Issue) float64 {
	score := 1.0 - 0.25*float64(len(issues))
	if score < 0 {
		return 0
	}
	return score
}

// heuristicRepair is the default RepairStrategy: re-derive missing calls
// from the engine state and re-execute them; re-extract visitor info from
// recent turns when collected values diverge.
type heuristicRepair struct {
	bridge *Bridge
}

func (h *heuristicRepair) Repair(ctx context.Context, sessionID string, st *engine.State, issues []Issue) []RepairAction {
	var actions []RepairAction
	for _, issue := range issues {
		switch issue.Type {
		case IssueMissingExecution:
			actions = append(actions, h.replayMissing(ctx, sessionID, st, issue.Function))
		case IssueDivergentField:
			actions = append(actions, h.reextract(ctx, sessionID))
		case IssuePartialExecution:
			// Left to its own timeout; recorded so monitoring sees it.
			actions = append(actions, RepairAction{Action: "observe_partial", Function: issue.Function})
		}
	}
	return actions
}

// replayMissing rebuilds the arguments a missing function call must have had
// from the engine's own state, then executes it through the normal path so
// the execution log catches up.
func (h *heuristicRepair) replayMissing(ctx context.Context, sessionID string, st *engine.State, fn string) RepairAction {
	args := argsFromState(st, fn)
	callID := "repair-" + uuid.NewString()
	exec, err := h.bridge.Execute(ctx, sessionID, fn, args, callID)
	action := RepairAction{Action: "replay_missing_call", Function: fn, CallID: callID}
	if err != nil {
		action.Error = err.Error()
		return action
	}
	exec.Repair = true
	slog.Info("repaired missing function call", "session_id", sessionID, "function", fn, "call_id", callID)
	return action
}

func (h *heuristicRepair) reextract(ctx context.Context, sessionID string) RepairAction {
	action := RepairAction{Action: "reextract_visitor_info", Function: "collect_visitor_info"}
	if h.bridge.cfg.Extractor == nil {
		action.Error = "no extractor configured"
		return action
	}
	info, err := h.bridge.cfg.Extractor.Extract(ctx, h.bridge.RecentTurns(sessionID))
	if err != nil {
		action.Error = err.Error()
		return action
	}
	args := make(map[string]any, len(info))
	for k, v := range info {
		args[k] = v
	}
	callID := "repair-" + uuid.NewString()
	action.CallID = callID
	if _, err = h.bridge.Execute(ctx, sessionID, "collect_visitor_info", args, callID); err != nil {
		action.Error = err.Error()
	}
	return action
}

// argsFromState reconstructs the arguments for fn from engine state fields.
func argsFromState(st *engine.State, fn string) map[string]any {
	switch fn {
	case "collect_visitor_info":
		args := map[string]any{"name": st.VisitorName}
		if st.VisitorPhone != "" {
			args["phone"] = st.VisitorPhone
		}
		if st.VisitorEmail != "" {
			args["email"] = st.VisitorEmail
		}
		if st.Purpose != "" {
			args["purpose"] = st.Purpose
		}
		return args
	case "book_appointment":
		return map[string]any{"datetime": st.AppointmentTime, "name": st.VisitorName}
	case "send_notification":
		return map[string]any{
			"message": fmt.Sprintf("Visitor %s: %s", st.VisitorName, st.Purpose),
		}
	default:
		return map[string]any{}
	}
}
