package agent

import (
	"github.com/rho-agent/rho/pkg/models"
)

// captureRunState snapshots everything Resume needs: the history as it
// stands (executed calls already answered) plus the frozen calls still
// awaiting a decision.
func (s *Session) captureRunState(pending []models.ToolApprovalItem) *models.RunState {
	return &models.RunState{
		SessionID:        s.id,
		SystemPrompt:     s.agent.SystemPrompt,
		History:          s.state.Messages(),
		Usage:            s.state.Usage(),
		LastInputTokens:  s.lastInputTokens,
		PendingApprovals: pending,
	}
}

// restoreRunState loads a snapshot into the session. When the live
// state already holds the snapshot's history (in-process resume on the
// same session), it is left untouched; otherwise it is replaced.
func (s *Session) restoreRunState(rs *models.RunState) error {
	if rs == nil || len(rs.History) == 0 {
		return ErrEmptyRunState
	}
	if rs.SessionID != "" && rs.SessionID != s.id {
		return ErrSessionMismatch
	}
	if s.state.Len() != len(rs.History) {
		s.state.Restore(rs.History, rs.Usage)
	}
	s.lastInputTokens = rs.LastInputTokens
	return nil
}

// freezeApprovalItems converts undecided calls into their serializable
// approval form.
func freezeApprovalItems(calls []models.ToolCallSpec) []models.ToolApprovalItem {
	items := make([]models.ToolApprovalItem, len(calls))
	for i, call := range calls {
		items[i] = models.ToolApprovalItem{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			ToolArgs:   call.Arguments,
		}
	}
	return items
}

// thawApprovalItems is the inverse of freezeApprovalItems.
func thawApprovalItems(items []models.ToolApprovalItem) []models.ToolCallSpec {
	calls := make([]models.ToolCallSpec, len(items))
	for i, item := range items {
		calls[i] = models.ToolCallSpec{
			ID:        item.ToolCallID,
			Name:      item.ToolName,
			Arguments: item.ToolArgs,
		}
	}
	return calls
}
