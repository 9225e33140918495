package agent

import "context"

// ApprovalDecision is the outcome of an approval prompt for one
// gated tool call.
type ApprovalDecision int

const (
	// Approved lets the call dispatch.
	Approved ApprovalDecision = iota

	// Rejected blocks the call. The loop appends a rejection result
	// for it, skip results for the calls queued behind it, and ends
	// the turn so the model can take new instructions.
	Rejected

	// Interrupt defers the decision out of process: the run freezes
	// the undecided calls into a RunState snapshot and returns with
	// status interrupted.
	Interrupt
)

func (d ApprovalDecision) String() string {
	switch d {
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	case Interrupt:
		return "interrupt"
	}
	return "unknown"
}

// ApprovalCallback decides one gated tool call. It runs synchronously
// inside the loop, so a slow decider (a human at a TTY) stalls the
// turn until it answers. An error aborts the run.
type ApprovalCallback func(ctx context.Context, toolName string, args map[string]any) (ApprovalDecision, error)

// Canned tool results recorded for blocked calls. Models are prompted
// to treat these as user feedback, so the wording stays stable.
const (
	RejectedToolResult = "Command rejected by user. Awaiting new instructions."
	SkippedToolResult  = "Command skipped - user rejected previous command."

	// CancelledToolResult answers calls left unexecuted when a run is
	// cancelled mid-batch, keeping history well formed for the next run.
	CancelledToolResult = "Command cancelled by user."
)

// ApproveAll is an ApprovalCallback that waves everything through.
// Useful for evals and tests.
func ApproveAll(context.Context, string, map[string]any) (ApprovalDecision, error) {
	return Approved, nil
}
