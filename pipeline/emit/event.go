// Package emit provides the event stream for pipeline runs.
//
// The engine publishes one Event per dispatch: node completions, gate
// decisions, escalations, suspensions, checkpoint degradation, and run
// lifecycle changes. Emitters fan those events out to logs, in-memory
// buffers, or OpenTelemetry traces.
package emit

// Event describes one observable moment in a run.
//
// Msg identifies the kind of moment. The engine uses a fixed
// vocabulary:
//
//	run_started, node_completed, node_failed, gate_decision,
//	gate_escalated, run_suspended, run_resumed, run_completed,
//	run_failed, run_cancelled, checkpoint_degraded, run_archived
//
// Meta carries event-specific detail such as the recipe ID, the gate
// decision label, or the representative error for a failed parallel
// group. Emitters must treat Meta as read-only.
type Event struct {
	RunID  string         `json:"runID"`
	Step   int            `json:"step"`
	NodeID string         `json:"nodeID"`
	Msg    string         `json:"msg"`
	Meta   map[string]any `json:"meta"`
}
