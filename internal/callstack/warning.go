package callstack

type (
	WarningKind string

	// Warning aggregates the anomalies of one kind seen on a thread.
	Warning struct {
		Kind  WarningKind `json:"kind"`
		PID   int64       `json:"pid"`
		TID   int64       `json:"tid"`
		Count int         `json:"count"`
		// Timestamp of the first occurrence.
		Timestamp int64  `json:"timestamp"`
		Message   string `json:"message,omitempty"`
	}

	// Anomalies counts what construction had to ignore or repair.
	Anomalies struct {
		UnmatchedExits   int `json:"unmatched_exits"`
		OrderViolations  int `json:"order_violations"`
		TruncatedFrames  int `json:"truncated_frames"`
		SkippedEvents    int `json:"skipped_events"`
		MaxDepthExceeded int `json:"max_depth_exceeded"`
	}

	warningKey struct {
		kind WarningKind
		pid  int64
		tid  int64
	}
)

const (
	// WarningOrderViolation means a thread went back in time and its
	// construction was aborted.
	WarningOrderViolation WarningKind = "order_violation"
	// WarningUnmatchedExit means an exit arrived on an empty stack.
	WarningUnmatchedExit WarningKind = "unmatched_exit"
	// WarningTruncatedFrame means a frame was closed by its parent or by the
	// end of the trace instead of its own exit.
	WarningTruncatedFrame WarningKind = "truncated_frame"
	// WarningMaxDepth means entries deeper than the configured limit were
	// dropped.
	WarningMaxDepth WarningKind = "max_depth"
)

// Total returns the number of anomalies of any kind.
func (a Anomalies) Total() int {
	return a.UnmatchedExits + a.OrderViolations + a.TruncatedFrames + a.SkippedEvents + a.MaxDepthExceeded
}
