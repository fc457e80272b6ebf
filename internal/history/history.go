package history

import (
	"context"
	"time"
)

// Outcome is the terminal state of a drained job.
type Outcome string

const (
	OutcomeDone  Outcome = "done"
	OutcomeError Outcome = "error"
)

// Event is one drain outcome, exported to audit/statistics systems.
type Event struct {
	Action     string    `json:"action"`
	InstanceID int64     `json:"instance_id"`
	ReleaseID  int64     `json:"release_id"`
	Username   string    `json:"username"`
	Outcome    Outcome   `json:"outcome"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for drain-outcome events.
// Implementations must be safe for concurrent use. Delivery is
// best-effort: the drain loop tolerates sink failures.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
