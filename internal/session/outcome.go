package session

import (
	"errors"
	"fmt"

	"github.com/terarium/taskrunner/internal/state"
	"github.com/terarium/taskrunner/internal/taskerr"
)

// OutcomeKind is the terminal classification of a session.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeTimedOut  OutcomeKind = "timed_out"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Process exit codes. The orchestrator treats 0 as success and anything else as failure, so the
// non-zero codes only refine the reason for whoever reads the exit status.
const (
	ExitCompleted = 0
	ExitTaskBody  = 1
	ExitDecode    = 65
	ExitChannel   = 74
	ExitTimedOut  = 124
	ExitCancelled = 143
)

// ErrNoOutcome is recorded when a session shuts down before anyone decided how it ended.
var ErrNoOutcome = errors.New("session shut down without an outcome")

// Outcome is how a session ended. Err is nil only for OutcomeCompleted.
type Outcome struct {
	Kind    OutcomeKind
	Err     error
	Payload []byte
}

// Recorded reports whether the outcome holds a terminal decision.
func (o Outcome) Recorded() bool {
	return o.Kind != ""
}

// ErrKind classifies Err. It is empty for a completed outcome.
func (o Outcome) ErrKind() taskerr.Kind {
	if o.Kind == OutcomeCompleted {
		return ""
	}
	return taskerr.KindOf(o.Err)
}

// ExitCode maps the outcome to the process exit status. An unrecorded outcome is a failure.
func (o Outcome) ExitCode() int {
	switch o.Kind {
	case OutcomeCompleted:
		return ExitCompleted
	case OutcomeTimedOut:
		return ExitTimedOut
	case OutcomeCancelled:
		return ExitCancelled
	case OutcomeFailed:
		switch o.ErrKind() {
		case taskerr.KindDecode:
			return ExitDecode
		case taskerr.KindChannel:
			return ExitChannel
		default:
			return ExitTaskBody
		}
	default:
		return ExitTaskBody
	}
}

func (o Outcome) String() string {
	if !o.Recorded() {
		return "pending"
	}
	if o.Err == nil {
		return string(o.Kind)
	}
	return fmt.Sprintf("%s: %v", o.Kind, o.Err)
}

func (o Outcome) state() state.State {
	switch o.Kind {
	case OutcomeCompleted:
		return state.Completed
	case OutcomeTimedOut:
		return state.TimedOut
	case OutcomeCancelled:
		return state.Cancelled
	default:
		return state.Failed
	}
}

// outcomeFor classifies the error a session ended with.
func outcomeFor(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeCompleted}
	}
	switch taskerr.KindOf(err) {
	case taskerr.KindTimedOut:
		return Outcome{Kind: OutcomeTimedOut, Err: err}
	case taskerr.KindCancelled:
		return Outcome{Kind: OutcomeCancelled, Err: err}
	case taskerr.KindChannel, taskerr.KindDecode:
		return Outcome{Kind: OutcomeFailed, Err: err}
	default:
		return Outcome{Kind: OutcomeFailed, Err: taskerr.TaskBody(err)}
	}
}
