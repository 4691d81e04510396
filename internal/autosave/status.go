package autosave

import "time"

// Status is the autosave indicator shown to the user
type Status int

const (
	StatusIdle Status = iota
	StatusPending
	StatusSaving
	StatusSaved
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPending:
		return "pending"
	case StatusSaving:
		return "saving"
	case StatusSaved:
		return "saved"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusEvent is delivered to subscribers on every visible status change
type StatusEvent struct {
	Status Status
	Err    string
	At     time.Time
}

// transitions lists the legal moves between statuses. Pending may end a
// flight directly when an edit arrived while the request was outstanding.
// Error may go straight to Saving when such an edit survived a failed
// flight and its debounce fires before any further edit.
var transitions = map[Status][]Status{
	StatusIdle:    {StatusPending},
	StatusPending: {StatusSaving, StatusIdle, StatusSaved, StatusError},
	StatusSaving:  {StatusSaved, StatusError, StatusPending},
	StatusSaved:   {StatusPending, StatusIdle},
	StatusError:   {StatusPending, StatusIdle, StatusSaving},
}

// CanTransition reports whether moving from s to next is legal
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// statusMachine tracks the current status and its error message
type statusMachine struct {
	status Status
	err    string
}

// move applies a transition. It reports false when nothing visible changed
// (same status and message) or when the move is illegal.
func (m *statusMachine) move(next Status, errMsg string) (StatusEvent, bool, error) {
	if next != StatusError {
		errMsg = ""
	}
	if next == m.status {
		if errMsg == m.err {
			return StatusEvent{}, false, nil
		}
		m.err = errMsg
		return StatusEvent{Status: next, Err: errMsg, At: time.Now()}, true, nil
	}
	if !m.status.CanTransition(next) {
		return StatusEvent{}, false, &TransitionError{From: m.status, To: next}
	}
	m.status = next
	m.err = errMsg
	return StatusEvent{Status: next, Err: errMsg, At: time.Now()}, true, nil
}
