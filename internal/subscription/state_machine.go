package subscription

import "fmt"

type Event string

const (
	EventExecute  Event = "EXECUTE"
	EventComplete Event = "COMPLETE"
	EventRearm    Event = "REARM"
	EventFail     Event = "FAIL"
	EventRetry    Event = "RETRY"
	EventCancel   Event = "CANCEL"
)

// Next returns the status reached from current on event, and false when the
// transition is not allowed.
func Next(current Status, event Event) (Status, bool) {
	if event == EventCancel && !current.Terminal() {
		return StatusCancelled, true
	}
	switch current {
	case StatusActive:
		switch event {
		case EventExecute:
			return StatusExecuting, true
		case EventFail:
			return StatusError, true
		}
	case StatusExecuting:
		switch event {
		case EventRearm:
			return StatusActive, true
		case EventComplete:
			return StatusCompleted, true
		case EventFail:
			return StatusError, true
		}
	case StatusError:
		switch event {
		case EventRetry:
			return StatusActive, true
		case EventExecute:
			return StatusExecuting, true
		}
	}
	return current, false
}

// Apply moves sub to the next status or reports the rejected transition.
func Apply(sub *Subscription, event Event) error {
	next, ok := Next(sub.Status, event)
	if !ok {
		return fmt.Errorf("subscription %s: invalid transition %s from %s", sub.ID, event, sub.Status)
	}
	sub.Status = next
	return nil
}
