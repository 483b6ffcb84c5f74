package worker

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"orderengine/internal/model"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// transitions lists the allowed moves of the order state machine. A retried
// job restarts at routing from failed, and a redelivered one from wherever
// the crashed attempt stopped. Confirmed is final.
var transitions = map[model.Status][]model.Status{
	model.StatusPending:  {model.StatusRouting},
	model.StatusRouting:  {model.StatusRouting, model.StatusBuilding},
	model.StatusBuilding: {model.StatusRouting, model.StatusConfirmed, model.StatusFailed},
	model.StatusFailed:   {model.StatusRouting},
}

func canTransition(from, to model.Status) bool {
	return slices.Contains(transitions[from], to)
}

// advance moves o to status to and records exactly one log entry for it.
func advance(o *model.Order, to model.Status, now time.Time, format string, args ...any) error {
	if !canTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	o.Status = to
	o.AppendLog(now, format, args...)
	return nil
}
