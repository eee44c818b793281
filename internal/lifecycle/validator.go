package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"task-lifecycle/internal/models"
)

// allowed is the transition table. Anything not listed is rejected.
var allowed = map[models.Status]map[models.Status]bool{
	models.StatusPending:    {models.StatusInProgress: true},
	models.StatusInProgress: {models.StatusCompleted: true},
	models.StatusCompleted:  {},
}

const reasonCompleteRequiresInProgress = "only in_progress tasks can be marked completed"

// CheckTransition decides whether current -> requested is legal.
func CheckTransition(current, requested models.Status) error {
	reject := func(reason string) error {
		return &TransitionError{From: current, To: requested, Reason: reason}
	}
	switch {
	case !requested.Valid():
		return reject(fmt.Sprintf("unknown status %q", requested))
	case current == requested:
		return reject(fmt.Sprintf("task is already %s", current))
	case allowed[current][requested]:
		return nil
	case requested == models.StatusCompleted:
		return reject(reasonCompleteRequiresInProgress)
	default:
		return reject(fmt.Sprintf("transition not allowed: %s -> %s", current, requested))
	}
}

// Validate reads the task's current status through r and checks the move to
// requested. It returns ErrTaskNotFound, a *TransitionError, or the read error.
func Validate(ctx context.Context, r StatusReader, id int64, requested models.Status) error {
	_, _, err := validate(ctx, r, id, requested)
	return err
}

// ValidateTransition is Validate reduced to an accept flag and a reason.
func ValidateTransition(ctx context.Context, r StatusReader, id int64, requested models.Status) (bool, string) {
	err := Validate(ctx, r, id, requested)
	switch {
	case err == nil:
		return true, ""
	case errors.Is(err, ErrTaskNotFound):
		return false, ErrTaskNotFound.Error()
	default:
		return false, err.Error()
	}
}

func validate(ctx context.Context, r StatusReader, id int64, requested models.Status) (models.Status, time.Time, error) {
	current, updatedAt, err := r.TaskStatus(ctx, id)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := CheckTransition(current, requested); err != nil {
		var te *TransitionError
		if errors.As(err, &te) {
			te.TaskID = id
		}
		return current, updatedAt, err
	}
	return current, updatedAt, nil
}
