package aggregate

import (
	"context"
	"errors"
	"fmt"
)

// BusinessError signals a command rejected by domain rules. Callers must not
// retry it as-is; unlike a conflict, a fresh read will not change the answer.
type BusinessError struct {
	Reason string
}

func (e *BusinessError) Error() string { return "business rule violated: " + e.Reason }

// IsBusinessError reports whether err is a domain-rule rejection.
func IsBusinessError(err error) bool {
	var be *BusinessError
	return errors.As(err, &be)
}

// Decide runs a command's business logic against the hydrated aggregate and
// stages the resulting events through Root.Record. Returning an error stages
// nothing.
type Decide func(ctx context.Context, agg Aggregate) error

// CommandHandler wires command execution to the repository. The core does
// not validate business rules; it guarantees atomic ordered persistence of
// whatever events the Decide function emits.
type CommandHandler struct {
	repo *Repository
}

// NewCommandHandler creates a handler over repo.
func NewCommandHandler(repo *Repository) *CommandHandler {
	return &CommandHandler{repo: repo}
}

// HandleCommand hydrates the aggregate, lets decide emit events, and appends
// them. It returns the global position of the last appended event, usable as
// a consistency token for read-your-writes. Conflicts and business errors
// are surfaced, never swallowed or auto-retried.
func (h *CommandHandler) HandleCommand(ctx context.Context, aggregateID string, decide Decide) (uint64, error) {
	agg, err := h.repo.Load(ctx, aggregateID)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", aggregateID, err)
	}

	if err := decide(ctx, agg); err != nil {
		return 0, err
	}

	res, err := h.repo.Save(ctx, agg)
	if err != nil {
		return 0, err
	}
	return res.Position, nil
}
