package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"squirrel/internal/core"
	"squirrel/internal/log"
	"squirrel/internal/store"
)

// ErrNoIdentity is returned when a ledger operation runs without a
// signed-in user.
var ErrNoIdentity = errors.New("no signed-in identity")

// LedgerWriter is the store surface the coordinator needs.
type LedgerWriter interface {
	store.Reader
	store.Committer
}

// MutationCoordinator validates pending entries and commits them for one
// user. It never touches local view state; observers learn about the
// result through their subscriptions.
type MutationCoordinator struct {
	userID   string
	ledger   LedgerWriter
	policy   RetryPolicy
	logger   *log.Logger
	newToken func() string
}

func NewMutationCoordinator(userID string, ledger LedgerWriter, policy RetryPolicy, logger *log.Logger) *MutationCoordinator {
	return &MutationCoordinator{
		userID:   userID,
		ledger:   ledger,
		policy:   policy,
		logger:   log.OrNop(logger).WithComponent(log.ComponentLedger).With(log.FieldUserID, userID),
		newToken: uuid.NewString,
	}
}

func (c *MutationCoordinator) UserID() string { return c.userID }

// Apply validates p and commits it as one atomic balance-and-record write.
//
// Validation failures return a *core.ValidationError without any store
// access. A version conflict is retried at once from a fresh read; an
// unavailable store is retried after a backoff. Both are bounded by the
// retry policy and the last error is returned on exhaustion. Every attempt
// reuses the same idempotency token, so a retry after an ambiguous failure
// is applied at most once.
func (c *MutationCoordinator) Apply(ctx context.Context, p core.PendingEntry) (core.Applied, error) {
	if c.userID == "" {
		return core.Applied{}, ErrNoIdentity
	}
	entry, err := p.Validate()
	if err != nil {
		c.logger.DebugContext(ctx, "Rejected pending entry",
			log.FieldOperation, log.OpValidate, log.FieldError, err.Error())
		return core.Applied{}, err
	}
	if entry.Token == "" {
		entry.Token = c.newToken()
	}

	var lastErr error
	maxAttempts := c.policy.attempts()
	unavailable := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		applied, err := c.try(ctx, entry)
		if err == nil {
			c.logger.InfoContext(ctx, "Mutation applied", log.NewFields().
				WithTransaction(applied.Transaction.ID, applied.Transaction.Name,
					applied.Transaction.Category.String(), applied.Transaction.Amount.String()).
				WithBalance(applied.Balance.Balance.String(), applied.Balance.Version).
				WithAttempt(attempt).
				WithOperation(log.OpApply).
				ToSlice()...)
			return applied, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, store.ErrConflict):
			c.logger.DebugContext(ctx, "Balance moved underneath mutation, re-reading",
				log.FieldAttempt, attempt, log.FieldIdempotencyKey, entry.Token)
		case errors.Is(err, store.ErrUnavailable):
			if attempt == maxAttempts {
				break
			}
			delay := c.policy.Backoff(unavailable)
			unavailable++
			c.logger.WarnContext(ctx, "Ledger store unavailable, retrying",
				log.FieldAttempt, attempt, log.FieldError, err.Error(), "delay", delay)
			if err := sleep(ctx, delay); err != nil {
				return core.Applied{}, fmt.Errorf("apply mutation: %w", err)
			}
		default:
			return core.Applied{}, fmt.Errorf("apply mutation: %w", err)
		}
	}

	c.logger.LogErr(ctx, "Mutation gave up", lastErr, errorType(lastErr), log.OpApply,
		log.NewFields().WithAttempt(maxAttempts))
	return core.Applied{}, fmt.Errorf("apply mutation after %d attempts: %w", maxAttempts, lastErr)
}

func (c *MutationCoordinator) try(ctx context.Context, e core.Entry) (core.Applied, error) {
	current, err := c.ledger.Balance(ctx, c.userID)
	if err != nil {
		return core.Applied{}, fmt.Errorf("read balance: %w", err)
	}

	signed := e.Mutation.Signed()
	tx, bal, replayed, err := c.ledger.Commit(ctx, store.CommitRequest{
		UserID:          c.userID,
		ExpectedVersion: current.Version,
		NewBalance:      current.Balance.Add(signed),
		Transaction: core.Transaction{
			UserID:           c.userID,
			Name:             e.Name,
			Date:             e.Date,
			Category:         e.Category,
			Amount:           signed,
			IdempotencyToken: e.Token,
		},
	})
	if err != nil {
		return core.Applied{}, err
	}
	return core.Applied{Transaction: tx, Balance: bal, Replayed: replayed}, nil
}

func errorType(err error) string {
	switch {
	case errors.Is(err, store.ErrConflict):
		return log.ErrorTypeConflict
	case errors.Is(err, store.ErrUnavailable):
		return log.ErrorTypeUnavailable
	case errors.Is(err, store.ErrSubscriptionLost):
		return log.ErrorTypeSubscription
	default:
		return log.ErrorTypeInternal
	}
}
