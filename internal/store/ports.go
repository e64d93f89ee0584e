// Package store defines the ledger store contract shared by every backend.
//
// A store holds one versioned balance document per user and a flat
// collection of transaction records tagged with their owner. The only write
// is Commit, which applies both halves of a mutation atomically.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"squirrel/internal/core"
)

var (
	// ErrUnavailable is a transient infrastructure failure. A commit that
	// returns it has not been applied.
	ErrUnavailable = errors.New("store unavailable")
	// ErrConflict means the balance document changed since it was read.
	ErrConflict = errors.New("store conflict")
	// ErrSubscriptionLost ends a watch whose push channel dropped.
	ErrSubscriptionLost = errors.New("subscription lost")
	ErrNotFound         = errors.New("not found")
	ErrClosed           = errors.New("store closed")
)

// CommitRequest is one mutation: the balance upsert conditioned on
// ExpectedVersion plus the transaction insert.
type CommitRequest struct {
	UserID          string
	ExpectedVersion int64
	NewBalance      decimal.Decimal
	Transaction     core.Transaction
}

type Reader interface {
	// Balance returns the balance document. A missing document is returned
	// as a zero snapshot with Exists false, never as an error.
	Balance(ctx context.Context, userID string) (core.BalanceSnapshot, error)
	// Transactions returns every record owned by userID in commit order.
	Transactions(ctx context.Context, userID string) ([]core.Transaction, error)
}

type Committer interface {
	// Commit writes the balance document and the transaction record as one
	// unit. If the transaction's idempotency token was already committed for
	// the user, nothing is written and the original record is returned with
	// replayed set.
	Commit(ctx context.Context, req CommitRequest) (tx core.Transaction, bal core.BalanceSnapshot, replayed bool, err error)
}

// Watch is a live push subscription. Stop is idempotent and returns only
// after the watch will make no further calls.
type Watch interface {
	Stop()
	// Done is closed when the watch ends for any reason.
	Done() <-chan struct{}
	// Err reports why the watch ended; nil after Stop.
	Err() error
}

type Watcher interface {
	// WatchBalance calls fn with the current balance document and again
	// with a fresh full snapshot after every change.
	WatchBalance(ctx context.Context, userID string, fn func(core.BalanceSnapshot)) (Watch, error)
	// WatchTransactions calls fn with the complete transaction set for
	// userID and again after every change.
	WatchTransactions(ctx context.Context, userID string, fn func([]core.Transaction)) (Watch, error)
}

// Ledger is the full store surface used by the services.
type Ledger interface {
	Reader
	Committer
	Watcher
	// Users lists every user that owns a balance document or a record.
	Users(ctx context.Context) ([]string, error)
	Close() error
}
