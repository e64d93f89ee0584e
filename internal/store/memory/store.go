// Package memory is an in-process ledger store with document-store
// semantics: versioned balance documents, a flat transaction collection and
// push watches. It also carries the fault hooks the service tests rely on.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"squirrel/internal/core"
	"squirrel/internal/store"
	"squirrel/internal/store/feed"
)

// FaultPoint names a step inside Commit where an injected error fires.
type FaultPoint int

const (
	// AfterBalanceWrite fires once the balance document is staged and
	// before the transaction record is inserted.
	AfterBalanceWrite FaultPoint = iota + 1
	// AfterTransactionInsert fires once both writes are staged and before
	// they become visible.
	AfterTransactionInsert
)

func (p FaultPoint) String() string {
	switch p {
	case AfterBalanceWrite:
		return "after_balance_write"
	case AfterTransactionInsert:
		return "after_transaction_insert"
	default:
		return fmt.Sprintf("fault(%d)", int(p))
	}
}

type balanceDoc struct {
	balance decimal.Decimal
	version int64
}

type Store struct {
	mu        sync.Mutex
	balances  map[string]balanceDoc
	txs       []core.Transaction
	tokens    map[string]map[string]int // user -> token -> index into txs
	faults    map[FaultPoint]error
	available bool
	closed    bool
	hook      func(store.CommitRequest)

	ops atomic.Int64
	now func() time.Time

	balanceFeed *feed.Hub[core.BalanceSnapshot]
	txFeed      *feed.Hub[[]core.Transaction]
}

var _ store.Ledger = (*Store)(nil)

func New() *Store {
	s := &Store{
		balances:  make(map[string]balanceDoc),
		tokens:    make(map[string]map[string]int),
		faults:    make(map[FaultPoint]error),
		available: true,
		now:       time.Now,
	}
	s.balanceFeed = feed.NewHub[core.BalanceSnapshot](s.loadBalance)
	s.txFeed = feed.NewHub[[]core.Transaction](s.loadTransactions)
	return s
}

// Ops returns how many client operations reached the store.
func (s *Store) Ops() int64 { return s.ops.Load() }

// InjectFault makes every following Commit fail at p with err until
// ClearFaults is called. The error is reported as store.ErrUnavailable.
func (s *Store) InjectFault(p FaultPoint, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[p] = err
}

func (s *Store) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[FaultPoint]error)
}

// SetAvailable toggles a simulated outage. While unavailable every
// operation fails with store.ErrUnavailable.
func (s *Store) SetAvailable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = ok
}

// SetCommitHook installs fn to run at the start of every Commit, before the
// store lock is taken. Tests use it to force interleavings.
func (s *Store) SetCommitHook(fn func(store.CommitRequest)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// Disconnect drops every live watch with store.ErrSubscriptionLost.
func (s *Store) Disconnect() {
	s.balanceFeed.DropAll(store.ErrSubscriptionLost)
	s.txFeed.DropAll(store.ErrSubscriptionLost)
}

// Watches returns the number of live watches.
func (s *Store) Watches() int {
	return s.balanceFeed.Len() + s.txFeed.Len()
}

func (s *Store) enter(ctx context.Context) error {
	s.ops.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usableLocked()
}

func (s *Store) usableLocked() error {
	if s.closed {
		return store.ErrClosed
	}
	if !s.available {
		return store.ErrUnavailable
	}
	return nil
}

func (s *Store) Balance(ctx context.Context, userID string) (core.BalanceSnapshot, error) {
	if err := s.enter(ctx); err != nil {
		return core.BalanceSnapshot{}, err
	}
	return s.loadBalance(ctx, userID)
}

func (s *Store) Transactions(ctx context.Context, userID string) ([]core.Transaction, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	return s.loadTransactions(ctx, userID)
}

func (s *Store) loadBalance(_ context.Context, userID string) (core.BalanceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return core.BalanceSnapshot{}, err
	}
	doc, ok := s.balances[userID]
	if !ok {
		return core.BalanceSnapshot{UserID: userID, Balance: decimal.Zero}, nil
	}
	return core.BalanceSnapshot{UserID: userID, Balance: doc.balance, Version: doc.version, Exists: true}, nil
}

func (s *Store) loadTransactions(_ context.Context, userID string) ([]core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return nil, err
	}
	out := []core.Transaction{}
	for _, t := range s.txs {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) Commit(ctx context.Context, req store.CommitRequest) (core.Transaction, core.BalanceSnapshot, bool, error) {
	if err := s.enter(ctx); err != nil {
		return core.Transaction{}, core.BalanceSnapshot{}, false, err
	}
	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(req)
	}

	tx, bal, replayed, err := s.commit(req)
	if err == nil && !replayed {
		s.balanceFeed.Notify(req.UserID)
		s.txFeed.Notify(req.UserID)
	}
	return tx, bal, replayed, err
}

func (s *Store) commit(req store.CommitRequest) (core.Transaction, core.BalanceSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return core.Transaction{}, core.BalanceSnapshot{}, false, err
	}

	userID := req.UserID
	token := req.Transaction.IdempotencyToken
	if token != "" {
		if i, ok := s.tokens[userID][token]; ok {
			doc := s.balances[userID]
			return s.txs[i], core.BalanceSnapshot{UserID: userID, Balance: doc.balance, Version: doc.version, Exists: true}, true, nil
		}
	}

	prev, existed := s.balances[userID]
	if prev.version != req.ExpectedVersion {
		return core.Transaction{}, core.BalanceSnapshot{}, false, fmt.Errorf("%w: user %s at version %d, expected %d",
			store.ErrConflict, userID, prev.version, req.ExpectedVersion)
	}

	rollback := func() {
		if existed {
			s.balances[userID] = prev
		} else {
			delete(s.balances, userID)
		}
	}

	next := balanceDoc{balance: req.NewBalance, version: prev.version + 1}
	s.balances[userID] = next
	if err := s.faults[AfterBalanceWrite]; err != nil {
		rollback()
		return core.Transaction{}, core.BalanceSnapshot{}, false, fmt.Errorf("%w: %s: %w", store.ErrUnavailable, AfterBalanceWrite, err)
	}

	tx := req.Transaction
	tx.UserID = userID
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now().UTC()
	}
	s.txs = append(s.txs, tx)
	if err := s.faults[AfterTransactionInsert]; err != nil {
		s.txs = s.txs[:len(s.txs)-1]
		rollback()
		return core.Transaction{}, core.BalanceSnapshot{}, false, fmt.Errorf("%w: %s: %w", store.ErrUnavailable, AfterTransactionInsert, err)
	}

	if token != "" {
		if s.tokens[userID] == nil {
			s.tokens[userID] = make(map[string]int)
		}
		s.tokens[userID][token] = len(s.txs) - 1
	}
	return tx, core.BalanceSnapshot{UserID: userID, Balance: next.balance, Version: next.version, Exists: true}, false, nil
}

func (s *Store) WatchBalance(ctx context.Context, userID string, fn func(core.BalanceSnapshot)) (store.Watch, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	w, err := s.balanceFeed.Watch(ctx, userID, fn)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Store) WatchTransactions(ctx context.Context, userID string, fn func([]core.Transaction)) (store.Watch, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	w, err := s.txFeed.Watch(ctx, userID, fn)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Store) Users(ctx context.Context) ([]string, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(s.balances))
	for id := range s.balances {
		seen[id] = struct{}{}
	}
	for _, t := range s.txs {
		seen[t.UserID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.balanceFeed.Close()
	s.txFeed.Close()
	return nil
}
