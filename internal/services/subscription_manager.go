package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"squirrel/internal/core"
	"squirrel/internal/log"
	"squirrel/internal/store"
)

// SubscriptionPolicy controls how a lost subscription is re-established.
type SubscriptionPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// LostThreshold is the number of consecutive failed resubscribe
	// attempts after which OnLost is told. Retrying continues regardless.
	LostThreshold int
	// OnLost, if set, is called once per outage that crosses LostThreshold.
	OnLost func(userID string, err error)
}

func DefaultSubscriptionPolicy() SubscriptionPolicy {
	return SubscriptionPolicy{
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		LostThreshold: 5,
	}
}

func (p SubscriptionPolicy) backoff(failures int) time.Duration {
	return RetryPolicy{BaseDelay: p.BaseDelay, MaxDelay: p.MaxDelay}.Backoff(failures)
}

// SubscriptionManager opens live views of one user's ledger.
type SubscriptionManager struct {
	userID  string
	watcher store.Watcher
	policy  SubscriptionPolicy
	logger  *log.Logger
}

func NewSubscriptionManager(userID string, watcher store.Watcher, policy SubscriptionPolicy, logger *log.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		userID:  userID,
		watcher: watcher,
		policy:  policy,
		logger:  log.OrNop(logger).WithComponent(log.ComponentSubscription).With(log.FieldUserID, userID),
	}
}

func (m *SubscriptionManager) UserID() string { return m.userID }

// Subscribe opens one watch on the user's transactions and one on the
// balance document, then calls onChange with the full current view each
// time either changes. The first call happens once both initial snapshots
// have arrived. Calls are serial and come from a single goroutine.
//
// The subscription lives until Unsubscribe or until ctx ends. Lost watches
// are re-opened with backoff and the fresh snapshots are forwarded through
// the same callback.
func (m *SubscriptionManager) Subscribe(ctx context.Context, onChange func(core.View)) (*Subscription, error) {
	if m.userID == "" {
		return nil, ErrNoIdentity
	}
	if onChange == nil {
		return nil, errors.New("subscribe: nil callback")
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		m:        m,
		onChange: onChange,
		ctx:      sctx,
		cancel:   cancel,
		updates:  make(chan update, 2),
		done:     make(chan struct{}),
	}

	ep, err := s.open(1)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", m.userID, err)
	}
	s.mu.Lock()
	s.cur = ep
	s.mu.Unlock()

	go s.run(ep)
	m.logger.DebugContext(ctx, "Subscribed", log.FieldOperation, log.OpSubscribe)
	return s, nil
}

// Unsubscribe closes s. It is safe to call more than once and with nil.
func (m *SubscriptionManager) Unsubscribe(s *Subscription) {
	if s != nil {
		s.Close()
	}
}

type update struct {
	epoch   int
	balance *core.BalanceSnapshot
	txs     []core.Transaction
	hasTxs  bool
}

// epoch is one generation of store watches. A resubscribe starts a new
// epoch; updates from older ones are discarded.
type epoch struct {
	n        int
	cancel   context.CancelFunc
	balance  store.Watch
	txs      store.Watch
	stopOnce sync.Once
}

func (e *epoch) stop() {
	if e == nil {
		return
	}
	e.stopOnce.Do(func() {
		e.cancel()
		if e.balance != nil {
			e.balance.Stop()
		}
		if e.txs != nil {
			e.txs.Stop()
		}
	})
}

// lostErr returns why one of the epoch's watches ended, preferring a
// non-nil reason.
func (e *epoch) lostErr() error {
	for _, w := range []store.Watch{e.balance, e.txs} {
		select {
		case <-w.Done():
			if err := w.Err(); err != nil {
				return err
			}
		default:
		}
	}
	return store.ErrSubscriptionLost
}

// Subscription is a live full-snapshot view of one user's ledger.
type Subscription struct {
	m        *SubscriptionManager
	onChange func(core.View)

	ctx    context.Context
	cancel context.CancelFunc

	updates chan update
	done    chan struct{}

	mu         sync.Mutex
	cur        *epoch
	closed     bool
	delivering bool
	err        error
}

func (s *Subscription) open(n int) (*epoch, error) {
	ectx, cancel := context.WithCancel(s.ctx)
	ep := &epoch{n: n, cancel: cancel}

	send := func(u update) {
		select {
		case s.updates <- u:
		case <-ectx.Done():
		}
	}

	var err error
	ep.balance, err = s.m.watcher.WatchBalance(ectx, s.m.userID, func(b core.BalanceSnapshot) {
		send(update{epoch: n, balance: &b})
	})
	if err != nil {
		ep.stop()
		return nil, fmt.Errorf("watch balance: %w", err)
	}
	ep.txs, err = s.m.watcher.WatchTransactions(ectx, s.m.userID, func(txs []core.Transaction) {
		send(update{epoch: n, txs: txs, hasTxs: true})
	})
	if err != nil {
		ep.stop()
		return nil, fmt.Errorf("watch transactions: %w", err)
	}
	return ep, nil
}

func (s *Subscription) run(ep *epoch) {
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		cur := s.cur
		if s.err == nil {
			s.err = s.ctx.Err()
		}
		s.mu.Unlock()
		cur.stop()
	}()

	var (
		balance  core.BalanceSnapshot
		txs      []core.Transaction
		haveBal  bool
		haveTxs  bool
		failures int
		reported bool
	)

	for {
		select {
		case <-s.ctx.Done():
			return

		case u := <-s.updates:
			if u.epoch != ep.n {
				continue
			}
			if u.balance != nil {
				balance, haveBal = *u.balance, true
			}
			if u.hasTxs {
				txs, haveTxs = u.txs, true
			}
			if haveBal && haveTxs {
				s.deliver(core.View{
					UserID:       s.m.userID,
					Balance:      balance.Balance,
					Version:      balance.Version,
					Transactions: txs,
				})
			}

		case <-ep.balance.Done():
			ep = s.reopen(ep, &failures, &reported)
			haveBal, haveTxs = false, false
		case <-ep.txs.Done():
			ep = s.reopen(ep, &failures, &reported)
			haveBal, haveTxs = false, false
		}
		if ep == nil {
			return
		}
	}
}

// reopen replaces a broken epoch, retrying with backoff until it succeeds
// or the subscription ends. It returns nil when the subscription ended.
func (s *Subscription) reopen(old *epoch, failures *int, reported *bool) *epoch {
	cause := old.lostErr()
	old.stop()
	if s.ctx.Err() != nil {
		return nil
	}
	s.m.logger.WarnContext(s.ctx, "Subscription lost, resubscribing",
		log.FieldOperation, log.OpResubscribe, log.FieldError, cause.Error())

	next := old.n + 1
	for {
		if err := sleep(s.ctx, s.m.policy.backoff(*failures)); err != nil {
			return nil
		}
		ep, err := s.open(next)
		if err == nil {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				ep.stop()
				return nil
			}
			s.cur = ep
			s.mu.Unlock()
			if *failures > 0 {
				s.m.logger.InfoContext(s.ctx, "Subscription restored", log.FieldAttempt, *failures+1)
			}
			*failures, *reported = 0, false
			return ep
		}

		*failures++
		next++
		cause = err
		s.m.logger.WarnContext(s.ctx, "Resubscribe failed",
			log.FieldAttempt, *failures, log.FieldError, err.Error())
		if th := s.m.policy.LostThreshold; th > 0 && *failures >= th && !*reported {
			*reported = true
			s.m.logger.LogErr(s.ctx, "Subscription cannot be restored", cause,
				log.ErrorTypeSubscription, log.OpResubscribe, nil)
			if s.m.policy.OnLost != nil {
				s.m.policy.OnLost(s.m.userID, fmt.Errorf("%w: %w", store.ErrSubscriptionLost, cause))
			}
		}
	}
}

func (s *Subscription) deliver(v core.View) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.delivering = false
		s.mu.Unlock()
	}()
	s.onChange(v)
}

// Close ends the subscription and stops its store watches. It is
// idempotent and no callback starts after it returns. Close waits for the
// delivery goroutine to exit unless a callback is in progress, which makes
// it safe to call from inside onChange.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	inCallback := s.delivering
	cur := s.cur
	s.mu.Unlock()

	s.cancel()
	cur.stop()
	if !inCallback {
		<-s.done
	}
	s.m.logger.Debug("Unsubscribed", log.FieldOperation, log.OpUnsubscribe)
}

// Done is closed once the subscription has fully ended.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err is nil while live, context.Canceled after Close, or the parent
// context's error if that ended the subscription.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
