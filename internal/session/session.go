// Package session ties one signed-in user to a live view of their ledger.
//
// On sign-in a session opens a mutation coordinator and a subscription for
// the user; on sign-out it unsubscribes first and only then drops the
// identity, so no callback can observe a half torn-down session.
package session

import (
	"context"
	"sync"

	"squirrel/internal/core"
	"squirrel/internal/identity"
	"squirrel/internal/log"
	"squirrel/internal/services"
	"squirrel/internal/store"
)

// Ledger is the store surface a session needs.
type Ledger interface {
	store.Reader
	store.Committer
	store.Watcher
}

type Config struct {
	Retry        services.RetryPolicy
	Subscription services.SubscriptionPolicy
}

func DefaultConfig() Config {
	return Config{
		Retry:        services.DefaultRetryPolicy(),
		Subscription: services.DefaultSubscriptionPolicy(),
	}
}

type Session struct {
	ledger Ledger
	agg    *services.BalanceAggregator
	config Config
	base   *log.Logger
	logger *log.Logger

	// switchMu serializes sign-in and sign-out.
	switchMu sync.Mutex

	mu        sync.Mutex
	userID    string
	coord     *services.MutationCoordinator
	manager   *services.SubscriptionManager
	sub       *services.Subscription
	gen       int
	view      core.View
	hasView   bool
	listeners map[int]func(core.View)
	nextID    int
	detach    func()
}

// New returns a signed-out session. agg may be nil.
func New(ledger Ledger, agg *services.BalanceAggregator, config Config, logger *log.Logger) *Session {
	base := log.OrNop(logger)
	return &Session{
		ledger:    ledger,
		agg:       agg,
		config:    config,
		base:      base,
		logger:    base.WithComponent(log.ComponentSession),
		listeners: make(map[int]func(core.View)),
	}
}

// Attach follows p: every identity change signs the session in or out.
// Attaching again replaces the previous provider.
func (s *Session) Attach(p identity.Provider) {
	s.mu.Lock()
	old := s.detach
	s.detach = nil
	s.mu.Unlock()
	if old != nil {
		old()
	}

	detach := p.OnChange(func(userID string) {
		if userID == "" {
			s.SignOut()
			return
		}
		if err := s.SignIn(context.Background(), userID); err != nil {
			s.logger.LogErr(context.Background(), "Sign-in could not open a live view", err,
				log.ErrorTypeSubscription, log.OpSubscribe, log.NewFields().WithUser(userID))
		}
	})

	s.mu.Lock()
	s.detach = detach
	s.mu.Unlock()
}

// SignIn makes userID the session's identity. A different previous user is
// signed out first. If the live view cannot be opened the identity is kept
// for Apply and the error is returned.
func (s *Session) SignIn(ctx context.Context, userID string) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	same := s.userID == userID
	s.mu.Unlock()
	if same {
		return nil
	}
	s.signOutLocked()

	coord := services.NewMutationCoordinator(userID, s.ledger, s.config.Retry, s.base)
	manager := services.NewSubscriptionManager(userID, s.ledger, s.config.Subscription, s.base)

	s.mu.Lock()
	s.userID = userID
	s.coord = coord
	s.manager = manager
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	sub, err := manager.Subscribe(context.WithoutCancel(ctx), func(v core.View) { s.deliver(gen, v) })
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "Signed in", log.FieldUserID, userID)
	return nil
}

// SignOut unsubscribes and then drops the identity. It is a no-op when
// nobody is signed in.
func (s *Session) SignOut() {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	s.signOutLocked()
}

func (s *Session) signOutLocked() {
	s.mu.Lock()
	userID, manager, sub := s.userID, s.manager, s.sub
	s.sub = nil
	s.gen++
	s.mu.Unlock()
	if userID == "" {
		return
	}

	if manager != nil {
		manager.Unsubscribe(sub)
	}

	s.mu.Lock()
	s.userID = ""
	s.coord = nil
	s.manager = nil
	s.view = core.View{}
	s.hasView = false
	s.mu.Unlock()
	s.logger.Info("Signed out", log.FieldUserID, userID)
}

func (s *Session) deliver(gen int, v core.View) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.view = v
	s.hasView = true
	fns := make([]func(core.View), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	if s.agg != nil {
		s.agg.Observe(v)
	}
	for _, fn := range fns {
		fn(v)
	}
}

// UserID returns the signed-in user, or "".
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// View returns the latest full view. ok is false until the first snapshot
// of the signed-in user has arrived.
func (s *Session) View() (v core.View, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view, s.hasView
}

// Listen calls fn with every view delivered after it is registered. fn runs
// on the subscription goroutine and must not block.
func (s *Session) Listen(fn func(core.View)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Apply commits p for the signed-in user. The view is not touched here; it
// changes when the subscription reports the commit.
func (s *Session) Apply(ctx context.Context, p core.PendingEntry) (core.Applied, error) {
	s.mu.Lock()
	coord := s.coord
	s.mu.Unlock()
	if coord == nil {
		return core.Applied{}, services.ErrNoIdentity
	}
	return coord.Apply(ctx, p)
}

// Close detaches from the identity provider and signs out.
func (s *Session) Close() {
	s.mu.Lock()
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()
	if detach != nil {
		detach()
	}
	s.SignOut()
}
