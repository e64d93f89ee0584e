// Package http serves the ledger over a JSON API: reads of the balance and
// transactions, entry submission and a server-sent event stream of full
// views.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"squirrel/internal/identity"
	"squirrel/internal/log"
	"squirrel/internal/middleware/ratelimit"
	"squirrel/internal/middleware/security"
	"squirrel/internal/middleware/trace"
	"squirrel/internal/services"
	"squirrel/internal/store"
)

// Ledger is the store surface the server needs.
type Ledger interface {
	store.Reader
	store.Committer
	store.Watcher
}

type Config struct {
	Addr               string
	Retry              services.RetryPolicy
	Subscription       services.SubscriptionPolicy
	RateLimitPerMinute int
	// ViewTimeout bounds how long GET /v1/view waits for a snapshot.
	ViewTimeout time.Duration
	// Heartbeat is the interval of keep-alive comments on open streams.
	Heartbeat time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:               ":8081",
		Retry:              services.DefaultRetryPolicy(),
		Subscription:       services.DefaultSubscriptionPolicy(),
		RateLimitPerMinute: 60,
		ViewTimeout:        10 * time.Second,
		Heartbeat:          25 * time.Second,
	}
}

type Server struct {
	http.Server
	ledger Ledger
	agg    *services.BalanceAggregator
	config Config
	ready  func(context.Context) error
	logger *log.Logger

	limiter  *ratelimit.Limiter
	detector *security.Detector
	tracer   *trace.Middleware

	closing      chan struct{}
	shutdownOnce sync.Once
}

// NewServer wires the routes. agg serves balance reads and is kept current
// with every view the server observes. ready may be nil.
func NewServer(config Config, ledger Ledger, agg *services.BalanceAggregator, ready func(context.Context) error, logger *log.Logger) *Server {
	if config.ViewTimeout <= 0 {
		config.ViewTimeout = DefaultConfig().ViewTimeout
	}
	if config.Heartbeat <= 0 {
		config.Heartbeat = DefaultConfig().Heartbeat
	}
	logger = log.OrNop(logger)

	s := &Server{
		ledger:   ledger,
		agg:      agg,
		config:   config,
		ready:    ready,
		logger:   logger.WithComponent(log.ComponentHTTP),
		limiter:  ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: config.RateLimitPerMinute}),
		detector: security.NewDetector(),
		closing:  make(chan struct{}),
	}
	s.tracer = trace.NewMiddleware(s.detector.ClientIP, s.logger)

	limitEntries := s.limiter.Middleware(
		func(r *http.Request) string { return identity.FromContext(r.Context()) },
		nil,
		func(w http.ResponseWriter, r *http.Request) {
			log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
				log.FieldUserID, identity.FromContext(r.Context()))
			TooManyRequestsError().Write(w)
		},
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /v1/balance", s.requireUser(http.HandlerFunc(s.handleBalance)))
	mux.Handle("GET /v1/transactions", s.requireUser(http.HandlerFunc(s.handleTransactions)))
	mux.Handle("GET /v1/view", s.requireUser(http.HandlerFunc(s.handleView)))
	mux.Handle("POST /v1/entries", s.requireUser(limitEntries(http.HandlerFunc(s.handleCreateEntry))))
	mux.Handle("GET /v1/stream", s.requireUser(http.HandlerFunc(s.handleStream)))

	headers := security.NewHeadersMiddleware(security.DefaultHeadersConfig())
	s.Server = http.Server{
		Addr:              config.Addr,
		Handler:           s.tracer.Middleware(headers.Middleware(s.flagProbes(mux))),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

// requireUser rejects requests without an identity and puts the identity
// on the context and the request logger.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := UserFromRequest(r)
		if userID == "" {
			UnauthorizedError().Write(w)
			return
		}
		ctx := identity.WithUser(r.Context(), userID)
		ctx = log.WithContext(ctx, log.FromContext(ctx).With(log.FieldUserID, userID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) flagProbes(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.detector.IsSuspicious(r) {
			log.FromContext(r.Context()).WarnContext(r.Context(), "Suspicious request",
				log.FieldMethod, r.Method, log.FieldPath, r.URL.Path, log.FieldClientIP, s.detector.ClientIP(r))
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown ends open streams, stops the rate limiter and drains the
// server. Only the first call does anything.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.closing)
		s.limiter.Stop()
		err = s.Server.Shutdown(ctx)
	})
	return err
}
