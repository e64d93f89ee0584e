package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"squirrel/internal/core"
	"squirrel/internal/identity"
	"squirrel/internal/log"
	"squirrel/internal/services"
)

type balanceResponse struct {
	UserID  string `json:"user_id"`
	Balance string `json:"balance"`
	Display string `json:"display"`
	Version int64  `json:"version"`
}

type transactionsResponse struct {
	UserID       string             `json:"user_id"`
	Transactions []core.Transaction `json:"transactions"`
}

type viewResponse struct {
	balanceResponse
	Transactions []core.Transaction `json:"transactions"`
}

type entryResponse struct {
	Transaction core.Transaction `json:"transaction"`
	Balance     balanceResponse  `json:"balance"`
	Replayed    bool             `json:"replayed"`
}

func newBalanceResponse(snap core.BalanceSnapshot) balanceResponse {
	return balanceResponse{
		UserID:  snap.UserID,
		Balance: core.Round(snap.Balance).StringFixed(core.AmountScale),
		Display: core.FormatAmount(snap.Balance),
		Version: snap.Version,
	}
}

func newViewResponse(v core.View) viewResponse {
	txs := v.Transactions
	if txs == nil {
		txs = []core.Transaction{}
	}
	return viewResponse{
		balanceResponse: newBalanceResponse(core.BalanceSnapshot{UserID: v.UserID, Balance: v.Balance, Version: v.Version}),
		Transactions:    txs,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewResponse().JSON(map[string]string{"status": "ok"}).Write(w)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			log.FromContext(ctx).WarnContext(ctx, "Readiness check failed", log.FieldError, err.Error())
			NewResponse().Status(http.StatusServiceUnavailable).
				JSON(map[string]string{"status": "unavailable"}).Write(w)
			return
		}
	}
	NewResponse().JSON(map[string]string{"status": "ready"}).Write(w)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap, err := s.agg.Snapshot(ctx, identity.FromContext(ctx))
	if err != nil {
		s.fail(w, r, "Balance read failed", log.OpRead, err)
		return
	}
	NewResponse().JSON(newBalanceResponse(snap)).Write(w)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.FromContext(ctx)
	txs, err := s.ledger.Transactions(ctx, userID)
	if err != nil {
		s.fail(w, r, "Transactions read failed", log.OpRead, err)
		return
	}
	if txs == nil {
		txs = []core.Transaction{}
	}
	NewResponse().JSON(transactionsResponse{UserID: userID, Transactions: txs}).Write(w)
}

// handleView answers with the first full view of a short-lived
// subscription, so the balance and the transactions come from the same
// pair of snapshots.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.ViewTimeout)
	defer cancel()

	views := make(chan core.View, 1)
	manager := services.NewSubscriptionManager(identity.FromContext(ctx), s.ledger, s.config.Subscription, s.logger)
	sub, err := manager.Subscribe(ctx, func(v core.View) {
		select {
		case views <- v:
		default:
		}
	})
	if err != nil {
		s.fail(w, r, "View subscription failed", log.OpSubscribe, err)
		return
	}
	defer manager.Unsubscribe(sub)

	select {
	case v := <-views:
		s.agg.Observe(v)
		NewResponse().JSON(newViewResponse(v)).Write(w)
	case <-ctx.Done():
		s.fail(w, r, "View not delivered in time", log.OpSubscribe, ctx.Err())
	}
}

func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := ParseEntryRequest(r)
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}

	coord := services.NewMutationCoordinator(identity.FromContext(ctx), s.ledger, s.config.Retry, s.logger)
	applied, err := coord.Apply(ctx, p)
	if err != nil {
		s.fail(w, r, "Entry not applied", log.OpApply, err)
		return
	}

	status := http.StatusCreated
	if applied.Replayed {
		status = http.StatusOK
	}
	NewResponse().
		Status(status).
		Header(HeaderIdempotencyKey, applied.Transaction.IdempotencyToken).
		JSON(entryResponse{
			Transaction: applied.Transaction,
			Balance:     newBalanceResponse(applied.Balance),
			Replayed:    applied.Replayed,
		}).
		Write(w)
}

// fail logs err according to its kind and writes the mapped response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, msg, op string, err error) {
	ctx := r.Context()
	logger := log.FromContext(ctx)
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		logger.DebugContext(ctx, msg, log.FieldError, err.Error(), log.FieldOperation, op)
	case errors.Is(err, context.Canceled):
		logger.DebugContext(ctx, "Client went away", log.FieldOperation, op)
		return
	default:
		logger.LogErr(ctx, msg, err, errorType(err), op, nil)
	}
	ErrorFor(err).Write(w)
}
