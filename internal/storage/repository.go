// Package storage is the SQLite ledger backend.
//
// Balance documents live in the users table with an optimistic version
// column; records live in transactions. Commit runs as one immediate
// transaction so both writes land together or not at all.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"squirrel/internal/core"
	"squirrel/internal/log"
	"squirrel/internal/store"
	"squirrel/internal/store/feed"
)

// ChangePublisher is told about every applied commit so that other
// processes sharing the database can refresh their watches.
type ChangePublisher interface {
	PublishChange(ctx context.Context, userID string, version int64) error
}

type SQLiteRepository struct {
	db     *sql.DB
	logger *log.Logger

	publisher ChangePublisher

	balanceFeed *feed.Hub[core.BalanceSnapshot]
	txFeed      *feed.Hub[[]core.Transaction]

	// fault, when set, is consulted between the two writes of a commit.
	fault func(step string) error
	now   func() time.Time
}

var _ store.Ledger = (*SQLiteRepository)(nil)

const (
	stepBalanceWritten      = "balance_written"
	stepTransactionInserted = "transaction_inserted"
)

// DSN builds the connection string: WAL journal, a busy timeout and
// BEGIN IMMEDIATE for every transaction.
func DSN(dbPath string, busyTimeout time.Duration) string {
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_txlock=immediate",
		dbPath, busyTimeout.Milliseconds())
}

func NewSQLiteRepository(dbPath string, busyTimeout time.Duration, logger *log.Logger) (*SQLiteRepository, error) {
	logger = log.OrNop(logger).WithComponent(log.ComponentStorage)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := DSN(dbPath, busyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	version, err := RunMigrations(dsn)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("SQLite ledger ready", "path", dbPath, "schema_version", version)

	r := &SQLiteRepository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
	r.balanceFeed = feed.NewHub[core.BalanceSnapshot](r.Balance)
	r.txFeed = feed.NewHub[[]core.Transaction](r.Transactions)
	return r, nil
}

// SetPublisher installs the cross-process change publisher.
func (r *SQLiteRepository) SetPublisher(p ChangePublisher) {
	r.publisher = p
}

// Changed refreshes every local watch of userID. Called for commits made
// by other processes.
func (r *SQLiteRepository) Changed(userID string) {
	if userID == "" {
		r.balanceFeed.NotifyAll()
		r.txFeed.NotifyAll()
		return
	}
	r.balanceFeed.Notify(userID)
	r.txFeed.Notify(userID)
}

// DropWatches ends every live watch with err, typically
// store.ErrSubscriptionLost after the change feed went away.
func (r *SQLiteRepository) DropWatches(err error) {
	r.balanceFeed.DropAll(err)
	r.txFeed.DropAll(err)
}

func (r *SQLiteRepository) Close() error {
	r.balanceFeed.Close()
	r.txFeed.Close()
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database answers.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return classify(r.db.PingContext(ctx))
}

func (r *SQLiteRepository) Balance(ctx context.Context, userID string) (core.BalanceSnapshot, error) {
	return r.balance(ctx, r.db, userID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *SQLiteRepository) balance(ctx context.Context, q querier, userID string) (core.BalanceSnapshot, error) {
	snap := core.BalanceSnapshot{UserID: userID, Balance: decimal.Zero}
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT balance, version FROM users WHERE user_id = ?`, userID,
	).Scan(&raw, &snap.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, nil
	}
	if err != nil {
		return core.BalanceSnapshot{}, fmt.Errorf("read balance %s: %w", userID, classify(err))
	}
	if snap.Balance, err = decimal.NewFromString(raw); err != nil {
		return core.BalanceSnapshot{}, fmt.Errorf("decode balance %s: %w", userID, err)
	}
	snap.Exists = true
	return snap, nil
}

const selectTransaction = `SELECT id, user_id, name, date, category, amount, COALESCE(idempotency_token, ''), created_at
	FROM transactions`

func (r *SQLiteRepository) Transactions(ctx context.Context, userID string) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, selectTransaction+` WHERE user_id = ? ORDER BY seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", userID, classify(err))
	}
	defer rows.Close()

	out := []core.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", userID, classify(err))
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (core.Transaction, error) {
	var (
		t                       core.Transaction
		date, category, created string
		amount                  string
	)
	if err := s.Scan(&t.ID, &t.UserID, &t.Name, &date, &category, &amount, &t.IdempotencyToken, &created); err != nil {
		return core.Transaction{}, fmt.Errorf("scan transaction: %w", classify(err))
	}
	var err error
	if t.Date, err = core.ParseDate(date); err != nil {
		return core.Transaction{}, fmt.Errorf("decode transaction %s: %w", t.ID, err)
	}
	t.Category = core.Category(category)
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return core.Transaction{}, fmt.Errorf("decode transaction %s: %w", t.ID, err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return core.Transaction{}, fmt.Errorf("decode transaction %s: %w", t.ID, err)
	}
	return t, nil
}

func (r *SQLiteRepository) Commit(ctx context.Context, req store.CommitRequest) (core.Transaction, core.BalanceSnapshot, bool, error) {
	tx, bal, replayed, err := r.commit(ctx, req)
	if err != nil {
		return core.Transaction{}, core.BalanceSnapshot{}, false, err
	}
	if replayed {
		return tx, bal, true, nil
	}

	r.logger.InfoContext(ctx, "Ledger commit applied", log.NewFields().
		WithUser(req.UserID).
		WithTransaction(tx.ID, tx.Name, tx.Category.String(), tx.Amount.String()).
		WithBalance(bal.Balance.String(), bal.Version).
		WithOperation(log.OpCommit).ToSlice()...)

	r.Changed(req.UserID)
	if r.publisher != nil {
		if err := r.publisher.PublishChange(ctx, req.UserID, bal.Version); err != nil {
			// Local watches are already refreshed; remote ones catch up on
			// their next notification or resubscribe.
			r.logger.WarnContext(ctx, "Failed to publish ledger change",
				log.FieldUserID, req.UserID, log.FieldError, err.Error())
		}
	}
	return tx, bal, false, nil
}

func (r *SQLiteRepository) commit(ctx context.Context, req store.CommitRequest) (core.Transaction, core.BalanceSnapshot, bool, error) {
	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Transaction{}, core.BalanceSnapshot{}, false, fmt.Errorf("begin commit: %w", classify(err))
	}
	defer dbtx.Rollback()

	userID := req.UserID
	token := req.Transaction.IdempotencyToken
	if token != "" {
		row := dbtx.QueryRowContext(ctx, selectTransaction+` WHERE user_id = ? AND idempotency_token = ?`, userID, token)
		prior, err := scanTransaction(row)
		switch {
		case err == nil:
			bal, err := r.balance(ctx, dbtx, userID)
			if err != nil {
				return core.Transaction{}, core.BalanceSnapshot{}, false, err
			}
			return prior, bal, true, dbtx.Commit()
		case !errors.Is(err, sql.ErrNoRows):
			return core.Transaction{}, core.BalanceSnapshot{}, false, fmt.Errorf("lookup idempotency token: %w", err)
		}
	}

	now := r.now().UTC()
	var res sql.Result
	if req.ExpectedVersion == 0 {
		res, err = dbtx.ExecContext(ctx,
			`INSERT INTO users (user_id, balance, version, updated_at) VALUES (?, ?, 1, ?)
			 ON CONFLICT (user_id) DO NOTHING`,
			userID, req.NewBalance.String(), now.Format(time.RFC3339Nano))
	} else {
		res, err = dbtx.ExecContext(ctx,
			`UPDATE users SET balance = ?, version = version + 1, updated_at = ?
			 WHERE user_id = ? AND version = ?`,
			req.NewBalance.String(), now.Format(time.RFC3339Nano), userID, req.ExpectedVersion)
	}
	if err != nil {
		return core.Transaction{}, core.BalanceSnapshot{}, false, fmt.Errorf("write balance %s: %w", userID, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Transaction{}, core.BalanceSnapshot{}, false, fmt.Errorf("write balance %s: %w", userID, classify(err))
	}
	if n == 0 {
		return core.Transaction{}, core.BalanceSnapshot{}, false, fmt.Errorf("%w: user %s moved past version %d",
			store.ErrConflict, userID, req.ExpectedVersion)
	}
	if err := r.injected(stepBalanceWritten); err != nil {
		return core.Transaction{}, core.BalanceSnapshot{}, false, err
	}

	t := req.Transaction
	t.UserID = userID
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	var tokenArg any
	if token != "" {
		tokenArg = token
	}
	_, err = dbtx.ExecContext(ctx,
		`INSERT INTO transactions (id, user_id, name, date, category, amount, idempotency_token, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Name, t.Date.String(), t.Category.String(), t.Amount.String(), tokenArg,
		t.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return core.Transaction{}, core.BalanceSnapshot{}, false, fmt.Errorf("insert transaction %s: %w", t.ID, classify(err))
	}
	if err := r.injected(stepTransactionInserted); err != nil {
		return core.Transaction{}, core.BalanceSnapshot{}, false, err
	}

	if err := dbtx.Commit(); err != nil {
		return core.Transaction{}, core.BalanceSnapshot{}, false, fmt.Errorf("commit %s: %w", userID, classify(err))
	}
	return t, core.BalanceSnapshot{
		UserID:  userID,
		Balance: req.NewBalance,
		Version: req.ExpectedVersion + 1,
		Exists:  true,
	}, false, nil
}

func (r *SQLiteRepository) injected(step string) error {
	if r.fault == nil {
		return nil
	}
	if err := r.fault(step); err != nil {
		return fmt.Errorf("%w: %s: %w", store.ErrUnavailable, step, err)
	}
	return nil
}

func (r *SQLiteRepository) WatchBalance(ctx context.Context, userID string, fn func(core.BalanceSnapshot)) (store.Watch, error) {
	w, err := r.balanceFeed.Watch(ctx, userID, fn)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (r *SQLiteRepository) WatchTransactions(ctx context.Context, userID string, fn func([]core.Transaction)) (store.Watch, error) {
	w, err := r.txFeed.Watch(ctx, userID, fn)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (r *SQLiteRepository) Users(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM users UNION SELECT user_id FROM transactions ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", classify(err))
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// classify maps lock contention and I/O failures to store.ErrUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN:
			return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
		}
	}
	return err
}
