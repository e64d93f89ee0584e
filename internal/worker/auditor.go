package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"squirrel/internal/core"
	"squirrel/internal/log"
	"squirrel/internal/store"
)

// DefaultAuditSchedule runs the audit every fifteen minutes.
const DefaultAuditSchedule = "0 */15 * * * *"

// scheduleParser accepts six-field specs with seconds plus descriptors such
// as @hourly.
var scheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether spec is a schedule the auditor accepts.
func ValidateSchedule(spec string) error {
	if _, err := scheduleParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid audit schedule %q: %w", spec, err)
	}
	return nil
}

// AuditSource is the read-only store surface the auditor walks.
type AuditSource interface {
	store.Reader
	Users(ctx context.Context) ([]string, error)
}

// Discrepancy is a user whose stored balance differs from the fold of their
// transaction records.
type Discrepancy struct {
	UserID  string
	Stored  decimal.Decimal
	Folded  decimal.Decimal
	Records int
	Version int64
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s: stored %s, records sum to %s over %d records (version %d)",
		d.UserID, d.Stored.StringFixed(core.AmountScale), d.Folded.StringFixed(core.AmountScale), d.Records, d.Version)
}

// Report is the outcome of one audit pass.
type Report struct {
	Started       time.Time
	Finished      time.Time
	Users         int
	Skipped       int
	Discrepancies []Discrepancy
}

// Auditor periodically checks that every stored balance equals the sum of
// its owner's records. It only reads; a discrepancy is reported, never
// repaired.
type Auditor struct {
	src      AuditSource
	logger   *log.Logger
	cron     *cron.Cron
	attempts int

	mu     sync.Mutex
	last   *Report
	ctx    context.Context
	cancel context.CancelFunc
}

// NewAuditor schedules an audit of src on spec.
func NewAuditor(src AuditSource, spec string, logger *log.Logger) (*Auditor, error) {
	l := log.OrNop(logger).WithComponent(log.ComponentAudit)
	cl := cronLogger{l}
	a := &Auditor{
		src:      src,
		logger:   l,
		attempts: 3,
		cron: cron.New(
			cron.WithParser(scheduleParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	if _, err := a.cron.AddFunc(spec, a.scheduled); err != nil {
		return nil, fmt.Errorf("register audit: %w", err)
	}
	return a, nil
}

// Start begins running audits on schedule until Stop or until ctx ends.
func (a *Auditor) Start(ctx context.Context) {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	a.cron.Start()
	a.logger.InfoContext(ctx, "Audit scheduler started", log.FieldOperation, log.OpStartup)
}

// Stop halts the schedule and waits for a running audit to finish.
func (a *Auditor) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-a.cron.Stop().Done()
	a.logger.Info("Audit scheduler stopped", log.FieldOperation, log.OpShutdown)
}

// Last returns the most recent report, if any audit has run.
func (a *Auditor) Last() (Report, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return Report{}, false
	}
	return *a.last, true
}

func (a *Auditor) runContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx == nil {
		return context.Background()
	}
	return a.ctx
}

func (a *Auditor) scheduled() {
	ctx := a.runContext()
	if _, err := a.RunOnce(ctx); err != nil {
		a.logger.LogErr(ctx, "Scheduled audit failed", err, log.ErrorTypeInternal, log.OpAudit, nil)
	}
}

// RunOnce audits every user now.
func (a *Auditor) RunOnce(ctx context.Context) (Report, error) {
	r := Report{Started: time.Now()}
	users, err := a.src.Users(ctx)
	if err != nil {
		return r, fmt.Errorf("list users: %w", err)
	}
	r.Users = len(users)

	for _, userID := range users {
		d, settled, err := a.check(ctx, userID)
		if err != nil {
			return r, fmt.Errorf("audit %s: %w", userID, err)
		}
		if !settled {
			r.Skipped++
			a.logger.DebugContext(ctx, "Ledger kept moving during audit, skipped", log.FieldUserID, userID)
			continue
		}
		if d != nil {
			r.Discrepancies = append(r.Discrepancies, *d)
			a.logger.ErrorContext(ctx, "Balance does not match its records",
				log.FieldUserID, d.UserID,
				log.FieldBalance, d.Stored.String(),
				"folded", d.Folded.String(),
				log.FieldVersion, d.Version,
				log.FieldOperation, log.OpAudit)
		}
	}
	r.Finished = time.Now()

	a.mu.Lock()
	a.last = &r
	a.mu.Unlock()

	a.logger.InfoContext(ctx, "Audit completed",
		"users", r.Users,
		"skipped", r.Skipped,
		"discrepancies", len(r.Discrepancies),
		"duration_ms", r.Finished.Sub(r.Started).Milliseconds())
	return r, nil
}

// check compares one user's balance with their records. A commit landing
// between the two reads shows up as a version change; the check is then
// retried and, if the ledger keeps moving, reported as not settled.
func (a *Auditor) check(ctx context.Context, userID string) (*Discrepancy, bool, error) {
	for i := 0; i < a.attempts; i++ {
		before, err := a.src.Balance(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		txs, err := a.src.Transactions(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		after, err := a.src.Balance(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		if before.Version != after.Version {
			continue
		}

		folded := core.Sum(txs)
		if after.Balance.Equal(folded) {
			return nil, true, nil
		}
		return &Discrepancy{
			UserID:  userID,
			Stored:  after.Balance,
			Folded:  folded,
			Records: len(txs),
			Version: after.Version,
		}, true, nil
	}
	return nil, false, nil
}

// cronLogger routes the scheduler's own messages into the structured log.
type cronLogger struct{ l *log.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, log.FieldError, err.Error())...)
}
