package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"

	"squirrel/internal/config"
	"squirrel/internal/core"
	"squirrel/internal/form"
	"squirrel/internal/log"
	"squirrel/internal/services"
	"squirrel/internal/session"
	"squirrel/internal/store"
	"squirrel/internal/worker"
)

// Env is what every subcommand runs against. It is passed as the first
// argument of Commander.Execute.
type Env struct {
	Ledger store.Ledger
	Config *config.Config
	Logger *log.Logger
	Out    io.Writer
}

func envFrom(args []interface{}) (*Env, error) {
	if len(args) == 0 {
		return nil, errors.New("no environment")
	}
	env, ok := args[0].(*Env)
	if !ok || env.Ledger == nil {
		return nil, errors.New("no ledger")
	}
	if env.Config == nil {
		env.Config = config.Defaults()
	}
	if env.Out == nil {
		env.Out = os.Stdout
	}
	return env, nil
}

// Commands lists every squirrelctl subcommand.
var Commands = []subcommands.Command{
	&entryCmd{action: core.ActionCredit},
	&entryCmd{action: core.ActionDebit},
	&balanceCmd{},
	&txCmd{},
	&watchCmd{},
	&auditCmd{},
}

// Register the subcommands.
func Register(c *subcommands.Commander) {
	for _, cmd := range Commands {
		group := "ledger"
		if cmd.Name() == "audit" {
			group = "maintenance"
		}
		c.Register(cmd, group)
	}
}

func defaultUser() string { return os.Getenv("SQUIRREL_USER") }

type entryCmd struct {
	action   core.Action
	user     string
	name     string
	date     string
	category string
	token    string
}

func (c *entryCmd) Name() string { return string(c.action) }
func (c *entryCmd) Synopsis() string {
	if c.action == core.ActionDebit {
		return "take an amount out of the balance"
	}
	return "add an amount to the balance"
}
func (c *entryCmd) Usage() string {
	return fmt.Sprintf(`squirrelctl %s -u <user> -n <name> -c <category> [-d <date>] [-k <key>] <amount>

  Records a %s for the user. The amount is unsigned, with at most two
  decimals kept. Repeating the command with the same -k key applies it once.
`, c.action, c.action)
}

func (c *entryCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", defaultUser(), "User ID. Defaults to $SQUIRREL_USER.")
	f.StringVar(&c.name, "n", "", "Name of the entry.")
	f.StringVar(&c.date, "d", time.Now().Format(core.DateFormat), "Date of the entry (YYYY-MM-DD).")
	f.StringVar(&c.category, "c", "", "Category: "+categoryList()+".")
	f.StringVar(&c.token, "k", "", "Idempotency key. Generated when empty.")
}

func (c *entryCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env, err := envFrom(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: exactly one amount is required.")
		return subcommands.ExitUsageError
	}

	entry := form.NewController()
	for _, field := range []struct{ name, value string }{
		{form.FieldName, c.name},
		{form.FieldDate, c.date},
		{form.FieldAmount, f.Arg(0)},
		{form.FieldCategory, c.category},
		{form.FieldAction, string(c.action)},
	} {
		if err := entry.SetField(field.name, field.value); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return subcommands.ExitUsageError
		}
	}

	coord := services.NewMutationCoordinator(c.user, ledgerWithToken{env.Ledger, c.token}, env.Config.RetryPolicy(), env.Logger)
	applied, err := entry.Submit(ctx, coord)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, core.ErrValidation) || errors.Is(err, services.ErrNoIdentity) {
			return subcommands.ExitUsageError
		}
		return subcommands.ExitFailure
	}

	note := ""
	if applied.Replayed {
		note = " (already applied)"
	}
	fmt.Fprintf(env.Out, "%s %s %s %s%s\nbalance %s\n",
		applied.Transaction.Date, applied.Transaction.Name, applied.Transaction.Category,
		core.FormatAmount(applied.Transaction.Amount), note, core.FormatAmount(applied.Balance.Balance))
	return subcommands.ExitSuccess
}

// ledgerWithToken swaps the form's generated token for one given on the
// command line, so a shell retry can reuse it.
type ledgerWithToken struct {
	store.Ledger
	token string
}

func (l ledgerWithToken) Commit(ctx context.Context, req store.CommitRequest) (core.Transaction, core.BalanceSnapshot, bool, error) {
	if l.token != "" {
		req.Transaction.IdempotencyToken = l.token
	}
	return l.Ledger.Commit(ctx, req)
}

type balanceCmd struct {
	user string
}

func (*balanceCmd) Name() string     { return "balance" }
func (*balanceCmd) Synopsis() string { return "print the current balance" }
func (*balanceCmd) Usage() string {
	return `squirrelctl balance -u <user>

  Prints the stored balance of the user. A user with no entries has a
  balance of zero.
`
}

func (c *balanceCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", defaultUser(), "User ID. Defaults to $SQUIRREL_USER.")
}

func (c *balanceCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env, err := envFrom(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if c.user == "" {
		fmt.Fprintln(os.Stderr, "Error: -u is required.")
		return subcommands.ExitUsageError
	}

	// One read and exit: nothing to keep live.
	agg := services.NewBalanceAggregator(env.Ledger, env.Config.AggregatorConfig(nil), env.Logger)
	defer agg.Close()
	bal, err := agg.CurrentBalance(ctx, c.user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintln(env.Out, core.FormatAmount(bal))
	return subcommands.ExitSuccess
}

type txCmd struct {
	user string
	head int
	tail int
}

func (*txCmd) Name() string     { return "tx" }
func (*txCmd) Synopsis() string { return "list the user's transactions" }
func (*txCmd) Usage() string {
	return `squirrelctl tx -u <user> [-head <n> | -tail <n>]

  Lists the user's transactions in the order they were recorded.
`
}

func (c *txCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", defaultUser(), "User ID. Defaults to $SQUIRREL_USER.")
	f.IntVar(&c.head, "head", 0, "Show only the first N transactions.")
	f.IntVar(&c.tail, "tail", 0, "Show only the last N transactions.")
}

func (c *txCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env, err := envFrom(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if c.user == "" {
		fmt.Fprintln(os.Stderr, "Error: -u is required.")
		return subcommands.ExitUsageError
	}
	if c.head > 0 && c.tail > 0 {
		fmt.Fprintln(os.Stderr, "Error: -head and -tail flags cannot be used together.")
		return subcommands.ExitUsageError
	}

	txs, err := env.Ledger.Transactions(ctx, c.user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	if c.head > 0 && len(txs) > c.head {
		txs = txs[:c.head]
	}
	if c.tail > 0 && len(txs) > c.tail {
		txs = txs[len(txs)-c.tail:]
	}
	writeTransactions(env.Out, txs)
	return subcommands.ExitSuccess
}

type watchCmd struct {
	user  string
	count int
}

func (*watchCmd) Name() string     { return "watch" }
func (*watchCmd) Synopsis() string { return "follow the balance and transactions live" }
func (*watchCmd) Usage() string {
	return `squirrelctl watch -u <user> [-n <views>]

  Prints the full view of the user's ledger now and after every change,
  until interrupted or until -n views have been printed.
`
}

func (c *watchCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "u", defaultUser(), "User ID. Defaults to $SQUIRREL_USER.")
	f.IntVar(&c.count, "n", 0, "Stop after this many views. 0 means never.")
}

func (c *watchCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env, err := envFrom(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if c.user == "" {
		fmt.Fprintln(os.Stderr, "Error: -u is required.")
		return subcommands.ExitUsageError
	}

	views := make(chan core.View, 16)
	s := session.New(env.Ledger, nil, session.Config{
		Retry:        env.Config.RetryPolicy(),
		Subscription: env.Config.SubscriptionPolicy(),
	}, env.Logger)
	defer s.Close()
	stop := s.Listen(func(v core.View) {
		select {
		case views <- v:
		default:
			// The printer is behind; it will catch up on the next view.
		}
	})
	defer stop()

	if err := s.SignIn(ctx, c.user); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}

	for printed := 0; c.count == 0 || printed < c.count; printed++ {
		select {
		case <-ctx.Done():
			return subcommands.ExitSuccess
		case v := <-views:
			fmt.Fprintf(env.Out, "== balance %s (version %d)\n", core.FormatAmount(v.Balance), v.Version)
			writeTransactions(env.Out, v.Transactions)
		}
	}
	return subcommands.ExitSuccess
}

type auditCmd struct{}

func (*auditCmd) Name() string     { return "audit" }
func (*auditCmd) Synopsis() string { return "check every balance against its records" }
func (*auditCmd) Usage() string {
	return `squirrelctl audit

  Verifies that each user's stored balance equals the sum of their
  transactions. Exits non-zero when a discrepancy is found. Nothing is
  repaired.
`
}

func (*auditCmd) SetFlags(*flag.FlagSet) {}

func (*auditCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env, err := envFrom(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	a, err := worker.NewAuditor(env.Ledger, worker.DefaultAuditSchedule, env.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	r, err := a.RunOnce(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Fprintf(env.Out, "%d users checked, %d skipped, %d discrepancies\n", r.Users, r.Skipped, len(r.Discrepancies))
	for _, d := range r.Discrepancies {
		fmt.Fprintln(env.Out, d.String())
	}
	if len(r.Discrepancies) > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func writeTransactions(w io.Writer, txs []core.Transaction) {
	if len(txs) == 0 {
		fmt.Fprintln(w, "no transactions")
		return
	}
	for _, tx := range txs {
		fmt.Fprintf(w, "%s  %-14s %-24s %12s\n", tx.Date, tx.Category, tx.Name, core.FormatAmount(tx.Amount))
	}
}

func categoryList() string {
	names := make([]string, len(core.Categories))
	for i, c := range core.Categories {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}
