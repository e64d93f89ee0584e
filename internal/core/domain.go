package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateFormat is the ISO calendar date layout used for transaction dates.
const DateFormat = "2006-01-02"

const (
	Food          Category = "food"
	Entertainment Category = "entertainment"
	Clothes       Category = "clothes"
	Pet           Category = "pet"
	Health        Category = "health"
	Transport     Category = "transport"
	Education     Category = "education"
	Trips         Category = "trips"
	Savings       Category = "savings"
	Other         Category = "other"
)

const (
	ActionCredit Action = "credit"
	ActionDebit  Action = "debit"
)

type (
	// Category is one of the fixed transaction categories.
	Category string

	// Action selects the sign of a pending entry.
	Action string

	Date struct {
		time.Time
	}

	// Transaction is an immutable ledger record. Amount is signed:
	// positive for credits, negative for debits.
	Transaction struct {
		ID               string          `json:"id"`
		UserID           string          `json:"user_id"`
		Name             string          `json:"name"`
		Date             Date            `json:"date"`
		Category         Category        `json:"category"`
		Amount           decimal.Decimal `json:"amount"`
		IdempotencyToken string          `json:"-"`
		CreatedAt        time.Time       `json:"created_at"`
	}

	// BalanceSnapshot is the stored balance document for one user.
	// Version 0 with Exists false means no document has been written yet.
	BalanceSnapshot struct {
		UserID  string          `json:"user_id"`
		Balance decimal.Decimal `json:"balance"`
		Version int64           `json:"version"`
		Exists  bool            `json:"exists"`
	}

	// View is the read model handed to observers: the latest balance and
	// the complete transaction set for one user.
	View struct {
		UserID       string          `json:"user_id"`
		Balance      decimal.Decimal `json:"balance"`
		Version      int64           `json:"version"`
		Transactions []Transaction   `json:"transactions"`
	}

	// Applied is the outcome of a mutation. Replayed is true when the
	// idempotency token had already been committed and nothing was written.
	Applied struct {
		Transaction Transaction     `json:"transaction"`
		Balance     BalanceSnapshot `json:"balance"`
		Replayed    bool            `json:"replayed"`
	}
)

var Categories = []Category{
	Food, Entertainment, Clothes, Pet, Health,
	Transport, Education, Trips, Savings, Other,
}

var (
	ErrInvalidDate     = errors.New("invalid date")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidCategory = errors.New("invalid category")
	ErrInvalidAction   = errors.New("invalid action")
	ErrEmptyName       = errors.New("empty name")
)

// ParseCategory returns the category named by s (case-insensitive).
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
	}
	return c, nil
}

func (c Category) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

func (c Category) String() string { return string(c) }

// ParseAction returns the action named by s (case-insensitive).
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionCredit, ActionDebit:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
}

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateFormat, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("%w %q: want %s", ErrInvalidDate, s, DateFormat)
	}
	return Date{Time: t}, nil
}

func (d Date) Validate() error {
	if d.IsZero() {
		return fmt.Errorf("%w: zero date", ErrInvalidDate)
	}
	return nil
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateFormat)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Sum folds the signed amounts of txs.
func Sum(txs []Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, t := range txs {
		total = total.Add(t.Amount)
	}
	return total
}

// NormalizeName trims and upper-cases a transaction concept.
func NormalizeName(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
