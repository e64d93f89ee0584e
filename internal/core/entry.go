package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrValidation matches every ValidationError via errors.Is.
var ErrValidation = errors.New("validation failed")

// ValidationError reports a user-correctable problem with a pending entry.
// It is raised before any store access.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Mutation is a balance-changing operation: either Credit or Debit.
type Mutation interface {
	// Signed returns the amount as it is stored on the transaction record.
	Signed() decimal.Decimal
	Action() Action
}

type (
	Credit struct{ Amount decimal.Decimal }
	Debit  struct{ Amount decimal.Decimal }
)

func (c Credit) Signed() decimal.Decimal { return Round(c.Amount) }
func (c Credit) Action() Action          { return ActionCredit }

func (d Debit) Signed() decimal.Decimal { return Round(d.Amount).Neg() }
func (d Debit) Action() Action          { return ActionDebit }

// NewMutation builds the variant selected by a.
func NewMutation(a Action, amount decimal.Decimal) (Mutation, error) {
	switch a {
	case ActionCredit:
		return Credit{Amount: amount}, nil
	case ActionDebit:
		return Debit{Amount: amount}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, a)
	}
}

// PendingEntry is the unvalidated draft of a mutation as typed by a user.
// Amount is unsigned; the sign comes from Action.
type PendingEntry struct {
	Name     string `json:"name"`
	Date     string `json:"date"`
	Amount   string `json:"amount"`
	Category string `json:"category"`
	Action   string `json:"action"`
	Token    string `json:"-"`
}

// Entry is a validated PendingEntry ready to be committed.
type Entry struct {
	Name     string
	Date     Date
	Category Category
	Mutation Mutation
	Token    string
}

// Validate checks every field and returns the first problem as a
// *ValidationError. Fields are checked in form order.
func (p PendingEntry) Validate() (Entry, error) {
	name := NormalizeName(p.Name)
	if name == "" {
		return Entry{}, &ValidationError{Field: "name", Reason: ErrEmptyName.Error()}
	}
	if strings.TrimSpace(p.Date) == "" {
		return Entry{}, &ValidationError{Field: "date", Reason: "required"}
	}
	date, err := ParseDate(p.Date)
	if err != nil {
		return Entry{}, &ValidationError{Field: "date", Reason: err.Error()}
	}
	if strings.TrimSpace(p.Amount) == "" {
		return Entry{}, &ValidationError{Field: "amount", Reason: "required"}
	}
	amount, err := ParseAmount(p.Amount)
	if err != nil {
		return Entry{}, &ValidationError{Field: "amount", Reason: err.Error()}
	}
	if strings.TrimSpace(p.Category) == "" {
		return Entry{}, &ValidationError{Field: "category", Reason: "required"}
	}
	cat, err := ParseCategory(p.Category)
	if err != nil {
		return Entry{}, &ValidationError{Field: "category", Reason: err.Error()}
	}
	action, err := ParseAction(p.Action)
	if err != nil {
		return Entry{}, &ValidationError{Field: "action", Reason: err.Error()}
	}
	m, err := NewMutation(action, amount)
	if err != nil {
		return Entry{}, &ValidationError{Field: "action", Reason: err.Error()}
	}
	return Entry{
		Name:     name,
		Date:     date,
		Category: cat,
		Mutation: m,
		Token:    strings.TrimSpace(p.Token),
	}, nil
}
