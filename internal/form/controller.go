// Package form holds the local state of the entry form a user fills in
// before a credit or debit is submitted.
package form

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"squirrel/internal/core"
)

// Field names accepted by SetField.
const (
	FieldName     = "name"
	FieldDate     = "date"
	FieldAmount   = "amount"
	FieldCategory = "category"
	FieldAction   = "action"
)

// Applier commits a pending entry. *services.MutationCoordinator and
// *session.Session satisfy it.
type Applier interface {
	Apply(ctx context.Context, p core.PendingEntry) (core.Applied, error)
}

// Controller is the draft behind the entry form. Every transition is local;
// nothing reaches the store until Submit.
type Controller struct {
	mu       sync.Mutex
	draft    core.PendingEntry
	newToken func() string
}

// NewController returns an empty form for a credit.
func NewController() *Controller {
	c := &Controller{newToken: uuid.NewString}
	c.Reset()
	return c
}

// SetField updates one field. The name is upper-cased as typed. Amount
// input that could not become a number is rejected and the previous value
// is kept.
func (c *Controller) SetField(field, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch field {
	case FieldName:
		c.draft.Name = strings.ToUpper(value)
	case FieldDate:
		c.draft.Date = value
	case FieldAmount:
		if !core.IsAmountInput(value) {
			return &core.ValidationError{Field: FieldAmount, Reason: fmt.Sprintf("%q is not a number", value)}
		}
		c.draft.Amount = value
	case FieldCategory:
		c.draft.Category = value
	case FieldAction:
		a, err := core.ParseAction(value)
		if err != nil {
			return &core.ValidationError{Field: FieldAction, Reason: err.Error()}
		}
		c.draft.Action = string(a)
	default:
		return fmt.Errorf("unknown form field %q", field)
	}
	return nil
}

// Reset clears the form and draws a fresh idempotency token. The action
// stays as it was.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	action := c.draft.Action
	if action == "" {
		action = string(core.ActionCredit)
	}
	c.draft = core.PendingEntry{Action: action, Token: c.newToken()}
}

// IsSubmittable reports whether every field is filled in, the amount holds
// at least one digit and the category is known.
func (c *Controller) IsSubmittable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return missing(c.draft) == nil
}

// Draft returns a copy of the current draft, token included.
func (c *Controller) Draft() core.PendingEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Submit hands the draft to a and resets the form once it is applied. On
// failure the draft and its token are kept, so submitting again cannot
// apply the entry twice.
func (c *Controller) Submit(ctx context.Context, a Applier) (core.Applied, error) {
	c.mu.Lock()
	draft := c.draft
	err := missing(draft)
	c.mu.Unlock()
	if err != nil {
		return core.Applied{}, err
	}

	applied, err := a.Apply(ctx, draft)
	if err != nil {
		return core.Applied{}, err
	}

	c.mu.Lock()
	if c.draft.Token == draft.Token {
		action := c.draft.Action
		c.draft = core.PendingEntry{Action: action, Token: c.newToken()}
	}
	c.mu.Unlock()
	return applied, nil
}

func missing(p core.PendingEntry) error {
	for _, f := range []struct{ name, value string }{
		{FieldName, p.Name},
		{FieldDate, p.Date},
		{FieldAmount, p.Amount},
		{FieldCategory, p.Category},
		{FieldAction, p.Action},
	} {
		if strings.TrimSpace(f.value) == "" {
			return &core.ValidationError{Field: f.name, Reason: "required"}
		}
	}
	if !strings.ContainsAny(p.Amount, "0123456789") {
		return &core.ValidationError{Field: FieldAmount, Reason: "needs at least one digit"}
	}
	if _, err := core.ParseCategory(p.Category); err != nil {
		return &core.ValidationError{Field: FieldCategory, Reason: err.Error()}
	}
	return nil
}
