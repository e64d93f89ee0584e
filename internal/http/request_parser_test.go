package http

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"squirrel/internal/core"
	"squirrel/internal/services"
	"squirrel/internal/store"
)

func TestParseEntryRequest(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		key         string
		want        core.PendingEntry
		wantErr     bool
	}{
		{
			name:        "json",
			contentType: "application/json",
			body:        `{"name":" rent ","date":"2024-01-31","amount":"700","category":"other","action":"debit"}`,
			key:         "k1",
			want:        core.PendingEntry{Name: "rent", Date: "2024-01-31", Amount: "700", Category: "other", Action: "debit", Token: "k1"},
		},
		{
			name:        "json number amount kept as written",
			contentType: "application/json",
			body:        `{"amount":12.345}`,
			want:        core.PendingEntry{Amount: "12.345"},
		},
		{
			name:        "token from body when no header",
			contentType: "application/json",
			body:        `{"token":"t-9"}`,
			want:        core.PendingEntry{Token: "t-9"},
		},
		{
			name:        "form",
			contentType: "application/x-www-form-urlencoded",
			body:        "name=bus&amount=2.5&category=transport&action=debit&date=2024-02-02",
			want:        core.PendingEntry{Name: "bus", Date: "2024-02-02", Amount: "2.5", Category: "transport", Action: "debit"},
		},
		{
			name:        "control characters stripped",
			contentType: "application/json",
			body:        `{"name":"a\u0000b\u0007c"}`,
			want:        core.PendingEntry{Name: "abc"},
		},
		{
			name: "empty body",
			want: core.PendingEntry{},
		},
		{
			name:        "malformed json",
			contentType: "application/json",
			body:        `{"name":`,
			wantErr:     true,
		},
		{
			name:    "too large",
			body:    "name=" + strings.Repeat("x", maxBodyBytes),
			wantErr: true,
		},
		{
			name:    "key too long",
			body:    "name=x",
			key:     strings.Repeat("k", maxHeaderValue+1),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/entries", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			if tt.key != "" {
				req.Header.Set(HeaderIdempotencyKey, tt.key)
			}
			got, err := ParseEntryRequest(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseEntryRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseEntryRequest() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestUserFromRequest(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"alice", "alice"},
		{"  bob  ", "bob"},
		{"", ""},
		{"a b", ""},
		{"a/b", ""},
		{strings.Repeat("u", maxHeaderValue+1), ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderUserID, tt.header)
		if got := UserFromRequest(req); got != tt.want {
			t.Errorf("UserFromRequest(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestErrorFor(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantBody string
	}{
		{&core.ValidationError{Field: "amount", Reason: "bad"}, http.StatusUnprocessableEntity, `"field":"amount"`},
		{fmt.Errorf("apply: %w", services.ErrNoIdentity), http.StatusUnauthorized, `"code":"no_identity"`},
		{fmt.Errorf("%w: raced", store.ErrConflict), http.StatusConflict, `"code":"conflict"`},
		{fmt.Errorf("%w: db", store.ErrUnavailable), http.StatusServiceUnavailable, `"code":"unavailable"`},
		{errors.New("boom"), http.StatusInternalServerError, `"code":"internal"`},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		ErrorFor(tt.err).Write(rr)
		if rr.Code != tt.wantCode || !strings.Contains(rr.Body.String(), tt.wantBody) {
			t.Errorf("ErrorFor(%v) = %d %s", tt.err, rr.Code, rr.Body)
		}
		if strings.Contains(rr.Body.String(), "db") || strings.Contains(rr.Body.String(), "boom") {
			t.Errorf("infrastructure detail leaked: %s", rr.Body)
		}
	}
}

func TestResponseBuilder(t *testing.T) {
	rr := httptest.NewRecorder()
	NewResponse().Status(http.StatusAccepted).Header("X-Test", "1").JSON(map[string]int{"n": 1}).Write(rr)
	if rr.Code != http.StatusAccepted || rr.Header().Get("X-Test") != "1" {
		t.Errorf("got %d %v", rr.Code, rr.Header())
	}
	if rr.Header().Get("Content-Type") != "application/json; charset=utf-8" || strings.TrimSpace(rr.Body.String()) != `{"n":1}` {
		t.Errorf("body %q", rr.Body)
	}

	rr = httptest.NewRecorder()
	NewResponse().Status(http.StatusNoContent).Write(rr)
	if rr.Code != http.StatusNoContent || rr.Body.Len() != 0 {
		t.Errorf("empty response %d %q", rr.Code, rr.Body)
	}
}
