package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"squirrel/internal/core"
)

const (
	// HeaderUserID carries the identity established by the authenticating
	// proxy in front of the server.
	HeaderUserID = "X-User-ID"
	// HeaderIdempotencyKey lets a client retry a POST without applying it
	// twice.
	HeaderIdempotencyKey = "Idempotency-Key"

	maxBodyBytes   = 16 << 10
	maxHeaderValue = 128
)

var errBodyTooLarge = errors.New("request body too large")

// RequestBodyParser reads an entry body sent either as JSON or as
// form-encoded fields.
type RequestBodyParser struct {
	body        []byte
	contentType string
	jsonData    map[string]any
	formData    url.Values
	parsed      bool
	err         error
}

// NewRequestBodyParser reads at most maxBodyBytes of r's body.
func NewRequestBodyParser(r *http.Request) *RequestBodyParser {
	p := &RequestBodyParser{contentType: r.Header.Get("Content-Type")}
	p.body, p.err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if p.err == nil && len(p.body) > maxBodyBytes {
		p.err = errBodyTooLarge
	}
	return p
}

// Parse decodes the body once. JSON numbers are kept as written.
func (p *RequestBodyParser) Parse() error {
	if p.parsed {
		return p.err
	}
	p.parsed = true
	if p.err != nil {
		return p.err
	}

	body := bytes.TrimSpace(p.body)
	if len(body) == 0 {
		p.formData = url.Values{}
		return nil
	}

	if body[0] == '{' || strings.HasPrefix(p.contentType, "application/json") {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		p.jsonData = make(map[string]any)
		if err := dec.Decode(&p.jsonData); err != nil {
			p.err = fmt.Errorf("malformed JSON body: %w", err)
			return p.err
		}
		return nil
	}

	p.formData, p.err = url.ParseQuery(string(body))
	if p.err != nil {
		p.err = fmt.Errorf("malformed form body: %w", p.err)
	}
	return p.err
}

// Get returns the trimmed, sanitized value of key.
func (p *RequestBodyParser) Get(key string) string {
	if p.jsonData != nil {
		if val, ok := p.jsonData[key]; ok {
			return sanitizeInput(stringValue(val))
		}
		return ""
	}
	if p.formData != nil {
		return sanitizeInput(p.formData.Get(key))
	}
	return ""
}

func stringValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// ParseEntryRequest builds the pending entry described by r. The
// idempotency key comes from the header, or from a "token" body field.
// Field values are not validated here.
func ParseEntryRequest(r *http.Request) (core.PendingEntry, error) {
	p := NewRequestBodyParser(r)
	if err := p.Parse(); err != nil {
		return core.PendingEntry{}, err
	}

	token := sanitizeInput(r.Header.Get(HeaderIdempotencyKey))
	if token == "" {
		token = p.Get("token")
	}
	if len(token) > maxHeaderValue {
		return core.PendingEntry{}, fmt.Errorf("%s longer than %d characters", HeaderIdempotencyKey, maxHeaderValue)
	}

	return core.PendingEntry{
		Name:     p.Get("name"),
		Date:     p.Get("date"),
		Amount:   p.Get("amount"),
		Category: p.Get("category"),
		Action:   p.Get("action"),
		Token:    token,
	}, nil
}

// UserFromRequest returns the caller's identity, or "" when absent or
// unusable.
func UserFromRequest(r *http.Request) string {
	u := sanitizeInput(r.Header.Get(HeaderUserID))
	if len(u) > maxHeaderValue || strings.ContainsAny(u, " \t\r\n/") {
		return ""
	}
	return u
}

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s))
}
