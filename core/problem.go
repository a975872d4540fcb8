package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Problem is an RFC 7807-shaped error document. It is the sole error contract
// toward CLI/HTTP callers: every user-facing failure from this core is one of
// these, never a raw error string.
//
// Instance is a fresh UUID per occurrence so individual failures can be
// correlated with log lines and ledger records.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Detail   string `json:"detail,omitempty"`
	Status   int    `json:"status"`
	Instance string `json:"instance"`
}

// Problem type URIs. Relative URIs are permitted by RFC 7807; these resolve
// under the project documentation root.
const (
	ProblemTypeConfig     = "urn:nn:problem:config"
	ProblemTypeBudget     = "urn:nn:problem:budget-exceeded"
	ProblemTypeProvider   = "urn:nn:problem:provider-unavailable"
	ProblemTypeEntitled   = "urn:nn:problem:model-not-entitled"
	ProblemTypeRemote     = "urn:nn:problem:remote-error"
	ProblemTypeFetchItem  = "urn:nn:problem:fetch-item"
	ProblemTypeStyleGuard = "urn:nn:problem:style-guard"
)

// NewProblem creates a Problem with a fresh instance UUID.
// Status values outside [400,599] are clamped to 500 so the invariant in the
// data model always holds, even for malformed remote statuses.
func NewProblem(typ, title string, status int, detail string) *Problem {
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	return &Problem{
		Type:     typ,
		Title:    title,
		Detail:   detail,
		Status:   status,
		Instance: uuid.NewString(),
	}
}

// Error implements the error interface so a Problem can travel through
// error-returning call chains.
func (p *Problem) Error() string {
	if p.Detail != "" {
		return fmt.Sprintf("%s (%d): %s", p.Title, p.Status, p.Detail)
	}
	return fmt.Sprintf("%s (%d)", p.Title, p.Status)
}

// JSON renders the problem as an application/problem+json document.
func (p *Problem) JSON() []byte {
	b, err := json.Marshal(p)
	if err != nil {
		// Problem has no unmarshalable fields; this cannot happen.
		return []byte(`{"title":"encoding failure","status":500}`)
	}
	return b
}

// AsProblem extracts a Problem from an error chain, or wraps the error in a
// generic 500 Problem when none is present.
func AsProblem(err error) *Problem {
	var p *Problem
	if errors.As(err, &p) {
		return p
	}
	return NewProblem(ProblemTypeRemote, "internal error", http.StatusInternalServerError, err.Error())
}

// ConfigProblem reports missing or invalid configuration (status 400).
func ConfigProblem(detail string) *Problem {
	return NewProblem(ProblemTypeConfig, "configuration error", http.StatusBadRequest, detail)
}

// BudgetProblem reports a preflight budget violation (status 413).
func BudgetProblem(detail string) *Problem {
	return NewProblem(ProblemTypeBudget, "payload budget exceeded", http.StatusRequestEntityTooLarge, detail)
}
