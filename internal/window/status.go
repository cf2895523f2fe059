// Package window decides whether an uploader may submit right now. The
// upload window itself lives in a remote authority; this package evaluates
// it, keeps the last good copy, and refreshes it on a fixed cadence.
package window

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Scope says who an open window applies to.
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopeSelective Scope = "selective"
)

// Source records where a Decision's status came from.
type Source string

const (
	SourceAuthority Source = "authority"
	SourceCache     Source = "cache"
	SourceDefault   Source = "default"
)

// Status is the window as reported by the authority.
type Status struct {
	IsOpen      bool       `json:"isOpen"`
	Scope       Scope      `json:"scope" validate:"oneof=global selective"`
	UserAllowed *bool      `json:"userAllowed,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Year        string     `json:"year,omitempty" validate:"omitempty,numeric,len=4"`
}

// Identity is the uploader a decision is made for.
type Identity struct {
	Username string `json:"username"`
}

// Decision is the evaluated permission for one identity.
type Decision struct {
	Allowed   bool       `json:"allowed"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	Year      string     `json:"year,omitempty"`
	Scope     Scope      `json:"scope"`
	Source    Source     `json:"source"`
	Degraded  bool       `json:"degraded"`
	CheckedAt time.Time  `json:"checkedAt"`
}

// Expired reports whether the decision carries a deadline at or before now.
func (d Decision) Expired(now time.Time) bool {
	return d.Deadline != nil && !now.Before(*d.Deadline)
}

// Evaluate applies the scope rule. A global window is open to everyone while
// open; a selective window also needs the authority to list the user.
func Evaluate(status Status, identity Identity) Decision {
	decision := Decision{
		Deadline: status.Deadline,
		Year:     status.Year,
		Scope:    status.Scope,
		Source:   SourceAuthority,
	}
	switch status.Scope {
	case ScopeSelective:
		decision.Allowed = status.IsOpen && status.UserAllowed != nil && *status.UserAllowed
	default:
		decision.Allowed = status.IsOpen
	}
	return decision
}

// Closed is the conservative decision used when nothing is known.
func Closed() Decision {
	return Decision{Scope: ScopeGlobal, Source: SourceDefault, Degraded: true}
}

var validate = validator.New()

// Normalize fills defaults and validates a status received from outside.
func Normalize(status Status) (Status, error) {
	status.Scope = Scope(strings.ToLower(strings.TrimSpace(string(status.Scope))))
	if status.Scope == "" {
		status.Scope = ScopeGlobal
	}
	status.Year = strings.TrimSpace(status.Year)
	if err := validate.Struct(status); err != nil {
		return Status{}, fmt.Errorf("invalid window status: %w", err)
	}
	return status, nil
}
