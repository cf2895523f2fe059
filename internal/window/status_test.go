package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(v bool) *bool { return &v }

func TestEvaluateScopeRule(t *testing.T) {
	alice := Identity{Username: "alice"}
	tests := []struct {
		name   string
		status Status
		want   bool
	}{
		{name: "global open", status: Status{IsOpen: true, Scope: ScopeGlobal}, want: true},
		{name: "global closed", status: Status{IsOpen: false, Scope: ScopeGlobal}, want: false},
		{name: "global ignores userAllowed false", status: Status{IsOpen: true, Scope: ScopeGlobal, UserAllowed: boolPtr(false)}, want: true},
		{name: "global closed ignores userAllowed true", status: Status{IsOpen: false, Scope: ScopeGlobal, UserAllowed: boolPtr(true)}, want: false},
		{name: "selective allowed", status: Status{IsOpen: true, Scope: ScopeSelective, UserAllowed: boolPtr(true)}, want: true},
		{name: "selective not allowed", status: Status{IsOpen: true, Scope: ScopeSelective, UserAllowed: boolPtr(false)}, want: false},
		{name: "selective missing userAllowed", status: Status{IsOpen: true, Scope: ScopeSelective}, want: false},
		{name: "selective closed", status: Status{IsOpen: false, Scope: ScopeSelective, UserAllowed: boolPtr(true)}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := Evaluate(tt.status, alice)
			assert.Equal(t, tt.want, decision.Allowed)
			assert.Equal(t, SourceAuthority, decision.Source)
			assert.False(t, decision.Degraded)
		})
	}
}

func TestEvaluateCarriesDeadlineAndYear(t *testing.T) {
	deadline := time.Date(2026, 11, 30, 23, 59, 0, 0, time.UTC)
	decision := Evaluate(Status{IsOpen: true, Scope: ScopeGlobal, Deadline: &deadline, Year: "2026"}, Identity{Username: "a"})

	require.NotNil(t, decision.Deadline)
	assert.Equal(t, deadline, *decision.Deadline)
	assert.Equal(t, "2026", decision.Year)
	assert.False(t, decision.Expired(deadline.Add(-time.Minute)))
	assert.True(t, decision.Expired(deadline))
	assert.False(t, Decision{}.Expired(deadline))
}

func TestNormalize(t *testing.T) {
	status, err := Normalize(Status{IsOpen: true, Scope: " Selective ", Year: "2025"})
	require.NoError(t, err)
	assert.Equal(t, ScopeSelective, status.Scope)

	status, err = Normalize(Status{IsOpen: true})
	require.NoError(t, err)
	assert.Equal(t, ScopeGlobal, status.Scope)

	_, err = Normalize(Status{Scope: "everyone"})
	assert.Error(t, err)

	_, err = Normalize(Status{Scope: ScopeGlobal, Year: "25"})
	assert.Error(t, err)
}

func TestClosedIsConservative(t *testing.T) {
	decision := Closed()
	assert.False(t, decision.Allowed)
	assert.True(t, decision.Degraded)
	assert.Equal(t, SourceDefault, decision.Source)
}
