package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/payrecon/internal/domain"
)

func TestResolve_HigherPriorityWins(t *testing.T) {
	r := Default()

	tests := []struct {
		name     string
		current  domain.OrderStatus
		reported domain.OrderStatus
		want     domain.OrderStatus
	}{
		{"pending to approved", domain.StatusPending, domain.StatusApproved, domain.StatusApproved},
		{"pending to in_process", domain.StatusPending, domain.StatusInProcess, domain.StatusInProcess},
		{"in_process ignores pending", domain.StatusInProcess, domain.StatusPending, domain.StatusInProcess},
		{"unknown to pending", domain.StatusUnknown, domain.StatusPending, domain.StatusPending},
		{"pending ignores unknown", domain.StatusPending, domain.StatusUnknown, domain.StatusPending},
		{"same status", domain.StatusInProcess, domain.StatusInProcess, domain.StatusInProcess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.current, tt.reported))
		})
	}
}

func TestResolve_TerminalIsFrozen(t *testing.T) {
	r := Default()

	for _, term := range []domain.OrderStatus{domain.StatusApproved, domain.StatusRejected, domain.StatusCancelled} {
		for _, reported := range domain.AllStatuses {
			assert.Equal(t, term, r.Resolve(term, reported), "terminal %s must not move to %s", term, reported)
		}
	}
}

func TestResolve_OrderIndependent(t *testing.T) {
	r := Default()

	signals := []domain.OrderStatus{domain.StatusPending, domain.StatusInProcess, domain.StatusApproved}
	perms := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}

	for _, perm := range perms {
		current := domain.StatusPending
		for _, i := range perm {
			current = r.Resolve(current, signals[i])
		}
		assert.Equal(t, domain.StatusApproved, current, "permutation %v", perm)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	r := Default()

	for _, current := range domain.AllStatuses {
		for _, reported := range domain.AllStatuses {
			once := r.Resolve(current, reported)
			assert.Equal(t, once, r.Resolve(once, reported))
		}
	}
}

func TestClassify(t *testing.T) {
	r := Default()

	tests := map[string]domain.OrderStatus{
		"approved":     domain.StatusApproved,
		"APPROVED":     domain.StatusApproved,
		" pending ":    domain.StatusPending,
		"authorized":   domain.StatusInProcess,
		"in_mediation": domain.StatusInProcess,
		"rejected":     domain.StatusRejected,
		"refunded":     domain.StatusCancelled,
		"charged_back": domain.StatusCancelled,
		"teleported":   domain.StatusUnknown,
		"":             domain.StatusUnknown,
	}

	for raw, want := range tests {
		assert.Equal(t, want, r.Classify(raw), "classify %q", raw)
	}
}

func TestConflict(t *testing.T) {
	r := Default()

	assert.True(t, r.Conflict(domain.StatusRejected, domain.StatusApproved))
	assert.True(t, r.Conflict(domain.StatusApproved, domain.StatusCancelled))
	assert.False(t, r.Conflict(domain.StatusApproved, domain.StatusApproved))
	assert.False(t, r.Conflict(domain.StatusApproved, domain.StatusPending))
	assert.False(t, r.Conflict(domain.StatusPending, domain.StatusApproved))
}

func TestOutranks_UnknownStatusRanksLowest(t *testing.T) {
	r := Default()

	assert.True(t, r.Outranks(domain.StatusUnknown, domain.OrderStatus("bogus")))
	assert.False(t, r.Outranks(domain.OrderStatus("bogus"), domain.StatusUnknown))
}

func TestParsePolicy_Default(t *testing.T) {
	p := DefaultPolicy()

	require.Len(t, p.Priority, len(domain.AllStatuses))
	assert.Equal(t, domain.StatusApproved, p.Priority[len(p.Priority)-1])
	assert.ElementsMatch(t,
		[]domain.OrderStatus{domain.StatusApproved, domain.StatusRejected, domain.StatusCancelled},
		p.Terminal)
}

func TestParsePolicy_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "unknown status in priority",
			src: `priority: ["unknown", "pending", "in_process", "cancelled", "rejected", "paid"]
terminal: ["paid"]
mapping: approved: "approved"`,
			want: "validate",
		},
		{
			name: "missing status",
			src: `priority: ["unknown", "pending", "in_process", "rejected", "approved"]
terminal: ["rejected", "approved"]
mapping: approved: "approved"`,
			want: "must list all",
		},
		{
			name: "duplicate status",
			src: `priority: ["unknown", "pending", "pending", "cancelled", "rejected", "approved"]
terminal: ["cancelled", "rejected", "approved"]
mapping: approved: "approved"`,
			want: "twice",
		},
		{
			name: "terminal below non-terminal",
			src: `priority: ["unknown", "pending", "cancelled", "in_process", "rejected", "approved"]
terminal: ["cancelled", "rejected", "approved"]
mapping: approved: "approved"`,
			want: "must rank above",
		},
		{
			name: "terminal set narrowed",
			src: `priority: ["unknown", "pending", "in_process", "cancelled", "rejected", "approved"]
terminal: ["rejected", "approved"]
mapping: approved: "approved"`,
			want: "terminal must be exactly",
		},
		{
			name: "terminal set widened",
			src: `priority: ["unknown", "pending", "in_process", "cancelled", "rejected", "approved"]
terminal: ["in_process", "cancelled", "rejected", "approved"]
mapping: approved: "approved"`,
			want: `"in_process" is not terminal`,
		},
		{
			name: "duplicate terminal",
			src: `priority: ["unknown", "pending", "in_process", "cancelled", "rejected", "approved"]
terminal: ["approved", "rejected", "approved"]
mapping: approved: "approved"`,
			want: `terminal lists "approved" twice`,
		},
		{
			name: "mapping to invalid status",
			src: `priority: ["unknown", "pending", "in_process", "cancelled", "rejected", "approved"]
terminal: ["cancelled", "rejected", "approved"]
mapping: approved: "paid"`,
			want: "validate",
		},
		{
			name: "syntax error",
			src:  `priority: [`,
			want: "compile",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy("test.cue", []byte(tt.src))
			require.Error(t, err)

			var pe *PolicyError
			require.ErrorAs(t, err, &pe)
			assert.Contains(t, pe.Message, tt.want)
		})
	}
}
