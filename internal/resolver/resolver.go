// Package resolver maps processor-reported payment statuses onto order
// status transitions.
//
// Resolution is a pure function over a total priority order. Once an order
// is terminal it never changes; otherwise a reported status replaces the
// current one only when it ranks strictly higher. Because max over a total
// order is commutative, any arrival order of the same signals converges on
// the same status, provided at most one terminal status is involved.
package resolver

import (
	"strings"

	"github.com/roach88/payrecon/internal/domain"
)

// Resolver applies a Policy. It holds no mutable state and is safe for
// concurrent use.
type Resolver struct {
	rank     map[domain.OrderStatus]int
	terminal map[domain.OrderStatus]bool
	mapping  map[string]domain.OrderStatus
}

// New builds a Resolver from a validated policy.
func New(p *Policy) *Resolver {
	r := &Resolver{
		rank:     make(map[domain.OrderStatus]int, len(p.Priority)),
		terminal: make(map[domain.OrderStatus]bool, len(p.Terminal)),
		mapping:  make(map[string]domain.OrderStatus, len(p.Mapping)),
	}
	for i, s := range p.Priority {
		r.rank[s] = i
	}
	for _, s := range p.Terminal {
		r.terminal[s] = true
	}
	for k, v := range p.Mapping {
		r.mapping[strings.ToLower(k)] = v
	}
	return r
}

// Default returns a Resolver over the embedded policy.
func Default() *Resolver {
	return New(DefaultPolicy())
}

// Resolve returns the status an order should move to given the status
// currently stored and the status a signal reports.
func (r *Resolver) Resolve(current, reported domain.OrderStatus) domain.OrderStatus {
	if r.IsTerminal(current) {
		return current
	}
	if r.Outranks(reported, current) {
		return reported
	}
	return current
}

// Classify maps a raw processor status to an order status.
// Unmapped statuses classify as unknown, the lowest priority.
func (r *Resolver) Classify(processorStatus string) domain.OrderStatus {
	if s, ok := r.mapping[strings.ToLower(strings.TrimSpace(processorStatus))]; ok {
		return s
	}
	return domain.StatusUnknown
}

// IsTerminal reports whether s is terminal under the policy.
func (r *Resolver) IsTerminal(s domain.OrderStatus) bool {
	return r.terminal[s]
}

// Outranks reports whether a has strictly higher priority than b.
// Statuses outside the policy rank below everything.
func (r *Resolver) Outranks(a, b domain.OrderStatus) bool {
	return r.rankOf(a) > r.rankOf(b)
}

// Conflict reports a terminal order receiving a different terminal status,
// e.g. a rejected order whose customer later paid successfully. Resolution
// keeps the current status; the conflict needs a human.
func (r *Resolver) Conflict(current, reported domain.OrderStatus) bool {
	return r.IsTerminal(current) && r.IsTerminal(reported) && current != reported
}

func (r *Resolver) rankOf(s domain.OrderStatus) int {
	if rank, ok := r.rank[s]; ok {
		return rank
	}
	return -1
}
