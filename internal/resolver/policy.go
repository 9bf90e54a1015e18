package resolver

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/payrecon/internal/domain"
)

//go:embed schema.cue
var schemaCUE string

//go:embed policy.cue
var defaultPolicyCUE string

// Policy is the decoded status policy.
type Policy struct {
	// Priority lists statuses from lowest to highest.
	Priority []domain.OrderStatus `json:"priority"`
	// Terminal lists statuses that are never left once reached.
	Terminal []domain.OrderStatus `json:"terminal"`
	// Mapping translates raw processor statuses into order statuses.
	Mapping map[string]domain.OrderStatus `json:"mapping"`
}

// PolicyError reports an invalid policy document.
type PolicyError struct {
	Source  string
	Message string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy %s: %s", e.Source, e.Message)
}

// DefaultPolicy returns the embedded policy.
// Panics if the embedded document is invalid, which the package tests rule out.
func DefaultPolicy() *Policy {
	p, err := ParsePolicy("policy.cue", []byte(defaultPolicyCUE))
	if err != nil {
		panic(err)
	}
	return p
}

// LoadPolicyFile reads and parses a policy from a CUE file.
func LoadPolicyFile(path string) (*Policy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(path, src)
}

// ParsePolicy compiles src, unifies it with the policy schema, and checks the
// invariants CUE cannot express: priority is a permutation of every status,
// terminal is exactly the domain's terminal set, and terminal statuses
// occupy the top of the priority list.
func ParsePolicy(name string, src []byte) (*Policy, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, &PolicyError{Source: "schema.cue", Message: err.Error()}
	}

	value := ctx.CompileBytes(src, cue.Filename(name))
	if err := value.Err(); err != nil {
		return nil, &PolicyError{Source: name, Message: fmt.Sprintf("compile: %v", err)}
	}

	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &PolicyError{Source: name, Message: fmt.Sprintf("validate: %v", err)}
	}

	var p Policy
	if err := unified.Decode(&p); err != nil {
		return nil, &PolicyError{Source: name, Message: fmt.Sprintf("decode: %v", err)}
	}

	if err := p.check(); err != nil {
		return nil, &PolicyError{Source: name, Message: err.Error()}
	}
	return &p, nil
}

func (p *Policy) check() error {
	if len(p.Priority) != len(domain.AllStatuses) {
		return fmt.Errorf("priority must list all %d statuses, got %d", len(domain.AllStatuses), len(p.Priority))
	}
	seen := make(map[domain.OrderStatus]bool, len(p.Priority))
	for _, s := range p.Priority {
		if seen[s] {
			return fmt.Errorf("priority lists %q twice", s)
		}
		seen[s] = true
	}

	// Must match domain.IsTerminal, which ListStaleOrders also encodes.
	var want []domain.OrderStatus
	for _, s := range domain.AllStatuses {
		if s.IsTerminal() {
			want = append(want, s)
		}
	}
	terminal := make(map[domain.OrderStatus]bool, len(p.Terminal))
	for _, s := range p.Terminal {
		if terminal[s] {
			return fmt.Errorf("terminal lists %q twice", s)
		}
		if !s.IsTerminal() {
			return fmt.Errorf("terminal must be exactly %v: %q is not terminal", want, s)
		}
		terminal[s] = true
	}
	if len(terminal) != len(want) {
		return fmt.Errorf("terminal must be exactly %v, got %v", want, p.Terminal)
	}
	top := p.Priority[len(p.Priority)-len(p.Terminal):]
	for _, s := range p.Terminal {
		found := false
		for _, t := range top {
			if s == t {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("terminal status %q must rank above every non-terminal status", s)
		}
	}

	if len(p.Mapping) == 0 {
		return fmt.Errorf("mapping must not be empty")
	}
	return nil
}
