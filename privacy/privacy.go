// Package privacy provides the policy layer of the client: rules that
// decide whether an operation on an entity may run, evaluated before the
// operation reaches the database.
package privacy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/syssam/tombstone/dialect/sql"
	"github.com/syssam/tombstone/graph"
)

// Policy decision sentinel errors.
//
// These errors are used as return values from policy rules to indicate
// how the policy evaluation should proceed. Use errors.Is() to check
// for these values:
//
//	if errors.Is(err, privacy.Allow) { ... }
//	if errors.Is(err, privacy.Deny) { ... }
//	if errors.Is(err, privacy.Skip) { ... }
var (
	// Allow may be returned by rules to indicate that the policy
	// evaluation should terminate with an allow decision.
	Allow = errors.New("tombstone/privacy: allow rule")

	// Deny may be returned by rules to indicate that the policy
	// evaluation should terminate with a deny decision.
	Deny = errors.New("tombstone/privacy: deny rule")

	// Skip may be returned by rules to indicate that the policy
	// evaluation should continue to the next rule in the chain.
	Skip = errors.New("tombstone/privacy: skip rule")
)

// Allowf returns a formatted wrapped Allow decision.
func Allowf(format string, a ...any) error {
	return fmt.Errorf(format+": %w", append(a, Allow)...)
}

// Denyf returns a formatted wrapped Deny decision.
func Denyf(format string, a ...any) error {
	return fmt.Errorf(format+": %w", append(a, Deny)...)
}

// Skipf returns a formatted wrapped Skip decision.
func Skipf(format string, a ...any) error {
	return fmt.Errorf(format+": %w", append(a, Skip)...)
}

// Op is a set of client operations.
type Op uint

// Client operations.
const (
	OpQuery Op = 1 << iota
	OpCreate
	OpUpdate
	OpSoftDelete
	OpRestore
	OpHardDelete
	OpPurge

	// OpDelete matches every operation that removes rows from the active view.
	OpDelete = OpSoftDelete | OpHardDelete | OpPurge
	// OpMutation matches every operation that writes.
	OpMutation = OpCreate | OpUpdate | OpDelete | OpRestore
)

var opNames = []string{"Query", "Create", "Update", "SoftDelete", "Restore", "HardDelete", "Purge"}

// Is reports whether op shares an operation with o.
func (op Op) Is(o Op) bool { return op&o != 0 }

func (op Op) String() string {
	var names []string
	for i, name := range opNames {
		if op&(1<<i) != 0 {
			names = append(names, "Op"+name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("Op(%d)", uint(op))
	}
	return strings.Join(names, "|")
}

// Operation describes the client operation a policy decides on.
type Operation struct {
	Op     Op
	Entity *graph.Entity
	// Values holds the field values written by creates and updates.
	Values sql.Record
}

// Field returns the value written to the named field.
func (o *Operation) Field(name string) (any, bool) {
	v, ok := o.Values[name]
	return v, ok
}

// Rule decides whether an operation is allowed.
type Rule interface {
	Eval(context.Context, *Operation) error
}

// RuleFunc type is an adapter which allows the use of ordinary functions
// as rules.
type RuleFunc func(context.Context, *Operation) error

// Eval returns f(ctx, op).
func (f RuleFunc) Eval(ctx context.Context, op *Operation) error {
	return f(ctx, op)
}

// AlwaysAllowRule returns a rule that always returns an Allow decision.
func AlwaysAllowRule() Rule {
	return fixedDecision{Allow}
}

// AlwaysDenyRule returns a rule that always returns a Deny decision.
func AlwaysDenyRule() Rule {
	return fixedDecision{Deny}
}

// ContextRule creates a rule from a context evaluation function.
// Returning nil is equivalent to returning Skip.
func ContextRule(eval func(context.Context) error) Rule {
	return RuleFunc(func(ctx context.Context, _ *Operation) error {
		return eval(ctx)
	})
}

// OnOperation evaluates the given rule only on the given operations.
func OnOperation(rule Rule, op Op) Rule {
	return RuleFunc(func(ctx context.Context, o *Operation) error {
		if o.Op.Is(op) {
			return rule.Eval(ctx, o)
		}
		return Skip
	})
}

// OnEntity evaluates the given rule only on operations of the named
// entities.
func OnEntity(rule Rule, names ...string) Rule {
	return RuleFunc(func(ctx context.Context, o *Operation) error {
		for _, name := range names {
			if o.Entity != nil && o.Entity.Name == name {
				return rule.Eval(ctx, o)
			}
		}
		return Skip
	})
}

// DenyOperationRule returns a rule denying the given operations.
func DenyOperationRule(op Op) Rule {
	rule := RuleFunc(func(_ context.Context, o *Operation) error {
		return Denyf("tombstone/privacy: operation %s on %s is not allowed", o.Op, o.Entity.Name)
	})
	return OnOperation(rule, op)
}

// AllowOperationRule returns a rule allowing the given operations.
func AllowOperationRule(op Op) Rule {
	return OnOperation(AlwaysAllowRule(), op)
}

// Policy is an ordered list of rules. Rules are evaluated in order until
// one returns a decision other than Skip. Operations no rule decides on
// are allowed.
type Policy []Rule

// Eval evaluates the policy. A decision attached to ctx by
// DecisionContext takes precedence over the rules. An Allow decision is
// reported as a nil error.
func (p Policy) Eval(ctx context.Context, op *Operation) error {
	if decision, ok := DecisionFromContext(ctx); ok {
		return decision
	}
	for _, rule := range p {
		switch decision := rule.Eval(ctx, op); {
		case decision == nil || errors.Is(decision, Skip):
		case errors.Is(decision, Allow):
			return nil
		default:
			return decision
		}
	}
	return nil
}

type decisionCtxKey struct{}

// DecisionContext creates a new context from the given parent context with
// a policy decision attached to it.
func DecisionContext(parent context.Context, decision error) context.Context {
	if decision == nil || errors.Is(decision, Skip) {
		return parent
	}
	return context.WithValue(parent, decisionCtxKey{}, decision)
}

// DecisionFromContext retrieves the policy decision from the context.
func DecisionFromContext(ctx context.Context) (error, bool) {
	decision, ok := ctx.Value(decisionCtxKey{}).(error)
	if ok && errors.Is(decision, Allow) {
		decision = nil
	}
	return decision, ok
}

type fixedDecision struct {
	decision error
}

func (f fixedDecision) Eval(context.Context, *Operation) error {
	return f.decision
}
