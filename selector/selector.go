// Package selector implements the declarative condition DSL matched against
// tickets. A selector is a map from namespaced attribute keys
// ("ticket.state") to clauses carrying an operator and a literal value, a
// relative time range, or a pre-condition token resolved at evaluation time.
package selector

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ticketd/trigger/ticket"
)

// ErrInvalidSelector marks a malformed condition tree: unknown attribute
// keys, unknown operators, or operator/value combinations that make no
// sense. Public entry points convert it into a negative answer; everywhere
// else it propagates.
var ErrInvalidSelector = errors.New("invalid selector")

// ErrMissingChangeContext is returned when a changed / not-changed clause
// is evaluated without a before/after diff in the context.
var ErrMissingChangeContext = errors.New("missing change context")

// Operators.
const (
	OpIs             = "is"
	OpIsNot          = "is not"
	OpContains       = "contains"
	OpContainsNot    = "contains not"
	OpContainsAll    = "contains all"
	OpContainsOne    = "contains one"
	OpContainsAllNot = "contains all not"
	OpContainsOneNot = "contains one not"
	OpBefore         = "before"
	OpAfter          = "after"
	OpWithinLast     = "within last"
	OpWithinNext     = "within next"
	OpChanged        = "changed"
	OpNotChanged     = "not changed"
)

// Pre-condition tokens.
const (
	PreCurrentUser = "current_user.id"
	PreSpecific    = "specific"
	PreNotSet      = "not_set"
)

var knownOperators = map[string]bool{
	OpIs: true, OpIsNot: true,
	OpContains: true, OpContainsNot: true,
	OpContainsAll: true, OpContainsOne: true,
	OpContainsAllNot: true, OpContainsOneNot: true,
	OpBefore: true, OpAfter: true,
	OpWithinLast: true, OpWithinNext: true,
	OpChanged: true, OpNotChanged: true,
}

// Clause is a single condition on one attribute.
type Clause struct {
	Operator     string `yaml:"operator"`
	Value        any    `yaml:"value,omitempty"`
	Range        string `yaml:"range,omitempty"`
	PreCondition string `yaml:"pre_condition,omitempty"`
}

// Selector is a condition tree: every clause must hold for the selector to
// match (conjunction).
type Selector map[string]Clause

// Context carries the evaluation-time state a selector may refer to:
// the current instant for relative time clauses, the acting user for
// current_user pre-conditions, and the attribute diff for changed clauses.
type Context struct {
	Now     time.Time
	ActorID int64
	Changes map[string]ticket.Change

	// Schema validates attribute keys; nil means ticket.DefaultSchema.
	Schema ticket.Schema
}

func (c Context) schema() ticket.Schema {
	if c.Schema != nil {
		return c.Schema
	}
	return ticket.DefaultSchema()
}

func (c Context) now() time.Time {
	if c.Now.IsZero() {
		return time.Now()
	}
	return c.Now
}

// Validate checks the selector against the attribute schema. A nil or
// empty selector, unknown keys, unknown operators and malformed
// operator/value combinations all fail with ErrInvalidSelector.
func Validate(sel Selector, schema ticket.Schema) error {
	if sel == nil {
		return errors.Wrap(ErrInvalidSelector, "nil selector")
	}
	for key, c := range sel {
		attr, err := attributeName(key)
		if err != nil {
			return err
		}
		kind, ok := schema[attr]
		if !ok {
			return errors.Wrapf(ErrInvalidSelector, "unknown attribute %q", key)
		}
		if !knownOperators[c.Operator] {
			return errors.Wrapf(ErrInvalidSelector, "unknown operator %q for %q", c.Operator, key)
		}
		switch c.Operator {
		case OpWithinLast, OpWithinNext:
			if kind != ticket.KindDatetime && kind != ticket.KindDate {
				return errors.Wrapf(ErrInvalidSelector, "operator %q needs a date attribute, %q is %s", c.Operator, key, kind)
			}
			if _, err := RelativeRange(time.Now(), c.Range, c.Value); err != nil {
				return errors.Wrapf(ErrInvalidSelector, "%q: %v", key, err)
			}
		case OpBefore, OpAfter:
			if kind != ticket.KindDatetime && kind != ticket.KindDate {
				return errors.Wrapf(ErrInvalidSelector, "operator %q needs a date attribute, %q is %s", c.Operator, key, kind)
			}
			if c.Range != "" {
				if _, err := RelativeRange(time.Now(), c.Range, c.Value); err != nil {
					return errors.Wrapf(ErrInvalidSelector, "%q: %v", key, err)
				}
			} else if _, err := ticket.AsTime(c.Value); err != nil {
				return errors.Wrapf(ErrInvalidSelector, "%q: %v", key, err)
			}
		case OpContainsAll, OpContainsOne, OpContainsAllNot, OpContainsOneNot:
			if kind != ticket.KindTags {
				return errors.Wrapf(ErrInvalidSelector, "operator %q needs a tag attribute, %q is %s", c.Operator, key, kind)
			}
		}
		if c.PreCondition != "" {
			if c.PreCondition != PreCurrentUser && c.PreCondition != PreSpecific &&
				!strings.HasPrefix(c.PreCondition, PreNotSet) {
				return errors.Wrapf(ErrInvalidSelector, "unknown pre_condition %q for %q", c.PreCondition, key)
			}
		}
	}
	return nil
}

// attributeName strips the object namespace from a selector key. Only the
// ticket namespace is valid in conditions; article and notification exist
// at the action level only.
func attributeName(key string) (string, error) {
	ns, attr, ok := strings.Cut(key, ".")
	if !ok || attr == "" {
		return "", errors.Wrapf(ErrInvalidSelector, "key %q is not namespaced", key)
	}
	if ns != "ticket" {
		return "", errors.Wrapf(ErrInvalidSelector, "unsupported namespace %q in key %q", ns, key)
	}
	return attr, nil
}

// valueList normalizes a clause value to a list of strings. Scalars become
// one-element lists; comma-separated strings are split for tag operators by
// the caller, not here.
func valueList(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, fmt.Sprint(e))
		}
		return out
	default:
		return []string{fmt.Sprint(x)}
	}
}
