package selector

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ticketd/trigger/ticket"
)

// Match evaluates the selector against one ticket. All clauses must hold.
// A malformed selector fails with ErrInvalidSelector; a changed clause
// without a diff in the context fails with ErrMissingChangeContext. Callers
// other than the public entry points propagate these errors.
func Match(sel Selector, tk *ticket.Ticket, ctx Context) (bool, error) {
	if err := Validate(sel, ctx.schema()); err != nil {
		return false, err
	}
	for key, c := range sel {
		attr, err := attributeName(key)
		if err != nil {
			return false, err
		}
		ok, err := evalClause(attr, ctx.schema()[attr], c, tk, ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// EvaluateSet evaluates the selector over a bounded ticket set, returning
// the total match count and the first limit matches. Rule matching always
// asks "does this one object match" with limit 1; a different limit only
// makes sense for callers interested in the result set itself.
func EvaluateSet(sel Selector, tickets []*ticket.Ticket, ctx Context, limit int) (int, []*ticket.Ticket, error) {
	if limit <= 0 {
		limit = 10
	}
	if err := Validate(sel, ctx.schema()); err != nil {
		return 0, nil, err
	}
	var (
		count   int
		matched []*ticket.Ticket
	)
	for _, tk := range tickets {
		ok, err := Match(sel, tk, ctx)
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			continue
		}
		count++
		if len(matched) < limit {
			matched = append(matched, tk)
		}
	}
	return count, matched, nil
}

func evalClause(attr string, kind ticket.Kind, c Clause, tk *ticket.Ticket, ctx Context) (bool, error) {
	switch c.Operator {
	case OpChanged, OpNotChanged:
		return evalChanged(attr, c, ctx)
	}

	current, _ := tk.Get(attr)

	switch kind {
	case ticket.KindTags:
		return evalTags(tk.Tags, c)
	case ticket.KindDatetime, ticket.KindDate:
		switch c.Operator {
		case OpBefore, OpAfter, OpWithinLast, OpWithinNext:
			ts, err := ticket.AsTime(current)
			if err != nil {
				return false, errors.Wrapf(ErrInvalidSelector, "attribute %s: %v", attr, err)
			}
			return evalTime(ts, c, ctx)
		}
	}

	switch c.Operator {
	case OpIs:
		return evalIs(current, c, ctx)
	case OpIsNot:
		ok, err := evalIs(current, c, ctx)
		return !ok, err
	case OpContains:
		return containsFold(asCompareString(current), c.Value), nil
	case OpContainsNot:
		return !containsFold(asCompareString(current), c.Value), nil
	}
	return false, errors.Wrapf(ErrInvalidSelector, "operator %q not applicable to attribute %s", c.Operator, attr)
}

func evalChanged(attr string, c Clause, ctx Context) (bool, error) {
	if ctx.Changes == nil {
		return false, errors.Wrapf(ErrMissingChangeContext, "clause %q on %s", c.Operator, attr)
	}
	ch, present := ctx.Changes[attr]
	changed := present && asCompareString(ch.Before) != asCompareString(ch.After)
	if changed && c.Value != nil {
		// with a value, the clause asks "changed to this value"
		changed = asCompareString(ch.After) == asCompareString(c.Value)
	}
	if c.Operator == OpNotChanged {
		return !changed, nil
	}
	return changed, nil
}

func evalTags(tags []string, c Clause) (bool, error) {
	wanted := clauseTags(c.Value)
	have := map[string]bool{}
	for _, t := range tags {
		have[t] = true
	}
	all := len(wanted) > 0
	one := false
	for _, w := range wanted {
		if have[w] {
			one = true
		} else {
			all = false
		}
	}
	switch c.Operator {
	case OpContainsAll:
		return all, nil
	case OpContainsOne, OpContains:
		return one, nil
	case OpContainsAllNot:
		return !all, nil
	case OpContainsOneNot, OpContainsNot:
		return !one, nil
	case OpIs:
		return all && len(wanted) == len(tags), nil
	case OpIsNot:
		return !(all && len(wanted) == len(tags)), nil
	}
	return false, errors.Wrapf(ErrInvalidSelector, "operator %q not applicable to tags", c.Operator)
}

func clauseTags(v any) []string {
	var out []string
	for _, s := range valueList(v) {
		out = append(out, ticket.SplitTags(s)...)
	}
	return out
}

func evalTime(ts time.Time, c Clause, ctx Context) (bool, error) {
	// unset dates never satisfy a time comparison
	if ts.IsZero() {
		return false, nil
	}
	now := ctx.now()
	if c.Operator == OpWithinLast || c.Operator == OpWithinNext || c.Range != "" {
		d, err := RelativeRange(now, c.Range, c.Value)
		if err != nil {
			return false, errors.Wrap(ErrInvalidSelector, err.Error())
		}
		switch c.Operator {
		case OpWithinLast:
			return !ts.Before(now.Add(-d)) && !ts.After(now), nil
		case OpWithinNext:
			return !ts.Before(now) && !ts.After(now.Add(d)), nil
		case OpBefore:
			return ts.Before(now.Add(-d)), nil
		case OpAfter:
			return ts.After(now.Add(d)), nil
		}
	}
	bound, err := ticket.AsTime(c.Value)
	if err != nil {
		return false, errors.Wrap(ErrInvalidSelector, err.Error())
	}
	switch c.Operator {
	case OpBefore:
		return ts.Before(bound), nil
	case OpAfter:
		return ts.After(bound), nil
	}
	return false, errors.Wrapf(ErrInvalidSelector, "operator %q not applicable to dates", c.Operator)
}

func evalIs(current any, c Clause, ctx Context) (bool, error) {
	switch {
	case strings.HasPrefix(c.PreCondition, PreNotSet):
		return isUnset(current), nil
	case c.PreCondition == PreCurrentUser:
		// a read-only evaluation without an actor cannot match the
		// current user; that is a negative answer, not an error
		if ctx.ActorID == 0 {
			return false, nil
		}
		return asCompareString(current) == fmt.Sprint(ctx.ActorID), nil
	}
	if c.Value == nil {
		return isUnset(current), nil
	}
	cur := asCompareString(current)
	for _, want := range valueList(c.Value) {
		if cur == want {
			return true, nil
		}
	}
	return false, nil
}

func containsFold(haystack string, v any) bool {
	needle := ""
	if v != nil {
		needle = fmt.Sprint(v)
	}
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func isUnset(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case int64:
		return x == 0
	case int:
		return x == 0
	case time.Time:
		return x.IsZero()
	case []string:
		return len(x) == 0
	}
	return false
}

// asCompareString normalizes a value for equality comparison the way the
// DSL expects: numbers and strings compare by their text form, times by
// RFC 3339.
func asCompareString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		if x.IsZero() {
			return ""
		}
		return x.Format(time.RFC3339)
	case []string:
		return strings.Join(x, ",")
	default:
		return fmt.Sprint(x)
	}
}
