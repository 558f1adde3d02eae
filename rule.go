package trigger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ticketd/trigger/action"
	"github.com/ticketd/trigger/selector"
)

// A Rule pairs a condition with an action map. Rules are immutable during
// one execution pass; the rule-authoring collaborator supplies them in
// stored priority order.
//
// The condition is either a structured Selector or, for advanced rules, a
// free-form CEL expression in Expr. When both are set, both must match.
type Rule struct {
	ID   int64
	Name string

	Condition selector.Selector
	Expr      string

	Perform *action.Map

	// Meta is a reference to any object; not used by the engine.
	Meta any
}

// Source returns the rule's identity for provenance and diagnostics.
func (r *Rule) Source() action.Source {
	return action.Source{ID: r.ID, Name: r.Name}
}

// wantsSenderRelativeEmail reports whether the rule's email notifications
// resolve recipients relative to the sender of the triggering message.
// Only those are affected by notification suppression; explicit fixed
// recipients are not.
func (r *Rule) wantsSenderRelativeEmail() bool {
	if r.Perform == nil {
		return false
	}
	for _, n := range r.Perform.Notifications {
		if n.Channel != "email" {
			continue
		}
		for _, rec := range n.Recipients {
			if rec == "ticket_customer" || rec == "article_last_sender" {
				return true
			}
		}
	}
	return false
}

// RulesTable renders the rule set as a table, in rule order.
func RulesTable(rules []*Rule) string {
	tw := table.NewWriter()
	tw.SetTitle("\nTRIGGER RULES\n")
	tw.AppendHeader(table.Row{"ID", "Name", "Condition", "Actions"})

	for _, r := range rules {
		tw.AppendRow(table.Row{r.ID, r.Name, conditionSummary(r), actionSummary(r.Perform)})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, WidthMax: 48},
		{Number: 4, WidthMax: 48},
	})

	style := table.StyleLight
	style.Format.Header = text.FormatDefault
	tw.SetStyle(style)
	return tw.Render()
}

func conditionSummary(r *Rule) string {
	if r.Expr != "" {
		return r.Expr
	}
	parts := make([]string, 0, len(r.Condition))
	for key, c := range r.Condition {
		switch {
		case c.PreCondition != "":
			parts = append(parts, fmt.Sprintf("%s %s %s", key, c.Operator, c.PreCondition))
		case c.Range != "":
			parts = append(parts, fmt.Sprintf("%s %s %v %s(s)", key, c.Operator, c.Value, c.Range))
		default:
			parts = append(parts, fmt.Sprintf("%s %s %v", key, c.Operator, c.Value))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, " && ")
}

func actionSummary(m *action.Map) string {
	if m == nil {
		return ""
	}
	var parts []string
	for _, a := range m.Object {
		parts = append(parts, fmt.Sprintf("ticket.%s = %v", a.Attribute, a.Value))
	}
	for range m.Article {
		parts = append(parts, "create note")
	}
	for _, n := range m.Notifications {
		parts = append(parts, fmt.Sprintf("notify %s (%s)", n.Channel, strings.Join(n.Recipients, ", ")))
	}
	return strings.Join(parts, "; ")
}
