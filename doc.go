// Package trigger orchestrates automation rules over tickets.
//
// A Rule couples a condition (a structured attribute selector, an
// expression, or both) with a set of actions: attribute mutations, note
// creation, and notifications. The Engine evaluates candidate rules
// against a ticket whenever the ticket changes, applies the matches
// through the action interpreter, and, when recursion is enabled,
// re-evaluates the rule set against the consequences. An ExecutionContext
// carries the loop guard and fired-rule bookkeeping across a call tree so
// rule chains always terminate and no rule fires twice for the same
// ticket.
//
// Subpackages hold the moving parts: selector evaluates structured
// conditions, cel compiles expression conditions, action interprets rule
// actions against a ticket, render expands templates in action values,
// notify models outbound messages, throttle rate-limits them, ticket
// defines the business object and its persistence interfaces, and loader
// reads rule files.
package trigger
