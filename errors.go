package trigger

import (
	"github.com/ticketd/trigger/action"
	"github.com/ticketd/trigger/render"
	"github.com/ticketd/trigger/selector"
	"github.com/ticketd/trigger/ticket"
)

// The error taxonomy of the engine, re-exported from the packages that
// produce each kind. Match with errors.Is.
//
// Loop-limit stops and already-fired skips are not errors: they are
// diagnostics returned alongside a success flag.
var (
	// ErrInvalidSelector: malformed condition tree. The public entry
	// points convert it into a negative answer instead of raising.
	ErrInvalidSelector = selector.ErrInvalidSelector

	// ErrMissingChangeContext: a changed clause was evaluated without a
	// before/after diff.
	ErrMissingChangeContext = selector.ErrMissingChangeContext

	// ErrMissingActor: a current_user pre-condition with no acting user.
	ErrMissingActor = action.ErrMissingActor

	// ErrUnsupportedActionTarget: an action key outside the ticket,
	// article and notification namespaces.
	ErrUnsupportedActionTarget = action.ErrUnsupportedActionTarget

	// ErrMalformedArticleDirective: an article action that is not a note
	// or is missing required fields.
	ErrMalformedArticleDirective = action.ErrMalformedArticleDirective

	// ErrTemplate: malformed template syntax in a rendered field.
	ErrTemplate = render.ErrTemplate

	// ErrPersistence: the object store failed. Always propagated, never
	// swallowed, regardless of the production flag.
	ErrPersistence = ticket.ErrPersistence
)
