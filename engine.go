package trigger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally"

	"github.com/ticketd/trigger/action"
	"github.com/ticketd/trigger/selector"
	"github.com/ticketd/trigger/ticket"
)

const defaultMaxLoops = 10

// ExprEvaluator evaluates free-form expression conditions (Rule.Expr).
// The cel subpackage provides the standard implementation.
type ExprEvaluator interface {
	Compile(id string, expr string) error
	Matches(id string, data map[string]any) (bool, error)
}

// Engine is the trigger orchestrator: it evaluates candidate rules against
// a ticket, applies matches through the action interpreter, and re-runs
// evaluation for the consequences of applied rules, bounded by the loop
// guard. It holds no cross-object mutable state; concurrent Run calls on
// different tickets are safe, concurrent Run calls on the same ticket must
// be serialized by the persistence layer.
type Engine struct {
	applier *action.Applier
	opts    EngineOptions

	mu       sync.Mutex
	compiled map[string]string // rule ID to last-compiled expression text
}

// EngineOptions configure the engine. Everything here is explicit state,
// never read from ambient globals, so behavior is fully determined by the
// constructor call.
type EngineOptions struct {
	// MaxLoops caps orchestration passes per call tree. Default 10.
	MaxLoops int

	// Recursion enables re-evaluation passes after a rule applied. With
	// recursion disabled, a rule matching on a later pass is reported as
	// a diagnostic instead of being applied.
	Recursion bool

	// Production selects log-and-swallow for non-fatal rule errors.
	// Persistence failures propagate regardless.
	Production bool

	Logger logrus.FieldLogger
	Scope  tally.Scope
	Expr   ExprEvaluator
	Schema ticket.Schema
	Now    func() time.Time
}

// EngineOption mutates EngineOptions.
type EngineOption func(*EngineOptions)

// MaxLoops sets the loop budget.
func MaxLoops(n int) EngineOption {
	return func(o *EngineOptions) { o.MaxLoops = n }
}

// Recursion enables or disables recursive re-evaluation.
// Default: off.
func Recursion(b bool) EngineOption {
	return func(o *EngineOptions) { o.Recursion = b }
}

// Production selects production error handling (log and swallow).
// Default: off, so defects surface during development.
func Production(b bool) EngineOption {
	return func(o *EngineOptions) { o.Production = b }
}

// WithLogger sets the structured logger.
func WithLogger(l logrus.FieldLogger) EngineOption {
	return func(o *EngineOptions) { o.Logger = l }
}

// WithMetrics sets the metrics scope.
func WithMetrics(s tally.Scope) EngineOption {
	return func(o *EngineOptions) { o.Scope = s }
}

// WithExprEvaluator sets the evaluator for expression conditions.
func WithExprEvaluator(e ExprEvaluator) EngineOption {
	return func(o *EngineOptions) { o.Expr = e }
}

// WithSchema sets the attribute schema used for selector validation.
func WithSchema(s ticket.Schema) EngineOption {
	return func(o *EngineOptions) { o.Schema = s }
}

// WithClock sets the time source, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(o *EngineOptions) { o.Now = now }
}

// NewEngine initializes an engine around the action interpreter.
func NewEngine(applier *action.Applier, opts ...EngineOption) *Engine {
	e := &Engine{applier: applier, compiled: map[string]string{}}
	e.opts.MaxLoops = defaultMaxLoops
	for _, opt := range opts {
		opt(&e.opts)
	}
	return e
}

func (e *Engine) logger() logrus.FieldLogger {
	if e.opts.Logger != nil {
		return e.opts.Logger
	}
	return logrus.StandardLogger()
}

func (e *Engine) scope() tally.Scope {
	if e.opts.Scope != nil {
		return e.opts.Scope
	}
	return tally.NoopScope
}

func (e *Engine) now() time.Time {
	if e.opts.Now != nil {
		return e.opts.Now()
	}
	return time.Now()
}

// Run executes the candidate rules against the ticket. It is the mutating
// public entry point: rules whose conditions match are applied, with
// recursive re-evaluation of the consequences when recursion is enabled.
//
// ok=false only means the loop guard stopped the run; that and "rule
// already fired" are diagnostics, never errors. Invalid selectors are
// swallowed into a no-op with a logged diagnostic. In production mode all
// other rule errors are logged and swallowed too, except persistence
// failures, which always propagate.
//
// Pass ec=nil to start a fresh call tree; pass the returned context to
// re-enter it (scheduled sweeps re-dispatching the same chain).
func (e *Engine) Run(ctx context.Context, tk *ticket.Ticket, rules []*Rule, item *ticket.ChangeItem, ec *ExecutionContext) (bool, string, *ExecutionContext, error) {
	if ec == nil {
		ec = NewExecutionContext(tk.ID)
	}
	if item != nil && item.Kind != "" {
		ec.Kind = item.Kind
	}
	log := e.logger().WithField("ticket", tk.ID)

	// re-dispatch is a work queue drained here, not call-stack recursion:
	// each entry is one full evaluation pass
	pending := 1
	for pending > 0 {
		pending--

		ec.Enter()
		e.scope().Counter("passes").Inc(1)
		if ec.ShouldStop(e.opts.MaxLoops) {
			msg := fmt.Sprintf("stopped rule processing for ticket %d, loop count was %d", tk.ID, ec.LoopCount)
			log.Info(msg)
			e.scope().Counter("loop_limit_stopped").Inc(1)
			return false, msg, ec, nil
		}
		if len(rules) == 0 {
			return true, "no rules active", ec, nil
		}

		applied, stop, msg, err := e.runPass(ctx, tk, rules, item, ec, log)
		if err != nil {
			return false, "", ec, err
		}
		if stop {
			return true, msg, ec, nil
		}
		if applied && e.opts.Recursion {
			pending++
		}
	}
	return true, "", ec, nil
}

func (e *Engine) runPass(ctx context.Context, tk *ticket.Ticket, rules []*Rule, item *ticket.ChangeItem, ec *ExecutionContext, log logrus.FieldLogger) (applied, stop bool, msg string, err error) {
	var article *ticket.Article
	if item != nil {
		article = tk.ArticleByID(item.ArticleID)
	}

	// a source message flagged "no auto-response" suppresses
	// sender-relative notifications for the rest of the call tree
	if !ec.SuppressNotifications && article != nil {
		if v, ok := article.Pref("send-auto-response").(bool); ok && !v {
			ec.SuppressNotifications = true
		}
	}

	for _, r := range rules {
		log := log.WithFields(logrus.Fields{"rule": r.Name, "rule_id": r.ID, "loop": ec.LoopCount})
		log.Debug("probing rule")

		matched, merr := e.matches(r, tk, item, ec)
		if merr != nil {
			switch {
			case errors.Is(merr, ErrInvalidSelector):
				// a malformed condition is a quiet no-match at the public
				// boundary, but the diagnostic channel must distinguish
				// it from a genuine no-match
				log.WithError(merr).Warn("selector invalid, treating rule as not matching")
				e.scope().Counter("invalid_selectors").Inc(1)
				continue
			case e.opts.Production:
				log.WithError(merr).Error("rule evaluation failed")
				continue
			default:
				return applied, false, "", merr
			}
		}
		if !matched {
			continue
		}
		e.scope().Counter("rules_matched").Inc(1)

		if !e.opts.Recursion && ec.LoopCount > 1 {
			// recursion-disabled mode surfaces a diagnostic instead of
			// acting, so rule authors can review the chain
			msg := fmt.Sprintf("recursion is disabled, rule %q (%d) would have fired for ticket %d", r.Name, r.ID, tk.ID)
			log.Info(msg)
			return applied, true, msg, nil
		}

		if article != nil && ec.SuppressNotifications && r.wantsSenderRelativeEmail() {
			log.Info("skipping rule, sender does not want an auto response")
			continue
		}

		if ec.AlreadyFired(tk.ID, r.ID) {
			log.Info("skipping rule, already executed for this ticket in this call tree")
			e.scope().Counter("rules_deduplicated").Inc(1)
			continue
		}
		ec.MarkFired(tk.ID, r.ID)
		log.Info("executing rule")

		actor := ec.ActorID
		if actor == 0 && item != nil {
			actor = item.UserID
		}

		res, aerr := e.applier.Apply(ctx, r.Source(), r.Perform, tk, "trigger", item, actor)
		if aerr != nil {
			if errors.Is(aerr, ErrPersistence) {
				return applied, false, "", aerr
			}
			if e.opts.Production {
				log.WithError(aerr).Error("rule application failed")
				continue
			}
			return applied, false, "", aerr
		}
		e.scope().Counter("rules_fired").Inc(1)
		e.scope().Counter("notifications_throttled").Inc(int64(len(res.Throttled)))
		applied = true

		if res.Deleted {
			return applied, true, fmt.Sprintf("ticket %d deleted by rule %q", tk.ID, r.Name), nil
		}
	}
	return applied, false, "", nil
}

// matches evaluates the rule's condition against the one target ticket
// (limit 1, access checks ignored). Both the structured selector and the
// expression must hold when both are present.
func (e *Engine) matches(r *Rule, tk *ticket.Ticket, item *ticket.ChangeItem, ec *ExecutionContext) (bool, error) {
	if r.Condition != nil {
		sctx := selector.Context{
			Now:     e.now(),
			ActorID: ec.ActorID,
			Schema:  e.opts.Schema,
		}
		if item != nil {
			sctx.Changes = item.Changes
		}
		count, matched, err := selector.EvaluateSet(r.Condition, []*ticket.Ticket{tk}, sctx, 1)
		if err != nil {
			return false, err
		}
		if count == 0 || matched[0].ID != tk.ID {
			return false, nil
		}
	}
	if r.Expr != "" {
		ok, err := e.exprMatches(r, tk, item, ec)
		if err != nil || !ok {
			return false, err
		}
	}
	return r.Condition != nil || r.Expr != "", nil
}

func (e *Engine) exprMatches(r *Rule, tk *ticket.Ticket, item *ticket.ChangeItem, ec *ExecutionContext) (bool, error) {
	if e.opts.Expr == nil {
		return false, fmt.Errorf("rule %d has an expression condition but no expression evaluator is configured", r.ID)
	}
	id := strconv.FormatInt(r.ID, 10)

	e.mu.Lock()
	needsCompile := e.compiled[id] != r.Expr
	e.mu.Unlock()
	if needsCompile {
		if err := e.opts.Expr.Compile(id, r.Expr); err != nil {
			return false, err
		}
		e.mu.Lock()
		e.compiled[id] = r.Expr
		e.mu.Unlock()
	}

	articleMap := map[string]any{}
	changes := map[string]any{}
	if item != nil {
		if a := tk.ArticleByID(item.ArticleID); a != nil {
			articleMap = map[string]any{
				"id": a.ID, "type": a.Type, "sender": a.Sender,
				"from": a.From, "to": a.To, "subject": a.Subject,
				"internal": a.Internal,
			}
		}
		for attr, ch := range item.Changes {
			changes[attr] = []any{ch.Before, ch.After}
		}
	}
	return e.opts.Expr.Matches(id, map[string]any{
		"ticket":  tk.Map(),
		"article": articleMap,
		"changes": changes,
		"now":     e.now(),
		"actor":   ec.ActorID,
	})
}

// MatchSelector is the read-only public entry point: does the ticket match
// the selector. It performs no mutations, queues no notifications, and
// needs no authenticated actor. A malformed selector yields false, never
// an error; the diagnostic is logged so "no match" and "selector was
// invalid" stay distinguishable.
func (e *Engine) MatchSelector(sel selector.Selector, tk *ticket.Ticket, item *ticket.ChangeItem) bool {
	sctx := selector.Context{Now: e.now(), Schema: e.opts.Schema}
	if item != nil {
		sctx.Changes = item.Changes
	}
	ok, err := selector.Match(sel, tk, sctx)
	if err != nil {
		if errors.Is(err, ErrInvalidSelector) {
			e.logger().WithError(err).Warn("selector invalid, returning no match")
			e.scope().Counter("invalid_selectors").Inc(1)
		} else {
			e.logger().WithError(err).Error("selector evaluation failed")
		}
		return false
	}
	return ok
}
