package trigger

import "fmt"

// ExecutionContext is the per-call-tree state of one orchestration: the
// loop counter, the set of (ticket, rule) pairs that already fired, the
// acting user and the notification suppression flag. It lives only for the
// duration of one Run call tree, including recursive re-entries, and is
// never persisted. Only the loop guard and the orchestrator mutate it.
type ExecutionContext struct {
	ObjectID  int64
	LoopCount int
	ActorID   int64
	Kind      string

	SuppressNotifications bool

	fired map[firedKey]bool
}

type firedKey struct {
	objectID int64
	ruleID   int64
}

// NewExecutionContext returns a fresh context for the object.
func NewExecutionContext(objectID int64) *ExecutionContext {
	return &ExecutionContext{ObjectID: objectID, fired: map[firedKey]bool{}}
}

// Enter counts one orchestration pass.
func (c *ExecutionContext) Enter() {
	c.LoopCount++
}

// ShouldStop reports whether the loop budget is exhausted. The bound is a
// hard cap, not a fixed-point detector: exceeding it terminates the
// remaining rule set with a diagnostic, it never raises.
func (c *ExecutionContext) ShouldStop(maxLoops int) bool {
	return c.LoopCount > maxLoops
}

// AlreadyFired reports whether the rule already fired for the object
// within this call tree.
func (c *ExecutionContext) AlreadyFired(objectID, ruleID int64) bool {
	return c.fired[firedKey{objectID, ruleID}]
}

// MarkFired records that the rule fired for the object.
func (c *ExecutionContext) MarkFired(objectID, ruleID int64) {
	if c.fired == nil {
		c.fired = map[firedKey]bool{}
	}
	c.fired[firedKey{objectID, ruleID}] = true
}

func (c *ExecutionContext) String() string {
	return fmt.Sprintf("ticket %d, loop %d, %d rule(s) fired", c.ObjectID, c.LoopCount, len(c.fired))
}
