package trigger_test

import (
	"strings"
	"testing"

	"github.com/ticketd/trigger"
)

func TestExecutionContextLoopBudget(t *testing.T) {
	ec := trigger.NewExecutionContext(1)
	for i := 0; i < 10; i++ {
		ec.Enter()
		if ec.ShouldStop(10) {
			t.Fatalf("budget exhausted after %d passes", i+1)
		}
	}
	ec.Enter()
	if !ec.ShouldStop(10) {
		t.Error("pass 11 should exhaust a budget of 10")
	}
}

func TestExecutionContextFiredSet(t *testing.T) {
	ec := trigger.NewExecutionContext(1)
	if ec.AlreadyFired(1, 5) {
		t.Error("nothing fired yet")
	}
	ec.MarkFired(1, 5)
	if !ec.AlreadyFired(1, 5) {
		t.Error("rule 5 fired for ticket 1")
	}
	if ec.AlreadyFired(2, 5) {
		t.Error("the fired set is per ticket")
	}
	if ec.AlreadyFired(1, 6) {
		t.Error("the fired set is per rule")
	}
}

func TestExecutionContextString(t *testing.T) {
	ec := trigger.NewExecutionContext(42)
	ec.Enter()
	ec.MarkFired(42, 1)
	if s := ec.String(); !strings.Contains(s, "42") || !strings.Contains(s, "1 rule") {
		t.Errorf("String() = %q", s)
	}
}
