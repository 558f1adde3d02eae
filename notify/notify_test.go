package notify_test

import (
	"context"
	"testing"

	"github.com/ticketd/trigger/notify"
)

func TestMemoryDirectoryAgentsSorted(t *testing.T) {
	d := &notify.MemoryDirectory{
		Users: map[int64]notify.User{
			1: {ID: 1, Login: "zed", Email: "zed@example.com"},
			2: {ID: 2, Login: "anna", Email: "anna@example.com"},
			3: {ID: 3, Login: "mike", Email: "mike@example.com"},
		},
		Agents: map[int64][]int64{7: {1, 2, 3}},
	}
	agents := d.AgentsOf(7)
	if len(agents) != 3 {
		t.Fatalf("agents = %d, want 3", len(agents))
	}
	for i, want := range []string{"anna", "mike", "zed"} {
		if agents[i].Login != want {
			t.Errorf("agents[%d] = %q, want %q", i, agents[i].Login, want)
		}
	}
	if got := d.AgentsOf(99); len(got) != 0 {
		t.Errorf("unknown group agents = %v", got)
	}
}

func TestMemoryDelivererAssignsIDs(t *testing.T) {
	d := &notify.MemoryDeliverer{}
	id1, err := d.Enqueue(context.Background(), notify.Request{Channel: notify.ChannelEmail})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := d.Enqueue(context.Background(), notify.Request{Channel: notify.ChannelSMS})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 == "" || id1 == id2 {
		t.Errorf("ids = %q, %q, want distinct non-empty ids", id1, id2)
	}
	if got := d.ByChannel(notify.ChannelEmail); len(got) != 1 || got[0].ID != id1 {
		t.Errorf("ByChannel = %+v", got)
	}

	d.FailEnqueue = true
	if _, err := d.Enqueue(context.Background(), notify.Request{}); err == nil {
		t.Error("expected an enqueue failure")
	}
}
