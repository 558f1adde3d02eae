package action_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ticketd/trigger/action"
	"github.com/ticketd/trigger/notify"
	"github.com/ticketd/trigger/render"
	"github.com/ticketd/trigger/throttle"
	"github.com/ticketd/trigger/ticket"
)

var frozen = time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	tk        *ticket.Ticket
	store     *ticket.MemoryStore
	deliverer *notify.MemoryDeliverer
	log       *throttle.MemoryLog
	applier   *action.Applier
}

func newFixture() *fixture {
	tk := &ticket.Ticket{
		ID: 42, Number: "20260831001", Title: "printer on fire",
		State: "open", Priority: "2 normal", GroupID: 1, OwnerID: 7, CustomerID: 9,
	}
	store := ticket.NewMemoryStore(tk)
	deliverer := &notify.MemoryDeliverer{}
	tlog := &throttle.MemoryLog{}
	gate := throttle.New(tlog)
	gate.Now = func() time.Time { return frozen }
	return &fixture{
		tk: tk, store: store, deliverer: deliverer, log: tlog,
		applier: &action.Applier{
			Store:     store,
			Historian: store,
			Tagger:    store,
			Renderer:  render.New(),
			Deliverer: deliverer,
			Gate:      gate,
			Directory: &notify.MemoryDirectory{
				Users: map[int64]notify.User{
					7: {ID: 7, Login: "agent7", Email: "agent7@example.com", Mobile: "+4912345"},
					8: {ID: 8, Login: "agent8", Email: "agent8@example.com"},
					9: {ID: 9, Login: "customer9", Email: "customer9@example.com"},
				},
				Agents: map[int64][]int64{1: {7, 8}},
			},
			Logger: quiet(),
			Now:    func() time.Time { return frozen },
		},
	}
}

func decode(t *testing.T, raw map[string]map[string]any) *action.Map {
	t.Helper()
	m, err := action.Decode(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return m
}

func src() action.Source { return action.Source{ID: 1, Name: "test rule"} }

func TestApplyStateChange(t *testing.T) {
	f := newFixture()
	perform := decode(t, map[string]map[string]any{"ticket.state": {"value": "closed"}})

	res, err := f.applier.Apply(context.Background(), src(), perform, f.tk, "trigger", nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Mutated {
		t.Error("expected a mutation")
	}
	if f.tk.State != "closed" {
		t.Errorf("state = %q, want closed", f.tk.State)
	}
	if f.store.SaveCount != 1 {
		t.Errorf("SaveCount = %d, want 1", f.store.SaveCount)
	}
	if len(f.store.History) != 1 {
		t.Fatalf("history = %d entries, want 1", len(f.store.History))
	}
	h := f.store.History[0]
	if h.Event != "updated" || h.Extra["attribute"] != "state" || h.Extra["source_rule"] != "test rule/1" {
		t.Errorf("history entry = %+v", h)
	}
}

func TestApplyConvergedAttributeSkipped(t *testing.T) {
	f := newFixture()
	perform := decode(t, map[string]map[string]any{"ticket.state": {"value": "open"}})

	res, err := f.applier.Apply(context.Background(), src(), perform, f.tk, "trigger", nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Mutated {
		t.Error("assigning the current value is not a mutation")
	}
	if f.store.SaveCount != 0 {
		t.Errorf("SaveCount = %d, want 0", f.store.SaveCount)
	}
	if len(f.store.History) != 0 {
		t.Errorf("history = %d entries, want 0", len(f.store.History))
	}
}

func TestApplyTemplatedValue(t *testing.T) {
	f := newFixture()
	perform := decode(t, map[string]map[string]any{
		"ticket.title": {"value": `Re: <%= ticket.Title %>`},
	})

	if _, err := f.applier.Apply(context.Background(), src(), perform, f.tk, "trigger", nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.tk.Title != "Re: printer on fire" {
		t.Errorf("title = %q", f.tk.Title)
	}
}

func TestApplyMultipleAttributesSingleSave(t *testing.T) {
	f := newFixture()
	perform := decode(t, map[string]map[string]any{
		"ticket.state":    {"value": "closed"},
		"ticket.priority": {"value": "3 high"},
	})

	if _, err := f.applier.Apply(context.Background(), src(), perform, f.tk, "trigger", nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.store.SaveCount != 1 {
		t.Errorf("SaveCount = %d, want a single save", f.store.SaveCount)
	}
	if len(f.store.History) != 2 {
		t.Errorf("history = %d entries, want 2", len(f.store.History))
	}
}

func TestApplyDeletePrecedence(t *testing.T) {
	f := newFixture()
	perform := decode(t, map[string]map[string]any{
		"ticket.action":   {"value": "delete"},
		"ticket.priority": {"value": "3 high"},
		"article.note":    {"body": "goodbye"},
	})

	res, err := f.applier.Apply(context.Background(), src(), perform, f.tk, "trigger", nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Deleted {
		t.Fatal("expected deletion")
	}
	if len(f.store.Deleted) != 1 || f.store.Deleted[0] != 42 {
		t.Errorf("Deleted = %v", f.store.Deleted)
	}
	if f.tk.Priority != "2 normal" {
		t.Error("deletion must strip other object mutations")
	}
	if f.store.SaveCount != 0 {
		t.Errorf("SaveCount = %d, want 0", f.store.SaveCount)
	}
	if len(res.Articles) != 0 {
		t.Error("no notes on a deleted ticket")
	}
}

func TestApplyTagOperations(t *testing.T) {
	f := newFixture()
	perform := decode(t, map[string]map[string]any{
		"ticket.tags": {"operator": "add", "value": "vip, escalate"},
	})
	if _, err := f.applier.Apply(context.Background(), src(), perform, f.tk, "trigger", nil, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.store.TagOps) != 2 {
		t.Fatalf("TagOps = %d, want 2", len(f.store.TagOps))
	}
	if f.store.TagOps[0].Tag != "vip" || f.store.TagOps[1].Tag != "escalate" {
		t.Errorf("tag order = %q, %q", f.store.TagOps[0].Tag, f.store.TagOps[1].Tag)
	}
	if f.store.TagOps[0].ActorID != 5 || f.store.TagOps[0].SourceRule != "test rule/1" {
		t.Errorf("tag op = %+v", f.store.TagOps[0])
	}
	if !f.tk.HasTag("vip") || !f.tk.HasTag("escalate") {
		t.Errorf("tags = %v", f.tk.Tags)
	}

	remove := decode(t, map[string]map[string]any{
		"ticket.tags": {"operator": "remove", "value": "vip"},
	})
	if _, err := f.applier.Apply(context.Background(), src(), remove, f.tk, "trigger", nil, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.tk.HasTag("vip") || !f.tk.HasTag("escalate") {
		t.Errorf("tags after remove = %v", f.tk.Tags)
	}
}

func TestApplyRelativeDate(t *testing.T) {
	f := newFixture()
	perform := decode(t, map[string]map[string]any{
		"ticket.pending_time": {"operator": "relative", "range": "hour", "value": 2},
	})
	if _, err := f.applier.Apply(context.Background(), src(), perform, f.tk, "trigger", nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := frozen.Add(2 * time.Hour); !f.tk.PendingTime.Equal(want) {
		t.Errorf("pending_time = %v, want %v", f.tk.PendingTime, want)
	}
	if f.store.SaveCount != 1 {
		t.Errorf("SaveCount = %d, want 1", f.store.SaveCount)
	}
}

func TestApplyDateAttributeTruncated(t *testing.T) {
	f := newFixture()
	schema := ticket.DefaultSchema()
	schema["due_date"] = ticket.KindDate
	f.applier.Schema = schema

	perform := decode(t, map[string]map[string]any{
		"ticket.due_date": {"operator": "relative", "range": "hour", "value": 30},
	})
	if _, err := f.applier.Apply(context.Background(), src(), perform, f.tk, "trigger", nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := f.tk.Custom["due_date"].(time.Time)
	if !ok {
		t.Fatalf("due_date = %T, want time.Time", f.tk.Custom["due_date"])
	}
	// frozen + 30h is Sep 1 18:00, the date kind keeps only the day
	if want := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("due_date = %v, want %v", got, want)
	}
}

func TestApplyPreConditionNotSet(t *testing.T) {
	f := newFixture()
	perform := decode(t, map[string]map[string]any{
		"ticket.owner_id": {"pre_condition": "not_set"},
	})
	if _, err := f.applier.Apply(context.Background(), src(), perform, f.tk, "trigger", nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.tk.OwnerID != 1 {
		t.Errorf("owner_id = %d, want the system user 1", f.tk.OwnerID)
	}
}

func TestApplyPreConditionCurrentUser(t *testing.T) {
	f := newFixture()
	perform := decode(t, map[string]map[string]any{
		"ticket.owner_id": {"pre_condition": "current_user.id"},
	})

	if _, err := f.applier.Apply(context.Background(), src(), perform, f.tk, "trigger", nil, 0); !errors.Is(err, action.ErrMissingActor) {
		t.Fatalf("err = %v, want missing actor", err)
	}

	if _, err := f.applier.Apply(context.Background(), src(), perform, f.tk, "trigger", nil, 8); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.tk.OwnerID != 8 {
		t.Errorf("owner_id = %d, want 8", f.tk.OwnerID)
	}
}

func TestApplyCreatesNote(t *testing.T) {
	f := newFixture()
	perform := decode(t, map[string]map[string]any{
		"article.note": {
			"subject":  "status",
			"body":     `ticket <%= ticket.Number %> updated`,
			"internal": true,
		},
	})

	res, err := f.applier.Apply(context.Background(), src(), perform, f.tk, "trigger", nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Articles) != 1 || len(f.tk.Articles) != 1 {
		t.Fatalf("articles = %d/%d, want 1", len(res.Articles), len(f.tk.Articles))
	}
	a := res.Articles[0]
	if a.Type != "note" || a.Sender != "system" || !a.Internal {
		t.Errorf("article = %+v", a)
	}
	if a.Body != "ticket 20260831001 updated" {
		t.Errorf("body = %q", a.Body)
	}
	if a.ContentType != "text/html" {
		t.Errorf("content type = %q, want the default", a.ContentType)
	}
	if a.Pref("perform_origin") != "trigger" {
		t.Errorf("perform_origin = %v", a.Pref("perform_origin"))
	}
}

func TestApplyEmailNotification(t *testing.T) {
	f := newFixture()
	perform := decode(t, map[string]map[string]any{
		"notification.email": {
			"recipient": []any{"ticket_customer", "ticket_agents", "userid_7", "bogus_spec"},
			"subject":   `Ticket <%= ticket.Number %>`,
			"body":      "an update",
		},
	})

	res, err := f.applier.Apply(context.Background(), src(), perform, f.tk, "trigger", nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reqs := f.deliverer.ByChannel(notify.ChannelEmail)
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	req := reqs[0]
	// agent7 resolves through both ticket_agents and userid_7, sent once
	want := []string{"customer9@example.com", "agent7@example.com", "agent8@example.com"}
	if len(req.To) != len(want) {
		t.Fatalf("To = %v, want %v", req.To, want)
	}
	for i, addr := range want {
		if req.To[i] != addr {
			t.Errorf("To[%d] = %q, want %q", i, req.To[i], addr)
		}
	}
	if req.Subject != "Ticket 20260831001" {
		t.Errorf("subject = %q", req.Subject)
	}
	if req.RuleID != 1 || req.RuleName != "test rule" || req.TicketID != 42 {
		t.Errorf("request provenance = %+v", req)
	}
	if len(res.Notifications) != 1 {
		t.Errorf("res.Notifications = %d", len(res.Notifications))
	}

	// deliveries are recorded so the throttle sees them next time
	for _, addr := range want {
		n, err := f.log.CountObject(addr, 42, frozen.Add(-time.Minute))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != 1 {
			t.Errorf("recorded deliveries for %s = %d, want 1", addr, n)
		}
	}
}

type denyGate struct{}

func (denyGate) Admit(string, int64) (bool, string, error) { return false, "blocked for the test", nil }
func (denyGate) Record(string, int64) error                { return nil }

func TestApplyEmailThrottled(t *testing.T) {
	f := newFixture()
	f.applier.Gate = denyGate{}
	perform := decode(t, map[string]map[string]any{
		"ticket.state":       {"value": "closed"},
		"article.note":       {"body": "still noted"},
		"notification.email": {"recipient": "ticket_customer", "subject": "s", "body": "b"},
	})

	res, err := f.applier.Apply(context.Background(), src(), perform, f.tk, "trigger", nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.deliverer.Requests) != 0 {
		t.Errorf("requests = %d, want 0", len(f.deliverer.Requests))
	}
	if len(res.Throttled) != 1 || !strings.Contains(res.Throttled[0], "blocked") {
		t.Errorf("Throttled = %v", res.Throttled)
	}
	// the rest of the rule's pass is unaffected by throttling
	if f.tk.State != "closed" || f.store.SaveCount != 1 {
		t.Errorf("state = %q saves = %d, mutation should complete", f.tk.State, f.store.SaveCount)
	}
	if len(res.Articles) != 1 {
		t.Errorf("articles = %d, note creation should complete", len(res.Articles))
	}
}

func TestApplySkipsAutoResponseSender(t *testing.T) {
	f := newFixture()
	f.tk.Articles = []*ticket.Article{{
		ID: 100, TicketID: 42, Type: "email", Sender: "customer",
		From:        "Customer Nine <customer9@example.com>",
		Preferences: map[string]any{"is-auto-response": true},
	}}
	perform := decode(t, map[string]map[string]any{
		"notification.email": {"recipient": "article_last_sender", "subject": "s", "body": "b"},
	})

	item := &ticket.ChangeItem{Kind: "create", ArticleID: 100}
	if _, err := f.applier.Apply(context.Background(), src(), perform, f.tk, "trigger", item, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.deliverer.Requests) != 0 {
		t.Errorf("requests = %d, an auto-response sender never gets a reply", len(f.deliverer.Requests))
	}
}

func TestApplyEmailLastSenderPrefersReplyTo(t *testing.T) {
	f := newFixture()
	f.tk.Articles = []*ticket.Article{{
		ID: 100, TicketID: 42, Type: "email", Sender: "customer",
		From:    "customer9@example.com",
		ReplyTo: "replies@example.com",
	}}
	perform := decode(t, map[string]map[string]any{
		"notification.email": {"recipient": "article_last_sender", "subject": "s", "body": "b"},
	})
	item := &ticket.ChangeItem{Kind: "create", ArticleID: 100}
	if _, err := f.applier.Apply(context.Background(), src(), perform, f.tk, "trigger", item, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reqs := f.deliverer.ByChannel(notify.ChannelEmail)
	if len(reqs) != 1 || len(reqs[0].To) != 1 || reqs[0].To[0] != "replies@example.com" {
		t.Errorf("requests = %+v, want the reply-to address", reqs)
	}
}

func TestApplySMSNotification(t *testing.T) {
	f := newFixture()
	perform := decode(t, map[string]map[string]any{
		"notification.sms": {"recipient": "ticket_agents", "body": "ticket needs attention"},
	})

	if _, err := f.applier.Apply(context.Background(), src(), perform, f.tk, "trigger", nil, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reqs := f.deliverer.ByChannel(notify.ChannelSMS)
	// only agent7 has a mobile number
	if len(reqs) != 1 || len(reqs[0].To) != 1 || reqs[0].To[0] != "+4912345" {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestApplyWebhookNotification(t *testing.T) {
	f := newFixture()
	perform := decode(t, map[string]map[string]any{
		"notification.webhook": {},
	})
	item := &ticket.ChangeItem{
		Kind:   "update",
		UserID: 7,
		Changes: map[string]ticket.Change{
			"state": {Before: "new", After: "open"},
		},
	}

	if _, err := f.applier.Apply(context.Background(), src(), perform, f.tk, "trigger", item, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reqs := f.deliverer.ByChannel(notify.ChannelWebhook)
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	p := reqs[0].Payload
	if p["event_type"] != "update" || p["user_id"] != int64(7) {
		t.Errorf("payload = %+v", p)
	}
	changes, ok := p["changes"].(map[string]any)
	if !ok || len(changes) != 1 {
		t.Fatalf("changes = %+v", p["changes"])
	}
	tkMap, ok := p["ticket"].(map[string]any)
	if !ok || tkMap["number"] != "20260831001" {
		t.Errorf("ticket payload = %+v", p["ticket"])
	}
}

func TestApplyNilPerform(t *testing.T) {
	f := newFixture()
	res, err := f.applier.Apply(context.Background(), src(), nil, f.tk, "trigger", nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Mutated || res.Deleted || len(res.Notifications) != 0 {
		t.Errorf("res = %+v, want an empty result", res)
	}
}
