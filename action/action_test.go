package action_test

import (
	"errors"
	"testing"

	"github.com/ticketd/trigger/action"
	"github.com/ticketd/trigger/notify"
	"github.com/ticketd/trigger/ticket"
)

func TestDecodePartitionsNamespaces(t *testing.T) {
	m, err := action.Decode(map[string]map[string]any{
		"ticket.state":       {"value": "closed"},
		"ticket.tags":        {"operator": "add", "value": "vip"},
		"article.note":       {"subject": "s", "body": "b", "internal": true},
		"notification.email": {"recipient": []any{"ticket_customer"}, "subject": "s", "body": "b"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Object) != 2 {
		t.Errorf("object actions = %d, want 2", len(m.Object))
	}
	// attribute order is deterministic
	if m.Object[0].Attribute != "state" || m.Object[1].Attribute != "tags" {
		t.Errorf("object order = %q, %q", m.Object[0].Attribute, m.Object[1].Attribute)
	}
	if len(m.Article) != 1 || !m.Article[0].Internal || m.Article[0].ContentType != "text/html" {
		t.Errorf("article actions = %+v", m.Article)
	}
	if len(m.Notifications) != 1 || m.Notifications[0].Channel != notify.ChannelEmail {
		t.Errorf("notifications = %+v", m.Notifications)
	}
}

func TestDecodeRejectsMalformedKeys(t *testing.T) {
	cases := []struct {
		name string
		raw  map[string]map[string]any
		want error
	}{
		{"unnamespaced", map[string]map[string]any{"state": {"value": "x"}}, action.ErrUnsupportedActionTarget},
		{"unknown namespace", map[string]map[string]any{"user.email": {"value": "x"}}, action.ErrUnsupportedActionTarget},
		{"unknown channel", map[string]map[string]any{"notification.carrier_pigeon": {"body": "x"}}, action.ErrUnsupportedActionTarget},
		{"article not a note", map[string]map[string]any{"article.email": {"body": "x"}}, action.ErrMalformedArticleDirective},
		{"note without body", map[string]map[string]any{"article.note": {"subject": "x"}}, action.ErrMalformedArticleDirective},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := action.Decode(c.raw); !errors.Is(err, c.want) {
				t.Errorf("err = %v, want %v", err, c.want)
			}
		})
	}
}

func TestHasDelete(t *testing.T) {
	m, err := action.Decode(map[string]map[string]any{"ticket.action": {"value": "delete"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.HasDelete() {
		t.Error("expected the deletion marker")
	}

	m, err = action.Decode(map[string]map[string]any{"ticket.action": {"value": "archive"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.HasDelete() {
		t.Error("only the value delete marks a deletion")
	}
}

func TestTemplateScope(t *testing.T) {
	internalNote := &ticket.Article{ID: 1, Internal: true, Subject: "internal"}
	customerMail := &ticket.Article{ID: 2, Internal: false, Subject: "external"}
	tk := &ticket.Ticket{ID: 1, Articles: []*ticket.Article{internalNote, customerMail}}

	scope := action.TemplateScope(tk, nil)
	if scope["last_article"] != customerMail {
		t.Error("last_article should be the newest article")
	}
	if scope["last_internal_article"] != internalNote {
		t.Error("last_internal_article should be the internal note")
	}
	if a, _ := scope["created_article"].(*ticket.Article); a != nil {
		t.Errorf("created_article = %v, want nil", a)
	}

	created := &ticket.Article{ID: 3, Internal: false, Subject: "created"}
	scope = action.TemplateScope(tk, created)
	if scope["last_article"] != created || scope["created_external_article"] != created {
		t.Error("a created article becomes the last and the created external one")
	}
	if scope["last_internal_article"] != internalNote {
		t.Error("the internal view still points at the note")
	}
}
