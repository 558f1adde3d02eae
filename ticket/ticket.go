// Package ticket defines the business object the trigger engine operates on,
// together with the narrow capability interfaces the engine depends on
// (persistence, history, tagging). Implementations of those interfaces are
// owned by the hosting application; an in-memory implementation is provided
// for tests and tooling.
package ticket

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrPersistence is returned (wrapped) by Store implementations when the
// underlying storage fails. It is never swallowed by the engine.
var ErrPersistence = errors.New("persistence failure")

// Kind is the declared data type of a ticket attribute.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindDatetime
	KindDate
	KindTags
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindDatetime:
		return "datetime"
	case KindDate:
		return "date"
	case KindTags:
		return "tags"
	}
	return "unknown"
}

// Schema maps attribute names to their declared kinds. Selector validation
// and date coercion in the action interpreter both consult it.
type Schema map[string]Kind

// DefaultSchema returns the attribute schema of the stock ticket object.
// Hosting applications with custom attributes extend the returned map.
func DefaultSchema() Schema {
	return Schema{
		"id":              KindInt,
		"number":          KindString,
		"title":           KindString,
		"state":           KindString,
		"priority":        KindString,
		"group_id":        KindInt,
		"owner_id":        KindInt,
		"customer_id":     KindInt,
		"organization_id": KindInt,
		"tags":            KindTags,
		"note":            KindString,
		"pending_time":    KindDatetime,
		"escalation_at":   KindDatetime,
		"close_at":        KindDatetime,
		"created_at":      KindDatetime,
		"updated_at":      KindDatetime,
	}
}

// Article is a message attached to a ticket: a customer email, an agent
// reply, an internal note, or a system-generated notification record.
type Article struct {
	ID          int64
	TicketID    int64
	Type        string // note | email | sms | web
	Sender      string // system | agent | customer
	From        string
	ReplyTo     string
	To          string
	Subject     string
	Body        string
	ContentType string
	Internal    bool
	OriginByID  int64
	CreatedByID int64
	CreatedAt   time.Time
	Preferences map[string]any
}

// Pref returns a preference value, or nil.
func (a *Article) Pref(key string) any {
	if a == nil || a.Preferences == nil {
		return nil
	}
	return a.Preferences[key]
}

// Change is a single attribute transition recorded in a change item.
type Change struct {
	Before any
	After  any
}

// ChangeItem describes the mutation that triggered an orchestration pass.
// Changes carries the before/after diff required by changed / not-changed
// selector clauses.
type ChangeItem struct {
	Kind      string // create | update | reminder_reached | escalation
	ArticleID int64
	UserID    int64
	Changes   map[string]Change
}

// Ticket is the mutable business object rules are evaluated against.
type Ticket struct {
	ID           int64
	Number       string
	Title        string
	State        string
	Priority     string
	GroupID      int64
	OwnerID      int64
	CustomerID   int64
	OrgID        int64
	Note         string
	Tags         []string
	PendingTime  time.Time
	EscalationAt time.Time
	CloseAt      time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Preferences  map[string]any
	Articles     []*Article

	// Custom holds attributes added by the hosting application's
	// object manager, keyed by attribute name.
	Custom map[string]any
}

// Get returns the value of the named attribute. The boolean reports whether
// the attribute is known, either as a stock attribute or a custom one.
func (t *Ticket) Get(attr string) (any, bool) {
	switch attr {
	case "id":
		return t.ID, true
	case "number":
		return t.Number, true
	case "title":
		return t.Title, true
	case "state":
		return t.State, true
	case "priority":
		return t.Priority, true
	case "group_id":
		return t.GroupID, true
	case "owner_id":
		return t.OwnerID, true
	case "customer_id":
		return t.CustomerID, true
	case "organization_id":
		return t.OrgID, true
	case "note":
		return t.Note, true
	case "tags":
		return t.Tags, true
	case "pending_time":
		return t.PendingTime, true
	case "escalation_at":
		return t.EscalationAt, true
	case "close_at":
		return t.CloseAt, true
	case "created_at":
		return t.CreatedAt, true
	case "updated_at":
		return t.UpdatedAt, true
	}
	if t.Custom != nil {
		if v, ok := t.Custom[attr]; ok {
			return v, true
		}
	}
	return nil, false
}

// Set assigns the named attribute, coercing the value to the attribute's
// declared kind. Unknown attributes land in Custom.
func (t *Ticket) Set(attr string, v any) error {
	switch attr {
	case "id":
		return errors.New("ticket id is immutable")
	case "number":
		t.Number = asString(v)
	case "title":
		t.Title = asString(v)
	case "state":
		t.State = asString(v)
	case "priority":
		t.Priority = asString(v)
	case "note":
		t.Note = asString(v)
	case "group_id", "owner_id", "customer_id", "organization_id":
		n, err := asInt(v)
		if err != nil {
			return errors.Wrapf(err, "attribute %s", attr)
		}
		switch attr {
		case "group_id":
			t.GroupID = n
		case "owner_id":
			t.OwnerID = n
		case "customer_id":
			t.CustomerID = n
		case "organization_id":
			t.OrgID = n
		}
	case "tags":
		switch x := v.(type) {
		case []string:
			t.Tags = x
		case string:
			t.Tags = SplitTags(x)
		default:
			return errors.Errorf("attribute tags: cannot assign %T", v)
		}
	case "pending_time", "escalation_at", "close_at", "created_at", "updated_at":
		ts, err := AsTime(v)
		if err != nil {
			return errors.Wrapf(err, "attribute %s", attr)
		}
		switch attr {
		case "pending_time":
			t.PendingTime = ts
		case "escalation_at":
			t.EscalationAt = ts
		case "close_at":
			t.CloseAt = ts
		case "created_at":
			t.CreatedAt = ts
		case "updated_at":
			t.UpdatedAt = ts
		}
	default:
		if t.Custom == nil {
			t.Custom = map[string]any{}
		}
		t.Custom[attr] = v
	}
	return nil
}

// Map returns the ticket attributes as a flat map, suitable as evaluation
// input for expression conditions and as a template scope.
func (t *Ticket) Map() map[string]any {
	m := map[string]any{
		"id":              t.ID,
		"number":          t.Number,
		"title":           t.Title,
		"state":           t.State,
		"priority":        t.Priority,
		"group_id":        t.GroupID,
		"owner_id":        t.OwnerID,
		"customer_id":     t.CustomerID,
		"organization_id": t.OrgID,
		"note":            t.Note,
		"tags":            append([]string(nil), t.Tags...),
		"pending_time":    t.PendingTime,
		"escalation_at":   t.EscalationAt,
		"close_at":        t.CloseAt,
		"created_at":      t.CreatedAt,
		"updated_at":      t.UpdatedAt,
	}
	for k, v := range t.Custom {
		m[k] = v
	}
	return m
}

// HasTag reports whether the ticket carries the tag.
func (t *Ticket) HasTag(tag string) bool {
	for _, x := range t.Tags {
		if x == tag {
			return true
		}
	}
	return false
}

// ArticleByID returns the article with the id, or nil.
func (t *Ticket) ArticleByID(id int64) *Article {
	if id == 0 {
		return nil
	}
	for _, a := range t.Articles {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// LastArticle returns the newest article, or nil.
func (t *Ticket) LastArticle() *Article {
	if len(t.Articles) == 0 {
		return nil
	}
	return t.Articles[len(t.Articles)-1]
}

// LastArticleWhere returns the newest article matching the predicate, or nil.
func (t *Ticket) LastArticleWhere(match func(*Article) bool) *Article {
	for i := len(t.Articles) - 1; i >= 0; i-- {
		if match(t.Articles[i]) {
			return t.Articles[i]
		}
	}
	return nil
}

// SplitTags splits a comma-separated tag list, trimming whitespace and
// dropping empty entries. Order is preserved.
func SplitTags(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// AsTime coerces a value to time.Time. Strings are parsed as RFC 3339,
// then as plain dates.
func AsTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case *time.Time:
		if x == nil {
			return time.Time{}, nil
		}
		return *x, nil
	case string:
		if x == "" {
			return time.Time{}, nil
		}
		if ts, err := time.Parse(time.RFC3339, x); err == nil {
			return ts, nil
		}
		if ts, err := time.Parse("2006-01-02 15:04:05", x); err == nil {
			return ts, nil
		}
		ts, err := time.Parse("2006-01-02", x)
		if err != nil {
			return time.Time{}, errors.Errorf("cannot parse %q as time", x)
		}
		return ts, nil
	case nil:
		return time.Time{}, nil
	}
	return time.Time{}, errors.Errorf("cannot coerce %T to time", v)
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func asInt(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		if x == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, errors.Errorf("cannot parse %q as int", x)
		}
		return n, nil
	case nil:
		return 0, nil
	}
	return 0, errors.Errorf("cannot coerce %T to int", v)
}

// Store is the persistence collaborator. Save has single-call semantics:
// the engine batches all attribute mutations of one apply pass into one
// Save. Implementations own atomicity of a pass (attribute save, created
// articles, history entries commit together).
type Store interface {
	Load(ctx context.Context, id int64) (*Ticket, error)
	Save(ctx context.Context, t *Ticket) error
	Delete(ctx context.Context, id int64) error
	AppendArticle(ctx context.Context, a *Article) error
}

// Historian records audit entries for attribute changes caused by rules.
type Historian interface {
	AppendHistory(ctx context.Context, t *Ticket, event string, actorID int64, extra map[string]string) error
}

// Tagger manages the ticket's tag set. sourceRule names the rule that
// caused the change, for provenance.
type Tagger interface {
	AddTag(ctx context.Context, t *Ticket, tag string, actorID int64, sourceRule string) error
	RemoveTag(ctx context.Context, t *Ticket, tag string, actorID int64, sourceRule string) error
}
