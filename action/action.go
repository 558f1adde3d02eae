// Package action interprets a matched rule's action map against a ticket:
// attribute mutations, tag changes, article creation and notification
// dispatch. The string-keyed action map is decoded once at rule-load time
// into per-namespace variants, so malformed actions surface when rules are
// loaded, not on every evaluation.
package action

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/ticketd/trigger/notify"
)

// ErrUnsupportedActionTarget marks an action key whose namespace is not
// ticket, article or notification. It is fatal for the whole apply call.
var ErrUnsupportedActionTarget = errors.New("unsupported action target")

// ErrMalformedArticleDirective marks an article directive that is not a
// note or is missing its body.
var ErrMalformedArticleDirective = errors.New("malformed article directive")

// ErrMissingActor is returned when a current_user pre-condition is applied
// without an acting user.
var ErrMissingActor = errors.New("missing actor")

// DeleteAttribute is the object-level deletion marker ("ticket.action"
// with value "delete").
const DeleteAttribute = "action"

// ObjectAction mutates one ticket attribute.
type ObjectAction struct {
	Attribute    string
	Operator     string // "", "relative", "add", "remove"
	Value        any
	Range        string
	PreCondition string
}

// ArticleAction creates a note on the ticket.
type ArticleAction struct {
	Subject     string
	Body        string
	ContentType string
	Internal    bool
}

// NotificationAction dispatches a notification on one channel.
type NotificationAction struct {
	Channel            notify.Channel
	Recipients         []string
	Subject            string
	Body               string
	Internal           bool
	Sign               string
	Encryption         string
	IncludeAttachments bool
}

// Map is a decoded action map, partitioned by namespace. Object actions
// are kept in attribute order for deterministic application.
type Map struct {
	Object        []ObjectAction
	Article       []ArticleAction
	Notifications []NotificationAction
}

// HasDelete reports whether the object actions include the deletion marker.
func (m *Map) HasDelete() bool {
	for _, a := range m.Object {
		if a.Attribute == DeleteAttribute && fmt.Sprint(a.Value) == "delete" {
			return true
		}
	}
	return false
}

// Decode validates and partitions a raw, string-keyed action map. Keys are
// namespaced: ticket.<attr>, article.note, notification.<channel>.
func Decode(raw map[string]map[string]any) (*Map, error) {
	m := &Map{}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		v := raw[key]
		ns, rest, ok := strings.Cut(key, ".")
		if !ok || rest == "" {
			return nil, errors.Wrapf(ErrUnsupportedActionTarget, "key %q is not namespaced", key)
		}
		switch ns {
		case "ticket":
			m.Object = append(m.Object, ObjectAction{
				Attribute:    rest,
				Operator:     str(v["operator"]),
				Value:        v["value"],
				Range:        str(v["range"]),
				PreCondition: str(v["pre_condition"]),
			})
		case "article":
			if rest != "note" {
				return nil, errors.Wrapf(ErrMalformedArticleDirective, "unsupported key %q, only article.note can be created", key)
			}
			body := str(v["body"])
			if body == "" {
				return nil, errors.Wrapf(ErrMalformedArticleDirective, "%q is missing its body", key)
			}
			m.Article = append(m.Article, ArticleAction{
				Subject:     str(v["subject"]),
				Body:        body,
				ContentType: strOr(v["content_type"], "text/html"),
				Internal:    boolVal(v["internal"]),
			})
		case "notification":
			ch := notify.Channel(rest)
			switch ch {
			case notify.ChannelEmail, notify.ChannelSMS, notify.ChannelWebhook:
			default:
				return nil, errors.Wrapf(ErrUnsupportedActionTarget, "unknown notification channel %q", rest)
			}
			m.Notifications = append(m.Notifications, NotificationAction{
				Channel:            ch,
				Recipients:         strList(v["recipient"]),
				Subject:            str(v["subject"]),
				Body:               str(v["body"]),
				Internal:           boolVal(v["internal"]),
				Sign:               str(v["sign"]),
				Encryption:         str(v["encryption"]),
				IncludeAttachments: boolVal(v["include_attachments"]),
			})
		default:
			return nil, errors.Wrapf(ErrUnsupportedActionTarget,
				"unable to update object %s, only tickets can be updated, notifications sent and articles created", key)
		}
	}
	return m, nil
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func strOr(v any, def string) string {
	if s := str(v); s != "" {
		return s
	}
	return def
}

func boolVal(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x == "true" || x == "yes" || x == "1"
	}
	return false
}

func strList(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return []string{x}
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, fmt.Sprint(e))
		}
		return out
	}
	return []string{fmt.Sprint(v)}
}
