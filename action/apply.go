package action

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ticketd/trigger/notify"
	"github.com/ticketd/trigger/selector"
	"github.com/ticketd/trigger/ticket"
)

// Source identifies the rule an apply call executes, for provenance and
// diagnostics.
type Source struct {
	ID   int64
	Name string
}

func (s Source) String() string {
	return fmt.Sprintf("%s/%d", s.Name, s.ID)
}

// Result is what one apply pass produced. It is consumed immediately by
// the orchestrator.
type Result struct {
	Mutated       bool
	Deleted       bool
	Articles      []*ticket.Article
	Notifications []notify.Request
	// Throttled lists deny reasons for recipients the throttle rejected,
	// as diagnostics; throttling never fails the pass.
	Throttled []string
}

// Renderer is the opaque text-rendering collaborator.
type Renderer interface {
	Render(tmpl string, scope map[string]any, quote bool) (string, error)
}

// Gate is the notification throttle consulted before queueing.
type Gate interface {
	Admit(recipient string, objectID int64) (ok bool, reason string, err error)
	Record(recipient string, objectID int64) error
}

// Applier executes decoded action maps. All collaborators are narrow
// interfaces; the surrounding persistence boundary owns atomicity of one
// apply pass.
type Applier struct {
	Store     ticket.Store
	Historian ticket.Historian
	Tagger    ticket.Tagger
	Renderer  Renderer
	Deliverer notify.Deliverer
	Gate      Gate
	Directory notify.Directory

	// Schema resolves attribute kinds for date coercion; nil means the
	// stock ticket schema.
	Schema ticket.Schema

	Logger logrus.FieldLogger
	Now    func() time.Time

	// OnPerformed, when set, is invoked after a rule was fully applied.
	// Rule sources that track per-object execution history hook in here.
	OnPerformed func(src Source, tk *ticket.Ticket)
}

func (a *Applier) schema() ticket.Schema {
	if a.Schema != nil {
		return a.Schema
	}
	return ticket.DefaultSchema()
}

func (a *Applier) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Applier) logger() logrus.FieldLogger {
	if a.Logger != nil {
		return a.Logger
	}
	return logrus.StandardLogger()
}

// Apply runs the rule's action map against the ticket. Object mutations
// are applied first and persisted with a single save; article and
// notification directives are deferred until after that save. A deletion
// marker strips every other object mutation before interpretation.
func (a *Applier) Apply(ctx context.Context, src Source, perform *Map, tk *ticket.Ticket, origin string, item *ticket.ChangeItem, actorID int64) (*Result, error) {
	res := &Result{}
	if perform == nil {
		return res, nil
	}
	log := a.logger().WithFields(logrus.Fields{"rule": src.String(), "ticket": tk.ID, "origin": origin})

	objActs := perform.Object
	if perform.HasDelete() {
		// deletion short-circuits all other mutation intent
		kept := objActs[:0:0]
		for _, act := range objActs {
			if act.Attribute == DeleteAttribute {
				kept = append(kept, act)
			}
		}
		objActs = kept
	}

	var triggering *ticket.Article
	if item != nil {
		triggering = tk.ArticleByID(item.ArticleID)
	}
	scope := TemplateScope(tk, triggering)

	for _, act := range objActs {
		done, err := a.applyObjectAction(ctx, src, act, tk, scope, actorID, log, res)
		if err != nil {
			return res, err
		}
		if done {
			break // ticket deleted
		}
	}

	if res.Mutated && !res.Deleted {
		if err := a.Store.Save(ctx, tk); err != nil {
			return res, errors.Wrap(err, "saving ticket")
		}
	}

	if !res.Deleted {
		for _, art := range perform.Article {
			created, err := a.createNote(ctx, src, art, tk, scope, origin)
			if err != nil {
				return res, err
			}
			res.Articles = append(res.Articles, created)
		}
	}

	for _, n := range perform.Notifications {
		if err := a.dispatch(ctx, src, n, tk, triggering, scope, origin, item, res); err != nil {
			return res, err
		}
	}

	if a.OnPerformed != nil {
		a.OnPerformed(src, tk)
	}
	return res, nil
}

// applyObjectAction applies one object mutation. The bool reports that the
// ticket was deleted and remaining object actions must be dropped.
func (a *Applier) applyObjectAction(ctx context.Context, src Source, act ObjectAction, tk *ticket.Ticket, scope map[string]any, actorID int64, log logrus.FieldLogger, res *Result) (bool, error) {
	kind, known := a.schema()[act.Attribute]

	// deletion marker
	if act.Attribute == DeleteAttribute {
		if fmt.Sprint(act.Value) != "delete" {
			return false, nil
		}
		log.Info("deleting ticket")
		if err := a.Store.Delete(ctx, tk.ID); err != nil {
			return false, errors.Wrap(err, "deleting ticket")
		}
		res.Deleted = true
		return true, nil
	}

	// date and datetime attributes, with relative resolution at apply time
	if known && (kind == ticket.KindDatetime || kind == ticket.KindDate) {
		return false, a.applyDateAction(ctx, src, act, tk, kind, res)
	}

	// tag changes go through the tag collaborator, one call per tag
	if known && kind == ticket.KindTags {
		return false, a.applyTagAction(ctx, src, act, tk, actorID, log)
	}

	val := act.Value
	switch {
	case strings.HasPrefix(act.PreCondition, selector.PreNotSet):
		val = 1
	case strings.HasPrefix(act.PreCondition, "current_user."):
		if actorID == 0 {
			return false, errors.Wrapf(ErrMissingActor, "pre_condition %q on %s", act.PreCondition, act.Attribute)
		}
		val = actorID
	}

	// skip converged attributes: no redundant saves, no redundant audit
	cur, _ := tk.Get(act.Attribute)
	if compareString(cur) == compareString(val) {
		return false, nil
	}

	if s, ok := val.(string); ok {
		rendered, err := a.Renderer.Render(s, scope, true)
		if err != nil {
			return false, errors.Wrapf(err, "rendering value for %s", act.Attribute)
		}
		val = rendered
	}

	if err := tk.Set(act.Attribute, val); err != nil {
		return false, errors.Wrapf(err, "assigning %s", act.Attribute)
	}
	if err := a.recordChange(ctx, src, tk, act.Attribute); err != nil {
		return false, err
	}
	log.WithField("attribute", act.Attribute).Debugf("set ticket.%s = %v", act.Attribute, val)
	res.Mutated = true
	return false, nil
}

func (a *Applier) applyDateAction(ctx context.Context, src Source, act ObjectAction, tk *ticket.Ticket, kind ticket.Kind, res *Result) error {
	var (
		v   time.Time
		err error
	)
	if act.Operator == "relative" {
		v, err = selector.RelativeTime(a.now(), act.Range, act.Value)
	} else {
		v, err = ticket.AsTime(act.Value)
	}
	if err != nil {
		return errors.Wrapf(err, "resolving date value for %s", act.Attribute)
	}
	if v.IsZero() {
		return nil
	}
	if kind == ticket.KindDate {
		v = time.Date(v.Year(), v.Month(), v.Day(), 0, 0, 0, 0, v.Location())
	}
	if err := tk.Set(act.Attribute, v); err != nil {
		return errors.Wrapf(err, "assigning %s", act.Attribute)
	}
	if err := a.recordChange(ctx, src, tk, act.Attribute); err != nil {
		return err
	}
	res.Mutated = true
	return nil
}

func (a *Applier) applyTagAction(ctx context.Context, src Source, act ObjectAction, tk *ticket.Ticket, actorID int64, log logrus.FieldLogger) error {
	tags := ticket.SplitTags(str(act.Value))
	if len(tags) == 0 {
		return nil
	}
	if actorID == 0 {
		actorID = 1
	}
	switch act.Operator {
	case "add":
		for _, tag := range tags {
			if err := a.Tagger.AddTag(ctx, tk, tag, actorID, src.String()); err != nil {
				return errors.Wrapf(err, "adding tag %q", tag)
			}
		}
	case "remove":
		for _, tag := range tags {
			if err := a.Tagger.RemoveTag(ctx, tk, tag, actorID, src.String()); err != nil {
				return errors.Wrapf(err, "removing tag %q", tag)
			}
		}
	default:
		log.Warnf("unknown tags operator %q, ignoring", act.Operator)
	}
	return nil
}

func (a *Applier) recordChange(ctx context.Context, src Source, tk *ticket.Ticket, attr string) error {
	err := a.Historian.AppendHistory(ctx, tk, "updated", 1, map[string]string{
		"attribute":   attr,
		"source_rule": src.String(),
	})
	return errors.Wrap(err, "appending history")
}

func (a *Applier) createNote(ctx context.Context, src Source, art ArticleAction, tk *ticket.Ticket, scope map[string]any, origin string) (*ticket.Article, error) {
	subject, err := a.Renderer.Render(art.Subject, scope, true)
	if err != nil {
		return nil, errors.Wrap(err, "rendering note subject")
	}
	body, err := a.Renderer.Render(art.Body, scope, true)
	if err != nil {
		return nil, errors.Wrap(err, "rendering note body")
	}
	created := &ticket.Article{
		TicketID:    tk.ID,
		Type:        "note",
		Sender:      "system",
		Subject:     subject,
		Body:        body,
		ContentType: art.ContentType,
		Internal:    art.Internal,
		CreatedByID: 1,
		CreatedAt:   a.now(),
		Preferences: map[string]any{"perform_origin": origin, "notification": true},
	}
	if err := a.Store.AppendArticle(ctx, created); err != nil {
		return nil, errors.Wrap(err, "creating note")
	}
	if err := a.Historian.AppendHistory(ctx, tk, "article_created", 1, map[string]string{
		"source_rule": src.String(),
	}); err != nil {
		return nil, errors.Wrap(err, "appending history")
	}
	return created, nil
}

func (a *Applier) dispatch(ctx context.Context, src Source, n NotificationAction, tk *ticket.Ticket, triggering *ticket.Article, scope map[string]any, origin string, item *ticket.ChangeItem, res *Result) error {
	log := a.logger().WithFields(logrus.Fields{"rule": src.String(), "ticket": tk.ID, "channel": string(n.Channel)})

	switch n.Channel {
	case notify.ChannelEmail:
		return a.dispatchEmail(ctx, src, n, tk, triggering, scope, origin, log, res)
	case notify.ChannelSMS:
		return a.dispatchSMS(ctx, src, n, tk, triggering, scope, origin, log, res)
	case notify.ChannelWebhook:
		return a.dispatchWebhook(ctx, src, tk, origin, item, res)
	}
	return errors.Wrapf(ErrUnsupportedActionTarget, "notification channel %q", n.Channel)
}

func (a *Applier) dispatchEmail(ctx context.Context, src Source, n NotificationAction, tk *ticket.Ticket, triggering *ticket.Article, scope map[string]any, origin string, log logrus.FieldLogger, res *Result) error {
	raw := a.resolveEmailRecipients(n.Recipients, tk, triggering, log)

	var admitted []string
	seen := map[string]bool{}
	for _, addr := range raw {
		if addr == "" {
			continue
		}
		// an auto-response tagged incoming mail never gets a reply to
		// its own sender
		if triggering != nil && boolVal(triggering.Pref("is-auto-response")) &&
			triggering.From != "" && strings.Contains(strings.ToLower(triggering.From), strings.ToLower(addr)) {
			log.WithField("recipient", addr).Info("skipping recipient of auto-response tagged incoming email")
			continue
		}
		ok, reason, err := a.Gate.Admit(addr, tk.ID)
		if err != nil {
			return errors.Wrap(err, "consulting notification throttle")
		}
		if !ok {
			log.WithField("recipient", addr).Info(reason)
			res.Throttled = append(res.Throttled, reason)
			continue
		}
		key := strings.ToLower(strings.TrimSpace(addr))
		if seen[key] {
			continue
		}
		seen[key] = true
		admitted = append(admitted, key)
	}
	if len(admitted) == 0 {
		return nil
	}

	subject, err := a.Renderer.Render(n.Subject, scope, false)
	if err != nil {
		return errors.Wrap(err, "rendering email subject")
	}
	body, err := a.Renderer.Render(n.Body, scope, true)
	if err != nil {
		return errors.Wrap(err, "rendering email body")
	}

	req := notify.Request{
		Channel:  notify.ChannelEmail,
		To:       admitted,
		Subject:  subject,
		Body:     body,
		Internal: n.Internal,
		Security: notify.Security{Sign: n.Sign, Encryption: n.Encryption},
		TicketID: tk.ID,
		RuleID:   src.ID,
		RuleName: src.Name,
		Origin:   origin,
	}
	if _, err := a.Deliverer.Enqueue(ctx, req); err != nil {
		return errors.Wrap(err, "enqueueing email notification")
	}
	for _, addr := range admitted {
		if err := a.Gate.Record(addr, tk.ID); err != nil {
			return errors.Wrap(err, "recording delivery")
		}
	}
	res.Notifications = append(res.Notifications, req)
	return nil
}

func (a *Applier) dispatchSMS(ctx context.Context, src Source, n NotificationAction, tk *ticket.Ticket, triggering *ticket.Article, scope map[string]any, origin string, log logrus.FieldLogger, res *Result) error {
	var mobiles []string
	seen := map[int64]bool{}
	for _, u := range a.resolveUsers(n.Recipients, tk, triggering, log) {
		if seen[u.ID] || u.Mobile == "" {
			continue
		}
		seen[u.ID] = true
		mobiles = append(mobiles, u.Mobile)
	}
	if len(mobiles) == 0 {
		log.Debug("no SMS recipients found")
		return nil
	}
	body, err := a.Renderer.Render(n.Body, scope, false)
	if err != nil {
		return errors.Wrap(err, "rendering SMS body")
	}
	req := notify.Request{
		Channel:  notify.ChannelSMS,
		To:       mobiles,
		Subject:  "SMS notification",
		Body:     body,
		Internal: n.Internal,
		TicketID: tk.ID,
		RuleID:   src.ID,
		RuleName: src.Name,
		Origin:   origin,
	}
	if _, err := a.Deliverer.Enqueue(ctx, req); err != nil {
		return errors.Wrap(err, "enqueueing SMS notification")
	}
	res.Notifications = append(res.Notifications, req)
	return nil
}

func (a *Applier) dispatchWebhook(ctx context.Context, src Source, tk *ticket.Ticket, origin string, item *ticket.ChangeItem, res *Result) error {
	payload := map[string]any{
		"ticket":         tk.Map(),
		"execution_type": origin,
	}
	if item != nil {
		payload["event_type"] = item.Kind
		payload["user_id"] = item.UserID
		changes := map[string]any{}
		for attr, ch := range item.Changes {
			changes[attr] = []any{ch.Before, ch.After}
		}
		payload["changes"] = changes
	}
	req := notify.Request{
		Channel:  notify.ChannelWebhook,
		TicketID: tk.ID,
		RuleID:   src.ID,
		RuleName: src.Name,
		Origin:   origin,
		Payload:  payload,
	}
	if _, err := a.Deliverer.Enqueue(ctx, req); err != nil {
		return errors.Wrap(err, "enqueueing webhook notification")
	}
	res.Notifications = append(res.Notifications, req)
	return nil
}

// resolveEmailRecipients expands recipient specs into raw addresses,
// order preserved. Unknown specs are logged and skipped.
func (a *Applier) resolveEmailRecipients(specs []string, tk *ticket.Ticket, triggering *ticket.Article, log logrus.FieldLogger) []string {
	var out []string
	for _, spec := range specs {
		switch {
		case spec == "article_last_sender":
			if triggering == nil {
				continue
			}
			switch {
			case triggering.ReplyTo != "":
				out = append(out, triggering.ReplyTo)
			case triggering.From != "":
				out = append(out, triggering.From)
			case triggering.OriginByID != 0:
				out = append(out, a.emailOf(triggering.OriginByID, log))
			case triggering.CreatedByID != 0:
				out = append(out, a.emailOf(triggering.CreatedByID, log))
			}
		case spec == "ticket_customer":
			out = append(out, a.emailOf(tk.CustomerID, log))
		case spec == "ticket_owner":
			out = append(out, a.emailOf(tk.OwnerID, log))
		case spec == "ticket_agents":
			for _, u := range a.Directory.AgentsOf(tk.GroupID) {
				out = append(out, u.Email)
			}
		case strings.HasPrefix(spec, "userid_"):
			id, err := strconv.ParseInt(strings.TrimPrefix(spec, "userid_"), 10, 64)
			if err != nil {
				log.WithField("recipient", spec).Error("unknown email notification recipient")
				continue
			}
			u, ok := a.Directory.UserByID(id)
			if !ok {
				log.WithField("user_id", id).Warn("cannot find configured notification recipient user")
				continue
			}
			out = append(out, u.Email)
		default:
			log.WithField("recipient", spec).Error("unknown email notification recipient")
		}
	}
	return out
}

// resolveUsers expands recipient specs into directory users (for SMS).
func (a *Applier) resolveUsers(specs []string, tk *ticket.Ticket, triggering *ticket.Article, log logrus.FieldLogger) []notify.User {
	var out []notify.User
	add := func(id int64) {
		if id == 0 {
			return
		}
		if u, ok := a.Directory.UserByID(id); ok {
			out = append(out, u)
		}
	}
	for _, spec := range specs {
		switch {
		case spec == "article_last_sender":
			if triggering == nil {
				continue
			}
			if triggering.OriginByID != 0 {
				add(triggering.OriginByID)
			} else {
				add(triggering.CreatedByID)
			}
		case spec == "ticket_customer":
			add(tk.CustomerID)
		case spec == "ticket_owner":
			add(tk.OwnerID)
		case spec == "ticket_agents":
			out = append(out, a.Directory.AgentsOf(tk.GroupID)...)
		case strings.HasPrefix(spec, "userid_"):
			id, err := strconv.ParseInt(strings.TrimPrefix(spec, "userid_"), 10, 64)
			if err != nil {
				log.WithField("recipient", spec).Error("unknown SMS notification recipient")
				continue
			}
			add(id)
		default:
			log.WithField("recipient", spec).Error("unknown SMS notification recipient")
		}
	}
	return out
}

func (a *Applier) emailOf(userID int64, log logrus.FieldLogger) string {
	if userID == 0 {
		return ""
	}
	u, ok := a.Directory.UserByID(userID)
	if !ok {
		log.WithField("user_id", userID).Warn("recipient user not found")
		return ""
	}
	return u.Email
}

func compareString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		if x.IsZero() {
			return ""
		}
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}
