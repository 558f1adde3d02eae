// Package loader reads rule and ticket definitions from YAML files.
// Conditions and actions are validated at load time so a malformed file
// fails fast instead of surfacing as per-evaluation diagnostics.
package loader

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ticketd/trigger"
	"github.com/ticketd/trigger/action"
	"github.com/ticketd/trigger/selector"
	"github.com/ticketd/trigger/ticket"
)

type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID        int64                     `yaml:"id"`
	Name      string                    `yaml:"name"`
	Condition selector.Selector         `yaml:"condition"`
	Expr      string                    `yaml:"expr"`
	Perform   map[string]map[string]any `yaml:"perform"`
}

// LoadRules reads a YAML rule file. Schema may be nil to use the stock
// ticket attributes.
func LoadRules(path string, schema ticket.Schema) ([]*trigger.Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening rule file %s", path)
	}
	defer f.Close()
	rules, err := ParseRules(f, schema)
	if err != nil {
		return nil, errors.Wrapf(err, "rule file %s", path)
	}
	return rules, nil
}

// ParseRules decodes and validates a YAML rule document.
func ParseRules(r io.Reader, schema ticket.Schema) ([]*trigger.Rule, error) {
	if schema == nil {
		schema = ticket.DefaultSchema()
	}
	var file ruleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, errors.Wrap(err, "decoding rules")
	}

	seen := map[int64]bool{}
	rules := make([]*trigger.Rule, 0, len(file.Rules))
	for i, spec := range file.Rules {
		if spec.ID == 0 {
			return nil, errors.Errorf("rule %d: missing id", i)
		}
		if seen[spec.ID] {
			return nil, errors.Errorf("rule %d: duplicate id %d", i, spec.ID)
		}
		seen[spec.ID] = true
		if spec.Name == "" {
			return nil, errors.Errorf("rule %d: missing name", spec.ID)
		}
		if spec.Condition == nil && spec.Expr == "" {
			return nil, errors.Errorf("rule %q (%d): no condition", spec.Name, spec.ID)
		}
		if spec.Condition != nil {
			if err := selector.Validate(spec.Condition, schema); err != nil {
				return nil, errors.Wrapf(err, "rule %q (%d)", spec.Name, spec.ID)
			}
		}
		perform, err := action.Decode(spec.Perform)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %q (%d)", spec.Name, spec.ID)
		}
		rules = append(rules, &trigger.Rule{
			ID:        spec.ID,
			Name:      spec.Name,
			Condition: spec.Condition,
			Expr:      spec.Expr,
			Perform:   perform,
		})
	}
	return rules, nil
}

type ticketSpec struct {
	ID           int64          `yaml:"id"`
	Number       string         `yaml:"number"`
	Title        string         `yaml:"title"`
	State        string         `yaml:"state"`
	Priority     string         `yaml:"priority"`
	GroupID      int64          `yaml:"group_id"`
	OwnerID      int64          `yaml:"owner_id"`
	CustomerID   int64          `yaml:"customer_id"`
	OrgID        int64          `yaml:"organization_id"`
	Note         string         `yaml:"note"`
	Tags         []string       `yaml:"tags"`
	PendingTime  time.Time      `yaml:"pending_time"`
	EscalationAt time.Time      `yaml:"escalation_at"`
	CloseAt      time.Time      `yaml:"close_at"`
	CreatedAt    time.Time      `yaml:"created_at"`
	UpdatedAt    time.Time      `yaml:"updated_at"`
	Custom       map[string]any `yaml:"custom"`

	Articles []articleSpec `yaml:"articles"`
}

type articleSpec struct {
	ID          int64          `yaml:"id"`
	Type        string         `yaml:"type"`
	Sender      string         `yaml:"sender"`
	From        string         `yaml:"from"`
	ReplyTo     string         `yaml:"reply_to"`
	To          string         `yaml:"to"`
	Subject     string         `yaml:"subject"`
	Body        string         `yaml:"body"`
	Internal    bool           `yaml:"internal"`
	CreatedAt   time.Time      `yaml:"created_at"`
	Preferences map[string]any `yaml:"preferences"`
}

// LoadTicket reads a YAML ticket fixture, used by the dry-run command.
func LoadTicket(path string) (*ticket.Ticket, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening ticket file %s", path)
	}
	defer f.Close()
	tk, err := ParseTicket(f)
	if err != nil {
		return nil, errors.Wrapf(err, "ticket file %s", path)
	}
	return tk, nil
}

// ParseTicket decodes a YAML ticket document.
func ParseTicket(r io.Reader) (*ticket.Ticket, error) {
	var spec ticketSpec
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, errors.Wrap(err, "decoding ticket")
	}
	if spec.ID == 0 {
		return nil, errors.New("ticket: missing id")
	}
	tk := &ticket.Ticket{
		ID:           spec.ID,
		Number:       spec.Number,
		Title:        spec.Title,
		State:        spec.State,
		Priority:     spec.Priority,
		GroupID:      spec.GroupID,
		OwnerID:      spec.OwnerID,
		CustomerID:   spec.CustomerID,
		OrgID:        spec.OrgID,
		Note:         spec.Note,
		Tags:         spec.Tags,
		PendingTime:  spec.PendingTime,
		EscalationAt: spec.EscalationAt,
		CloseAt:      spec.CloseAt,
		CreatedAt:    spec.CreatedAt,
		UpdatedAt:    spec.UpdatedAt,
		Custom:       spec.Custom,
	}
	for _, as := range spec.Articles {
		tk.Articles = append(tk.Articles, &ticket.Article{
			ID:          as.ID,
			TicketID:    spec.ID,
			Type:        as.Type,
			Sender:      as.Sender,
			From:        as.From,
			ReplyTo:     as.ReplyTo,
			To:          as.To,
			Subject:     as.Subject,
			Body:        as.Body,
			Internal:    as.Internal,
			CreatedAt:   as.CreatedAt,
			Preferences: as.Preferences,
		})
	}
	return tk, nil
}
