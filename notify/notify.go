// Package notify defines the outbound notification request handed to the
// delivery collaborator, plus the user directory the action interpreter
// consults to resolve recipient specs. Transport (SMTP, SMS gateways,
// webhook HTTP calls, message signing) is owned by the hosting application;
// from the engine's point of view Enqueue is fire-and-forget.
package notify

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Channel is the delivery channel of a notification.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelWebhook Channel = "webhook"
)

// Security carries the email security policy verbatim; "discard"
// semantics are interpreted by the delivery collaborator.
type Security struct {
	Sign       string
	Encryption string
}

// Request is one outbound notification, already filtered by the throttle.
type Request struct {
	ID       string
	Channel  Channel
	To       []string
	Subject  string
	Body     string
	Internal bool
	Security Security

	TicketID int64
	RuleID   int64
	RuleName string
	Origin   string

	// Payload carries channel-specific extras; for webhooks it holds the
	// change diff and origin metadata.
	Payload map[string]any
}

// Deliverer accepts notification requests for asynchronous delivery.
type Deliverer interface {
	Enqueue(ctx context.Context, req Request) (deliveryID string, err error)
}

// User is a directory entry.
type User struct {
	ID     int64
	Login  string
	Email  string
	Mobile string
}

// Directory resolves recipient specs to concrete users. Implementations
// are read-only views over the hosting application's user store.
type Directory interface {
	UserByID(id int64) (User, bool)
	// AgentsOf returns the agents with full access to the group,
	// sorted by login.
	AgentsOf(groupID int64) []User
}

// MemoryDirectory is a static Directory for tests and tooling.
type MemoryDirectory struct {
	Users  map[int64]User
	Agents map[int64][]int64 // group id -> user ids
}

func (d *MemoryDirectory) UserByID(id int64) (User, bool) {
	u, ok := d.Users[id]
	return u, ok
}

func (d *MemoryDirectory) AgentsOf(groupID int64) []User {
	var out []User
	for _, id := range d.Agents[groupID] {
		if u, ok := d.Users[id]; ok {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Login < out[j].Login })
	return out
}

// MemoryDeliverer queues requests in memory and issues delivery ids.
type MemoryDeliverer struct {
	mu       sync.Mutex
	Requests []Request

	// FailEnqueue, when set, makes Enqueue fail.
	FailEnqueue bool
}

func (d *MemoryDeliverer) Enqueue(_ context.Context, req Request) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailEnqueue {
		return "", errors.New("delivery queue unavailable")
	}
	req.ID = uuid.NewString()
	d.Requests = append(d.Requests, req)
	return req.ID, nil
}

// ByChannel returns the queued requests for one channel.
func (d *MemoryDeliverer) ByChannel(ch Channel) []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Request
	for _, r := range d.Requests {
		if r.Channel == ch {
			out = append(out, r)
		}
	}
	return out
}
