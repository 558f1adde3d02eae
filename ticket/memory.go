package ticket

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// HistoryEntry is one audit record kept by the in-memory store.
type HistoryEntry struct {
	TicketID int64
	Event    string
	ActorID  int64
	Extra    map[string]string
}

// TagOp records a tag mutation in the order it was issued.
type TagOp struct {
	TicketID   int64
	Op         string // add | remove
	Tag        string
	ActorID    int64
	SourceRule string
}

// MemoryStore is an in-memory implementation of Store, Historian and
// Tagger. It counts Save calls so tests can assert the single-save
// semantics of an apply pass.
type MemoryStore struct {
	mu        sync.Mutex
	tickets   map[int64]*Ticket
	nextArtID int64

	SaveCount int
	Deleted   []int64
	History   []HistoryEntry
	TagOps    []TagOp

	// FailSave, when set, makes Save return a persistence failure.
	FailSave bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(tickets ...*Ticket) *MemoryStore {
	s := &MemoryStore{tickets: map[int64]*Ticket{}, nextArtID: 1000}
	for _, t := range tickets {
		s.tickets[t.ID] = t
		for _, a := range t.Articles {
			if a.ID >= s.nextArtID {
				s.nextArtID = a.ID + 1
			}
		}
	}
	return s
}

func (s *MemoryStore) Load(_ context.Context, id int64) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, errors.Wrapf(ErrPersistence, "ticket %d not found", id)
	}
	return t, nil
}

func (s *MemoryStore) Save(_ context.Context, t *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave {
		return errors.Wrap(ErrPersistence, "save rejected")
	}
	s.SaveCount++
	s.tickets[t.ID] = t
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tickets, id)
	s.Deleted = append(s.Deleted, id)
	return nil
}

func (s *MemoryStore) AppendArticle(_ context.Context, a *Article) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[a.TicketID]
	if !ok {
		return errors.Wrapf(ErrPersistence, "ticket %d not found", a.TicketID)
	}
	if a.ID == 0 {
		a.ID = s.nextArtID
		s.nextArtID++
	}
	t.Articles = append(t.Articles, a)
	return nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, t *Ticket, event string, actorID int64, extra map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.History = append(s.History, HistoryEntry{TicketID: t.ID, Event: event, ActorID: actorID, Extra: extra})
	return nil
}

func (s *MemoryStore) AddTag(_ context.Context, t *Ticket, tag string, actorID int64, sourceRule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.HasTag(tag) {
		t.Tags = append(t.Tags, tag)
	}
	s.TagOps = append(s.TagOps, TagOp{TicketID: t.ID, Op: "add", Tag: tag, ActorID: actorID, SourceRule: sourceRule})
	return nil
}

func (s *MemoryStore) RemoveTag(_ context.Context, t *Ticket, tag string, actorID int64, sourceRule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range t.Tags {
		if x == tag {
			t.Tags = append(t.Tags[:i], t.Tags[i+1:]...)
			break
		}
	}
	s.TagOps = append(s.TagOps, TagOp{TicketID: t.ID, Op: "remove", Tag: tag, ActorID: actorID, SourceRule: sourceRule})
	return nil
}
