package throttle

import (
	"sync"
	"time"
)

type delivery struct {
	recipient string
	objectID  int64
	at        time.Time
}

// MemoryLog is an in-memory delivery log.
type MemoryLog struct {
	mu      sync.Mutex
	entries []delivery
}

func (l *MemoryLog) CountObject(recipient string, objectID int64, since time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, d := range l.entries {
		if d.recipient == recipient && d.objectID == objectID && d.at.After(since) {
			n++
		}
	}
	return n, nil
}

func (l *MemoryLog) CountGlobal(recipient string, since time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, d := range l.entries {
		if d.recipient == recipient && d.at.After(since) {
			n++
		}
	}
	return n, nil
}

func (l *MemoryLog) Record(recipient string, objectID int64, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, delivery{recipient: recipient, objectID: objectID, at: at})
	return nil
}

// MemoryFailures is an in-memory FailureStore.
type MemoryFailures struct {
	mu     sync.Mutex
	failed map[string]time.Time
}

// MarkFailed flags the recipient as having had a delivery failure at ts.
func (f *MemoryFailures) MarkFailed(recipient string, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = map[string]time.Time{}
	}
	f.failed[recipient] = ts
}

func (f *MemoryFailures) FailedAt(recipient string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.failed[recipient]
	return ts, ok
}

func (f *MemoryFailures) Clear(recipient string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failed, recipient)
}
