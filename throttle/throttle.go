// Package throttle rate-limits outbound trigger notifications. Two
// independent sliding-window policies are consulted before a recipient is
// admitted: one counted against deliveries for the specific ticket, one
// against all deliveries to that recipient. Recipients with recent
// delivery failures, system addresses, syntactically invalid addresses and
// role accounts are excluded outright.
package throttle

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Window caps deliveries inside a sliding interval.
type Window struct {
	Minutes int
	Max     int
}

// Window tables, checked from the shortest window outward. A recipient is
// blocked the moment any window's prior-send count reaches its cap.
var (
	PerObjectWindows = []Window{{10, 10}, {30, 15}, {60, 25}, {180, 50}, {600, 100}}
	GlobalWindows    = []Window{{10, 30}, {30, 60}, {60, 120}, {180, 240}, {600, 360}}
)

// failureCooldownDays blocks recipients with recent delivery failures for
// this many whole days from the failure date.
const failureCooldownDays = 61

// builtinNoAutoResponse is the role-account denylist used when the
// configured pattern does not compile.
var builtinNoAutoResponse = regexp.MustCompile(`(?i)(mailer-daemon|postmaster|abuse|root|noreply|no-reply)[^@]*@`)

// Log counts and records prior deliveries. Counts are derived fresh on
// every check; nothing is cached.
type Log interface {
	CountObject(recipient string, objectID int64, since time.Time) (int, error)
	CountGlobal(recipient string, since time.Time) (int, error)
	Record(recipient string, objectID int64, at time.Time) error
}

// FailureStore tracks recipients flagged for delivery failures. Clear is
// called as a side effect once the cooldown has elapsed.
type FailureStore interface {
	FailedAt(recipient string) (time.Time, bool)
	Clear(recipient string)
}

// Throttle is the admission policy. The zero value of the optional fields
// is usable: no failure store, no system addresses, built-in role-account
// denylist.
type Throttle struct {
	Log      Log
	Failures FailureStore

	// SystemAddress reports whether the address belongs to the system
	// itself (an inbound channel address).
	SystemAddress func(email string) bool

	// NoAutoResponsePattern is the configured recipient exclusion
	// pattern. An invalid pattern degrades to the built-in denylist.
	NoAutoResponsePattern string

	Logger logrus.FieldLogger
	Now    func() time.Time
}

// New returns a Throttle over the delivery log.
func New(log Log) *Throttle {
	return &Throttle{Log: log}
}

func (t *Throttle) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Throttle) logger() logrus.FieldLogger {
	if t.Logger != nil {
		return t.Logger
	}
	return logrus.StandardLogger()
}

// Admit decides whether a notification to the recipient may be queued for
// the ticket. The reason is a human-readable diagnostic for the deny case.
// Log failures propagate; the caller owns the decision whether a broken
// delivery log aborts the pass.
func (t *Throttle) Admit(recipient string, objectID int64) (bool, string, error) {
	addr, ok := normalizeAddress(recipient)
	if !ok {
		return false, fmt.Sprintf("address %q failed syntax validation", recipient), nil
	}

	if t.Failures != nil {
		if failedAt, flagged := t.Failures.FailedAt(addr); flagged {
			remaining := blockedDays(failedAt, t.now())
			if remaining > 0 {
				return false, fmt.Sprintf("delivery to %s failed recently, blocked for %d more day(s)", addr, remaining), nil
			}
			t.Failures.Clear(addr)
		}
	}

	if t.SystemAddress != nil && t.SystemAddress(addr) {
		return false, fmt.Sprintf("%s is a system address", addr), nil
	}

	if re := t.noAutoResponseRe(); re.MatchString(addr) {
		return false, fmt.Sprintf("%s matches the no-auto-response pattern", addr), nil
	}

	now := t.now()
	for _, w := range PerObjectWindows {
		since := now.Add(-time.Duration(w.Minutes) * time.Minute)
		sent, err := t.Log.CountObject(addr, objectID, since)
		if err != nil {
			return false, "", errors.Wrap(err, "counting per-object deliveries")
		}
		if sent >= w.Max {
			return false, fmt.Sprintf("already sent %d to %s for this ticket within the last %d minutes", sent, addr, w.Minutes), nil
		}
	}
	for _, w := range GlobalWindows {
		since := now.Add(-time.Duration(w.Minutes) * time.Minute)
		sent, err := t.Log.CountGlobal(addr, since)
		if err != nil {
			return false, "", errors.Wrap(err, "counting global deliveries")
		}
		if sent >= w.Max {
			return false, fmt.Sprintf("already sent %d to %s in total within the last %d minutes", sent, addr, w.Minutes), nil
		}
	}
	return true, "", nil
}

// Record notes a delivery so later windows see it.
func (t *Throttle) Record(recipient string, objectID int64) error {
	addr, ok := normalizeAddress(recipient)
	if !ok {
		addr = strings.ToLower(strings.TrimSpace(recipient))
	}
	return t.Log.Record(addr, objectID, t.now())
}

func (t *Throttle) noAutoResponseRe() *regexp.Regexp {
	if t.NoAutoResponsePattern == "" {
		return builtinNoAutoResponse
	}
	re, err := regexp.Compile("(?i)" + t.NoAutoResponsePattern)
	if err != nil {
		t.logger().WithField("pattern", t.NoAutoResponsePattern).
			Warn("invalid no-auto-response pattern, falling back to built-in denylist")
		return builtinNoAutoResponse
	}
	return re
}

// blockedDays is the remaining cooldown in whole days: the cooldown
// constant minus the days elapsed since the failure date. Day-based, not a
// sliding window.
func blockedDays(failedAt, now time.Time) int {
	failDay := failedAt.Truncate(24 * time.Hour)
	today := now.Truncate(24 * time.Hour)
	elapsed := int(today.Sub(failDay).Hours() / 24)
	return failureCooldownDays - elapsed
}

// normalizeAddress extracts and lowercases the bare address, rejecting
// anything net/mail cannot parse.
func normalizeAddress(recipient string) (string, bool) {
	s := strings.TrimSpace(recipient)
	if s == "" {
		return "", false
	}
	a, err := mail.ParseAddress(s)
	if err != nil {
		return "", false
	}
	return strings.ToLower(a.Address), true
}
