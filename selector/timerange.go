package selector

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// RelativeRange resolves a range unit plus a relative value to an absolute
// instant measured from now. Resolution happens at evaluation time, not at
// rule-authoring time: the same clause yields different instants when
// re-evaluated later, which is what pending/escalation sweeps rely on.
func RelativeRange(now time.Time, rng string, value any) (time.Duration, error) {
	n, err := relativeValue(value)
	if err != nil {
		return 0, err
	}
	switch rng {
	case "minute":
		return time.Duration(n) * time.Minute, nil
	case "hour":
		return time.Duration(n) * time.Hour, nil
	case "day":
		return time.Duration(n) * 24 * time.Hour, nil
	case "month":
		// calendar months vary; use the calendar delta from now
		return now.AddDate(0, n, 0).Sub(now), nil
	case "year":
		return now.AddDate(n, 0, 0).Sub(now), nil
	}
	return 0, errors.Errorf("unknown range %q", rng)
}

// RelativeTime is RelativeRange applied forward from now.
func RelativeTime(now time.Time, rng string, value any) (time.Time, error) {
	d, err := RelativeRange(now, rng, value)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(d), nil
}

func relativeValue(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		return int(x), nil
	case string:
		n, err := strconv.Atoi(x)
		if err != nil {
			return 0, errors.Errorf("relative value %q is not a number", x)
		}
		return n, nil
	}
	return 0, errors.Errorf("relative value %v (%T) is not a number", v, v)
}
