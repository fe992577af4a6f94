package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronSpec is a parsed standard 5-field cron expression (minute hour
// day-of-month month day-of-week). There is no cron library in the
// example corpus this project draws from (see DESIGN.md), so the
// parser and matcher are hand-rolled, kept intentionally small: field
// sets, not a general calendar.
type CronSpec struct {
	minute, hour, dom, month, dow fieldSet
}

type fieldSet map[int]bool

// ParseCron validates and parses a standard 5-field cron expression.
func ParseCron(expr string) (*CronSpec, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d: %q", len(fields), expr)
	}

	minute, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("minute field: %w", err)
	}
	hour, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("hour field: %w", err)
	}
	dom, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("day-of-month field: %w", err)
	}
	month, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("month field: %w", err)
	}
	dow, err := parseField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("day-of-week field: %w", err)
	}

	return &CronSpec{minute: minute, hour: hour, dom: dom, month: month, dow: dow}, nil
}

// parseField parses one comma-separated cron field made of "*",
// "*/step", "a-b", "a-b/step", or a literal value, within [lo,hi].
func parseField(field string, lo, hi int) (fieldSet, error) {
	set := make(fieldSet)
	for _, part := range strings.Split(field, ",") {
		rangeExpr, step := part, 1
		if i := strings.Index(part, "/"); i >= 0 {
			rangeExpr = part[:i]
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid step in %q", part)
			}
			step = n
		}

		start, end := lo, hi
		switch {
		case rangeExpr == "*":
			// full range, already set
		case strings.Contains(rangeExpr, "-"):
			parts := strings.SplitN(rangeExpr, "-", 2)
			a, err1 := strconv.Atoi(parts[0])
			b, err2 := strconv.Atoi(parts[1])
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("invalid range %q", rangeExpr)
			}
			start, end = a, b
		default:
			n, err := strconv.Atoi(rangeExpr)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", rangeExpr)
			}
			start, end = n, n
		}

		if start < lo || end > hi || start > end {
			return nil, fmt.Errorf("value out of range [%d,%d]: %q", lo, hi, part)
		}
		for v := start; v <= end; v += step {
			set[v] = true
		}
	}
	return set, nil
}

// Matches reports whether t falls on this cron schedule, to
// minute-granularity (seconds and sub-second are ignored).
//
// Per the de-facto standard (and Vixie cron's historical quirk), when
// both day-of-month and day-of-week are restricted (not "*"), a match
// on either is sufficient.
func (c *CronSpec) Matches(t time.Time) bool {
	if !c.minute[t.Minute()] || !c.hour[t.Hour()] || !c.month[int(t.Month())] {
		return false
	}

	domWild := len(c.dom) == 31
	dowWild := len(c.dow) == 7
	domMatch := c.dom[t.Day()]
	dowMatch := c.dow[int(t.Weekday())]

	switch {
	case domWild && dowWild:
		return true
	case domWild:
		return dowMatch
	case dowWild:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}
