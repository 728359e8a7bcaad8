package scheduler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CronExpression is a parsed 5-field cron expression:
// minute hour day-of-month month day-of-week.
//
//	"*/5 * * * *"  every 5 minutes
//	"0 21 * * *"   every day at 21:00
//	"0 0 * * 0"    every Sunday at midnight
type CronExpression struct {
	raw      string
	minutes  []int // 0-59
	hours    []int // 0-23
	days     []int // 1-31
	months   []int // 1-12
	weekdays []int // 0-6 (0 = Sunday)
}

// ParseCronExpression parses a cron expression.
// Each field accepts *, */n, n, n-m, n-m/s and comma lists of those.
func ParseCronExpression(expr string) (*CronExpression, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("invalid cron expression: expected 5 fields, got %d", len(fields))
	}

	ce := &CronExpression{raw: expr}
	targets := []struct {
		name     string
		dst      *[]int
		min, max int
	}{
		{"minute", &ce.minutes, 0, 59},
		{"hour", &ce.hours, 0, 23},
		{"day", &ce.days, 1, 31},
		{"month", &ce.months, 1, 12},
		{"weekday", &ce.weekdays, 0, 6},
	}
	for i, tgt := range targets {
		values, err := parseField(fields[i], tgt.min, tgt.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", tgt.name, err)
		}
		*tgt.dst = values
	}
	return ce, nil
}

// parseField expands one field into its sorted, de-duplicated values.
func parseField(field string, min, max int) ([]int, error) {
	var out []int
	for _, part := range strings.Split(field, ",") {
		values, err := parsePart(strings.TrimSpace(part), min, max)
		if err != nil {
			return nil, err
		}
		out = append(out, values...)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func parsePart(part string, min, max int) ([]int, error) {
	step := 1
	if base, s, ok := strings.Cut(part, "/"); ok {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid step value: %q", s)
		}
		step, part = n, base
	}

	start, end := min, max
	switch {
	case part == "*":
	case strings.Contains(part, "-"):
		lo, hi, _ := strings.Cut(part, "-")
		var err error
		if start, err = strconv.Atoi(lo); err != nil {
			return nil, fmt.Errorf("invalid range start: %q", lo)
		}
		if end, err = strconv.Atoi(hi); err != nil {
			return nil, fmt.Errorf("invalid range end: %q", hi)
		}
	default:
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid value: %q", part)
		}
		start = v
		if step == 1 {
			end = v
		}
	}

	if start < min || end > max || start > end {
		return nil, fmt.Errorf("value out of range [%d-%d]: %q", min, max, part)
	}
	values := make([]int, 0, (end-start)/step+1)
	for v := start; v <= end; v += step {
		values = append(values, v)
	}
	return values, nil
}

// String returns the original expression.
func (ce *CronExpression) String() string {
	return ce.raw
}

// Next returns the first matching minute strictly after the given time,
// or the zero time if nothing matches within a year.
func (ce *CronExpression) Next(after time.Time) time.Time {
	t := after.Truncate(time.Minute).Add(time.Minute)

	const horizon = 366 * 24 * 60
	for i := 0; i < horizon; i++ {
		if ce.matches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

func (ce *CronExpression) matches(t time.Time) bool {
	return slices.Contains(ce.minutes, t.Minute()) &&
		slices.Contains(ce.hours, t.Hour()) &&
		slices.Contains(ce.days, t.Day()) &&
		slices.Contains(ce.months, int(t.Month())) &&
		slices.Contains(ce.weekdays, int(t.Weekday()))
}

// ParseSchedule accepts "@every <duration>" or a 5-field cron expression.
func ParseSchedule(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if rest, ok := strings.CutPrefix(spec, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", rest, err)
		}
		if d < time.Second {
			return nil, fmt.Errorf("interval %s is shorter than one second", d)
		}
		return NewIntervalSchedule(d), nil
	}
	return ParseCronExpression(spec)
}
