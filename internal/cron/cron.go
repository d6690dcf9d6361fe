// Package cron parses five-field schedule expressions and computes
// fire times. Besides the usual tokens (*, lists, ranges, steps) it
// supports the load-spreading H token: H resolves to a stable
// hash-derived value for the owning job, so many jobs written with the
// same schedule text fire at different offsets instead of stampeding.
package cron

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"
)

// Schedule is one parsed expression. The zero value matches nothing;
// obtain one through Parse.
type Schedule struct {
	minutes bitset64
	hours   bitset64
	days    bitset64
	months  bitset64
	dows    bitset64
}

// bitset64 treats a uint64 as a set of small integers.
type bitset64 uint64

func (b bitset64) has(v int) bool { return b&(1<<uint(v)) != 0 }
func (b *bitset64) set(v int)     { *b |= 1 << uint(v) }

type fieldSpec struct {
	name string
	min  int
	max  int
}

var fields = [5]fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// Parse parses an expression. seed (typically the job name) feeds the
// H hash; expressions without H ignore it. Day-of-week accepts 0-7
// with both 0 and 7 meaning Sunday.
func Parse(expression, seed string) (Schedule, error) {
	parts := strings.Fields(expression)
	if len(parts) != len(fields) {
		return Schedule{}, fmt.Errorf("cron %q: expected %d fields, got %d", expression, len(fields), len(parts))
	}

	var sets [5]bitset64
	for i, spec := range fields {
		set, err := parseField(parts[i], spec, hashFor(seed, spec.name))
		if err != nil {
			return Schedule{}, fmt.Errorf("cron %q: %s field: %w", expression, spec.name, err)
		}
		sets[i] = set
	}

	// Fold day-of-week 7 onto 0 so Sunday is one bit.
	if sets[4].has(7) {
		sets[4].set(0)
		sets[4] &^= 1 << 7
	}

	return Schedule{
		minutes: sets[0],
		hours:   sets[1],
		days:    sets[2],
		months:  sets[3],
		dows:    sets[4],
	}, nil
}

// hashFor derives a stable per-field hash so "H H * * *" spreads the
// minute and hour independently for the same job.
func hashFor(seed, field string) int {
	h := fnv.New32a()
	h.Write([]byte(seed))
	h.Write([]byte{':'})
	h.Write([]byte(field))
	return int(h.Sum32() & 0x7fffffff)
}

// Next returns the earliest time strictly after t matching the
// schedule, computed in UTC. When the day-of-month and day-of-week
// fields are both restricted, a day must satisfy both. Impossible
// schedules (Feb 31) are cut off after a four-year scan.
func (s Schedule) Next(t time.Time) (time.Time, error) {
	t = t.UTC().Truncate(time.Minute).Add(time.Minute)
	start := t
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !s.months.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !s.days.has(t.Day()) || !s.dows.has(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !s.hours.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, time.UTC)
			continue
		}
		if !s.minutes.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("cron: no matching time within 4 years of %s", start.Format(time.RFC3339))
}

// parseField handles comma-separated terms; the resulting set must be
// non-empty.
func parseField(field string, spec fieldSpec, hash int) (bitset64, error) {
	var result bitset64
	for _, term := range strings.Split(field, ",") {
		bits, err := parseTerm(term, spec, hash)
		if err != nil {
			return 0, err
		}
		result |= bits
	}
	if result == 0 {
		return 0, fmt.Errorf("field %q matches nothing", field)
	}
	return result, nil
}

// parseTerm handles one term: *, */N, V, A-B, A-B/N, H, H/N, H(A-B),
// H(A-B)/N.
func parseTerm(term string, spec fieldSpec, hash int) (bitset64, error) {
	base, stepPart, hasStep := strings.Cut(term, "/")
	step := 1
	if hasStep {
		parsed, err := strconv.Atoi(stepPart)
		if err != nil {
			return 0, fmt.Errorf("invalid step %q", stepPart)
		}
		if parsed <= 0 {
			return 0, fmt.Errorf("step must be positive, got %d", parsed)
		}
		step = parsed
	}

	lo, hi := spec.min, spec.max
	hashed := false

	switch {
	case base == "*":
		// full range

	case base == "H" || strings.HasPrefix(base, "H("):
		hashed = true
		if rest, ok := strings.CutPrefix(base, "H("); ok {
			body, closed := strings.CutSuffix(rest, ")")
			if !closed {
				return 0, fmt.Errorf("unterminated hash range %q", term)
			}
			var err error
			lo, hi, err = parseRange(body)
			if err != nil {
				return 0, err
			}
		}

	case strings.Contains(base, "-"):
		var err error
		lo, hi, err = parseRange(base)
		if err != nil {
			return 0, err
		}

	default:
		v, err := strconv.Atoi(base)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q", base)
		}
		lo, hi = v, v
	}

	if lo < spec.min || hi > spec.max {
		return 0, fmt.Errorf("value out of range [%d-%d]: got %d-%d", spec.min, spec.max, lo, hi)
	}

	var result bitset64
	switch {
	case hashed && !hasStep:
		// H picks a single stable value in the range.
		result.set(lo + hash%(hi-lo+1))
	case hashed:
		// H/N fires every N with a stable offset.
		for v := lo + hash%step; v <= hi; v += step {
			result.set(v)
		}
	default:
		for v := lo; v <= hi; v += step {
			result.set(v)
		}
	}
	return result, nil
}

func parseRange(body string) (int, int, error) {
	loStr, hiStr, ok := strings.Cut(body, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range %q", body)
	}
	lo, err := strconv.Atoi(loStr)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range start %q", loStr)
	}
	hi, err := strconv.Atoi(hiStr)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range end %q", hiStr)
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("range start %d > end %d", lo, hi)
	}
	return lo, hi, nil
}
