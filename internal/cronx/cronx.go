// Package cronx parses 5-field cron expressions and computes next-fire
// instants. Parsing and validation are pure functions; fire computation is
// delegated to robfig/cron with the schedule's timezone applied before field
// matching, so "0 9 * * *" in America/New_York matches the 9am wall clock in
// that zone, not UTC.
package cronx

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidExpression is the sentinel wrapped by every parse failure.
var ErrInvalidExpression = errors.New("invalid cron expression")

// InvalidExpressionError names the offending field of a malformed
// expression.
type InvalidExpressionError struct {
	Expr   string
	Field  string
	Reason string
}

func (e *InvalidExpressionError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid cron expression %q: %s", e.Expr, e.Reason)
	}
	return fmt.Sprintf("invalid cron expression %q: %s field: %s", e.Expr, e.Field, e.Reason)
}

func (e *InvalidExpressionError) Unwrap() error { return ErrInvalidExpression }

// shortcuts canonicalize to their exact 5-field equivalents.
var shortcuts = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

type fieldSpec struct {
	name string
	min  int
	max  int
}

var fields = []fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// Parse validates expr and returns its normalized 5-field form. Shortcuts
// are expanded, whitespace is collapsed. The zero value of the returned
// string is never a valid expression, so callers may treat "" as unset.
func Parse(expr string) (string, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return "", &InvalidExpressionError{Expr: expr, Reason: "empty expression"}
	}

	if strings.HasPrefix(trimmed, "@") {
		canonical, ok := shortcuts[strings.ToLower(trimmed)]
		if !ok {
			return "", &InvalidExpressionError{Expr: expr, Reason: fmt.Sprintf("unknown shortcut %q", trimmed)}
		}
		return canonical, nil
	}

	parts := strings.Fields(trimmed)
	if len(parts) != len(fields) {
		return "", &InvalidExpressionError{
			Expr:   expr,
			Reason: fmt.Sprintf("expected 5 fields, got %d", len(parts)),
		}
	}

	for i, part := range parts {
		if err := validateField(part, fields[i]); err != nil {
			return "", &InvalidExpressionError{Expr: expr, Field: fields[i].name, Reason: err.Error()}
		}
	}

	return strings.Join(parts, " "), nil
}

// validateField checks one field against its range, accepting *, steps,
// ranges, and comma lists thereof.
func validateField(field string, spec fieldSpec) error {
	for _, item := range strings.Split(field, ",") {
		if item == "" {
			return errors.New("empty list entry")
		}

		expr, step, hasStep := strings.Cut(item, "/")
		if hasStep {
			n, err := strconv.Atoi(step)
			if err != nil || n < 1 {
				return fmt.Errorf("invalid step %q", step)
			}
		}

		if expr == "*" {
			continue
		}

		lo, hi, isRange := strings.Cut(expr, "-")
		a, err := strconv.Atoi(lo)
		if err != nil {
			return fmt.Errorf("invalid value %q", expr)
		}
		b := a
		if isRange {
			b, err = strconv.Atoi(hi)
			if err != nil {
				return fmt.Errorf("invalid range %q", expr)
			}
			if b < a {
				return fmt.Errorf("range %q is inverted", expr)
			}
		}
		if a < spec.min || b > spec.max {
			return fmt.Errorf("value %q out of range %d-%d", expr, spec.min, spec.max)
		}
	}
	return nil
}

// Next computes the next fire instant strictly after from for the given
// expression, evaluated in timezone tz (IANA name; empty means UTC). The
// result is returned in UTC.
func Next(expr string, from time.Time, tz string) (time.Time, error) {
	normalized, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}

	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	// CRON_TZ pins the matching zone so field comparison happens against
	// the schedule's wall clock.
	sched, err := cron.ParseStandard("CRON_TZ=" + tz + " " + normalized)
	if err != nil {
		return time.Time{}, &InvalidExpressionError{Expr: expr, Reason: err.Error()}
	}

	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("no next execution for %q after %s", expr, from)
	}
	return next.UTC(), nil
}
