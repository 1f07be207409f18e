// Package recurrence evaluates annual anniversary rules. The evaluator is
// pure: it keeps no state, so re-running a window on retry always yields the
// same instants.
package recurrence

import (
	"fmt"
	"iter"
	"time"
)

// TimeOfYear is an annually recurring instant: a month, day and time of day,
// without a year. February 29 is normalized to February 28 at construction,
// so a pattern derived from a leap day recurs on February 28 every year,
// including later leap years.
type TimeOfYear struct {
	month  time.Month
	day    int
	hour   int
	minute int
	second int
	nsec   int
}

// TimeOfYearOf derives the recurring pattern from an instant, in UTC.
func TimeOfYearOf(t time.Time) TimeOfYear {
	t = t.UTC()
	day := t.Day()
	if t.Month() == time.February && day == 29 {
		day = 28
	}
	return TimeOfYear{
		month:  t.Month(),
		day:    day,
		hour:   t.Hour(),
		minute: t.Minute(),
		second: t.Second(),
		nsec:   t.Nanosecond(),
	}
}

// InYear places the pattern in a concrete year. The day is at most 28 for
// February, so the result never overflows into March.
func (toy TimeOfYear) InYear(year int) time.Time {
	return time.Date(year, toy.month, toy.day, toy.hour, toy.minute, toy.second, toy.nsec, time.UTC)
}

// Instances yields the occurrences of the pattern at or after start and
// strictly before bound, in ascending order. The sequence is finite and
// restartable; iterating it twice yields identical instants.
func (toy TimeOfYear) Instances(start, bound time.Time) iter.Seq[time.Time] {
	start = start.UTC()
	bound = bound.UTC()
	return func(yield func(time.Time) bool) {
		if !start.Before(bound) {
			return
		}
		year := start.Year()
		if toy.InYear(year).Before(start) {
			year++
		}
		for {
			inst := toy.InYear(year)
			if !inst.Before(bound) {
				return
			}
			if !yield(inst) {
				return
			}
			year++
		}
	}
}

// InstancesInRange collects Instances into a slice.
func (toy TimeOfYear) InstancesInRange(start, bound time.Time) []time.Time {
	var out []time.Time
	for inst := range toy.Instances(start, bound) {
		out = append(out, inst)
	}
	return out
}

func (toy TimeOfYear) String() string {
	return fmt.Sprintf("%02d-%02dT%02d:%02d:%02d", toy.month, toy.day, toy.hour, toy.minute, toy.second)
}
