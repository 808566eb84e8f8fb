/**
 * @description
 * Calendar arithmetic for subscription billing periods.
 */
package schedule

import (
	"fmt"
	"time"

	"github.com/transfa/billing-service/internal/domain"
)

// NextInvoiceTime returns the instant of billing period `period` (zero based) for a schedule
// that started at startedAt and repeats every `interval` units of frequency.
//
// Month and year steps clamp to the last day of the target month. The clamp is always computed
// from startedAt, so period 6 of a schedule started on the 31st lands on the last day of that
// month rather than on whatever day period 5 was clamped to.
func NextInvoiceTime(startedAt time.Time, frequency domain.Frequency, period, interval int) (time.Time, error) {
	if interval < 1 {
		return time.Time{}, &domain.ValidationError{Field: "interval", Reason: fmt.Sprintf("must be at least 1, got %d", interval)}
	}
	if period < 0 {
		return time.Time{}, &domain.ValidationError{Field: "period", Reason: fmt.Sprintf("must not be negative, got %d", period)}
	}
	if period == 0 {
		return startedAt, nil
	}

	steps := period * interval
	switch frequency {
	case domain.FrequencyDaily:
		return startedAt.AddDate(0, 0, steps), nil
	case domain.FrequencyWeekly:
		return startedAt.AddDate(0, 0, 7*steps), nil
	case domain.FrequencyMonthly:
		return addMonthsClamped(startedAt, steps), nil
	case domain.FrequencyYearly:
		return addMonthsClamped(startedAt, 12*steps), nil
	}
	return time.Time{}, &domain.ValidationError{Field: "frequency", Reason: fmt.Sprintf("unknown frequency %q", frequency)}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	total := int(month) - 1 + months
	targetYear := year + floorDiv(total, 12)
	targetMonth := time.Month(total-floorDiv(total, 12)*12 + 1)

	if last := daysIn(targetYear, targetMonth, t.Location()); day > last {
		day = last
	}
	return time.Date(targetYear, targetMonth, day, hour, min, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	// Day 0 of the following month normalises to the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
