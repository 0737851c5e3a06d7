package domain

import (
	"fmt"
	"time"
)

// Date is a calendar date in ISO yyyy-mm-dd form. The encoding orders
// lexicographically the same way it orders chronologically, so range
// predicates over stored dates can compare strings directly.
type Date string

const dateLayout = "2006-01-02"

// DateOf truncates a wall-clock instant to its calendar date.
func DateOf(t time.Time) Date {
	return Date(t.Format(dateLayout))
}

// ParseDate validates and normalizes an ISO date string.
func ParseDate(value string) (Date, error) {
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return "", fmt.Errorf("parse date %q: %w", value, err)
	}
	return DateOf(t), nil
}

// Valid reports whether the date is a well-formed calendar date.
func (d Date) Valid() bool {
	_, err := time.Parse(dateLayout, string(d))
	return err == nil
}

// Time returns the date's midnight in UTC.
func (d Date) Time() time.Time {
	t, _ := time.Parse(dateLayout, string(d))
	return t
}

// AddDays returns the date shifted by the given number of days.
func (d Date) AddDays(days int) Date {
	return DateOf(d.Time().AddDate(0, 0, days))
}

// BetweenOrEqual reports whether the date falls inside the closed interval
// [from, to].
func (d Date) BetweenOrEqual(from, to Date) bool {
	return d >= from && d <= to
}

// DatesBetween enumerates every date of the closed interval [from, to] in
// order. An inverted interval yields nil.
func DatesBetween(from, to Date) []Date {
	if from > to {
		return nil
	}
	var dates []Date
	for d := from; d <= to; d = d.AddDays(1) {
		dates = append(dates, d)
	}
	return dates
}

// SchoolYearStart returns September 1 of the school year containing now.
func SchoolYearStart(now time.Time) Date {
	year := now.Year()
	if now.Month() <= time.June {
		year--
	}
	return DateOf(time.Date(year, time.September, 1, 0, 0, 0, 0, time.UTC))
}

// SchoolYearEnd returns June 1 of the school year containing now.
func SchoolYearEnd(now time.Time) Date {
	year := now.Year()
	if now.Month() >= time.September {
		year++
	}
	return DateOf(time.Date(year, time.June, 1, 0, 0, 0, 0, time.UTC))
}
