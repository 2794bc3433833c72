package agenda

import (
	"time"

	"github.com/google/uuid"
)

// DayStatus is the classification of a calendar day (or of a time on it).
type DayStatus string

const (
	DayHoliday   DayStatus = "holiday"
	DayBlocked   DayStatus = "blocked"
	DayExhausted DayStatus = "exhausted"
	DayFree      DayStatus = "free"
	DayNoRule    DayStatus = "no_rule"
)

// Bookable reports whether slots on a day with this status may be booked.
func (s DayStatus) Bookable() bool { return s == DayFree }

// DayQuery identifies what is being classified. When At is set, time-ranged
// blocks only count if they cover that time.
type DayQuery struct {
	Date           Date
	ProfessionalID uuid.UUID
	SpecialtyID    *uuid.UUID
	At             *Clock
}

// Classify applies the ordered rules holiday > blocked > exhausted > free >
// no rule. Every caller that needs to know whether a day or time is open goes
// through this function.
func Classify(q DayQuery, rules []AvailabilityRule, blocks []Block) DayStatus {
	if status, closed := blockStatus(q, blocks); closed {
		return status
	}

	found, active := false, false
	for i := range rules {
		r := &rules[i]
		if !ruleMatchesDay(r, q.Date, q.ProfessionalID, q.SpecialtyID) {
			continue
		}
		found = true
		if r.Active {
			active = true
			break
		}
	}
	switch {
	case active:
		return DayFree
	case found:
		return DayExhausted
	default:
		return DayNoRule
	}
}

// blockStatus returns the holiday/blocked status for the query, if any.
func blockStatus(q DayQuery, blocks []Block) (DayStatus, bool) {
	blocked := false
	for i := range blocks {
		b := &blocks[i]
		if !b.AppliesTo(q.ProfessionalID) || !b.CoversDate(q.Date) {
			continue
		}
		if b.Kind == BlockKindHoliday {
			return DayHoliday, true
		}
		if q.At == nil || b.CoversTime(*q.At) {
			blocked = true
		}
	}
	if blocked {
		return DayBlocked, true
	}
	return "", false
}

// ruleMatchesDay reports whether the rule is defined for the date and scope,
// regardless of its active flag.
func ruleMatchesDay(r *AvailabilityRule, d Date, professionalID uuid.UUID, specialtyID *uuid.UUID) bool {
	if r.ProfessionalID != professionalID {
		return false
	}
	if specialtyID != nil && r.SpecialtyID != *specialtyID {
		return false
	}
	return r.DayOfWeek == d.Weekday() && d.Between(r.ValidFrom, r.ValidTo)
}

// DayMarker is the classification of one day of a month calendar.
type DayMarker struct {
	Date   Date      `json:"date"`
	Status DayStatus `json:"status"`
}

// MonthCalendar classifies every day of the month containing first.
func MonthCalendar(first Date, professionalID uuid.UUID, specialtyID *uuid.UUID, rules []AvailabilityRule, blocks []Block) []DayMarker {
	start := NewDate(first.Year(), first.Month(), 1)
	end := NewDate(first.Year(), first.Month()+1, 1).AddDays(-1)
	markers := make([]DayMarker, 0, 31)
	for d := start; !d.After(end); d = d.AddDays(1) {
		markers = append(markers, DayMarker{
			Date:   d,
			Status: Classify(DayQuery{Date: d, ProfessionalID: professionalID, SpecialtyID: specialtyID}, rules, blocks),
		})
	}
	return markers
}

// MonthOf returns the first day of the month of t.
func MonthOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), 1)
}
