package agenda

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RuleKind selects how a rule lays out its slots.
type RuleKind string

const (
	// RuleFixed lists explicit start times, each with its own capacity.
	RuleFixed RuleKind = "fixed"
	// RulePeriod is authored as a start time plus a number of intervals.
	RulePeriod RuleKind = "period"
	// RuleTimeRange is authored as a start and an end time.
	RuleTimeRange RuleKind = "time_range"
)

var validRuleKinds = map[RuleKind]bool{
	RuleFixed: true, RulePeriod: true, RuleTimeRange: true,
}

// FixedSlot is one explicit start time of a fixed rule.
type FixedSlot struct {
	Time  Clock `json:"time"`
	Count int   `json:"count"`
}

// AvailabilityRule maps to the availability_rule table. One row describes a
// single weekday of an agenda; rows created together share GroupID.
type AvailabilityRule struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	GroupID           uuid.UUID       `db:"group_id" json:"group_id"`
	ProfessionalID    uuid.UUID       `db:"professional_id" json:"professional_id"`
	SpecialtyID       uuid.UUID       `db:"specialty_id" json:"specialty_id"`
	InsurancePlanID   *uuid.UUID      `db:"insurance_plan_id" json:"insurance_plan_id,omitempty"`
	InsurancePlanName string          `db:"insurance_plan_name" json:"insurance_plan_name,omitempty"`
	ValidFrom         Date            `db:"valid_from" json:"valid_from"`
	ValidTo           Date            `db:"valid_to" json:"valid_to"`
	DayOfWeek         time.Weekday    `db:"day_of_week" json:"day_of_week"`
	Kind              RuleKind        `db:"kind" json:"kind"`
	Value             decimal.Decimal `db:"value" json:"value"`
	Active            bool            `db:"active" json:"active"`
	FixedSlots        []FixedSlot     `db:"fixed_slots" json:"fixed_slots,omitempty"`
	StartTime         Clock           `db:"start_time" json:"start_time"`
	EndTime           Clock           `db:"end_time" json:"end_time"`
	IntervalMinutes   int             `db:"interval_minutes" json:"interval_minutes"`
	SlotsPerInterval  int             `db:"slots_per_interval" json:"slots_per_interval"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Validate checks the rule invariants that must hold before it is stored.
func (r *AvailabilityRule) Validate() error {
	if r.ProfessionalID == uuid.Nil {
		return invalid("professional_id", "is required")
	}
	if r.SpecialtyID == uuid.Nil {
		return invalid("specialty_id", "is required")
	}
	if !validRuleKinds[r.Kind] {
		return invalid("kind", "must be fixed, period or time_range")
	}
	if r.ValidFrom.IsZero() || r.ValidTo.IsZero() {
		return invalid("valid_from", "validity window is required")
	}
	if r.ValidTo.Before(r.ValidFrom) {
		return invalid("valid_to", "must not precede valid_from")
	}
	if r.DayOfWeek < time.Sunday || r.DayOfWeek > time.Saturday {
		return invalid("day_of_week", "must be between 0 and 6")
	}
	if !weekdayReachable(r.ValidFrom, r.ValidTo, r.DayOfWeek) {
		return invalid("day_of_week", r.DayOfWeek.String()+" does not occur in the validity window")
	}
	if r.Value.IsNegative() {
		return invalid("value", "must not be negative")
	}
	switch r.Kind {
	case RuleFixed:
		if len(r.FixedSlots) == 0 {
			return invalid("fixed_slots", "at least one time is required")
		}
		for _, fs := range r.FixedSlots {
			if !fs.Time.Valid() {
				return invalid("fixed_slots", "time out of range")
			}
			if fs.Count < 1 {
				return invalid("fixed_slots", "count must be at least 1")
			}
		}
	default:
		if r.IntervalMinutes <= 0 {
			return invalid("interval_minutes", "must be positive")
		}
		if !r.StartTime.Valid() || !r.EndTime.Valid() {
			return invalid("start_time", "time out of range")
		}
		if r.EndTime <= r.StartTime {
			return invalid("end_time", "must be after start_time")
		}
		if r.SlotsPerInterval < 0 {
			return invalid("slots_per_interval", "must not be negative")
		}
	}
	return nil
}

// sameShape reports whether two rules differ only by weekday and identity.
func (r *AvailabilityRule) sameShape(o *AvailabilityRule) bool {
	if r.Kind != o.Kind || r.StartTime != o.StartTime || r.EndTime != o.EndTime ||
		r.IntervalMinutes != o.IntervalMinutes || r.SlotsPerInterval != o.SlotsPerInterval ||
		!r.Value.Equal(o.Value) || r.InsurancePlanName != o.InsurancePlanName ||
		!sameUUIDPtr(r.InsurancePlanID, o.InsurancePlanID) || len(r.FixedSlots) != len(o.FixedSlots) {
		return false
	}
	for i := range r.FixedSlots {
		if r.FixedSlots[i] != o.FixedSlots[i] {
			return false
		}
	}
	return true
}

func sameUUIDPtr(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// weekdayReachable reports whether day occurs at least once in [from, to].
func weekdayReachable(from, to Date, day time.Weekday) bool {
	if to.Before(from) {
		return false
	}
	if from.DaysUntil(to) >= 6 {
		return true
	}
	for d := from; !d.After(to); d = d.AddDays(1) {
		if d.Weekday() == day {
			return true
		}
	}
	return false
}

// BlockKind distinguishes a time-ranged block from a full-day holiday.
type BlockKind string

const (
	BlockKindBlock   BlockKind = "block"
	BlockKindHoliday BlockKind = "holiday"
)

// Block maps to the block table. A nil ProfessionalID makes the block global.
type Block struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	ProfessionalID    *uuid.UUID `db:"professional_id" json:"professional_id,omitempty"`
	Kind              BlockKind  `db:"kind" json:"kind"`
	DateFrom          Date       `db:"date_from" json:"date_from"`
	DateTo            Date       `db:"date_to" json:"date_to"`
	TimeFrom          Clock      `db:"time_from" json:"time_from"`
	TimeTo            Clock      `db:"time_to" json:"time_to"`
	Reason            string     `db:"reason" json:"reason,omitempty"`
	PatientNote       string     `db:"patient_note" json:"patient_note,omitempty"`
	RecurringAnnually bool       `db:"recurring_annually" json:"recurring_annually"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// Normalize fills the implied fields: holidays span the whole day, a block
// without times spans the whole day, and a missing DateTo equals DateFrom.
func (b *Block) Normalize() {
	if b.Kind == "" {
		b.Kind = BlockKindBlock
	}
	if b.DateTo.IsZero() {
		b.DateTo = b.DateFrom
	}
	if b.Kind == BlockKindHoliday || (b.TimeFrom == 0 && b.TimeTo == 0) {
		b.TimeFrom, b.TimeTo = 0, EndOfDay
	}
}

// Validate checks the block invariants. New blocks may not start before today.
func (b *Block) Validate(today Date, isNew bool) error {
	if b.Kind != BlockKindBlock && b.Kind != BlockKindHoliday {
		return invalid("kind", "must be block or holiday")
	}
	if b.DateFrom.IsZero() {
		return invalid("date_from", "is required")
	}
	if b.DateTo.Before(b.DateFrom) {
		return invalid("date_to", "must not precede date_from")
	}
	if isNew && b.DateFrom.Before(today) {
		return invalid("date_from", "blocks cannot start in the past")
	}
	if !b.TimeFrom.Valid() || !b.TimeTo.Valid() {
		return invalid("time_from", "time out of range")
	}
	if b.TimeTo <= b.TimeFrom {
		return invalid("time_to", "must be after time_from")
	}
	if b.RecurringAnnually && b.Kind != BlockKindHoliday {
		return invalid("recurring_annually", "only holidays recur annually")
	}
	return nil
}

// IsGlobal reports whether the block applies to every professional.
func (b *Block) IsGlobal() bool { return b.ProfessionalID == nil }

// AppliesTo reports whether the block is in scope for the professional.
func (b *Block) AppliesTo(professionalID uuid.UUID) bool {
	return b.ProfessionalID == nil || *b.ProfessionalID == professionalID
}

// FullDay reports whether the block closes the whole day.
func (b *Block) FullDay() bool {
	return b.Kind == BlockKindHoliday || (b.TimeFrom == 0 && b.TimeTo >= EndOfDay)
}

// CoversDate reports whether d falls in the block's date range, or for an
// annually recurring holiday, on the same month and day in any year.
func (b *Block) CoversDate(d Date) bool {
	if d.Between(b.DateFrom, b.DateTo) {
		return true
	}
	if !b.RecurringAnnually {
		return false
	}
	if b.DateFrom.DaysUntil(b.DateTo) >= 365 {
		return true
	}
	key := monthDayKey(d)
	from, to := monthDayKey(b.DateFrom), monthDayKey(b.DateTo)
	if from <= to {
		return key >= from && key <= to
	}
	// Range wraps the new year, e.g. Dec 31 to Jan 1.
	return key >= from || key <= to
}

// CoversTime reports whether c falls in [TimeFrom, TimeTo). A range that
// ends at 23:59 covers the rest of the day.
func (b *Block) CoversTime(c Clock) bool {
	if b.FullDay() {
		return true
	}
	if b.TimeTo >= EndOfDay {
		return c >= b.TimeFrom
	}
	return c >= b.TimeFrom && c < b.TimeTo
}

// Covers reports whether the block closes date d at time c.
func (b *Block) Covers(d Date, c Clock) bool {
	return b.CoversDate(d) && b.CoversTime(c)
}

func monthDayKey(d Date) int {
	return int(d.Month())*100 + d.Day()
}

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	StatusScheduled BookingStatus = "scheduled"
	StatusWaiting   BookingStatus = "waiting"
	StatusInService BookingStatus = "in_service"
	StatusFinished  BookingStatus = "finished"
	StatusCancelled BookingStatus = "cancelled"
	StatusNoShow    BookingStatus = "no_show"
)

var validBookingStatuses = map[BookingStatus]bool{
	StatusScheduled: true, StatusWaiting: true, StatusInService: true,
	StatusFinished: true, StatusCancelled: true, StatusNoShow: true,
}

// ActiveStatuses are the statuses that hold a slot.
var ActiveStatuses = []BookingStatus{StatusScheduled, StatusWaiting, StatusInService, StatusFinished, StatusNoShow}

// Active reports whether a booking in this status occupies its slot.
func (s BookingStatus) Active() bool {
	return validBookingStatuses[s] && s != StatusCancelled
}

// Booking maps to the booking table. Patient and professional names are
// snapshots taken when the booking is made.
type Booking struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	ProfessionalID   uuid.UUID       `db:"professional_id" json:"professional_id"`
	ProfessionalName string          `db:"professional_name" json:"professional_name,omitempty"`
	SpecialtyID      uuid.UUID       `db:"specialty_id" json:"specialty_id"`
	PatientID        uuid.UUID       `db:"patient_id" json:"patient_id"`
	PatientName      string          `db:"patient_name" json:"patient_name"`
	PatientPhone     string          `db:"patient_phone" json:"patient_phone,omitempty"`
	Date             Date            `db:"date" json:"date"`
	Time             Clock           `db:"time" json:"time"`
	InsurancePlanID  *uuid.UUID      `db:"insurance_plan_id" json:"insurance_plan_id,omitempty"`
	Value            decimal.Decimal `db:"value" json:"value"`
	IsWalkIn         bool            `db:"is_walk_in" json:"is_walk_in"`
	Status           BookingStatus   `db:"status" json:"status"`
	Notes            string          `db:"notes" json:"notes,omitempty"`
	ReminderSent     bool            `db:"reminder_sent" json:"reminder_sent"`
	ExceptionBlockID *uuid.UUID      `db:"exception_block_id" json:"exception_block_id,omitempty"`
	CancelReason     string          `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Exception reports whether a block was kept over this booking.
func (b *Booking) Exception() bool { return b.ExceptionBlockID != nil }
