package agenda

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// maxWeekdayScan bounds the day-by-day walk used to infer weekdays.
const maxWeekdayScan = 366

// WeekdaysInRange returns the weekdays that occur in [from, to], Sunday first.
func WeekdaysInRange(from, to Date) []time.Weekday {
	var seen [7]bool
	d := from
	for i := 0; i < maxWeekdayScan && !d.After(to); i++ {
		seen[d.Weekday()] = true
		d = d.AddDays(1)
	}
	var out []time.Weekday
	for wd, ok := range seen {
		if ok {
			out = append(out, time.Weekday(wd))
		}
	}
	return out
}

// RuleDraft is one rule of a bulk agenda before it is expanded per weekday.
type RuleDraft struct {
	Kind              RuleKind        `json:"kind"`
	FixedSlots        []FixedSlot     `json:"fixed_slots,omitempty"`
	StartTime         Clock           `json:"start_time"`
	EndTime           Clock           `json:"end_time"`
	IntervalMinutes   int             `json:"interval_minutes"`
	SlotsPerInterval  int             `json:"slots_per_interval"`
	Quantity          int             `json:"quantity,omitempty"`
	InsurancePlanID   *uuid.UUID      `json:"insurance_plan_id,omitempty"`
	InsurancePlanName string          `json:"insurance_plan_name,omitempty"`
	Value             decimal.Decimal `json:"value"`
}

// Normalize derives the end of a period draft and the quantity of a time
// range draft.
func (d RuleDraft) Normalize() RuleDraft {
	in := DurationInput{Start: d.StartTime, End: d.EndTime, IntervalMinutes: d.IntervalMinutes, Quantity: d.Quantity}
	switch d.Kind {
	case RulePeriod:
		in.Mode = ComputeEnd
	case RuleTimeRange:
		in.Mode = ComputeQuantity
	default:
		return d
	}
	out := Calculate(in)
	d.EndTime, d.Quantity = out.End, out.Quantity
	if d.SlotsPerInterval <= 0 {
		d.SlotsPerInterval = 1
	}
	return d
}

// Validate checks a normalized draft.
func (d RuleDraft) Validate() error {
	if !validRuleKinds[d.Kind] {
		return invalid("kind", "must be fixed, period or time_range")
	}
	if d.Value.IsNegative() {
		return invalid("value", "must not be negative")
	}
	if d.Kind == RuleFixed {
		if len(d.FixedSlots) == 0 {
			return invalid("fixed_slots", "at least one time is required")
		}
		for _, fs := range d.FixedSlots {
			if fs.Count < 1 {
				return invalid("fixed_slots", fmt.Sprintf("count at %s must be at least 1", fs.Time))
			}
		}
		return nil
	}
	if d.IntervalMinutes <= 0 {
		return invalid("interval_minutes", "must be positive")
	}
	if d.Kind == RulePeriod && d.Quantity <= 0 {
		return invalid("quantity", "must be positive")
	}
	if d.EndTime <= d.StartTime {
		return invalid("end_time", "must be after start_time")
	}
	return nil
}

// RuleBuilder accumulates the drafts of one agenda and expands them into
// one rule per selected weekday.
type RuleBuilder struct {
	ProfessionalID uuid.UUID
	SpecialtyID    uuid.UUID
	ValidFrom      Date
	ValidTo        Date
	Active         bool

	weekdays [7]bool
	drafts   []RuleDraft
}

// NewRuleBuilder starts an agenda and pre-selects the weekdays present in
// the validity window.
func NewRuleBuilder(professionalID, specialtyID uuid.UUID, validFrom, validTo Date) (*RuleBuilder, error) {
	if professionalID == uuid.Nil {
		return nil, invalid("professional_id", "is required")
	}
	if specialtyID == uuid.Nil {
		return nil, invalid("specialty_id", "is required")
	}
	if validFrom.IsZero() || validTo.IsZero() {
		return nil, invalid("valid_from", "validity window is required")
	}
	if validTo.Before(validFrom) {
		return nil, invalid("valid_to", "must not precede valid_from")
	}
	b := &RuleBuilder{
		ProfessionalID: professionalID,
		SpecialtyID:    specialtyID,
		ValidFrom:      validFrom,
		ValidTo:        validTo,
		Active:         true,
	}
	for _, wd := range WeekdaysInRange(validFrom, validTo) {
		b.weekdays[wd] = true
	}
	return b, nil
}

// SetWeekday toggles a weekday.
func (b *RuleBuilder) SetWeekday(day time.Weekday, on bool) {
	if day >= time.Sunday && day <= time.Saturday {
		b.weekdays[day] = on
	}
}

// SetWeekdays replaces the weekday selection.
func (b *RuleBuilder) SetWeekdays(days []time.Weekday) {
	b.weekdays = [7]bool{}
	for _, d := range days {
		b.SetWeekday(d, true)
	}
}

// Weekdays returns the selected weekdays, Sunday first.
func (b *RuleBuilder) Weekdays() []time.Weekday {
	var out []time.Weekday
	for wd, on := range b.weekdays {
		if on {
			out = append(out, time.Weekday(wd))
		}
	}
	return out
}

// Add appends a draft and returns its index.
func (b *RuleBuilder) Add(d RuleDraft) (int, error) {
	d = d.Normalize()
	if err := d.Validate(); err != nil {
		return -1, err
	}
	b.drafts = append(b.drafts, d)
	return len(b.drafts) - 1, nil
}

// Replace swaps the draft at index i in place.
func (b *RuleBuilder) Replace(i int, d RuleDraft) error {
	if i < 0 || i >= len(b.drafts) {
		return invalid("index", fmt.Sprintf("no draft at position %d", i))
	}
	d = d.Normalize()
	if err := d.Validate(); err != nil {
		return err
	}
	b.drafts[i] = d
	return nil
}

// Remove drops the draft at index i.
func (b *RuleBuilder) Remove(i int) error {
	if i < 0 || i >= len(b.drafts) {
		return invalid("index", fmt.Sprintf("no draft at position %d", i))
	}
	b.drafts = append(b.drafts[:i], b.drafts[i+1:]...)
	return nil
}

// Drafts returns a copy of the accumulated drafts.
func (b *RuleBuilder) Drafts() []RuleDraft {
	out := make([]RuleDraft, len(b.drafts))
	copy(out, b.drafts)
	return out
}

// Build expands every draft for every selected weekday into rules sharing
// groupID. Nothing is stored.
func (b *RuleBuilder) Build(groupID uuid.UUID) ([]AvailabilityRule, error) {
	if len(b.drafts) == 0 {
		return nil, invalid("drafts", "at least one rule is required")
	}
	days := b.Weekdays()
	if len(days) == 0 {
		return nil, invalid("weekdays", "select at least one weekday")
	}
	for _, wd := range days {
		if !weekdayReachable(b.ValidFrom, b.ValidTo, wd) {
			return nil, invalid("weekdays", wd.String()+" does not occur in the validity window")
		}
	}
	if groupID == uuid.Nil {
		groupID = uuid.New()
	}

	rules := make([]AvailabilityRule, 0, len(days)*len(b.drafts))
	for _, d := range b.drafts {
		for _, wd := range days {
			r := AvailabilityRule{
				GroupID:           groupID,
				ProfessionalID:    b.ProfessionalID,
				SpecialtyID:       b.SpecialtyID,
				InsurancePlanID:   d.InsurancePlanID,
				InsurancePlanName: d.InsurancePlanName,
				ValidFrom:         b.ValidFrom,
				ValidTo:           b.ValidTo,
				DayOfWeek:         wd,
				Kind:              d.Kind,
				Value:             d.Value,
				Active:            b.Active,
				StartTime:         d.StartTime,
				EndTime:           d.EndTime,
				IntervalMinutes:   d.IntervalMinutes,
				SlotsPerInterval:  d.SlotsPerInterval,
			}
			if d.Kind == RuleFixed {
				r.FixedSlots = append([]FixedSlot(nil), d.FixedSlots...)
				r.StartTime, r.EndTime, r.IntervalMinutes, r.SlotsPerInterval = 0, 0, 0, 0
			}
			if err := r.Validate(); err != nil {
				return nil, err
			}
			rules = append(rules, r)
		}
	}
	return rules, nil
}
