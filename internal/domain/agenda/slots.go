package agenda

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Slot is a bookable time unit generated from a rule. Slots are never stored.
type Slot struct {
	Time              Clock           `json:"time"`
	Value             decimal.Decimal `json:"value"`
	InsurancePlanName string          `json:"insurance_plan_name,omitempty"`
	InsurancePlanID   *uuid.UUID      `json:"insurance_plan_id,omitempty"`
	SourceRuleID      uuid.UUID       `json:"source_rule_id"`
	Closed            bool            `json:"closed"`
}

// SlotQuery selects the date and scope slots are generated for.
type SlotQuery struct {
	Date           Date
	ProfessionalID uuid.UUID
	SpecialtyID    *uuid.UUID
	ShowInactive   bool
}

// Applies reports whether the rule produces slots for the query.
func Applies(r *AvailabilityRule, q SlotQuery) bool {
	if !r.Active && !q.ShowInactive {
		return false
	}
	return ruleMatchesDay(r, q.Date, q.ProfessionalID, q.SpecialtyID)
}

// GenerateSlots expands one rule into the slots of q.Date. Degenerate rules
// (non-positive interval, end not after start) produce no slots.
func GenerateSlots(r *AvailabilityRule, q SlotQuery, blocks []Block) []Slot {
	if !Applies(r, q) {
		return nil
	}

	var times []Clock
	switch r.Kind {
	case RuleFixed:
		for _, fs := range r.FixedSlots {
			for i := 0; i < fs.Count; i++ {
				times = append(times, fs.Time)
			}
		}
	default:
		if r.IntervalMinutes <= 0 || r.EndTime <= r.StartTime {
			return nil
		}
		perStep := max(r.SlotsPerInterval, 1)
		for t := r.StartTime; t < r.EndTime; t += Clock(r.IntervalMinutes) {
			for i := 0; i < perStep; i++ {
				times = append(times, t)
			}
		}
	}

	slots := make([]Slot, 0, len(times))
	for _, t := range times {
		closed := !r.Active
		if !closed {
			at := t
			_, closed = blockStatus(DayQuery{Date: q.Date, ProfessionalID: q.ProfessionalID, At: &at}, blocks)
		}
		slots = append(slots, Slot{
			Time:              t,
			Value:             r.Value,
			InsurancePlanName: r.InsurancePlanName,
			InsurancePlanID:   r.InsurancePlanID,
			SourceRuleID:      r.ID,
			Closed:            closed,
		})
	}
	return slots
}

// GenerateDay generates the slots of every applicable rule, ordered by time.
// Slots at the same time keep rule order.
func GenerateDay(rules []AvailabilityRule, q SlotQuery, blocks []Block) []Slot {
	var slots []Slot
	for i := range rules {
		slots = append(slots, GenerateSlots(&rules[i], q, blocks)...)
	}
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].Time < slots[j].Time })
	return slots
}
