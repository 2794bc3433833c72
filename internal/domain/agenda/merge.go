package agenda

import (
	"sort"
	"time"
)

// SlotState is what the operator sees for a merged entry.
type SlotState string

const (
	SlotFree     SlotState = "free"
	SlotOccupied SlotState = "occupied"
	SlotExpired  SlotState = "expired"
)

// MergedSlot is a generated slot reconciled with the bookings of the day.
// Walk-ins have no Slot.
type MergedSlot struct {
	Time      Clock     `json:"time"`
	State     SlotState `json:"state"`
	Slot      *Slot     `json:"slot,omitempty"`
	Booking   *Booking  `json:"booking,omitempty"`
	IsWalkIn  bool      `json:"is_walk_in"`
	Closed    bool      `json:"closed"`
	Exception bool      `json:"exception"`
}

// Clickable reports whether the entry can be booked.
func (m *MergedSlot) Clickable() bool {
	return m.State == SlotFree && !m.Closed
}

// MergeClock anchors past-time checks. A zero Now disables expiry.
type MergeClock struct {
	Date Date
	Now  time.Time
}

func (mc MergeClock) past(c Clock) bool {
	if mc.Now.IsZero() {
		return false
	}
	return mc.Date.At(c, mc.Now.Location()).Before(mc.Now)
}

// Merge reconciles slots with bookings. Each slot takes the first unconsumed
// active booking at the same minute, whether or not it was made as a
// walk-in. Bookings left over are appended as walk-ins. The result is ordered
// by time and Merge(slots, MergedBookings(Merge(slots, b))) equals
// Merge(slots, b).
func Merge(slots []Slot, bookings []Booking, mc MergeClock) []MergedSlot {
	pool := make([]*Booking, 0, len(bookings))
	for i := range bookings {
		if bookings[i].Status.Active() {
			b := bookings[i]
			pool = append(pool, &b)
		}
	}
	consumed := make([]bool, len(pool))

	merged := make([]MergedSlot, 0, len(slots)+len(pool))
	for i := range slots {
		s := slots[i]
		entry := MergedSlot{Time: s.Time, Slot: &s, Closed: s.Closed, State: SlotFree}
		for j, b := range pool {
			if consumed[j] || b.Time != s.Time {
				continue
			}
			consumed[j] = true
			entry.State = SlotOccupied
			entry.Booking = b
			entry.Exception = b.Exception()
			break
		}
		if entry.State == SlotFree && mc.past(s.Time) {
			entry.State = SlotExpired
		}
		merged = append(merged, entry)
	}

	for j, b := range pool {
		if consumed[j] {
			continue
		}
		merged = append(merged, MergedSlot{
			Time:      b.Time,
			State:     SlotOccupied,
			Booking:   b,
			IsWalkIn:  true,
			Exception: b.Exception(),
		})
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Time < merged[j].Time })
	return merged
}

// MergedBookings returns the bookings carried by a merged list, in order.
func MergedBookings(merged []MergedSlot) []Booking {
	var out []Booking
	for _, m := range merged {
		if m.Booking != nil {
			out = append(out, *m.Booking)
		}
	}
	return out
}

// FreeAt counts the clickable entries at time c.
func FreeAt(merged []MergedSlot, c Clock) int {
	n := 0
	for i := range merged {
		if merged[i].Time == c && merged[i].Clickable() {
			n++
		}
	}
	return n
}
