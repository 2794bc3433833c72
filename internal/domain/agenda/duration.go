package agenda

// DurationMode selects which side of the start/end/interval/quantity relation
// is derived.
type DurationMode string

const (
	// ComputeEnd derives the end time from start, interval and quantity.
	ComputeEnd DurationMode = "compute_end"
	// ComputeQuantity derives the quantity from start, end and interval.
	ComputeQuantity DurationMode = "compute_quantity"
)

// DurationInput is both the input and the output of Calculate.
type DurationInput struct {
	Start           Clock        `json:"start_time"`
	End             Clock        `json:"end_time"`
	IntervalMinutes int          `json:"interval_minutes"`
	Quantity        int          `json:"quantity"`
	Mode            DurationMode `json:"mode"`
}

// Calculate fills the derived field of in. Feeding the result back in yields
// the same result.
func Calculate(in DurationInput) DurationInput {
	out := in
	switch in.Mode {
	case ComputeEnd:
		interval, qty := max(in.IntervalMinutes, 0), max(in.Quantity, 0)
		end := int(in.Start) + interval*qty
		if end > int(EndOfDay) {
			end = int(EndOfDay)
		}
		out.End = Clock(end)
	case ComputeQuantity:
		out.Quantity = QuantityBetween(in.Start, in.End, in.IntervalMinutes)
	}
	return out
}

// QuantityBetween returns how many whole intervals fit in [start, end).
func QuantityBetween(start, end Clock, intervalMinutes int) int {
	if end <= start || intervalMinutes <= 0 {
		return 0
	}
	return int(end-start) / intervalMinutes
}

// Changed reports whether next differs from prev in the minute-normalized
// fields, i.e. whether a recompute needs to be written back.
func Changed(prev, next DurationInput) bool {
	return prev.Start != next.Start || prev.End != next.End ||
		prev.IntervalMinutes != next.IntervalMinutes || prev.Quantity != next.Quantity
}
