package agenda

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/clinica/agenda/internal/platform/notification"
)

// ResolutionAction is the operator's answer to a block conflict.
type ResolutionAction string

const (
	ActionKeep   ResolutionAction = "keep"
	ActionCancel ResolutionAction = "cancel"
)

// ConflictReport lists the scheduled bookings a draft block would overlap.
type ConflictReport struct {
	Conflict bool      `json:"conflict"`
	Count    int       `json:"count"`
	Bookings []Booking `json:"bookings"`
}

func newConflictReport(bookings []Booking) *ConflictReport {
	if bookings == nil {
		bookings = []Booking{}
	}
	return &ConflictReport{Conflict: len(bookings) > 0, Count: len(bookings), Bookings: bookings}
}

// CommitRequest commits a block. Acknowledged holds the booking ids the
// operator saw in the conflict check; any other overlapping booking found at
// commit time rejects the request with ErrConflictChanged.
type CommitRequest struct {
	Block        Block            `json:"block"`
	Action       ResolutionAction `json:"action"`
	Acknowledged []uuid.UUID      `json:"acknowledged"`
}

// NotificationCandidate is a patient to tell about a cancelled booking.
type NotificationCandidate struct {
	BookingID        uuid.UUID `json:"booking_id"`
	PatientName      string    `json:"patient_name"`
	Phone            string    `json:"phone"`
	ProfessionalName string    `json:"professional_name,omitempty"`
	Date             Date      `json:"date"`
	Time             Clock     `json:"time"`
	Message          string    `json:"message"`
}

// Outbound converts the candidate to a dispatchable message.
func (c NotificationCandidate) Outbound() notification.Message {
	return notification.Message{BookingID: c.BookingID, Phone: c.Phone, Body: c.Message}
}

// CommitResult is the outcome of a block commit.
type CommitResult struct {
	Block            Block                   `json:"block"`
	AffectedBookings []Booking               `json:"affected_bookings"`
	Notifications    []NotificationCandidate `json:"notifications"`
}

// ConflictingBookings returns the scheduled bookings that the block covers.
// Bookings already kept as exceptions of the block being edited are left out.
func ConflictingBookings(block Block, bookings []Booking, editing *uuid.UUID) []Booking {
	var out []Booking
	for _, b := range bookings {
		if b.Status != StatusScheduled {
			continue
		}
		if !block.AppliesTo(b.ProfessionalID) || !block.Covers(b.Date, b.Time) {
			continue
		}
		if editing != nil && b.ExceptionBlockID != nil && *b.ExceptionBlockID == *editing {
			continue
		}
		out = append(out, b)
	}
	return out
}

// ---------------------------------------------------------------------------
// BlockResolver
// ---------------------------------------------------------------------------

// ResolverState is a state of the block conflict workflow.
type ResolverState string

const (
	StateDraft                      ResolverState = "draft"
	StateChecking                   ResolverState = "checking"
	StateClear                      ResolverState = "clear"
	StateConflict                   ResolverState = "conflict"
	StateAwaitingResolution         ResolverState = "awaiting_resolution"
	StateKept                       ResolverState = "kept"
	StateCancelled                  ResolverState = "cancelled"
	StateCommitted                  ResolverState = "committed"
	StateCommittedWithCancellations ResolverState = "committed_with_cancellations"
	StateNotificationQueued         ResolverState = "notification_queued"
)

var resolverTransitions = map[ResolverState][]ResolverState{
	StateDraft:                      {StateChecking},
	StateChecking:                   {StateClear, StateConflict, StateDraft},
	StateClear:                      {StateCommitted, StateDraft},
	StateConflict:                   {StateAwaitingResolution},
	StateAwaitingResolution:         {StateKept, StateCancelled},
	StateKept:                       {StateCommitted, StateDraft, StateAwaitingResolution},
	StateCancelled:                  {StateCommittedWithCancellations, StateDraft, StateAwaitingResolution},
	StateCommittedWithCancellations: {StateNotificationQueued},
}

// maxRechecks bounds how often a commit-time conflict re-runs the check.
const maxRechecks = 3

// BlockResolver drives one draft block from check to commit. It is not safe
// for concurrent use.
type BlockResolver struct {
	store    BlockPersistence
	draft    Block
	state    ResolverState
	history  []ResolverState
	report   *ConflictReport
	result   *CommitResult
	queue    []NotificationCandidate
	rechecks int
}

// NewBlockResolver starts the workflow for draft. A draft with an ID edits
// that block.
func NewBlockResolver(store BlockPersistence, draft Block) *BlockResolver {
	draft.Normalize()
	return &BlockResolver{store: store, draft: draft, state: StateDraft, history: []ResolverState{StateDraft}}
}

func (r *BlockResolver) State() ResolverState           { return r.state }
func (r *BlockResolver) History() []ResolverState       { return append([]ResolverState(nil), r.history...) }
func (r *BlockResolver) Report() *ConflictReport        { return r.report }
func (r *BlockResolver) Result() *CommitResult          { return r.result }
func (r *BlockResolver) Queue() []NotificationCandidate { return r.queue }
func (r *BlockResolver) Draft() Block                   { return r.draft }

func (r *BlockResolver) transition(to ResolverState) error {
	for _, allowed := range resolverTransitions[r.state] {
		if allowed == to {
			r.state = to
			r.history = append(r.history, to)
			return nil
		}
	}
	return ErrInvalidTransition
}

func (r *BlockResolver) editing() *uuid.UUID {
	if r.draft.ID == uuid.Nil {
		return nil
	}
	id := r.draft.ID
	return &id
}

// Check runs the conflict check. A clear result commits immediately; a
// conflict leaves the resolver awaiting Resolve.
func (r *BlockResolver) Check(ctx context.Context) error {
	if err := r.transition(StateChecking); err != nil {
		return err
	}
	report, err := r.store.CheckBlockConflict(ctx, r.draft, r.editing())
	if err != nil {
		_ = r.transition(StateDraft)
		return err
	}
	r.report = report
	if !report.Conflict {
		_ = r.transition(StateClear)
		return r.commit(ctx, ActionKeep)
	}
	_ = r.transition(StateConflict)
	return r.transition(StateAwaitingResolution)
}

// Resolve applies the operator's decision and commits. If the bookings
// changed since the check, the check is re-run and the resolver may end up
// awaiting a new decision; inspect State after a nil return.
func (r *BlockResolver) Resolve(ctx context.Context, action ResolutionAction) error {
	if r.state != StateAwaitingResolution {
		return ErrInvalidTransition
	}
	switch action {
	case ActionKeep:
		_ = r.transition(StateKept)
	case ActionCancel:
		_ = r.transition(StateCancelled)
	default:
		return invalid("action", "must be keep or cancel")
	}
	return r.commit(ctx, action)
}

func (r *BlockResolver) commit(ctx context.Context, action ResolutionAction) error {
	ack := make([]uuid.UUID, 0, len(r.report.Bookings))
	for _, b := range r.report.Bookings {
		ack = append(ack, b.ID)
	}
	res, err := r.store.CommitBlock(ctx, CommitRequest{Block: r.draft, Action: action, Acknowledged: ack})
	if errors.Is(err, ErrConflictChanged) {
		r.rechecks++
		_ = r.transition(StateDraft)
		if r.rechecks > maxRechecks {
			return err
		}
		return r.Check(ctx)
	}
	if err != nil {
		if r.report.Conflict {
			_ = r.transition(StateAwaitingResolution)
		} else {
			_ = r.transition(StateDraft)
		}
		return err
	}

	r.result = res
	r.draft = res.Block
	if action == ActionCancel && r.state == StateCancelled {
		_ = r.transition(StateCommittedWithCancellations)
		r.queue = res.Notifications
		return r.transition(StateNotificationQueued)
	}
	return r.transition(StateCommitted)
}

// Dispatch sends the queued notifications selected by bookingIDs (all of
// them when bookingIDs is empty).
func (r *BlockResolver) Dispatch(ctx context.Context, d NotificationDispatch, bookingIDs ...uuid.UUID) ([]notification.Result, error) {
	if r.state != StateNotificationQueued {
		return nil, ErrInvalidTransition
	}
	want := make(map[uuid.UUID]bool, len(bookingIDs))
	for _, id := range bookingIDs {
		want[id] = true
	}
	var msgs []notification.Message
	for _, c := range r.queue {
		if len(want) == 0 || want[c.BookingID] {
			msgs = append(msgs, c.Outbound())
		}
	}
	return d.Dispatch(ctx, msgs), nil
}
