package agenda

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinica/agenda/internal/platform/notification"
)

// RuleStatus filters rules by whether they are still in effect.
type RuleStatus string

const (
	RuleStatusAll    RuleStatus = "all"
	RuleStatusActive RuleStatus = "active"
	RuleStatusClosed RuleStatus = "closed"
)

// RuleFilter narrows a rule listing. Today anchors the active/closed split.
// From/To, when set, keep rules whose validity window overlaps the range.
type RuleFilter struct {
	ProfessionalID *uuid.UUID
	SpecialtyID    *uuid.UUID
	Status         RuleStatus
	Today          Date
	From           Date
	To             Date
}

// RuleRepository stores availability rules.
type RuleRepository interface {
	Create(ctx context.Context, r *AvailabilityRule) error
	List(ctx context.Context, f RuleFilter) ([]AvailabilityRule, error)
	ListByGroup(ctx context.Context, groupID uuid.UUID) ([]AvailabilityRule, error)
	DeleteGroup(ctx context.Context, groupID uuid.UUID) (int, error)
}

// BookingFilter narrows a booking listing. Empty Statuses means any status.
type BookingFilter struct {
	ProfessionalID   *uuid.UUID
	SpecialtyID      *uuid.UUID
	From             Date
	To               Date
	Statuses         []BookingStatus
	ReminderPending  bool
	ExceptionBlockID *uuid.UUID
}

// BookingRepository stores bookings. ClearException detaches every booking
// kept as an exception of the block and returns how many changed.
type BookingRepository interface {
	Create(ctx context.Context, b *Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	Update(ctx context.Context, b *Booking) error
	List(ctx context.Context, f BookingFilter) ([]Booking, error)
	ClearException(ctx context.Context, blockID uuid.UUID) (int, error)
}

// BlockFilter narrows a block listing. A professional filter also returns
// global blocks. Recurring holidays are returned regardless of From/To.
type BlockFilter struct {
	ProfessionalID *uuid.UUID
	From           Date
	To             Date
}

// BlockRepository stores blocks and holidays.
type BlockRepository interface {
	Create(ctx context.Context, b *Block) error
	GetByID(ctx context.Context, id uuid.UUID) (*Block, error)
	Update(ctx context.Context, b *Block) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f BlockFilter) ([]Block, error)
}

// Transactor runs fn in a single database transaction carried by ctx.
// Lock takes a transaction-scoped advisory lock.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	Lock(ctx context.Context, key int64, shared bool) error
}

// CalendarCache stores rendered month calendars. Invalidate drops every
// entry.
type CalendarCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Invalidate(ctx context.Context)
}

// ---------------------------------------------------------------------------
// Collaborator contracts
// ---------------------------------------------------------------------------

// RuleGroupPatch changes every row of a rule group. A non-nil Weekdays
// reshapes the group; an empty list deletes it.
type RuleGroupPatch struct {
	ValidFrom *Date           `json:"valid_from,omitempty"`
	ValidTo   *Date           `json:"valid_to,omitempty"`
	Active    *bool           `json:"active,omitempty"`
	Weekdays  *[]time.Weekday `json:"weekdays,omitempty"`
}

// RulePersistence stores availability rules.
type RulePersistence interface {
	ListRules(ctx context.Context, f RuleFilter) ([]AvailabilityRule, error)
	CreateRuleBatch(ctx context.Context, rules []AvailabilityRule) ([]AvailabilityRule, error)
	UpdateRuleGroup(ctx context.Context, groupID uuid.UUID, patch RuleGroupPatch) ([]AvailabilityRule, error)
	DeleteRuleGroup(ctx context.Context, groupID uuid.UUID) error
}

// BookingPatch changes selected fields of a booking.
type BookingPatch struct {
	Date     *Date          `json:"date,omitempty"`
	Time     *Clock         `json:"time,omitempty"`
	Status   *BookingStatus `json:"status,omitempty"`
	Notes    *string        `json:"notes,omitempty"`
	IsWalkIn *bool          `json:"is_walk_in,omitempty"`
}

// BookingPersistence stores bookings.
type BookingPersistence interface {
	ListBookings(ctx context.Context, f BookingFilter) ([]Booking, error)
	CreateBooking(ctx context.Context, b *Booking) error
	UpdateBooking(ctx context.Context, id uuid.UUID, patch BookingPatch) (*Booking, error)
	CancelBooking(ctx context.Context, id uuid.UUID, reason string) (*Booking, error)
}

// BlockPersistence checks and commits blocks.
type BlockPersistence interface {
	CheckBlockConflict(ctx context.Context, draft Block, editing *uuid.UUID) (*ConflictReport, error)
	CommitBlock(ctx context.Context, req CommitRequest) (*CommitResult, error)
	DeleteBlock(ctx context.Context, id uuid.UUID) error
}

// NotificationDispatch delivers messages and reports per-item outcomes.
type NotificationDispatch interface {
	Dispatch(ctx context.Context, msgs []notification.Message) []notification.Result
}
