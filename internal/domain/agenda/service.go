package agenda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinica/agenda/internal/platform/db"
	"github.com/clinica/agenda/internal/platform/notification"
)

var (
	_ RulePersistence      = (*Service)(nil)
	_ BookingPersistence   = (*Service)(nil)
	_ BlockPersistence     = (*Service)(nil)
	_ NotificationDispatch = (*Service)(nil)
)

const defaultCalendarTTL = 10 * time.Minute

// ClinicInfo is printed in patient messages.
type ClinicInfo struct {
	Name    string
	Address string
}

// Service runs the agenda operations against the repositories. Writes that
// affect admission run inside a transaction holding the clinic schedule lock.
type Service struct {
	rules    RuleRepository
	bookings BookingRepository
	blocks   BlockRepository
	tx       Transactor

	dispatch    NotificationDispatch
	templates   *notification.TemplateEngine
	cache       CalendarCache
	cacheTTL    time.Duration
	logger      zerolog.Logger
	loc         *time.Location
	now         func() time.Time
	clinic      ClinicInfo
	confirmBook bool
}

// Option configures a Service.
type Option func(*Service)

// WithDispatcher sets where patient messages are delivered.
func WithDispatcher(d NotificationDispatch) Option {
	return func(s *Service) { s.dispatch = d }
}

// WithCache caches month calendars for ttl.
func WithCache(c CalendarCache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithLogger sets the service logger. The default discards output.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithLocation sets the clinic time zone used for "today" and expiry.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithClinic sets the clinic name and address used in messages.
func WithClinic(info ClinicInfo) Option {
	return func(s *Service) { s.clinic = info }
}

// WithBookingConfirmation sends a confirmation message on every new booking.
func WithBookingConfirmation(on bool) Option {
	return func(s *Service) { s.confirmBook = on }
}

// NewService returns a Service over the given repositories.
func NewService(rules RuleRepository, bookings BookingRepository, blocks BlockRepository, tx Transactor, opts ...Option) *Service {
	s := &Service{
		rules:     rules,
		bookings:  bookings,
		blocks:    blocks,
		tx:        tx,
		templates: notification.NewTemplateEngine(),
		cacheTTL:  defaultCalendarTTL,
		logger:    zerolog.Nop(),
		loc:       time.UTC,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Today returns the current date in the clinic time zone.
func (s *Service) Today() Date {
	return DateOf(s.now().In(s.loc))
}

func (s *Service) localNow() time.Time {
	return s.now().In(s.loc)
}

// scheduleLockKey is the advisory lock guarding the booking set of a clinic.
func scheduleLockKey(ctx context.Context) int64 {
	h := fnv.New64a()
	h.Write([]byte("agenda:schedule:" + db.ClinicFromContext(ctx)))
	return int64(h.Sum64())
}

func (s *Service) invalidateCalendar(ctx context.Context) {
	if s.cache != nil {
		s.cache.Invalidate(ctx)
	}
}

// -- Rules --

var validRuleStatuses = map[RuleStatus]bool{
	RuleStatusAll: true, RuleStatusActive: true, RuleStatusClosed: true,
}

// ListRules lists availability rules matching f.
func (s *Service) ListRules(ctx context.Context, f RuleFilter) ([]AvailabilityRule, error) {
	if f.Status == "" {
		f.Status = RuleStatusAll
	}
	if !validRuleStatuses[f.Status] {
		return nil, invalid("status", "must be all, active or closed")
	}
	if f.Today.IsZero() {
		f.Today = s.Today()
	}
	items, err := s.rules.List(ctx, f)
	if err != nil {
		return nil, persistence("list rules", err)
	}
	return items, nil
}

// CreateRuleBatch stores rules in one transaction. Rules without a group
// join a new shared group. Any failure rolls the whole batch back.
func (s *Service) CreateRuleBatch(ctx context.Context, rules []AvailabilityRule) ([]AvailabilityRule, error) {
	if len(rules) == 0 {
		return nil, invalid("rules", "at least one rule is required")
	}
	groupID := uuid.New()
	batch := make([]AvailabilityRule, len(rules))
	copy(batch, rules)
	for i := range batch {
		if batch[i].GroupID == uuid.Nil {
			batch[i].GroupID = groupID
		}
		if err := batch[i].Validate(); err != nil {
			return nil, err
		}
	}

	written := 0
	var itemErr error
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		for i := range batch {
			if err := s.rules.Create(ctx, &batch[i]); err != nil {
				itemErr = err
				return err
			}
			written++
		}
		return nil
	})
	if err != nil {
		failure := &PartialBatchFailure{
			Succeeded:  append([]AvailabilityRule{}, batch[:written]...),
			RolledBack: true,
			Cause:      err,
		}
		for i := written; i < len(batch); i++ {
			reason := ErrBatchAborted.Error()
			if i == written && itemErr != nil {
				reason = itemErr.Error()
			}
			failure.Failed = append(failure.Failed, BatchItemError{Rule: batch[i], Error: reason})
		}
		s.logger.Error().Err(err).Int("written", written).Int("total", len(batch)).Msg("rule batch rolled back")
		return nil, failure
	}

	s.invalidateCalendar(ctx)
	s.logger.Info().Str("group_id", batch[0].GroupID.String()).Int("rules", len(batch)).Msg("rule batch created")
	return batch, nil
}

// UpdateRuleGroup rewrites every row of a group. A weekday change keeps each
// distinct rule shape of the group and lays it out on the new weekdays; an
// empty weekday list deletes the group.
func (s *Service) UpdateRuleGroup(ctx context.Context, groupID uuid.UUID, patch RuleGroupPatch) ([]AvailabilityRule, error) {
	existing, err := s.rules.ListByGroup(ctx, groupID)
	if err != nil {
		return nil, persistence("load rule group", err)
	}
	if len(existing) == 0 {
		return nil, ErrNotFound
	}
	if patch.Weekdays != nil && len(*patch.Weekdays) == 0 {
		if err := s.DeleteRuleGroup(ctx, groupID); err != nil {
			return nil, err
		}
		return []AvailabilityRule{}, nil
	}

	var shapes []AvailabilityRule
	var weekdays []time.Weekday
	seenDay := map[time.Weekday]bool{}
	for i := range existing {
		r := existing[i]
		if !seenDay[r.DayOfWeek] {
			seenDay[r.DayOfWeek] = true
			weekdays = append(weekdays, r.DayOfWeek)
		}
		dup := false
		for j := range shapes {
			if shapes[j].sameShape(&r) {
				dup = true
				break
			}
		}
		if !dup {
			shapes = append(shapes, r)
		}
	}
	if patch.Weekdays != nil {
		weekdays = *patch.Weekdays
	}

	base := existing[0]
	validFrom, validTo, active := base.ValidFrom, base.ValidTo, base.Active
	if patch.ValidFrom != nil {
		validFrom = *patch.ValidFrom
	}
	if patch.ValidTo != nil {
		validTo = *patch.ValidTo
	}
	if patch.Active != nil {
		active = *patch.Active
	}

	updated := make([]AvailabilityRule, 0, len(shapes)*len(weekdays))
	for _, shape := range shapes {
		for _, wd := range weekdays {
			r := shape
			r.ID = uuid.Nil
			r.DayOfWeek = wd
			r.ValidFrom, r.ValidTo, r.Active = validFrom, validTo, active
			if err := r.Validate(); err != nil {
				return nil, err
			}
			updated = append(updated, r)
		}
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.rules.DeleteGroup(ctx, groupID); err != nil {
			return err
		}
		for i := range updated {
			if err := s.rules.Create(ctx, &updated[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, persistence("update rule group", err)
	}
	s.invalidateCalendar(ctx)
	s.logger.Info().Str("group_id", groupID.String()).Int("rules", len(updated)).Msg("rule group updated")
	return updated, nil
}

// DeleteRuleGroup deletes every row of a group. Bookings are kept.
func (s *Service) DeleteRuleGroup(ctx context.Context, groupID uuid.UUID) error {
	n, err := s.rules.DeleteGroup(ctx, groupID)
	if err != nil {
		return persistence("delete rule group", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.invalidateCalendar(ctx)
	s.logger.Info().Str("group_id", groupID.String()).Int("rules", n).Msg("rule group deleted")
	return nil
}

// GroupConflictCount counts the future scheduled bookings that fall on the
// days a rule group serves, i.e. the bookings an edit or delete would orphan.
func (s *Service) GroupConflictCount(ctx context.Context, groupID uuid.UUID) (int, error) {
	group, err := s.rules.ListByGroup(ctx, groupID)
	if err != nil {
		return 0, persistence("load rule group", err)
	}
	if len(group) == 0 {
		return 0, ErrNotFound
	}
	base := group[0]
	from := base.ValidFrom
	if today := s.Today(); from.Before(today) {
		from = today
	}
	if base.ValidTo.Before(from) {
		return 0, nil
	}
	days := map[time.Weekday]bool{}
	for _, r := range group {
		days[r.DayOfWeek] = true
	}
	spec := base.SpecialtyID
	bookings, err := s.bookings.List(ctx, BookingFilter{
		ProfessionalID: &base.ProfessionalID,
		SpecialtyID:    &spec,
		From:           from,
		To:             base.ValidTo,
		Statuses:       []BookingStatus{StatusScheduled},
	})
	if err != nil {
		return 0, persistence("list bookings", err)
	}
	n := 0
	for _, b := range bookings {
		if days[b.Date.Weekday()] {
			n++
		}
	}
	return n, nil
}

// -- Day view and calendar --

// DayViewQuery selects one professional's day.
type DayViewQuery struct {
	Date           Date
	ProfessionalID uuid.UUID
	SpecialtyID    *uuid.UUID
	ShowInactive   bool
}

// DayView is the merged agenda of one day.
type DayView struct {
	Date   Date         `json:"date"`
	Status DayStatus    `json:"status"`
	Slots  []MergedSlot `json:"slots"`
}

type dayData struct {
	rules    []AvailabilityRule
	blocks   []Block
	bookings []Booking
}

func (s *Service) loadDay(ctx context.Context, d Date, professionalID uuid.UUID, specialtyID *uuid.UUID) (*dayData, error) {
	rules, err := s.rules.List(ctx, RuleFilter{ProfessionalID: &professionalID, SpecialtyID: specialtyID, Status: RuleStatusAll, From: d, To: d})
	if err != nil {
		return nil, persistence("list rules", err)
	}
	blocks, err := s.blocks.List(ctx, BlockFilter{ProfessionalID: &professionalID, From: d, To: d})
	if err != nil {
		return nil, persistence("list blocks", err)
	}
	bookings, err := s.bookings.List(ctx, BookingFilter{ProfessionalID: &professionalID, SpecialtyID: specialtyID, From: d, To: d})
	if err != nil {
		return nil, persistence("list bookings", err)
	}
	return &dayData{rules: rules, blocks: blocks, bookings: bookings}, nil
}

// DayView generates the slots of a day and merges them with its bookings.
func (s *Service) DayView(ctx context.Context, q DayViewQuery) (*DayView, error) {
	if q.ProfessionalID == uuid.Nil {
		return nil, invalid("professional_id", "is required")
	}
	if q.Date.IsZero() {
		return nil, invalid("date", "is required")
	}
	data, err := s.loadDay(ctx, q.Date, q.ProfessionalID, q.SpecialtyID)
	if err != nil {
		return nil, err
	}
	status := Classify(DayQuery{Date: q.Date, ProfessionalID: q.ProfessionalID, SpecialtyID: q.SpecialtyID}, data.rules, data.blocks)
	slots := GenerateDay(data.rules, SlotQuery{
		Date:           q.Date,
		ProfessionalID: q.ProfessionalID,
		SpecialtyID:    q.SpecialtyID,
		ShowInactive:   q.ShowInactive,
	}, data.blocks)
	merged := Merge(slots, data.bookings, MergeClock{Date: q.Date, Now: s.localNow()})
	if merged == nil {
		merged = []MergedSlot{}
	}
	return &DayView{Date: q.Date, Status: status, Slots: merged}, nil
}

func calendarKey(ctx context.Context, professionalID uuid.UUID, specialtyID *uuid.UUID, month Date) string {
	spec := "*"
	if specialtyID != nil {
		spec = specialtyID.String()
	}
	return fmt.Sprintf("%s:%s:%s:%s", db.ClinicFromContext(ctx), professionalID, spec, month.Format("2006-01"))
}

// MonthCalendar classifies every day of the month containing month.
func (s *Service) MonthCalendar(ctx context.Context, professionalID uuid.UUID, specialtyID *uuid.UUID, month Date) ([]DayMarker, error) {
	if professionalID == uuid.Nil {
		return nil, invalid("professional_id", "is required")
	}
	if month.IsZero() {
		return nil, invalid("month", "is required")
	}
	first := NewDate(month.Year(), month.Month(), 1)
	key := calendarKey(ctx, professionalID, specialtyID, first)
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var markers []DayMarker
			if err := json.Unmarshal(raw, &markers); err == nil {
				return markers, nil
			}
		}
	}

	last := NewDate(first.Year(), first.Month()+1, 1).AddDays(-1)
	rules, err := s.rules.List(ctx, RuleFilter{ProfessionalID: &professionalID, SpecialtyID: specialtyID, Status: RuleStatusAll, From: first, To: last})
	if err != nil {
		return nil, persistence("list rules", err)
	}
	blocks, err := s.blocks.List(ctx, BlockFilter{ProfessionalID: &professionalID, From: first, To: last})
	if err != nil {
		return nil, persistence("list blocks", err)
	}
	markers := MonthCalendar(first, professionalID, specialtyID, rules, blocks)

	if s.cache != nil {
		if raw, err := json.Marshal(markers); err == nil {
			s.cache.Set(ctx, key, raw, s.cacheTTL)
		}
	}
	return markers, nil
}

// -- Bookings --

// ListBookings lists bookings matching f, ordered by date and time.
func (s *Service) ListBookings(ctx context.Context, f BookingFilter) ([]Booking, error) {
	items, err := s.bookings.List(ctx, f)
	if err != nil {
		return nil, persistence("list bookings", err)
	}
	return items, nil
}

// GetBooking returns ErrNotFound when no booking has id.
func (s *Service) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	b, err := s.bookings.GetByID(ctx, id)
	if err != nil {
		return nil, persistence("get booking", err)
	}
	return b, nil
}

func validateBooking(b *Booking) error {
	if b.ProfessionalID == uuid.Nil {
		return invalid("professional_id", "is required")
	}
	if b.SpecialtyID == uuid.Nil {
		return invalid("specialty_id", "is required")
	}
	if b.PatientName == "" {
		return invalid("patient_name", "is required")
	}
	if b.Date.IsZero() {
		return invalid("date", "is required")
	}
	if !b.Time.Valid() {
		return invalid("time", "out of range")
	}
	if !validBookingStatuses[b.Status] {
		return invalid("status", "unknown booking status")
	}
	if b.Value.IsNegative() {
		return invalid("value", "must not be negative")
	}
	return nil
}

// admit checks that b may hold its date and time. It runs inside the
// transaction holding the shared schedule lock. A booking being moved is
// left out of the capacity count.
func (s *Service) admit(ctx context.Context, b *Booking, moving uuid.UUID) error {
	data, err := s.loadDay(ctx, b.Date, b.ProfessionalID, &b.SpecialtyID)
	if err != nil {
		return err
	}
	at := b.Time
	status := Classify(DayQuery{Date: b.Date, ProfessionalID: b.ProfessionalID, SpecialtyID: &b.SpecialtyID, At: &at}, data.rules, data.blocks)
	switch status {
	case DayHoliday, DayBlocked:
		return ErrDayClosed
	case DayExhausted, DayNoRule:
		if !b.IsWalkIn {
			return ErrDayClosed
		}
	}

	today := s.Today()
	if b.Date.Before(today) {
		return ErrSlotExpired
	}
	if !b.IsWalkIn && b.Date.At(b.Time, s.loc).Before(s.localNow()) {
		return ErrSlotExpired
	}
	if b.IsWalkIn {
		return nil
	}

	others := data.bookings[:0:0]
	for _, o := range data.bookings {
		if o.ID != moving {
			others = append(others, o)
		}
	}
	slots := GenerateDay(data.rules, SlotQuery{Date: b.Date, ProfessionalID: b.ProfessionalID, SpecialtyID: &b.SpecialtyID}, data.blocks)
	merged := Merge(slots, others, MergeClock{Date: b.Date})
	for i := range merged {
		m := &merged[i]
		if m.Time != b.Time || !m.Clickable() {
			continue
		}
		if b.Value.IsZero() {
			b.Value = m.Slot.Value
		}
		if b.InsurancePlanID == nil {
			b.InsurancePlanID = m.Slot.InsurancePlanID
		}
		return nil
	}
	return ErrSlotUnavailable
}

// CreateBooking admits and stores a booking. Regular bookings need a free
// slot; walk-ins only need an open day.
func (s *Service) CreateBooking(ctx context.Context, b *Booking) error {
	if b.Status == "" {
		b.Status = StatusScheduled
	}
	if err := validateBooking(b); err != nil {
		return err
	}
	if !b.Status.Active() {
		return invalid("status", "a new booking cannot be cancelled")
	}
	b.ExceptionBlockID = nil
	b.ReminderSent = false

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.tx.Lock(ctx, scheduleLockKey(ctx), true); err != nil {
			return err
		}
		if err := s.admit(ctx, b, uuid.Nil); err != nil {
			return err
		}
		return s.bookings.Create(ctx, b)
	})
	if err != nil {
		return persistence("create booking", err)
	}
	s.logger.Info().Str("booking_id", b.ID.String()).Str("date", b.Date.String()).Str("time", b.Time.String()).Msg("booking created")

	if s.confirmBook && s.dispatch != nil && b.PatientPhone != "" {
		s.sendConfirmation(ctx, b)
	}
	return nil
}

func (s *Service) sendConfirmation(ctx context.Context, b *Booking) {
	body, err := s.templates.Render(notification.TemplateBookingConfirmation, s.messageData(b, ""))
	if err != nil {
		s.logger.Error().Err(err).Msg("render booking confirmation")
		return
	}
	results := s.dispatch.Dispatch(ctx, []notification.Message{{BookingID: b.ID, Phone: b.PatientPhone, Body: body}})
	for _, r := range results {
		if !r.OK {
			s.logger.Warn().Str("booking_id", b.ID.String()).Str("error", r.Error).Msg("booking confirmation not delivered")
		}
	}
}

// UpdateBooking applies patch. Moving an active booking, or bringing a
// cancelled one back to an active status, re-runs admission for its date
// and time.
func (s *Service) UpdateBooking(ctx context.Context, id uuid.UUID, patch BookingPatch) (*Booking, error) {
	var out *Booking
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.tx.Lock(ctx, scheduleLockKey(ctx), true); err != nil {
			return err
		}
		b, err := s.bookings.GetByID(ctx, id)
		if err != nil {
			return err
		}
		wasActive := b.Status.Active()
		moved := false
		if patch.Date != nil && !patch.Date.Equal(b.Date) {
			b.Date, moved = *patch.Date, true
		}
		if patch.Time != nil && *patch.Time != b.Time {
			b.Time, moved = *patch.Time, true
		}
		if patch.IsWalkIn != nil && *patch.IsWalkIn != b.IsWalkIn {
			b.IsWalkIn, moved = *patch.IsWalkIn, true
		}
		if patch.Status != nil {
			b.Status = *patch.Status
		}
		if patch.Notes != nil {
			b.Notes = *patch.Notes
		}
		if err := validateBooking(b); err != nil {
			return err
		}
		reactivated := !wasActive && b.Status.Active()
		if (moved || reactivated) && b.Status.Active() {
			b.ExceptionBlockID = nil
			b.ReminderSent = false
			if err := s.admit(ctx, b, b.ID); err != nil {
				return err
			}
		}
		if err := s.bookings.Update(ctx, b); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, persistence("update booking", err)
	}
	return out, nil
}

// CancelBooking cancels a booking. Cancelling twice is a no-op.
func (s *Service) CancelBooking(ctx context.Context, id uuid.UUID, reason string) (*Booking, error) {
	b, err := s.bookings.GetByID(ctx, id)
	if err != nil {
		return nil, persistence("get booking", err)
	}
	if b.Status == StatusCancelled {
		return b, nil
	}
	b.Status = StatusCancelled
	b.CancelReason = reason
	b.ExceptionBlockID = nil
	if err := s.bookings.Update(ctx, b); err != nil {
		return nil, persistence("cancel booking", err)
	}
	s.logger.Info().Str("booking_id", id.String()).Msg("booking cancelled")
	return b, nil
}

// -- Blocks --

// ListBlocks lists blocks and holidays matching f.
func (s *Service) ListBlocks(ctx context.Context, f BlockFilter) ([]Block, error) {
	items, err := s.blocks.List(ctx, f)
	if err != nil {
		return nil, persistence("list blocks", err)
	}
	return items, nil
}

// GetBlock returns ErrNotFound when no block has id.
func (s *Service) GetBlock(ctx context.Context, id uuid.UUID) (*Block, error) {
	b, err := s.blocks.GetByID(ctx, id)
	if err != nil {
		return nil, persistence("get block", err)
	}
	return b, nil
}

// prepareBlock normalizes and validates a draft. Edits must target an
// existing block and are exempt from the no-past-start rule.
func (s *Service) prepareBlock(ctx context.Context, draft *Block) error {
	draft.Normalize()
	isNew := draft.ID == uuid.Nil
	if !isNew {
		if _, err := s.blocks.GetByID(ctx, draft.ID); err != nil {
			return err
		}
	}
	return draft.Validate(s.Today(), isNew)
}

// blockCandidates lists the scheduled bookings that could fall under the
// block. Recurring holidays look at every future date.
func (s *Service) blockCandidates(ctx context.Context, b Block) ([]Booking, error) {
	f := BookingFilter{ProfessionalID: b.ProfessionalID, From: b.DateFrom, To: b.DateTo, Statuses: []BookingStatus{StatusScheduled}}
	if b.RecurringAnnually {
		f.From, f.To = s.Today(), Date{}
	}
	return s.bookings.List(ctx, f)
}

// CheckBlockConflict reports the scheduled bookings the draft would cover.
// editing, when set, names the block being edited.
func (s *Service) CheckBlockConflict(ctx context.Context, draft Block, editing *uuid.UUID) (*ConflictReport, error) {
	if editing != nil {
		draft.ID = *editing
	}
	if err := s.prepareBlock(ctx, &draft); err != nil {
		return nil, persistence("check block", err)
	}
	candidates, err := s.blockCandidates(ctx, draft)
	if err != nil {
		return nil, persistence("list bookings", err)
	}
	var editingID *uuid.UUID
	if draft.ID != uuid.Nil {
		editingID = &draft.ID
	}
	return newConflictReport(ConflictingBookings(draft, candidates, editingID)), nil
}

// CommitBlock re-checks conflicts under the exclusive schedule lock and
// stores the block. Overlapping bookings the operator did not acknowledge
// reject the commit with ErrConflictChanged. On an edit, bookings already
// kept as exceptions of the block are not conflicts and keep their status
// whatever the action.
func (s *Service) CommitBlock(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	if req.Action == "" {
		req.Action = ActionKeep
	}
	if req.Action != ActionKeep && req.Action != ActionCancel {
		return nil, invalid("action", "must be keep or cancel")
	}
	block := req.Block
	if err := s.prepareBlock(ctx, &block); err != nil {
		return nil, persistence("commit block", err)
	}
	isNew := block.ID == uuid.Nil
	if isNew {
		block.ID = uuid.New()
	}
	acked := make(map[uuid.UUID]bool, len(req.Acknowledged))
	for _, id := range req.Acknowledged {
		acked[id] = true
	}

	result := &CommitResult{AffectedBookings: []Booking{}, Notifications: []NotificationCandidate{}}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.tx.Lock(ctx, scheduleLockKey(ctx), false); err != nil {
			return err
		}
		candidates, err := s.blockCandidates(ctx, block)
		if err != nil {
			return err
		}
		var editing *uuid.UUID
		if !isNew {
			editing = &block.ID
		}
		conflicts := ConflictingBookings(block, candidates, editing)
		for _, b := range conflicts {
			if !acked[b.ID] {
				return ErrConflictChanged
			}
		}

		if isNew {
			err = s.blocks.Create(ctx, &block)
		} else {
			err = s.blocks.Update(ctx, &block)
		}
		if err != nil {
			return err
		}

		if !isNew {
			if err := s.releaseUncovered(ctx, block); err != nil {
				return err
			}
		}

		for i := range conflicts {
			b := conflicts[i]
			switch req.Action {
			case ActionKeep:
				id := block.ID
				b.ExceptionBlockID = &id
			case ActionCancel:
				b.Status = StatusCancelled
				b.CancelReason = cancelReasonFor(block)
				b.ExceptionBlockID = nil
			}
			if err := s.bookings.Update(ctx, &b); err != nil {
				return err
			}
			result.AffectedBookings = append(result.AffectedBookings, b)
			if req.Action == ActionCancel {
				result.Notifications = append(result.Notifications, s.cancellationCandidate(block, b))
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflictChanged) {
			s.logger.Info().Str("block_id", block.ID.String()).Msg("block commit rejected, bookings changed")
		}
		return nil, persistence("commit block", err)
	}

	result.Block = block
	s.invalidateCalendar(ctx)
	s.logger.Info().
		Str("block_id", block.ID.String()).
		Str("action", string(req.Action)).
		Int("affected", len(result.AffectedBookings)).
		Msg("block committed")
	return result, nil
}

// releaseUncovered clears the exception flag of bookings the edited block no
// longer covers.
func (s *Service) releaseUncovered(ctx context.Context, block Block) error {
	id := block.ID
	kept, err := s.bookings.List(ctx, BookingFilter{ExceptionBlockID: &id})
	if err != nil {
		return err
	}
	for i := range kept {
		b := kept[i]
		if block.AppliesTo(b.ProfessionalID) && block.Covers(b.Date, b.Time) {
			continue
		}
		b.ExceptionBlockID = nil
		if err := s.bookings.Update(ctx, &b); err != nil {
			return err
		}
	}
	return nil
}

func cancelReasonFor(block Block) string {
	if block.Reason != "" {
		return block.Reason
	}
	if block.Kind == BlockKindHoliday {
		return "holiday"
	}
	return "agenda blocked"
}

func (s *Service) cancellationCandidate(block Block, b Booking) NotificationCandidate {
	msg := block.PatientNote
	if msg == "" {
		note := ""
		if block.Reason != "" {
			note = "Reason: " + block.Reason + "."
		}
		rendered, err := s.templates.Render(notification.TemplateBlockCancellation, s.messageData(&b, note))
		if err == nil {
			msg = rendered
		}
	}
	return NotificationCandidate{
		BookingID:        b.ID,
		PatientName:      b.PatientName,
		Phone:            b.PatientPhone,
		ProfessionalName: b.ProfessionalName,
		Date:             b.Date,
		Time:             b.Time,
		Message:          msg,
	}
}

func (s *Service) messageData(b *Booking, note string) map[string]string {
	return map[string]string{
		"patient_name": b.PatientName,
		"date":         b.Date.Format("02/01/2006"),
		"time":         b.Time.String(),
		"professional": b.ProfessionalName,
		"clinic":       s.clinic.Name,
		"address":      s.clinic.Address,
		"note":         note,
	}
}

// DeleteBlock removes a block and clears the exception flags pointing at it.
func (s *Service) DeleteBlock(ctx context.Context, id uuid.UUID) error {
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.bookings.ClearException(ctx, id); err != nil {
			return err
		}
		return s.blocks.Delete(ctx, id)
	})
	if err != nil {
		return persistence("delete block", err)
	}
	s.invalidateCalendar(ctx)
	s.logger.Info().Str("block_id", id.String()).Msg("block deleted")
	return nil
}

// -- Notifications --

// Dispatch delivers messages through the configured dispatcher. Without one
// every message fails.
func (s *Service) Dispatch(ctx context.Context, msgs []notification.Message) []notification.Result {
	if s.dispatch == nil {
		results := make([]notification.Result, len(msgs))
		for i, m := range msgs {
			results[i] = notification.Result{BookingID: m.BookingID, Phone: m.Phone, Error: ErrNoDispatcher.Error()}
		}
		return results
	}
	results := s.dispatch.Dispatch(ctx, msgs)
	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	s.logger.Info().Int("messages", len(msgs)).Int("failed", failed).Msg("notifications dispatched")
	return results
}

// DispatchNotifications is Dispatch for callers that need to know whether
// delivery is configured at all.
func (s *Service) DispatchNotifications(ctx context.Context, msgs []notification.Message) ([]notification.Result, error) {
	if s.dispatch == nil {
		return nil, ErrNoDispatcher
	}
	for i, m := range msgs {
		if m.Body == "" {
			return nil, invalid(fmt.Sprintf("messages[%d].message", i), "is required")
		}
	}
	return s.Dispatch(ctx, msgs), nil
}
