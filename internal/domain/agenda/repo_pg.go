package agenda

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinica/agenda/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// filterBuilder accumulates AND clauses with positional arguments.
type filterBuilder struct {
	where []string
	args  []interface{}
}

func (f *filterBuilder) add(clause string, arg interface{}) {
	f.args = append(f.args, arg)
	f.where = append(f.where, fmt.Sprintf(clause, len(f.args)))
}

func (f *filterBuilder) raw(clause string) {
	f.where = append(f.where, clause)
}

func (f *filterBuilder) sql() string {
	if len(f.where) == 0 {
		return ""
	}
	return " AND " + strings.Join(f.where, " AND ")
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Rule Repository ===========

type ruleRepoPG struct{ pool *pgxpool.Pool }

func NewRuleRepoPG(pool *pgxpool.Pool) RuleRepository { return &ruleRepoPG{pool: pool} }

func (r *ruleRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const ruleCols = `id, group_id, professional_id, specialty_id, insurance_plan_id, insurance_plan_name,
	valid_from, valid_to, day_of_week, kind, value, active, fixed_slots,
	start_time, end_time, interval_minutes, slots_per_interval, created_at, updated_at`

func (r *ruleRepoPG) scanRule(row pgx.Row) (*AvailabilityRule, error) {
	var ar AvailabilityRule
	var dow int16
	var kind string
	err := row.Scan(&ar.ID, &ar.GroupID, &ar.ProfessionalID, &ar.SpecialtyID, &ar.InsurancePlanID, &ar.InsurancePlanName,
		&ar.ValidFrom, &ar.ValidTo, &dow, &kind, &ar.Value, &ar.Active, &ar.FixedSlots,
		&ar.StartTime, &ar.EndTime, &ar.IntervalMinutes, &ar.SlotsPerInterval, &ar.CreatedAt, &ar.UpdatedAt)
	ar.DayOfWeek = time.Weekday(dow)
	ar.Kind = RuleKind(kind)
	return &ar, err
}

func (r *ruleRepoPG) Create(ctx context.Context, ar *AvailabilityRule) error {
	if ar.ID == uuid.Nil {
		ar.ID = uuid.New()
	}
	fixed := ar.FixedSlots
	if fixed == nil {
		fixed = []FixedSlot{}
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO availability_rule (id, group_id, professional_id, specialty_id, insurance_plan_id,
			insurance_plan_name, valid_from, valid_to, day_of_week, kind, value, active, fixed_slots,
			start_time, end_time, interval_minutes, slots_per_interval)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING created_at, updated_at`,
		ar.ID, ar.GroupID, ar.ProfessionalID, ar.SpecialtyID, ar.InsurancePlanID,
		ar.InsurancePlanName, ar.ValidFrom, ar.ValidTo, int16(ar.DayOfWeek), string(ar.Kind), ar.Value, ar.Active, fixed,
		ar.StartTime, ar.EndTime, ar.IntervalMinutes, ar.SlotsPerInterval,
	).Scan(&ar.CreatedAt, &ar.UpdatedAt)
}

func (r *ruleRepoPG) List(ctx context.Context, f RuleFilter) ([]AvailabilityRule, error) {
	var fb filterBuilder
	if f.ProfessionalID != nil {
		fb.add("professional_id = $%d", *f.ProfessionalID)
	}
	if f.SpecialtyID != nil {
		fb.add("specialty_id = $%d", *f.SpecialtyID)
	}
	switch f.Status {
	case RuleStatusActive:
		fb.add("active AND valid_to >= $%d", f.Today)
	case RuleStatusClosed:
		fb.add("(NOT active OR valid_to < $%d)", f.Today)
	}
	if !f.From.IsZero() {
		fb.add("valid_to >= $%d", f.From)
	}
	if !f.To.IsZero() {
		fb.add("valid_from <= $%d", f.To)
	}

	query := `SELECT ` + ruleCols + ` FROM availability_rule WHERE 1=1` + fb.sql() +
		` ORDER BY professional_id, day_of_week, start_time, created_at`
	return r.query(ctx, query, fb.args...)
}

func (r *ruleRepoPG) ListByGroup(ctx context.Context, groupID uuid.UUID) ([]AvailabilityRule, error) {
	return r.query(ctx, `SELECT `+ruleCols+` FROM availability_rule WHERE group_id = $1 ORDER BY day_of_week, created_at`, groupID)
}

func (r *ruleRepoPG) query(ctx context.Context, query string, args ...interface{}) ([]AvailabilityRule, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []AvailabilityRule
	for rows.Next() {
		ar, err := r.scanRule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *ar)
	}
	return items, rows.Err()
}

func (r *ruleRepoPG) DeleteGroup(ctx context.Context, groupID uuid.UUID) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM availability_rule WHERE group_id = $1`, groupID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// =========== Booking Repository ===========

type bookingRepoPG struct{ pool *pgxpool.Pool }

func NewBookingRepoPG(pool *pgxpool.Pool) BookingRepository { return &bookingRepoPG{pool: pool} }

func (r *bookingRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const bookingCols = `id, professional_id, professional_name, specialty_id, patient_id, patient_name,
	patient_phone, date, time, insurance_plan_id, value, is_walk_in, status, notes,
	reminder_sent, exception_block_id, cancel_reason, created_at, updated_at`

func (r *bookingRepoPG) scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var status string
	err := row.Scan(&b.ID, &b.ProfessionalID, &b.ProfessionalName, &b.SpecialtyID, &b.PatientID, &b.PatientName,
		&b.PatientPhone, &b.Date, &b.Time, &b.InsurancePlanID, &b.Value, &b.IsWalkIn, &status, &b.Notes,
		&b.ReminderSent, &b.ExceptionBlockID, &b.CancelReason, &b.CreatedAt, &b.UpdatedAt)
	b.Status = BookingStatus(status)
	return &b, err
}

func (r *bookingRepoPG) Create(ctx context.Context, b *Booking) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO booking (id, professional_id, professional_name, specialty_id, patient_id, patient_name,
			patient_phone, date, time, insurance_plan_id, value, is_walk_in, status, notes,
			reminder_sent, exception_block_id, cancel_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING created_at, updated_at`,
		b.ID, b.ProfessionalID, b.ProfessionalName, b.SpecialtyID, b.PatientID, b.PatientName,
		b.PatientPhone, b.Date, b.Time, b.InsurancePlanID, b.Value, b.IsWalkIn, string(b.Status), b.Notes,
		b.ReminderSent, b.ExceptionBlockID, b.CancelReason,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
}

func (r *bookingRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	b, err := r.scanBooking(r.conn(ctx).QueryRow(ctx, `SELECT `+bookingCols+` FROM booking WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

func (r *bookingRepoPG) Update(ctx context.Context, b *Booking) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE booking SET date=$2, time=$3, is_walk_in=$4, status=$5, notes=$6, reminder_sent=$7,
			exception_block_id=$8, cancel_reason=$9, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		b.ID, b.Date, b.Time, b.IsWalkIn, string(b.Status), b.Notes, b.ReminderSent,
		b.ExceptionBlockID, b.CancelReason,
	).Scan(&b.UpdatedAt)
	return notFound(err)
}

func (r *bookingRepoPG) List(ctx context.Context, f BookingFilter) ([]Booking, error) {
	var fb filterBuilder
	if f.ProfessionalID != nil {
		fb.add("professional_id = $%d", *f.ProfessionalID)
	}
	if f.SpecialtyID != nil {
		fb.add("specialty_id = $%d", *f.SpecialtyID)
	}
	if !f.From.IsZero() {
		fb.add("date >= $%d", f.From)
	}
	if !f.To.IsZero() {
		fb.add("date <= $%d", f.To)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		fb.add("status = ANY($%d)", statuses)
	}
	if f.ReminderPending {
		fb.raw("reminder_sent = FALSE")
	}
	if f.ExceptionBlockID != nil {
		fb.add("exception_block_id = $%d", *f.ExceptionBlockID)
	}

	query := `SELECT ` + bookingCols + ` FROM booking WHERE 1=1` + fb.sql() + ` ORDER BY date, time, created_at`
	rows, err := r.conn(ctx).Query(ctx, query, fb.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Booking
	for rows.Next() {
		b, err := r.scanBooking(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *b)
	}
	return items, rows.Err()
}

func (r *bookingRepoPG) ClearException(ctx context.Context, blockID uuid.UUID) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE booking SET exception_block_id = NULL, updated_at = NOW() WHERE exception_block_id = $1`, blockID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// =========== Block Repository ===========

type blockRepoPG struct{ pool *pgxpool.Pool }

func NewBlockRepoPG(pool *pgxpool.Pool) BlockRepository { return &blockRepoPG{pool: pool} }

func (r *blockRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const blockCols = `id, professional_id, kind, date_from, date_to, time_from, time_to, reason,
	patient_note, recurring_annually, created_at, updated_at`

func (r *blockRepoPG) scanBlock(row pgx.Row) (*Block, error) {
	var b Block
	var kind string
	err := row.Scan(&b.ID, &b.ProfessionalID, &kind, &b.DateFrom, &b.DateTo, &b.TimeFrom, &b.TimeTo, &b.Reason,
		&b.PatientNote, &b.RecurringAnnually, &b.CreatedAt, &b.UpdatedAt)
	b.Kind = BlockKind(kind)
	return &b, err
}

func (r *blockRepoPG) Create(ctx context.Context, b *Block) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO block (id, professional_id, kind, date_from, date_to, time_from, time_to, reason,
			patient_note, recurring_annually)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		b.ID, b.ProfessionalID, string(b.Kind), b.DateFrom, b.DateTo, b.TimeFrom, b.TimeTo, b.Reason,
		b.PatientNote, b.RecurringAnnually,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
}

func (r *blockRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Block, error) {
	b, err := r.scanBlock(r.conn(ctx).QueryRow(ctx, `SELECT `+blockCols+` FROM block WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

func (r *blockRepoPG) Update(ctx context.Context, b *Block) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE block SET professional_id=$2, kind=$3, date_from=$4, date_to=$5, time_from=$6, time_to=$7,
			reason=$8, patient_note=$9, recurring_annually=$10, updated_at=NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		b.ID, b.ProfessionalID, string(b.Kind), b.DateFrom, b.DateTo, b.TimeFrom, b.TimeTo,
		b.Reason, b.PatientNote, b.RecurringAnnually,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	return notFound(err)
}

func (r *blockRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM block WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *blockRepoPG) List(ctx context.Context, f BlockFilter) ([]Block, error) {
	var fb filterBuilder
	if f.ProfessionalID != nil {
		fb.add("(professional_id IS NULL OR professional_id = $%d)", *f.ProfessionalID)
	}
	if !f.From.IsZero() {
		fb.add("(recurring_annually OR date_to >= $%d)", f.From)
	}
	if !f.To.IsZero() {
		fb.add("(recurring_annually OR date_from <= $%d)", f.To)
	}

	query := `SELECT ` + blockCols + ` FROM block WHERE 1=1` + fb.sql() + ` ORDER BY date_from, time_from`
	rows, err := r.conn(ctx).Query(ctx, query, fb.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Block
	for rows.Next() {
		b, err := r.scanBlock(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *b)
	}
	return items, rows.Err()
}
