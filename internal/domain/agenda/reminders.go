package agenda

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinica/agenda/internal/platform/notification"
)

// ReminderReport summarizes one reminder run.
type ReminderReport struct {
	Date       Date                  `json:"date"`
	Candidates int                   `json:"candidates"`
	Sent       int                   `json:"sent"`
	Failed     int                   `json:"failed"`
	Skipped    int                   `json:"skipped"`
	Results    []notification.Result `json:"results"`
}

// SendReminders messages every patient with a scheduled booking on date that
// has not been reminded yet. Bookings without a phone are skipped. Only
// delivered reminders are marked sent, so a later run retries the rest.
func (s *Service) SendReminders(ctx context.Context, date Date) (*ReminderReport, error) {
	if date.IsZero() {
		return nil, invalid("date", "is required")
	}
	if s.dispatch == nil {
		return nil, ErrNoDispatcher
	}
	bookings, err := s.bookings.List(ctx, BookingFilter{
		From:            date,
		To:              date,
		Statuses:        []BookingStatus{StatusScheduled},
		ReminderPending: true,
	})
	if err != nil {
		return nil, persistence("list bookings", err)
	}

	report := &ReminderReport{Date: date, Candidates: len(bookings), Results: []notification.Result{}}
	byID := make(map[uuid.UUID]*Booking, len(bookings))
	msgs := make([]notification.Message, 0, len(bookings))
	for i := range bookings {
		b := &bookings[i]
		if b.PatientPhone == "" {
			report.Skipped++
			continue
		}
		body, err := s.templates.Render(notification.TemplateReminder, s.messageData(b, ""))
		if err != nil {
			return nil, err
		}
		byID[b.ID] = b
		msgs = append(msgs, notification.Message{BookingID: b.ID, Phone: b.PatientPhone, Body: body})
	}
	if len(msgs) == 0 {
		return report, nil
	}

	results := s.dispatch.Dispatch(ctx, msgs)
	report.Results = results
	for _, r := range results {
		if !r.OK {
			report.Failed++
			continue
		}
		report.Sent++
		b, ok := byID[r.BookingID]
		if !ok {
			continue
		}
		b.ReminderSent = true
		if err := s.bookings.Update(ctx, b); err != nil {
			s.logger.Error().Err(err).Str("booking_id", b.ID.String()).Msg("failed to mark reminder sent")
		}
	}

	s.logger.Info().
		Str("date", date.String()).
		Int("candidates", report.Candidates).
		Int("sent", report.Sent).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Msg("reminders sent")
	return report, nil
}

// RunDailyReminders sends the reminders for tomorrow's bookings.
func (s *Service) RunDailyReminders(ctx context.Context) error {
	_, err := s.SendReminders(ctx, s.Today().AddDays(1))
	return err
}
