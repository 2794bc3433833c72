// Package notification renders patient messages and delivers them over
// WhatsApp, either directly or through an asynq queue.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// Message is one outbound patient message.
type Message struct {
	BookingID uuid.UUID `json:"booking_id"`
	Phone     string    `json:"phone"`
	Body      string    `json:"message"`
}

// Result is the delivery outcome of one Message.
type Result struct {
	BookingID uuid.UUID  `json:"booking_id"`
	Phone     string     `json:"phone"`
	OK        bool       `json:"ok"`
	Error     string     `json:"error,omitempty"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// ---------------------------------------------------------------------------
// Sender
// ---------------------------------------------------------------------------

// Sender delivers a text message to a normalized phone number.
type Sender interface {
	SendText(ctx context.Context, phone, text string) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Built-in template ids.
const (
	TemplateBlockCancellation   = "block-cancellation"
	TemplateBookingConfirmation = "booking-confirmation"
	TemplateReminder            = "appointment-reminder"
)

// Template defines a reusable message body with {{key}} placeholders.
type Template struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Body string `json:"body"`
}

// TemplateEngine manages message templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:   TemplateBlockCancellation,
			Name: "Booking cancelled by a block",
			Body: "Hello, *{{patient_name}}*. Your appointment on *{{date}}* at *{{time}}* with {{professional}} at {{clinic}} was cancelled. {{note}}",
		},
		{
			ID:   TemplateBookingConfirmation,
			Name: "Booking confirmation",
			Body: "Hello, *{{patient_name}}*! Your appointment at *{{clinic}}* is confirmed.\n\nDate: *{{date}}*\nTime: *{{time}}*\nProfessional: {{professional}}\n\nAddress: {{address}}\n\nPlease reply YES to confirm.",
		},
		{
			ID:   TemplateReminder,
			Name: "Appointment reminder",
			Body: "Hello, *{{patient_name}}*! This is a reminder of your appointment tomorrow, *{{date}}* at *{{time}}*, with {{professional}} at {{clinic}}.\n\nAddress: {{address}}",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (string, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template %q not found", templateID)
	}

	body := t.Body
	for k, v := range data {
		body = strings.ReplaceAll(body, "{{"+k+"}}", v)
	}
	return strings.TrimSpace(body), nil
}

// ---------------------------------------------------------------------------
// Mock Sender (test double)
// ---------------------------------------------------------------------------

// SendCall records a single call to SendText.
type SendCall struct {
	Phone string
	Text  string
}

// MockSender is a test double for Sender. Phones listed in FailFor fail.
type MockSender struct {
	mu         sync.Mutex
	calls      []SendCall
	ShouldFail bool
	FailFor    map[string]bool
	FailError  string
}

// SendText records the call and optionally returns an error.
func (m *MockSender) SendText(_ context.Context, phone, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SendCall{Phone: phone, Text: text})
	if m.ShouldFail || m.FailFor[phone] {
		msg := m.FailError
		if msg == "" {
			msg = "send failed"
		}
		return errors.New(msg)
	}
	return nil
}

// Calls returns a copy of recorded calls.
func (m *MockSender) Calls() []SendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SendCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// Dispatcher sends messages synchronously through a Sender and keeps
// per-status counters.
type Dispatcher struct {
	sender Sender
	logger zerolog.Logger
	mu     sync.Mutex
	stats  map[string]int
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(sender Sender, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sender: sender,
		logger: logger,
		stats:  make(map[string]int),
	}
}

// Send delivers one message after normalizing its phone number.
func (d *Dispatcher) Send(ctx context.Context, msg Message) Result {
	res := Result{BookingID: msg.BookingID, Phone: msg.Phone}
	phone, err := FormatPhone(msg.Phone)
	if err == nil {
		res.Phone = phone
		err = d.sender.SendText(ctx, phone, msg.Body)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		res.Error = err.Error()
		d.stats["failed"]++
		d.logger.Warn().Err(err).Str("booking_id", msg.BookingID.String()).Msg("notification not delivered")
		return res
	}
	sentAt := time.Now().UTC()
	res.OK = true
	res.SentAt = &sentAt
	d.stats["sent"]++
	return res
}

// Dispatch delivers every message and reports per-item outcomes. One failure
// does not stop the rest.
func (d *Dispatcher) Dispatch(ctx context.Context, msgs []Message) []Result {
	results := make([]Result, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, d.Send(ctx, m))
	}
	return results
}

// Stats returns counts of delivered and failed messages.
func (d *Dispatcher) Stats() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.stats))
	for k, v := range d.stats {
		out[k] = v
	}
	return out
}
