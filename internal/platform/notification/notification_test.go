package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Template Engine Tests
// ---------------------------------------------------------------------------

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:   "test-tpl",
		Name: "Test Template",
		Body: "Dear {{name}}, your code is {{code}}.",
	})

	body, err := eng.Render("test-tpl", map[string]string{
		"name": "Alice",
		"code": "1234",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body != "Dear Alice, your code is 1234." {
		t.Errorf("body = %q, want %q", body, "Dear Alice, your code is 1234.")
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	eng := NewTemplateEngine()
	_, err := eng.Render("nonexistent", nil)
	if err == nil {
		t.Fatal("expected error for missing template, got nil")
	}
}

func TestTemplateEngine_BuiltInTemplates(t *testing.T) {
	eng := NewTemplateEngine()
	data := map[string]string{
		"patient_name": "Ana",
		"date":         "10/03/2026",
		"time":         "09:30",
		"professional": "Dr. Silva",
		"clinic":       "Clinica Centro",
		"address":      "Rua A, 1",
		"note":         "",
	}
	for _, id := range []string{TemplateBlockCancellation, TemplateBookingConfirmation, TemplateReminder} {
		body, err := eng.Render(id, data)
		if err != nil {
			t.Errorf("built-in template %q not found: %v", id, err)
			continue
		}
		if strings.Contains(body, "{{") {
			t.Errorf("template %q left placeholders: %q", id, body)
		}
		if !strings.Contains(body, "09:30") {
			t.Errorf("template %q missing time: %q", id, body)
		}
	}
}

func TestTemplateEngine_RenderMissingKey(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{ID: "partial", Body: "Hi {{name}}, see {{where}}"})
	body, err := eng.Render("partial", map[string]string{"name": "Bo"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body != "Hi Bo, see {{where}}" {
		t.Errorf("body = %q", body)
	}
}

// ---------------------------------------------------------------------------
// Phone Tests
// ---------------------------------------------------------------------------

func TestFormatPhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"(11) 98765-4321", "5511987654321", false},
		{"11 3333-4444", "551133334444", false},
		{"+55 11 98765-4321", "5511987654321", false},
		{"5511987654321", "5511987654321", false},
		{"123456789", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := FormatPhone(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidPhone) {
				t.Errorf("FormatPhone(%q): expected ErrInvalidPhone, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("FormatPhone(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("FormatPhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Dispatcher Tests
// ---------------------------------------------------------------------------

func TestDispatcher_Dispatch(t *testing.T) {
	sender := &MockSender{FailFor: map[string]bool{"5521999990000": true}}
	d := NewDispatcher(sender, zerolog.Nop())

	ok := Message{BookingID: uuid.New(), Phone: "(11) 98765-4321", Body: "hello"}
	failing := Message{BookingID: uuid.New(), Phone: "21 99999-0000", Body: "hello"}
	badPhone := Message{BookingID: uuid.New(), Phone: "123", Body: "hello"}

	results := d.Dispatch(context.Background(), []Message{ok, failing, badPhone})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[0].OK || results[0].SentAt == nil {
		t.Errorf("expected first message delivered, got %+v", results[0])
	}
	if results[0].Phone != "5511987654321" {
		t.Errorf("expected normalized phone, got %q", results[0].Phone)
	}
	if results[1].OK || results[1].Error == "" {
		t.Errorf("expected second message to fail, got %+v", results[1])
	}
	if results[2].OK {
		t.Errorf("expected invalid phone to fail, got %+v", results[2])
	}
	if results[2].BookingID != badPhone.BookingID {
		t.Errorf("expected booking id to be reported")
	}

	calls := sender.Calls()
	if len(calls) != 2 {
		t.Errorf("expected 2 send calls, got %d", len(calls))
	}

	stats := d.Stats()
	if stats["sent"] != 1 || stats["failed"] != 2 {
		t.Errorf("unexpected stats: %v", stats)
	}
}

func TestDispatcher_ConcurrentSend(t *testing.T) {
	sender := &MockSender{}
	d := NewDispatcher(sender, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Send(context.Background(), Message{BookingID: uuid.New(), Phone: "11987654321", Body: "x"})
		}()
	}
	wg.Wait()

	if got := d.Stats()["sent"]; got != 50 {
		t.Errorf("expected 50 sent, got %d", got)
	}
	if len(sender.Calls()) != 50 {
		t.Errorf("expected 50 calls, got %d", len(sender.Calls()))
	}
}

// ---------------------------------------------------------------------------
// WhatsApp Sender Tests
// ---------------------------------------------------------------------------

func TestWhatsAppSender_SendText(t *testing.T) {
	var gotPath, gotKey string
	var gotBody sendTextRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("apikey")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewWhatsAppSender(WhatsAppConfig{BaseURL: srv.URL + "/", Instance: "clinic", APIKey: "secret"})
	if err := s.SendText(context.Background(), "5511987654321", "hi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/message/sendText/clinic" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "secret" {
		t.Errorf("apikey = %q", gotKey)
	}
	if gotBody.Number != "5511987654321" || gotBody.Text != "hi" || gotBody.Delay != 1200 || gotBody.LinkPreview {
		t.Errorf("unexpected body: %+v", gotBody)
	}
}

func TestWhatsAppSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "instance offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewWhatsAppSender(WhatsAppConfig{BaseURL: srv.URL, Instance: "clinic", APIKey: "secret"})
	err := s.SendText(context.Background(), "5511987654321", "hi")
	if err == nil {
		t.Fatal("expected error for 503")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestWhatsAppSender_NotConfigured(t *testing.T) {
	s := NewWhatsAppSender(WhatsAppConfig{})
	if err := s.SendText(context.Background(), "5511987654321", "hi"); err == nil {
		t.Fatal("expected error for unconfigured sender")
	}
}

// ---------------------------------------------------------------------------
// Queue Tests
// ---------------------------------------------------------------------------

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func TestQueue_Dispatch(t *testing.T) {
	enq := &fakeEnqueuer{}
	q := NewQueue(enq, zerolog.Nop())

	msg := Message{BookingID: uuid.New(), Phone: "11987654321", Body: "hello"}
	results := q.Dispatch(context.Background(), []Message{msg})
	if len(results) != 1 || !results[0].OK {
		t.Fatalf("expected queued result, got %+v", results)
	}
	if results[0].SentAt != nil {
		t.Error("queued message must not report SentAt")
	}
	if len(enq.tasks) != 1 || enq.tasks[0].Type() != TypeDispatch {
		t.Fatalf("expected one dispatch task, got %d", len(enq.tasks))
	}
	var decoded Message
	if err := json.Unmarshal(enq.tasks[0].Payload(), &decoded); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if decoded != msg {
		t.Errorf("payload = %+v, want %+v", decoded, msg)
	}
}

func TestQueue_DispatchEnqueueError(t *testing.T) {
	q := NewQueue(&fakeEnqueuer{err: errors.New("redis down")}, zerolog.Nop())
	results := q.Dispatch(context.Background(), []Message{{BookingID: uuid.New(), Phone: "11987654321"}})
	if results[0].OK || results[0].Error != "redis down" {
		t.Errorf("expected enqueue failure, got %+v", results[0])
	}
}

type countingRunner struct{ runs int }

func (r *countingRunner) RunDailyReminders(context.Context) error {
	r.runs++
	return nil
}

func TestServeMux_DispatchTask(t *testing.T) {
	sender := &MockSender{}
	runner := &countingRunner{}
	mux := NewServeMux(NewDispatcher(sender, zerolog.Nop()), runner, zerolog.Nop())

	task, err := NewDispatchTask(Message{BookingID: uuid.New(), Phone: "11987654321", Body: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mux.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.Calls()) != 1 {
		t.Errorf("expected 1 send, got %d", len(sender.Calls()))
	}

	if err := mux.ProcessTask(context.Background(), asynq.NewTask(TypeDailyReminders, nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runner.runs != 1 {
		t.Errorf("expected reminder run, got %d", runner.runs)
	}
}

func TestServeMux_InvalidPhoneSkipsRetry(t *testing.T) {
	mux := NewServeMux(NewDispatcher(&MockSender{}, zerolog.Nop()), nil, zerolog.Nop())
	task, _ := NewDispatchTask(Message{BookingID: uuid.New(), Phone: "12"})
	err := mux.ProcessTask(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("expected SkipRetry, got %v", err)
	}
}

func TestServeMux_SendFailureRetries(t *testing.T) {
	mux := NewServeMux(NewDispatcher(&MockSender{ShouldFail: true}, zerolog.Nop()), nil, zerolog.Nop())
	task, _ := NewDispatchTask(Message{BookingID: uuid.New(), Phone: "11987654321"})
	err := mux.ProcessTask(context.Background(), task)
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Errorf("expected retryable error, got %v", err)
	}
}
