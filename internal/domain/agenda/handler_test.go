package agenda

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestHandler(opts ...Option) (*Handler, *echo.Echo, *testEnv) {
	env := newTestEnv(opts...)
	return NewHandler(env.svc), echo.New(), env
}

func newJSONContext(e *echo.Echo, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

// -- Rules --

func TestHandler_CreateRuleBatch_Drafts(t *testing.T) {
	h, e, env := newTestHandler()
	body := `{
		"professional_id":"` + env.prof.String() + `",
		"specialty_id":"` + env.spec.String() + `",
		"valid_from":"2025-03-01","valid_to":"2025-03-31",
		"weekdays":[1,3],
		"drafts":[{"kind":"time_range","start_time":"08:00","end_time":"12:00","interval_minutes":30,"value":"150.00"}]
	}`
	c, rec := newJSONContext(e, http.MethodPost, "/", body)

	if err := h.CreateRuleBatch(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var resp struct {
		GroupID uuid.UUID          `json:"group_id"`
		Rules   []AvailabilityRule `json:"rules"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Rules) != 2 || resp.GroupID == uuid.Nil {
		t.Errorf("expected 2 rules in one group, got %d", len(resp.Rules))
	}
	if len(env.store.rules) != 2 {
		t.Errorf("expected 2 stored rules, got %d", len(env.store.rules))
	}
}

func TestHandler_CreateRuleBatch_ValidationError(t *testing.T) {
	h, e, env := newTestHandler()
	body := `{
		"professional_id":"` + env.prof.String() + `",
		"specialty_id":"` + env.spec.String() + `",
		"valid_from":"2025-03-01","valid_to":"2025-03-31",
		"drafts":[{"kind":"time_range","start_time":"08:00","end_time":"12:00","interval_minutes":0}]
	}`
	c, _ := newJSONContext(e, http.MethodPost, "/", body)

	err := h.CreateRuleBatch(c)
	if code := httpCode(t, err); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
	msg, ok := err.(*echo.HTTPError).Message.(echo.Map)
	if !ok {
		t.Fatalf("expected field/reason body, got %v", err.(*echo.HTTPError).Message)
	}
	if field, _ := msg["field"].(string); !strings.HasPrefix(field, "drafts[0].") {
		t.Errorf("expected field scoped to the draft, got %q", field)
	}
}

func TestHandler_CreateRuleBatch_PartialFailure(t *testing.T) {
	h, e, env := newTestHandler()
	env.store.failRuleAt = 2
	r1, r2 := mondayRule(env.prof, env.spec), mondayRule(env.prof, env.spec)
	raw, _ := json.Marshal(map[string]interface{}{"rules": []AvailabilityRule{r1, r2}})
	c, _ := newJSONContext(e, http.MethodPost, "/", string(raw))

	err := h.CreateRuleBatch(c)
	if code := httpCode(t, err); code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", code)
	}
	msg := err.(*echo.HTTPError).Message.(echo.Map)
	if msg["rolled_back"] != true {
		t.Error("expected rolled_back in the response")
	}
	if len(env.store.rules) != 0 {
		t.Errorf("expected nothing stored, got %d", len(env.store.rules))
	}
}

func TestHandler_RuleGroup_NotFound(t *testing.T) {
	h, e, _ := newTestHandler()
	c, _ := newJSONContext(e, http.MethodDelete, "/", "")
	c.SetParamNames("group_id")
	c.SetParamValues(uuid.New().String())
	if code := httpCode(t, h.DeleteRuleGroup(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}

	c, _ = newJSONContext(e, http.MethodDelete, "/", "")
	c.SetParamNames("group_id")
	c.SetParamValues("not-a-uuid")
	if code := httpCode(t, h.DeleteRuleGroup(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_GroupConflicts(t *testing.T) {
	h, e, env := newTestHandler()
	r := env.seedMondayAgenda(t)
	env.seedBooking(t, monday, NewClock(8, 0))

	c, rec := newJSONContext(e, http.MethodGet, "/", "")
	c.SetParamNames("group_id")
	c.SetParamValues(r.GroupID.String())
	if err := h.GroupConflicts(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Errorf("expected count 1, got %s", rec.Body.String())
	}
}

func TestHandler_ListRules(t *testing.T) {
	h, e, env := newTestHandler()
	env.seedMondayAgenda(t)

	c, rec := newJSONContext(e, http.MethodGet, "/?status=active&limit=10", "")
	if err := h.ListRules(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("expected one rule, got %s", rec.Body.String())
	}

	c, _ = newJSONContext(e, http.MethodGet, "/?status=expired", "")
	if code := httpCode(t, h.ListRules(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_CalculateDuration(t *testing.T) {
	h, e, _ := newTestHandler()
	c, rec := newJSONContext(e, http.MethodPost, "/", `{"mode":"compute_end","start_time":"08:00","interval_minutes":20,"quantity":3}`)
	if err := h.CalculateDuration(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"09:00"`) {
		t.Errorf("expected end 09:00, got %s", rec.Body.String())
	}

	c, _ = newJSONContext(e, http.MethodPost, "/", `{"mode":"guess"}`)
	if code := httpCode(t, h.CalculateDuration(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_InferWeekdays(t *testing.T) {
	h, e, _ := newTestHandler()
	c, rec := newJSONContext(e, http.MethodPost, "/", `{"valid_from":"2025-03-10","valid_to":"2025-03-11"}`)
	if err := h.InferWeekdays(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"weekdays":[1,2]`) {
		t.Errorf("expected Monday and Tuesday, got %s", rec.Body.String())
	}

	c, _ = newJSONContext(e, http.MethodPost, "/", `{"valid_from":"2025-03-11","valid_to":"2025-03-10"}`)
	if code := httpCode(t, h.InferWeekdays(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

// -- Agenda --

func TestHandler_DayView(t *testing.T) {
	h, e, env := newTestHandler()
	env.seedMondayAgenda(t)
	env.seedBooking(t, monday, NewClock(8, 20))

	c, rec := newJSONContext(e, http.MethodGet, "/?date=2025-03-10&professional_id="+env.prof.String(), "")
	if err := h.DayView(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var view DayView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.Status != DayFree || len(view.Slots) != 3 {
		t.Errorf("expected free day with 3 slots, got %s with %d", view.Status, len(view.Slots))
	}
	if view.Slots[1].State != SlotOccupied {
		t.Errorf("expected 08:20 occupied, got %s", view.Slots[1].State)
	}
}

func TestHandler_DayView_RequiresProfessional(t *testing.T) {
	h, e, _ := newTestHandler()
	c, _ := newJSONContext(e, http.MethodGet, "/?date=2025-03-10", "")
	err := h.DayView(c)
	if code := httpCode(t, err); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
	if msg, ok := err.(*echo.HTTPError).Message.(echo.Map); !ok || msg["field"] != "professional_id" {
		t.Errorf("expected professional_id field error, got %v", err)
	}
}

func TestHandler_MonthCalendar(t *testing.T) {
	h, e, env := newTestHandler()
	env.seedMondayAgenda(t)

	c, rec := newJSONContext(e, http.MethodGet, "/?month=2025-03&professional_id="+env.prof.String(), "")
	if err := h.MonthCalendar(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Month string      `json:"month"`
		Days  []DayMarker `json:"days"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Month != "2025-03" || len(resp.Days) != 31 {
		t.Errorf("expected 31 days of 2025-03, got %d of %s", len(resp.Days), resp.Month)
	}
	if resp.Days[9].Status != DayFree || resp.Days[10].Status != DayNoRule {
		t.Errorf("expected March 10 free and March 11 no_rule, got %s and %s", resp.Days[9].Status, resp.Days[10].Status)
	}

	c, _ = newJSONContext(e, http.MethodGet, "/?month=March&professional_id="+env.prof.String(), "")
	if code := httpCode(t, h.MonthCalendar(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

// -- Bookings --

func bookingBody(env *testEnv, date, at string, walkIn bool) string {
	raw, _ := json.Marshal(map[string]interface{}{
		"professional_id": env.prof,
		"specialty_id":    env.spec,
		"patient_id":      uuid.New(),
		"patient_name":    "Joao Silva",
		"patient_phone":   "11912345678",
		"date":            date,
		"time":            at,
		"is_walk_in":      walkIn,
	})
	return string(raw)
}

func TestHandler_BookingLifecycle(t *testing.T) {
	h, e, env := newTestHandler()
	env.seedMondayAgenda(t)

	c, rec := newJSONContext(e, http.MethodPost, "/", bookingBody(env, "2025-03-10", "08:00", false))
	if err := h.CreateBooking(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created Booking
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	c, rec = newJSONContext(e, http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(created.ID.String())
	if err := h.GetBooking(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, rec = newJSONContext(e, http.MethodPatch, "/", `{"time":"08:40"}`)
	c.SetParamNames("id")
	c.SetParamValues(created.ID.String())
	if err := h.UpdateBooking(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"time":"08:40"`) {
		t.Errorf("expected moved booking, got %s", rec.Body.String())
	}

	c, rec = newJSONContext(e, http.MethodPost, "/", `{"reason":"patient asked"}`)
	c.SetParamNames("id")
	c.SetParamValues(created.ID.String())
	if err := h.CancelBooking(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"cancelled"`) {
		t.Errorf("expected cancelled booking, got %s", rec.Body.String())
	}

	c, rec = newJSONContext(e, http.MethodGet, "/?status=cancelled&professional_id="+env.prof.String(), "")
	if err := h.ListBookings(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("expected one cancelled booking, got %s", rec.Body.String())
	}
}

func TestHandler_CreateBooking_Conflicts(t *testing.T) {
	h, e, env := newTestHandler()
	env.seedMondayAgenda(t)
	env.seedBooking(t, monday, NewClock(8, 0))

	c, _ := newJSONContext(e, http.MethodPost, "/", bookingBody(env, "2025-03-10", "08:00", false))
	if code := httpCode(t, h.CreateBooking(c)); code != http.StatusConflict {
		t.Errorf("expected 409 for a taken slot, got %d", code)
	}
	c, _ = newJSONContext(e, http.MethodPost, "/", bookingBody(env, "2025-03-11", "08:00", false))
	if code := httpCode(t, h.CreateBooking(c)); code != http.StatusConflict {
		t.Errorf("expected 409 for a closed day, got %d", code)
	}
	c, _ = newJSONContext(e, http.MethodPost, "/", bookingBody(env, "2025-02-24", "08:00", true))
	if code := httpCode(t, h.CreateBooking(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for an expired slot, got %d", code)
	}
	c, _ = newJSONContext(e, http.MethodPost, "/", bookingBody(env, "2025-03-10", "08:00", true))
	if err := h.CreateBooking(c); err != nil {
		t.Errorf("expected walk-in to be admitted, got %v", err)
	}
}

func TestHandler_ListBookings_BadStatus(t *testing.T) {
	h, e, _ := newTestHandler()
	c, _ := newJSONContext(e, http.MethodGet, "/?status=scheduled,lost", "")
	if code := httpCode(t, h.ListBookings(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_GetBooking_NotFound(t *testing.T) {
	h, e, _ := newTestHandler()
	c, _ := newJSONContext(e, http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	if code := httpCode(t, h.GetBooking(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

// -- Blocks --

const congressBlock = `{"kind":"block","date_from":"2025-03-10","time_from":"08:00","time_to":"12:00","reason":"Congress"}`

func TestHandler_CheckBlock(t *testing.T) {
	h, e, env := newTestHandler()
	env.seedBooking(t, monday, NewClock(9, 30))
	env.seedBooking(t, monday, NewClock(13, 0))

	c, rec := newJSONContext(e, http.MethodPost, "/", congressBlock)
	if err := h.CheckBlock(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var report ConflictReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !report.Conflict || report.Count != 1 {
		t.Errorf("expected one conflict, got %+v", report)
	}
}

func TestHandler_CreateBlock_ConflictNeedsDecision(t *testing.T) {
	h, e, env := newTestHandler()
	env.seedBooking(t, monday, NewClock(9, 30))

	c, rec := newJSONContext(e, http.MethodPost, "/", `{"block":`+congressBlock+`}`)
	if err := h.CreateBlock(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var resp blockCommitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State != StateAwaitingResolution || resp.Conflict == nil || resp.Conflict.Count != 1 {
		t.Errorf("expected the conflict report, got %+v", resp)
	}
	if len(env.store.blocks) != 0 {
		t.Error("expected nothing stored")
	}
}

func TestHandler_CreateBlock_CancelAndNotify(t *testing.T) {
	d := &mockDispatcher{}
	h, e, env := newTestHandler(WithDispatcher(d))
	b := env.seedBooking(t, monday, NewClock(9, 30))

	c, rec := newJSONContext(e, http.MethodPost, "/", `{"block":`+congressBlock+`,"action":"cancel","notify":true}`)
	if err := h.CreateBlock(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var resp blockCommitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State != StateNotificationQueued || len(resp.Dispatched) != 1 || !resp.Dispatched[0].OK {
		t.Errorf("expected one dispatched notification, got %+v", resp)
	}
	if env.store.bookings[b.ID].Status != StatusCancelled {
		t.Error("expected booking cancelled")
	}
	if len(d.sent) != 1 || d.sent[0].BookingID != b.ID {
		t.Errorf("expected the patient to be messaged, got %+v", d.sent)
	}
}

func TestHandler_CreateBlock_Acknowledged(t *testing.T) {
	h, e, env := newTestHandler()
	seen := env.seedBooking(t, monday, NewClock(9, 30))
	env.seedBooking(t, monday, NewClock(10, 30))

	body := `{"block":` + congressBlock + `,"action":"keep","acknowledged":["` + seen.ID.String() + `"]}`
	c, _ := newJSONContext(e, http.MethodPost, "/", body)
	if code := httpCode(t, h.CreateBlock(c)); code != http.StatusConflict {
		t.Errorf("expected 409 when bookings changed, got %d", code)
	}

	c, rec := newJSONContext(e, http.MethodPost, "/", `{"block":{"kind":"holiday","date_from":"2025-03-12"},"acknowledged":[]}`)
	if err := h.CreateBlock(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), `"state":"committed"`) {
		t.Errorf("expected committed holiday, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_UpdateAndDeleteBlock(t *testing.T) {
	h, e, env := newTestHandler()
	res, err := env.svc.CommitBlock(context.Background(), CommitRequest{Block: conflictBlock()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id := res.Block.ID.String()

	c, rec := newJSONContext(e, http.MethodPut, "/", `{"block":{"kind":"block","date_from":"2025-03-10","time_from":"14:00","time_to":"18:00"}}`)
	c.SetParamNames("id")
	c.SetParamValues(id)
	if err := h.UpdateBlock(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if got := env.store.blocks[res.Block.ID].TimeFrom; got != NewClock(14, 0) {
		t.Errorf("expected block moved to 14:00, got %s", got)
	}

	c, rec = newJSONContext(e, http.MethodDelete, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(id)
	if err := h.DeleteBlock(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}

	c, _ = newJSONContext(e, http.MethodPut, "/", `{"block":`+congressBlock+`}`)
	c.SetParamNames("id")
	c.SetParamValues(id)
	if code := httpCode(t, h.UpdateBlock(c)); code != http.StatusNotFound {
		t.Errorf("expected 404 for a deleted block, got %d", code)
	}
}

// -- Notifications --

func TestHandler_DispatchNotifications(t *testing.T) {
	h, e, _ := newTestHandler()
	body := `{"messages":[{"booking_id":"` + uuid.New().String() + `","phone":"11912345678","message":"hello"}]}`
	c, _ := newJSONContext(e, http.MethodPost, "/", body)
	if code := httpCode(t, h.DispatchNotifications(c)); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without delivery configured, got %d", code)
	}

	h, e, _ = newTestHandler(WithDispatcher(&mockDispatcher{}))
	c, rec := newJSONContext(e, http.MethodPost, "/", body)
	if err := h.DispatchNotifications(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Errorf("expected a delivered result, got %s", rec.Body.String())
	}
}

func TestHandler_RunReminders(t *testing.T) {
	d := &mockDispatcher{}
	h, e, env := newTestHandler(WithDispatcher(d))
	env.seedBooking(t, NewDate(2025, 3, 2), NewClock(8, 0))

	c, rec := newJSONContext(e, http.MethodPost, "/", "")
	if err := h.RunReminders(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"sent":1`) {
		t.Errorf("expected one reminder sent, got %s", rec.Body.String())
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, e, _ := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"GET /api/v1/agenda/day":      false,
		"POST /api/v1/rules/batch":    false,
		"POST /api/v1/blocks/check":   false,
		"PATCH /api/v1/bookings/:id":  false,
		"POST /api/v1/reminders/run":  false,
		"DELETE /api/v1/blocks/:id":   false,
		"GET /api/v1/agenda/calendar": false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("expected route %s to be registered", route)
		}
	}
}
