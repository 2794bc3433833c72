package agenda

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinica/agenda/internal/platform/auth"
	"github.com/clinica/agenda/internal/platform/notification"
	"github.com/clinica/agenda/pkg/pagination"
)

// Handler exposes the agenda service over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler returns a Handler backed by svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the agenda routes on api. Reads and bookings are
// open to every clinic role; rules and blocks need admin or receptionist.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – every clinic role
	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleReceptionist, auth.RoleProfessional))
	readGroup.GET("/rules", h.ListRules)
	readGroup.GET("/rules/groups/:group_id/conflicts", h.GroupConflicts)
	readGroup.POST("/rules/duration", h.CalculateDuration)
	readGroup.POST("/rules/weekdays", h.InferWeekdays)
	readGroup.GET("/agenda/day", h.DayView)
	readGroup.GET("/agenda/calendar", h.MonthCalendar)
	readGroup.GET("/blocks", h.ListBlocks)

	// Booking endpoints – every clinic role
	bookingGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleReceptionist, auth.RoleProfessional))
	bookingGroup.GET("/bookings", h.ListBookings)
	bookingGroup.GET("/bookings/:id", h.GetBooking)
	bookingGroup.POST("/bookings", h.CreateBooking)
	bookingGroup.PATCH("/bookings/:id", h.UpdateBooking)
	bookingGroup.POST("/bookings/:id/cancel", h.CancelBooking)

	// Write endpoints – admin, receptionist
	writeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleReceptionist))
	writeGroup.POST("/rules/batch", h.CreateRuleBatch)
	writeGroup.PUT("/rules/groups/:group_id", h.UpdateRuleGroup)
	writeGroup.DELETE("/rules/groups/:group_id", h.DeleteRuleGroup)
	writeGroup.POST("/blocks/check", h.CheckBlock)
	writeGroup.POST("/blocks", h.CreateBlock)
	writeGroup.PUT("/blocks/:id", h.UpdateBlock)
	writeGroup.DELETE("/blocks/:id", h.DeleteBlock)
	writeGroup.POST("/notifications/dispatch", h.DispatchNotifications)
	writeGroup.POST("/reminders/run", h.RunReminders)
}

// validationError renders a ValidationFailed as {field, reason}. echo would
// reduce an error value to its message.
func validationError(vf *ValidationFailed) error {
	return echo.NewHTTPError(http.StatusBadRequest, echo.Map{"field": vf.Field, "reason": vf.Reason})
}

// httpError maps service errors to HTTP responses.
func httpError(err error) error {
	var bf *PartialBatchFailure
	var vf *ValidationFailed
	switch {
	case errors.As(err, &bf):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, echo.Map{
			"message":     bf.Error(),
			"succeeded":   bf.Succeeded,
			"failed":      bf.Failed,
			"rolled_back": bf.RolledBack,
		})
	case errors.As(err, &vf):
		return validationError(vf)
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrConflictChanged), errors.Is(err, ErrSlotUnavailable),
		errors.Is(err, ErrDayClosed), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrSlotExpired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoDispatcher):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func uuidQuery(c echo.Context, name string, required bool) (*uuid.UUID, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		if required {
			return nil, validationError(&ValidationFailed{Field: name, Reason: "is required"})
		}
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

func dateQuery(c echo.Context, name string) (Date, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return Date{}, nil
	}
	d, err := ParseDate(raw)
	if err != nil {
		return Date{}, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return d, nil
}

func idParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// -- Rule Handlers --

// ListRules handles GET /rules. status is active, closed or empty for all.
func (h *Handler) ListRules(c echo.Context) error {
	prof, err := uuidQuery(c, "professional_id", false)
	if err != nil {
		return err
	}
	spec, err := uuidQuery(c, "specialty_id", false)
	if err != nil {
		return err
	}
	items, err := h.svc.ListRules(c.Request().Context(), RuleFilter{
		ProfessionalID: prof,
		SpecialtyID:    spec,
		Status:         RuleStatus(c.QueryParam("status")),
	})
	if err != nil {
		return httpError(err)
	}
	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.Respond(items, pg))
}

// ruleBatchRequest carries either ready rules or an agenda to expand per
// weekday.
type ruleBatchRequest struct {
	Rules []AvailabilityRule `json:"rules"`

	ProfessionalID uuid.UUID       `json:"professional_id"`
	SpecialtyID    uuid.UUID       `json:"specialty_id"`
	ValidFrom      Date            `json:"valid_from"`
	ValidTo        Date            `json:"valid_to"`
	Weekdays       *[]time.Weekday `json:"weekdays"`
	Active         *bool           `json:"active"`
	Drafts         []RuleDraft     `json:"drafts"`
}

func (req *ruleBatchRequest) build() ([]AvailabilityRule, error) {
	if len(req.Drafts) == 0 {
		return req.Rules, nil
	}
	b, err := NewRuleBuilder(req.ProfessionalID, req.SpecialtyID, req.ValidFrom, req.ValidTo)
	if err != nil {
		return nil, err
	}
	if req.Weekdays != nil {
		b.SetWeekdays(*req.Weekdays)
	}
	if req.Active != nil {
		b.Active = *req.Active
	}
	for i, d := range req.Drafts {
		if _, err := b.Add(d); err != nil {
			var vf *ValidationFailed
			if errors.As(err, &vf) {
				vf.Field = "drafts[" + strconv.Itoa(i) + "]." + vf.Field
			}
			return nil, err
		}
	}
	return b.Build(uuid.Nil)
}

// CreateRuleBatch handles POST /rules/batch. A failed row rolls back the
// whole batch and answers 422 with the per-row report.
func (h *Handler) CreateRuleBatch(c echo.Context) error {
	var req ruleBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rules, err := req.build()
	if err != nil {
		return httpError(err)
	}
	created, err := h.svc.CreateRuleBatch(c.Request().Context(), rules)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"group_id": created[0].GroupID,
		"rules":    created,
	})
}

// UpdateRuleGroup handles PUT /rules/groups/:group_id.
func (h *Handler) UpdateRuleGroup(c echo.Context) error {
	groupID, err := idParam(c, "group_id")
	if err != nil {
		return err
	}
	var patch RuleGroupPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rules, err := h.svc.UpdateRuleGroup(c.Request().Context(), groupID, patch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"group_id": groupID, "rules": rules})
}

// DeleteRuleGroup handles DELETE /rules/groups/:group_id.
func (h *Handler) DeleteRuleGroup(c echo.Context) error {
	groupID, err := idParam(c, "group_id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteRuleGroup(c.Request().Context(), groupID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// GroupConflicts handles GET /rules/groups/:group_id/conflicts and returns
// how many future bookings the group still serves.
func (h *Handler) GroupConflicts(c echo.Context) error {
	groupID, err := idParam(c, "group_id")
	if err != nil {
		return err
	}
	n, err := h.svc.GroupConflictCount(c.Request().Context(), groupID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"group_id": groupID, "count": n})
}

// CalculateDuration handles POST /rules/duration.
func (h *Handler) CalculateDuration(c echo.Context) error {
	var in DurationInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if in.Mode != ComputeEnd && in.Mode != ComputeQuantity {
		return httpError(invalid("mode", "must be compute_end or compute_quantity"))
	}
	out := Calculate(in)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"result":  out,
		"changed": Changed(in, out),
	})
}

type weekdaysRequest struct {
	ValidFrom Date `json:"valid_from"`
	ValidTo   Date `json:"valid_to"`
}

// InferWeekdays handles POST /rules/weekdays.
func (h *Handler) InferWeekdays(c echo.Context) error {
	var req weekdaysRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ValidFrom.IsZero() || req.ValidTo.IsZero() {
		return httpError(invalid("valid_from", "validity window is required"))
	}
	if req.ValidTo.Before(req.ValidFrom) {
		return httpError(invalid("valid_to", "must not precede valid_from"))
	}
	days := WeekdaysInRange(req.ValidFrom, req.ValidTo)
	if days == nil {
		days = []time.Weekday{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"weekdays": days})
}

// -- Agenda Handlers --

// DayView handles GET /agenda/day.
func (h *Handler) DayView(c echo.Context) error {
	prof, err := uuidQuery(c, "professional_id", true)
	if err != nil {
		return err
	}
	spec, err := uuidQuery(c, "specialty_id", false)
	if err != nil {
		return err
	}
	date, err := dateQuery(c, "date")
	if err != nil {
		return err
	}
	if date.IsZero() {
		date = h.svc.Today()
	}
	showInactive, _ := strconv.ParseBool(c.QueryParam("show_inactive"))
	view, err := h.svc.DayView(c.Request().Context(), DayViewQuery{
		Date:           date,
		ProfessionalID: *prof,
		SpecialtyID:    spec,
		ShowInactive:   showInactive,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

// MonthCalendar handles GET /agenda/calendar.
func (h *Handler) MonthCalendar(c echo.Context) error {
	prof, err := uuidQuery(c, "professional_id", true)
	if err != nil {
		return err
	}
	spec, err := uuidQuery(c, "specialty_id", false)
	if err != nil {
		return err
	}
	month := h.svc.Today()
	if raw := c.QueryParam("month"); raw != "" {
		t, err := time.Parse("2006-01", raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid month, expected YYYY-MM")
		}
		month = MonthOf(t)
	}
	markers, err := h.svc.MonthCalendar(c.Request().Context(), *prof, spec, month)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"month": month.Format("2006-01"),
		"days":  markers,
	})
}

// -- Booking Handlers --

// ListBookings handles GET /bookings.
func (h *Handler) ListBookings(c echo.Context) error {
	var f BookingFilter
	var err error
	if f.ProfessionalID, err = uuidQuery(c, "professional_id", false); err != nil {
		return err
	}
	if f.SpecialtyID, err = uuidQuery(c, "specialty_id", false); err != nil {
		return err
	}
	if f.From, err = dateQuery(c, "from"); err != nil {
		return err
	}
	if f.To, err = dateQuery(c, "to"); err != nil {
		return err
	}
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := BookingStatus(strings.TrimSpace(s))
			if !validBookingStatuses[st] {
				return httpError(invalid("status", "unknown booking status "+string(st)))
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	items, err := h.svc.ListBookings(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.Respond(items, pg))
}

// GetBooking handles GET /bookings/:id.
func (h *Handler) GetBooking(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	b, err := h.svc.GetBooking(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

// CreateBooking handles POST /bookings.
func (h *Handler) CreateBooking(c echo.Context) error {
	var b Booking
	if err := c.Bind(&b); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b.ID = uuid.Nil
	if err := h.svc.CreateBooking(c.Request().Context(), &b); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

// UpdateBooking handles PATCH /bookings/:id.
func (h *Handler) UpdateBooking(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var patch BookingPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.UpdateBooking(c.Request().Context(), id, patch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelBooking handles POST /bookings/:id/cancel.
func (h *Handler) CancelBooking(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.CancelBooking(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

// -- Block Handlers --

// ListBlocks handles GET /blocks.
func (h *Handler) ListBlocks(c echo.Context) error {
	var f BlockFilter
	var err error
	if f.ProfessionalID, err = uuidQuery(c, "professional_id", false); err != nil {
		return err
	}
	if f.From, err = dateQuery(c, "from"); err != nil {
		return err
	}
	if f.To, err = dateQuery(c, "to"); err != nil {
		return err
	}
	items, err := h.svc.ListBlocks(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []Block{}
	}
	return c.JSON(http.StatusOK, items)
}

// CheckBlock handles POST /blocks/check. It stores nothing.
func (h *Handler) CheckBlock(c echo.Context) error {
	var draft Block
	if err := c.Bind(&draft); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var editing *uuid.UUID
	if draft.ID != uuid.Nil {
		id := draft.ID
		editing = &id
	}
	report, err := h.svc.CheckBlockConflict(c.Request().Context(), draft, editing)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

// blockCommitRequest saves a block. With Acknowledged set the commit goes
// straight to the store; otherwise the check runs first and a conflict
// without Action is answered with 409 and the report.
type blockCommitRequest struct {
	Block        Block            `json:"block"`
	Action       ResolutionAction `json:"action"`
	Acknowledged *[]uuid.UUID     `json:"acknowledged"`
	Notify       bool             `json:"notify"`
	NotifyOnly   []uuid.UUID      `json:"notify_booking_ids"`
}

type blockCommitResponse struct {
	State      ResolverState         `json:"state"`
	Conflict   *ConflictReport       `json:"conflict,omitempty"`
	Result     *CommitResult         `json:"result,omitempty"`
	Dispatched []notification.Result `json:"dispatched,omitempty"`
}

// CreateBlock handles POST /blocks.
func (h *Handler) CreateBlock(c echo.Context) error {
	var req blockCommitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Block.ID = uuid.Nil
	return h.saveBlock(c, req, http.StatusCreated)
}

// UpdateBlock handles PUT /blocks/:id.
func (h *Handler) UpdateBlock(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req blockCommitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Block.ID = id
	return h.saveBlock(c, req, http.StatusOK)
}

func (h *Handler) saveBlock(c echo.Context, req blockCommitRequest, okStatus int) error {
	ctx := c.Request().Context()

	if req.Acknowledged != nil {
		res, err := h.svc.CommitBlock(ctx, CommitRequest{Block: req.Block, Action: req.Action, Acknowledged: *req.Acknowledged})
		if err != nil {
			return httpError(err)
		}
		resp := blockCommitResponse{State: StateCommitted, Result: res}
		if len(res.Notifications) > 0 {
			resp.State = StateCommittedWithCancellations
			if req.Notify {
				msgs := make([]notification.Message, 0, len(res.Notifications))
				for _, n := range res.Notifications {
					msgs = append(msgs, n.Outbound())
				}
				resp.Dispatched = h.svc.Dispatch(ctx, msgs)
			}
		}
		return c.JSON(okStatus, resp)
	}

	r := NewBlockResolver(h.svc, req.Block)
	if err := r.Check(ctx); err != nil {
		return httpError(err)
	}
	if r.State() == StateAwaitingResolution {
		if req.Action == "" {
			return c.JSON(http.StatusConflict, blockCommitResponse{State: r.State(), Conflict: r.Report()})
		}
		if err := r.Resolve(ctx, req.Action); err != nil {
			return httpError(err)
		}
		if r.State() == StateAwaitingResolution {
			// Bookings changed under the operator; show them the new report.
			return c.JSON(http.StatusConflict, blockCommitResponse{State: r.State(), Conflict: r.Report()})
		}
	}

	resp := blockCommitResponse{State: r.State(), Result: r.Result()}
	if r.State() == StateNotificationQueued && req.Notify {
		results, err := r.Dispatch(ctx, h.svc, req.NotifyOnly...)
		if err != nil {
			return httpError(err)
		}
		resp.Dispatched = results
	}
	return c.JSON(okStatus, resp)
}

// DeleteBlock handles DELETE /blocks/:id.
func (h *Handler) DeleteBlock(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteBlock(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Notification Handlers --

type dispatchRequest struct {
	Messages []notification.Message `json:"messages"`
}

// DispatchNotifications handles POST /notifications/dispatch.
func (h *Handler) DispatchNotifications(c echo.Context) error {
	var req dispatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	results, err := h.svc.DispatchNotifications(c.Request().Context(), req.Messages)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"results": results})
}

// RunReminders handles POST /reminders/run.
func (h *Handler) RunReminders(c echo.Context) error {
	date, err := dateQuery(c, "date")
	if err != nil {
		return err
	}
	if date.IsZero() {
		date = h.svc.Today().AddDays(1)
	}
	report, err := h.svc.SendReminders(c.Request().Context(), date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}
