package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"clientpulse/internal/reminder"
	"clientpulse/internal/service"
	logx "clientpulse/pkg/logx"
)

type createReminderRequest struct {
	ClientID string `json:"clientId" validate:"required,max=128"`
	FireAt   string `json:"fireAt" validate:"required_without=DatetimeISO"`
	// DatetimeISO is accepted as an alias of FireAt.
	DatetimeISO string `json:"datetimeISO"`
	Message     string `json:"message" validate:"required,max=4000"`
	Repeat      string `json:"repeat"`
}

type runNowRequest struct {
	ReminderID string `json:"reminderId" validate:"required"`
}

type rescheduleRequest struct {
	FireAt string `json:"fireAt" validate:"required"`
}

type createClientRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"omitempty,email"`
	Phone string `json:"phone" validate:"omitempty,max=32"`
	Notes string `json:"notes" validate:"max=2000"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// bind decodes and validates a request body.
func (a *API) bind(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := decodeJSON(w, r, dst); err != nil {
		return err
	}
	if err := a.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := a.health(r.Context())
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (a *API) handleListReminders(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.ListReminders(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if list == nil {
		list = []reminder.Reminder{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleCreateReminder(w http.ResponseWriter, r *http.Request) {
	var req createReminderRequest
	if err := a.bind(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	fireAt := req.FireAt
	if strings.TrimSpace(fireAt) == "" {
		fireAt = req.DatetimeISO
	}
	rem, err := a.svc.CreateReminder(r.Context(), service.CreateReminderInput{
		ClientID: req.ClientID,
		FireAt:   fireAt,
		Message:  req.Message,
		Repeat:   req.Repeat,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rem)
}

func (a *API) handleRunNow(w http.ResponseWriter, r *http.Request) {
	var req runNowRequest
	if err := a.bind(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.svc.RunNow(r.Context(), req.ReminderID); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (a *API) handleGetReminder(w http.ResponseWriter, r *http.Request) {
	rem, err := a.svc.GetReminder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (a *API) handleReschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := a.bind(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	rem, err := a.svc.Reschedule(r.Context(), chi.URLParam(r, "id"), req.FireAt)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	rem, err := a.svc.CancelReminder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (a *API) handleListClients(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.ListClients(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if list == nil {
		list = []reminder.Client{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if err := a.bind(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	c, err := a.svc.CreateClient(r.Context(), service.CreateClientInput(req))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			a.fail(w, r, reminder.Validationf("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	list, err := a.svc.ListLogs(r.Context(), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if list == nil {
		list = []reminder.LogEntry{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.Export(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="clientpulse-export.json"`)
	writeJSON(w, http.StatusOK, out)
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := reminder.CodeOf(err)
	if code == reminder.CodeStore || code == "" {
		a.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeError(w, r, err)
}
