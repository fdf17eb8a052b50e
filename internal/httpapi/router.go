// Package httpapi exposes the reminder service over HTTP.
package httpapi

import (
	"context"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"clientpulse/internal/reminder"
	"clientpulse/internal/service"
	"clientpulse/internal/storage"
	logx "clientpulse/pkg/logx"
)

// Reminders is the service surface the handlers call. *service.Service
// implements it.
type Reminders interface {
	CreateReminder(ctx context.Context, in service.CreateReminderInput) (reminder.Reminder, error)
	RunNow(ctx context.Context, id string) error
	ListReminders(ctx context.Context) ([]reminder.Reminder, error)
	GetReminder(ctx context.Context, id string) (reminder.Reminder, error)
	CancelReminder(ctx context.Context, id string) (reminder.Reminder, error)
	Reschedule(ctx context.Context, id, fireAt string) (reminder.Reminder, error)
	CreateClient(ctx context.Context, in service.CreateClientInput) (reminder.Client, error)
	ListClients(ctx context.Context) ([]reminder.Client, error)
	ListLogs(ctx context.Context, limit int) ([]reminder.LogEntry, error)
	Export(ctx context.Context) (storage.Export, error)
}

// Health is the /healthz body. Any Status other than "ok" answers 503.
type Health struct {
	Status string         `json:"status"`
	Checks map[string]any `json:"checks,omitempty"`
}

type HealthFunc func(ctx context.Context) Health

type API struct {
	svc      Reminders
	health   HealthFunc
	validate *validator.Validate
	log      logx.Logger
}

func NewAPI(svc Reminders, health HealthFunc, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	if health == nil {
		health = func(context.Context) Health { return Health{Status: "ok"} }
	}
	return &API{
		svc:      svc,
		health:   health,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log.With(logx.String("comp", "http")),
	}
}

// Handler builds the router. cfg only decides whether pprof is mounted.
func (a *API) Handler(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.accessLog)
	r.Use(a.recoverer)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/reminders", func(r chi.Router) {
			r.Get("/", a.handleListReminders)
			r.Post("/", a.handleCreateReminder)
			r.Post("/run-now", a.handleRunNow)
			r.Get("/{id}", a.handleGetReminder)
			r.Patch("/{id}", a.handleReschedule)
			r.Post("/{id}/cancel", a.handleCancel)
		})
		r.Route("/clients", func(r chi.Router) {
			r.Get("/", a.handleListClients)
			r.Post("/", a.handleCreateClient)
		})
		r.Get("/logs", a.handleListLogs)
		r.Get("/export", a.handleExport)
	})

	if cfg.Pprof.Enabled {
		mountPprof(r, normalizePrefix(cfg.Pprof.Prefix))
	}
	return r
}

// mountPprof serves net/http/pprof under prefix. pprof.Index expects paths
// rooted at /debug/pprof/, so the path is rewritten.
func mountPprof(r chi.Router, prefix string) {
	base := strings.TrimSuffix(prefix, "/")
	r.Get(base+"/cmdline", hpprof.Cmdline)
	r.Get(base+"/profile", hpprof.Profile)
	r.Get(base+"/symbol", hpprof.Symbol)
	r.Post(base+"/symbol", hpprof.Symbol)
	r.Get(base+"/trace", hpprof.Trace)
	r.Get(base+"/*", func(w http.ResponseWriter, req *http.Request) {
		r2 := req.Clone(req.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(req.URL.Path, prefix)
		hpprof.Index(w, r2)
	})
	r.Get(base, func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, prefix, http.StatusPermanentRedirect)
	})
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		}
		switch {
		case status >= 500:
			a.log.Warn("request", fields...)
		case r.URL.Path == "/healthz":
			a.log.Trace("request", fields...)
		default:
			a.log.Debug("request", fields...)
		}
	})
}

func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			a.log.Error("handler panic",
				logx.Any("panic", rec),
				logx.String("path", r.URL.Path),
				logx.String("request_id", middleware.GetReqID(r.Context())),
				logx.Stack(logx.StackTrace(3, 32)),
			)
			writeError(w, r, nil)
		}()
		next.ServeHTTP(w, r)
	})
}
