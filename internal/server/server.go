package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"coverline/internal/app"
	"coverline/internal/config"
	"coverline/internal/domain"
	"coverline/internal/engine"
	"coverline/internal/migrate"
	"coverline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Runner   *app.Runner
	Sessions *app.Sessions
	BasePath string
	Auth     AuthConfig
	Log      *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"run not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type api struct {
	runner   *app.Runner
	sessions *app.Sessions
	auth     AuthConfig
	log      *slog.Logger
}

func (a *api) repo() repo.Repo { return a.runner.Repo }

// New returns an HTTP handler exposing the coverline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Runner == nil || cfg.Runner.Repo.DB == nil {
		return nil, errors.New("server needs a runner with a database")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = log
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = app.NewSessions(cfg.Runner)
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(loggingMiddleware(log))
	router.Handle("/metrics", cfg.Runner.Metrics.Handler())
	router.Group(func(r chi.Router) {
		r.Use(newAuthMiddleware(cfg.Auth))
		hcfg := huma.DefaultConfig("Coverline API", "0.1.0")
		hcfg.OpenAPIPath = ""
		hcfg.DocsPath = ""
		hcfg.SchemasPath = ""
		humaAPI := humachi.New(r, hcfg)
		group := huma.NewGroup(humaAPI, basePath)

		a := &api{runner: cfg.Runner, sessions: sessions, auth: cfg.Auth, log: log}
		a.registerHealth(group)
		a.registerFeasibility(group)
		a.registerMissions(group)
		a.registerRuns(group)
		a.registerSweeps(group)
		a.registerSessions(group)
		a.registerEvents(group)
		if cfg.Auth.AllowDevLogin {
			a.registerDevAuth(group)
		}
		registerOpenAPI(r, humaAPI, basePath)
	})
	return router, nil
}

func loggingMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			level := slog.LevelDebug
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			log.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start).String(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var verr *config.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "invalid_mission", err.Error(), map[string]any{"field": verr.Field})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, app.ErrSessionNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrTerminated):
		return newAPIError(http.StatusConflict, "terminated", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not found"):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, humaAPI huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		if spec == nil {
			oas := humaAPI.OpenAPI()
			applyAuthSecurity(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

// applyAuthSecurity marks every mutating operation as bearer-protected.
func applyAuthSecurity(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil && op.OperationID != "dev-login" {
				op.Security = security
			}
		}
	}
}

type bodyOutput[T any] struct {
	Body T `json:"body"`
}

func respond[T any](v T) *bodyOutput[T] { return &bodyOutput[T]{Body: v} }

func (a *api) registerHealth(humaAPI huma.API) {
	huma.Register(humaAPI, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[map[string]any], error) {
		v, err := migrate.Version(ctx, a.repo().DB)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(map[string]any{"status": "ok", "schema_version": v}), nil
	})
}

// resolve loads an inline mission or a stored one. Mission files on the
// server's disk are never read through the API.
func (a *api) resolve(ctx context.Context, ref MissionRef) (*config.Mission, error) {
	switch {
	case strings.TrimSpace(ref.YAML) != "":
		m, err := config.FromYAML([]byte(ref.YAML))
		if err != nil {
			return nil, err
		}
		if m.Name == "" {
			m.Name = ref.Mission
		}
		return m, nil
	case strings.TrimSpace(ref.Mission) != "":
		return a.stored(ctx, ref.Mission)
	default:
		return nil, newAPIError(http.StatusBadRequest, "bad_request", "mission or yaml is required", nil)
	}
}

func (a *api) stored(ctx context.Context, name string) (*config.Mission, error) {
	rec, err := a.repo().GetMission(ctx, name)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("mission %s not found", name), nil)
		}
		return nil, err
	}
	m, err := config.FromYAML([]byte(rec.YAML))
	if err != nil {
		return nil, err
	}
	if m.Name == "" {
		m.Name = rec.Name
	}
	return m, nil
}

func (a *api) registerFeasibility(humaAPI huma.API) {
	huma.Register(humaAPI, huma.Operation{
		OperationID: "check-feasibility",
		Method:      http.MethodPost,
		Path:        "/feasibility",
		Summary:     "Aggregate supply versus demand for a mission",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body FeasibilityRequest `json:"body"`
	}) (*bodyOutput[engine.FeasibilityResult], error) {
		m, err := a.resolve(ctx, input.Body.MissionRef)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(engine.CheckMission(m, input.Body.Faulted)), nil
	})
}

func (a *api) registerMissions(humaAPI huma.API) {
	huma.Register(humaAPI, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List stored missions",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[[]domain.MissionRecord], error) {
		items, err := a.repo().ListMissions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{name}",
		Summary:     "Get a stored mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*bodyOutput[MissionResponse], error) {
		rec, err := a.repo().GetMission(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := config.FromYAML([]byte(rec.YAML))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(missionResponse(rec, m)), nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "put-mission",
		Method:      http.MethodPut,
		Path:        "/missions/{name}",
		Summary:     "Create or replace a stored mission",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Name string            `path:"name"`
		Body PutMissionRequest `json:"body"`
	}) (*bodyOutput[MissionResponse], error) {
		if err := requirePermission(ctx, PermMissionsWrite); err != nil {
			return nil, handleError(err)
		}
		m, err := config.Decode([]byte(input.Body.YAML))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_mission", err.Error(), nil)
		}
		m.Name = input.Name
		rec, err := app.SaveMission(ctx, a.repo(), a.runner.Events, m, time.Now())
		if err != nil {
			return nil, handleError(err)
		}
		live := m.Clone()
		live.Normalize()
		return respond(missionResponse(rec, live)), nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "delete-mission",
		Method:      http.MethodDelete,
		Path:        "/missions/{name}",
		Summary:     "Delete a stored mission",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, PermMissionsWrite); err != nil {
			return nil, handleError(err)
		}
		if err := a.repo().DeleteMission(ctx, input.Name); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "check-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{name}/check",
		Summary:     "Feasibility and injection audit of a stored mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name    string `path:"name"`
		Faulted int    `query:"faulted" minimum:"0"`
	}) (*bodyOutput[MissionCheckResponse], error) {
		rec, err := a.repo().GetMission(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		raw, err := config.Decode([]byte(rec.YAML))
		if err != nil {
			return nil, handleError(err)
		}
		raw.Name = rec.Name
		live, err := config.FromYAML([]byte(rec.YAML))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(MissionCheckResponse{
			Feasibility: engine.CheckMission(live, input.Faulted),
			Audit:       config.Audit(raw),
		}), nil
	})
}

func (a *api) registerRuns(humaAPI huma.API) {
	huma.Register(humaAPI, huma.Operation{
		OperationID: "create-run",
		Method:      http.MethodPost,
		Path:        "/runs",
		Summary:     "Run a mission to completion",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RunRequest `json:"body"`
	}) (*bodyOutput[app.RunOutcome], error) {
		if err := requirePermission(ctx, PermRunsExecute); err != nil {
			return nil, handleError(err)
		}
		m, err := a.resolve(ctx, input.Body.MissionRef)
		if err != nil {
			return nil, handleError(err)
		}
		out, err := a.runner.RunMission(ctx, m, app.RunOptions{Ticks: input.Body.Ticks, Faults: input.Body.Faults})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(out), nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs, newest first",
	}, func(ctx context.Context, input *struct {
		Mission string `query:"mission"`
		Status  string `query:"status" enum:"RUNNING,PASS,FAIL,CANCELED,INFEASIBLE"`
		Limit   int    `query:"limit" default:"50"`
	}) (*bodyOutput[[]domain.Run], error) {
		items, err := a.repo().ListRuns(ctx, repo.RunFilters{Mission: input.Mission, Status: input.Status, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get a run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*bodyOutput[domain.Run], error) {
		run, err := a.repo().GetRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(run), nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "run-timeline",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/timeline",
		Summary:     "Change-only assignment timeline of a run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		Domain   string `query:"domain"`
		FromTick int    `query:"from_tick" minimum:"0"`
		ToTick   int    `query:"to_tick" minimum:"0"`
	}) (*bodyOutput[[]domain.TimelineRow], error) {
		if _, err := a.repo().GetRun(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		rows, err := a.repo().ListTimeline(ctx, repo.TimelineFilters{RunID: input.ID, Domain: input.Domain, FromTick: input.FromTick, ToTick: input.ToTick})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(rows)), nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "run-battery",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/battery",
		Summary:     "Battery samples of a run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Unit string `query:"unit"`
	}) (*bodyOutput[[]domain.BatterySample], error) {
		if _, err := a.repo().GetRun(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		rows, err := a.repo().ListBatterySamples(ctx, input.ID, input.Unit)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(rows)), nil
	})
}

func (a *api) registerSweeps(humaAPI huma.API) {
	huma.Register(humaAPI, huma.Operation{
		OperationID: "create-sweep",
		Method:      http.MethodPost,
		Path:        "/sweeps",
		Summary:     "Sweep permanent faults over 0..Fmax",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body SweepRequest `json:"body"`
	}) (*bodyOutput[SweepResponse], error) {
		if err := requirePermission(ctx, PermRunsExecute); err != nil {
			return nil, handleError(err)
		}
		m, err := a.resolve(ctx, input.Body.MissionRef)
		if err != nil {
			return nil, handleError(err)
		}
		fmax := -1
		if input.Body.Fmax != nil {
			fmax = *input.Body.Fmax
		}
		rec, rep, err := a.runner.Sweep(ctx, m, engine.SweepOptions{Fmax: fmax, ProbeAll: input.Body.ProbeAll, Ticks: input.Body.Ticks})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(SweepResponse{Sweep: rec, Report: rep}), nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "list-sweeps",
		Method:      http.MethodGet,
		Path:        "/sweeps",
		Summary:     "List sweeps, newest first",
	}, func(ctx context.Context, input *struct {
		Mission string `query:"mission"`
		Limit   int    `query:"limit" default:"50"`
	}) (*bodyOutput[[]domain.Sweep], error) {
		items, err := a.repo().ListSweeps(ctx, input.Mission, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "get-sweep",
		Method:      http.MethodGet,
		Path:        "/sweeps/{id}",
		Summary:     "Get a sweep report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*bodyOutput[SweepResponse], error) {
		rec, err := a.repo().GetSweep(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		var rep engine.SweepReport
		if err := json.Unmarshal([]byte(rec.ReportJSON), &rep); err != nil {
			return nil, handleError(fmt.Errorf("decode sweep report: %w", err))
		}
		return respond(SweepResponse{Sweep: rec, Report: rep}), nil
	})
}

func (a *api) registerSessions(humaAPI huma.API) {
	type sessionPath struct {
		ID string `path:"id"`
	}
	huma.Register(humaAPI, huma.Operation{
		OperationID: "open-session",
		Method:      http.MethodPost,
		Path:        "/sessions",
		Summary:     "Open a live session stepped on demand",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body MissionRef `json:"body"`
	}) (*bodyOutput[app.SessionState], error) {
		if err := requirePermission(ctx, PermSessionsDrive); err != nil {
			return nil, handleError(err)
		}
		m, err := a.resolve(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := a.sessions.Open(ctx, m)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(st), nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List open sessions",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[[]app.SessionState], error) {
		return respond(a.sessions.List()), nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Current state of a session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*bodyOutput[app.SessionState], error) {
		st, err := a.sessions.State(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(st), nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "step-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/step",
		Summary:     "Advance a session",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body StepRequest `json:"body"`
	}) (*bodyOutput[StepResponse], error) {
		if err := requirePermission(ctx, PermSessionsDrive); err != nil {
			return nil, handleError(err)
		}
		ticks, err := a.sessions.Step(ctx, input.ID, input.Body.Ticks)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := a.sessions.State(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(StepResponse{Ticks: nonNilSlice(ticks), State: st}), nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID:   "inject-fault",
		Method:        http.MethodPost,
		Path:          "/sessions/{id}/faults",
		Summary:       "Queue a fault for the next tick boundary",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body engine.FaultEvent `json:"body"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, PermSessionsDrive); err != nil {
			return nil, handleError(err)
		}
		if err := a.sessions.InjectFault(ctx, input.ID, input.Body); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID:   "stage-mission",
		Method:        http.MethodPut,
		Path:          "/sessions/{id}/mission",
		Summary:       "Stage a mission edit for the next tick boundary",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID   string     `path:"id"`
		Body MissionRef `json:"body"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, PermSessionsDrive); err != nil {
			return nil, handleError(err)
		}
		m, err := a.resolve(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		if err := a.sessions.StageMission(ctx, input.ID, m); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "close-session",
		Method:      http.MethodDelete,
		Path:        "/sessions/{id}",
		Summary:     "Close a session",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *sessionPath) (*struct{}, error) {
		if err := requirePermission(ctx, PermSessionsDrive); err != nil {
			return nil, handleError(err)
		}
		if err := a.sessions.Close(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func (a *api) registerEvents(humaAPI huma.API) {
	huma.Register(humaAPI, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"run,sweep,session,mission"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*bodyOutput[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := a.repo().LatestEvents(ctx, repo.EventFilters{
			Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID,
			Before: before, Limit: limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return respond(resp), nil
	})
}

func (a *api) registerDevAuth(humaAPI huma.API) {
	huma.Register(humaAPI, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*bodyOutput[DevLoginResponse], error) {
		subject := strings.TrimSpace(input.Body.Subject)
		if subject == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject is required", nil)
		}
		perms := input.Body.Permissions
		if len(perms) == 0 {
			perms = []string{PermMissionsWrite, PermRunsExecute, PermSessionsDrive}
		}
		token, err := SignToken(a.auth.JWTSecret, subject, perms, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return respond(DevLoginResponse{Token: token}), nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
