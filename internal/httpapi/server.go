package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lfedgeai/SPEAR-sub001/internal/store"
	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Execute(ctx context.Context, req types.ExecuteRequest) (types.ExecutionResponse, error)
	GetExecutionStatus(ctx context.Context, id string) (types.ExecutionRecord, error)
	ListExecutions(ctx context.Context, f store.Filter) ([]types.ExecutionRecord, error)
	CancelExecution(ctx context.Context, id string) error
	Statistics() types.ExecutionStatistics

	RegisterArtifact(spec types.ArtifactSpec) (types.ArtifactInfo, error)
	GetArtifact(id string) (types.ArtifactInfo, error)
	ListArtifacts() []types.ArtifactInfo
	DeprecateArtifact(id string) (types.ArtifactInfo, error)
	RemoveArtifact(id string) error

	GetTask(id string) (types.TaskInfo, error)
	ListTasks() []types.TaskInfo
	TerminateTask(ctx context.Context, id string) error
	ResetTask(id string) (uint64, error)

	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	h := &handlers{svc: svc}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/executions", h.execute)
		r.Get("/executions", h.listExecutions)
		r.Get("/executions/{id}", h.getExecution)
		r.Delete("/executions/{id}", h.cancelExecution)
		r.Get("/statistics", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, svc.Statistics())
		})

		r.Post("/artifacts", h.registerArtifact)
		r.Get("/artifacts", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, types.ArtifactsResponse{Artifacts: svc.ListArtifacts()})
		})
		r.Get("/artifacts/{id}", h.getArtifact)
		r.Post("/artifacts/{id}/deprecate", h.deprecateArtifact)
		r.Delete("/artifacts/{id}", h.removeArtifact)

		r.Get("/tasks", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, types.TasksResponse{Tasks: svc.ListTasks()})
		})
		r.Get("/tasks/{id}", h.getTask)
		r.Delete("/tasks/{id}", h.terminateTask)
		r.Post("/tasks/{id}/reset", h.resetTask)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

type handlers struct {
	svc Service
}

// decodeJSON enforces the content type and body limit. It writes the error
// response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *handlers) execute(w http.ResponseWriter, r *http.Request) {
	var req types.ExecuteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	start := time.Now()
	lvl := requestLogLevel(r)

	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if requestTimeout > 0 && req.Mode != types.ModeAsync {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, requestTimeout)
		defer tcancel()
	}

	resp, err := h.svc.Execute(ctx, req)
	switch {
	case err != nil && resp.ExecutionID == "":
		// Rejected before an execution existed.
		writeError(w, err)
		logExecution(r, lvl, statusOf(err), start, len(req.Payload), err)
	case err != nil:
		if r.Context().Err() != nil {
			return
		}
		observeError(err, statusOf(err))
		writeJSON(w, statusOf(err), resp)
		logExecution(r, lvl, statusOf(err), start, len(req.Payload), err)
	case resp.Status == types.StatusPending:
		w.Header().Set("Location", "/v1/executions/"+resp.ExecutionID)
		writeJSON(w, http.StatusAccepted, resp)
		logExecution(r, lvl, http.StatusAccepted, start, len(req.Payload), nil)
	default:
		writeJSON(w, http.StatusOK, resp)
		logExecution(r, lvl, http.StatusOK, start, len(req.Payload), nil)
	}
}

func (h *handlers) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{TaskID: q.Get("task_id")}
	if s := q.Get("status"); s != "" {
		f.Statuses = strings.Split(s, ",")
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	recs, err := h.svc.ListExecutions(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": recs})
}

func (h *handlers) getExecution(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetExecutionStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) cancelExecution(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CancelExecution(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) registerArtifact(w http.ResponseWriter, r *http.Request) {
	var spec types.ArtifactSpec
	if !decodeJSON(w, r, &spec) {
		return
	}
	info, err := h.svc.RegisterArtifact(spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *handlers) getArtifact(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.GetArtifact(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handlers) deprecateArtifact(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.DeprecateArtifact(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handlers) removeArtifact(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RemoveArtifact(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handlers) terminateTask(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if err := h.svc.TerminateTask(ctx, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) resetTask(w http.ResponseWriter, r *http.Request) {
	gen, err := h.svc.ResetTask(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"generation": gen})
}
