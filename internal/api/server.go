package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"task-lifecycle/internal/config"
	"task-lifecycle/internal/lifecycle"
	"task-lifecycle/internal/logger"
	"task-lifecycle/internal/models"
	"task-lifecycle/internal/telemetry"
)

// EventReader serves the recent transition feed.
type EventReader interface {
	Recent(ctx context.Context, count int64) ([]models.TransitionEvent, error)
}

// RateLimiter guards mutating routes.
type RateLimiter interface {
	Middleware(next http.Handler) http.Handler
}

// Server wires HTTP handlers onto the lifecycle service.
type Server struct {
	cfg     config.Config
	svc     *lifecycle.Service
	events  EventReader
	limiter RateLimiter
	log     *slog.Logger
}

// New constructs the API server. events and limiter may be nil.
func New(cfg config.Config, svc *lifecycle.Service, events EventReader, limiter RateLimiter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		svc:     svc,
		events:  events,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/events", s.handleEvents)

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Get("/{id}/history", s.handleHistory)

		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.limiter.Middleware)
			}
			r.Post("/", s.handleCreateTask)
			r.Post("/execute_all", s.handleExecuteAll)
			r.Put("/{id}", s.handleUpdateTask)
			r.Put("/{id}/status", s.handleSetStatus)
			r.Delete("/{id}", s.handleDeleteTask)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := s.log.With("request_id", middleware.GetReqID(r.Context()), "method", r.Method, "path", r.URL.Path)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context(), l)))
		l.Debug("request served", "status", ww.Status(), "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		respondWithError(w, r, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		respondWithJSON(w, http.StatusOK, []models.TransitionEvent{})
		return
	}
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			respondWithError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	evs, err := s.events.Recent(r.Context(), limit)
	if err != nil {
		logger.FromContext(r.Context()).Error("read event feed", "error", err)
		respondWithError(w, r, http.StatusInternalServerError, "event feed unavailable")
		return
	}
	respondWithJSON(w, http.StatusOK, evs)
}

type createTaskRequest struct {
	Name       string          `json:"name" validate:"required"`
	Type       string          `json:"type" validate:"required"`
	Priority   models.Priority `json:"priority" validate:"required,oneof=high medium low"`
	Parameters string          `json:"parameters"`
}

type messageResponse struct {
	ID      int64  `json:"id,omitempty"`
	Message string `json:"message"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	task, err := s.svc.CreateTask(r.Context(), lifecycle.NewTask{
		Name:       req.Name,
		Type:       req.Type,
		Priority:   req.Priority,
		Parameters: req.Parameters,
	})
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, messageResponse{ID: task.ID, Message: "task created"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.svc.ListTasks(r.Context(), lifecycle.TaskFilter{
		Status:   models.Status(q.Get("status")),
		Priority: models.Priority(q.Get("priority")),
		Type:     q.Get("type"),
	})
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	respondWithJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	task, err := s.svc.GetTask(r.Context(), id)
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, task)
}

type updateTaskRequest struct {
	Name       *string          `json:"name" validate:"omitempty,min=1"`
	Type       *string          `json:"type" validate:"omitempty,min=1"`
	Priority   *models.Priority `json:"priority" validate:"omitempty,oneof=high medium low"`
	Parameters *string          `json:"parameters"`
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	var req updateTaskRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	task, err := s.svc.UpdateTask(r.Context(), id, lifecycle.TaskPatch{
		Name:       req.Name,
		Type:       req.Type,
		Priority:   req.Priority,
		Parameters: req.Parameters,
	})
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"message": "task updated", "task": task})
}

type setStatusRequest struct {
	Status  models.Status `json:"status" validate:"required,oneof=pending in_progress completed"`
	Message string        `json:"message"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	var req setStatusRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	tr, err := s.svc.ApplyTransition(r.Context(), id, req.Status, req.Message)
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"message": "task status updated", "task": tr.Task})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteTask(r.Context(), id); err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, messageResponse{Message: "task deleted"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	entries, err := s.svc.History(r.Context(), id)
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entries)
}

type executeAllResponse struct {
	Executed int                     `json:"executed"`
	RunID    string                  `json:"run_id"`
	Outcomes []lifecycle.TaskOutcome `json:"outcomes"`
}

func (s *Server) handleExecuteAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.ExecuteAllPending(r.Context())
	if err != nil {
		s.respondWithServiceError(w, r, err)
		return
	}
	outcomes := res.Outcomes
	if outcomes == nil {
		outcomes = []lifecycle.TaskOutcome{}
	}
	respondWithJSON(w, http.StatusOK, executeAllResponse{Executed: res.Executed, RunID: res.RunID, Outcomes: outcomes})
}

// respondWithServiceError maps lifecycle errors onto HTTP status codes.
func (s *Server) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrTaskNotFound):
		respondWithError(w, r, http.StatusNotFound, "task not found")
	case lifecycle.IsIllegalTransition(err), errors.Is(err, lifecycle.ErrInvalidTask):
		respondWithError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrBatchInProgress):
		respondWithError(w, r, http.StatusConflict, err.Error())
	default:
		logger.FromContext(r.Context()).Error("request failed", "error", err)
		respondWithError(w, r, http.StatusInternalServerError, "internal server error")
	}
}

func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, r, http.StatusBadRequest, "invalid task id")
		return 0, false
	}
	return id, true
}
