package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"scriptrunner/internal/dispatcher"
	"scriptrunner/internal/models"
	"scriptrunner/internal/store"
)

type Dispatcher interface {
	Create(ctx context.Context, owner, scriptPath string) (*models.Execution, error)
	Submit(ctx context.Context, id int64) (dispatcher.Ticket, error)
	RequestCancel(ctx context.Context, id int64) error
	Status(ctx context.Context, id int64) (*models.Execution, error)
}

type ExecutionRouter struct {
	dispatcher Dispatcher
	router     chi.Router
}

func (e *ExecutionRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	e.router.ServeHTTP(writer, request)
}

func NewExecutionRouter(d Dispatcher) *ExecutionRouter {
	r := &ExecutionRouter{
		dispatcher: d,
		router:     chi.NewRouter(),
	}
	r.router.Post("/", r.Create)
	r.router.Get("/{id}", r.Get)
	r.router.Post("/{id}/run", r.Run)
	r.router.Post("/{id}/cancel", r.Cancel)

	return r
}

func (e *ExecutionRouter) Create(w http.ResponseWriter, r *http.Request) {
	var payload CreateExecutionRequest
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	execution, err := e.dispatcher.Create(r.Context(), payload.Owner, payload.ScriptPath)
	if err != nil {
		writeError(w, err, "Could not create execution")
		return
	}
	serveJson(w, http.StatusCreated, execution)
}

func (e *ExecutionRouter) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := executionID(w, r)
	if !ok {
		return
	}

	execution, err := e.dispatcher.Status(r.Context(), id)
	if err != nil {
		writeError(w, err, "Could not fetch execution")
		return
	}
	serveJson(w, http.StatusOK, NewStatusView(execution))
}

func (e *ExecutionRouter) Run(w http.ResponseWriter, r *http.Request) {
	id, ok := executionID(w, r)
	if !ok {
		return
	}

	ticket, err := e.dispatcher.Submit(r.Context(), id)
	if err != nil {
		writeError(w, err, "Could not submit execution")
		return
	}
	serveJson(w, http.StatusAccepted, ticket)
}

// Cancel only records the request. Clients poll Get to see the execution reach CANCELLED.
func (e *ExecutionRouter) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := executionID(w, r)
	if !ok {
		return
	}

	if err := e.dispatcher.RequestCancel(r.Context(), id); err != nil {
		writeError(w, err, "Could not cancel execution")
		return
	}
	serveJson(w, http.StatusAccepted, CancelResponse{ExecutionID: id, RequestedAt: time.Now().UTC()})
}

func executionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid execution id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrAlreadyRunning), errors.Is(err, store.ErrNotRunning), errors.Is(err, store.ErrCancelPending):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, dispatcher.ErrConcurrencyLimit):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	default:
		log.Error().Err(err).Msg(msg)
		http.Error(w, msg, http.StatusInternalServerError)
	}
}
