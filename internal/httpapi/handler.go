package httpapi

import (
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"net/http"
	"strings"

	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/models"
)

// QueueEngine is the engine surface the API serves.
type QueueEngine interface {
	CreateQueue(ctx context.Context, input engine.CreateQueueInput) (models.Queue, error)
	ListQueues(ctx context.Context) ([]models.Queue, error)
	GetQueue(ctx context.Context, queueID string) (models.Queue, error)
	UpdateQueue(ctx context.Context, queueID string, input engine.UpdateQueueInput) (models.Queue, error)
	DeleteQueue(ctx context.Context, queueID string) error
	GetQueueState(ctx context.Context, queueID string) (models.QueueState, error)
	GetQueueStats(ctx context.Context, queueID, period string) (models.QueueStats, error)
	Peek(ctx context.Context, queueID string) (models.Position, bool, error)
	Admit(ctx context.Context, input engine.AdmitInput) (models.Position, error)
	Remove(ctx context.Context, queueID, clientID string) (bool, error)
	Skip(ctx context.Context, queueID, clientID string) (models.Position, error)
	CallNext(ctx context.Context, queueID string) (models.Position, error)
	StartServing(ctx context.Context, input engine.StartServingInput) (models.ServiceLog, error)
	FinishServing(ctx context.Context, input engine.FinishServingInput) (models.ServiceLog, error)
	CreateOperator(ctx context.Context, input engine.CreateOperatorInput) (models.Operator, error)
	GetOperator(ctx context.Context, operatorID string) (models.Operator, error)
	SetOperatorStatus(ctx context.Context, operatorID, status string) (models.Operator, error)
	AssignOperator(ctx context.Context, operatorID, queueID string) (models.Operator, error)
	OperatorStats(ctx context.Context, operatorID, period string) (models.OperatorStats, error)
	ClientPositions(ctx context.Context, clientID string) ([]models.Position, error)
}

type Handler struct {
	engine QueueEngine
	logger *slog.Logger
}

type Options struct {
	Logger *slog.Logger
}

func NewHandler(e QueueEngine, options Options) *Handler {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: e, logger: logger}
}

type createQueueRequest struct {
	Name                 string `json:"name"`
	Description          string `json:"description"`
	Type                 string `json:"type"`
	MaxClients           int    `json:"max_clients"`
	EstimatedServiceTime int    `json:"estimated_service_time"`
}

type updateQueueRequest struct {
	Name                 *string `json:"name"`
	Description          *string `json:"description"`
	Status               *string `json:"status"`
	MaxClients           *int    `json:"max_clients"`
	EstimatedServiceTime *int    `json:"estimated_service_time"`
}

type admitRequest struct {
	ClientID   string `json:"client_id"`
	ClientName string `json:"client_name"`
	Priority   string `json:"priority"`
}

type startServingRequest struct {
	OperatorID string `json:"operator_id"`
	ClientID   string `json:"client_id"`
}

type finishServingRequest struct {
	OperatorID string          `json:"operator_id"`
	Outcome    string          `json:"outcome"`
	Notes      string          `json:"notes"`
	Metadata   json.RawMessage `json:"metadata"`
}

type createOperatorRequest struct {
	Name             string `json:"name"`
	QueueID          string `json:"queue_id"`
	MaxClientsPerDay int    `json:"max_clients_per_day"`
}

type updateOperatorRequest struct {
	Status  *string `json:"status"`
	QueueID *string `json:"queue_id"`
}

type peekResponse struct {
	Found    bool             `json:"found"`
	Position *models.Position `json:"position,omitempty"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /metrics", expvar.Handler())

	mux.HandleFunc("POST /api/queues", h.handleCreateQueue)
	mux.HandleFunc("GET /api/queues", h.handleListQueues)
	mux.HandleFunc("GET /api/queues/{id}", h.handleGetQueue)
	mux.HandleFunc("PATCH /api/queues/{id}", h.handleUpdateQueue)
	mux.HandleFunc("DELETE /api/queues/{id}", h.handleDeleteQueue)
	mux.HandleFunc("GET /api/queues/{id}/state", h.handleQueueState)
	mux.HandleFunc("GET /api/queues/{id}/stats", h.handleQueueStats)
	mux.HandleFunc("GET /api/queues/{id}/next", h.handlePeek)
	mux.HandleFunc("POST /api/queues/{id}/clients", h.handleAdmit)
	mux.HandleFunc("DELETE /api/queues/{id}/clients/{client}", h.handleRemove)
	mux.HandleFunc("POST /api/queues/{id}/clients/{client}/skip", h.handleSkip)
	mux.HandleFunc("POST /api/queues/{id}/call-next", h.handleCallNext)
	mux.HandleFunc("POST /api/queues/{id}/serving", h.handleStartServing)
	mux.HandleFunc("POST /api/service-logs/{id}/finish", h.handleFinishServing)

	mux.HandleFunc("POST /api/operators", h.handleCreateOperator)
	mux.HandleFunc("GET /api/operators/{id}", h.handleGetOperator)
	mux.HandleFunc("PATCH /api/operators/{id}", h.handleUpdateOperator)
	mux.HandleFunc("GET /api/operators/{id}/stats", h.handleOperatorStats)

	mux.HandleFunc("GET /api/clients/{id}/positions", h.handleClientPositions)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var req createQueueRequest
	if !h.decode(w, r, &req) {
		return
	}
	q, err := h.engine.CreateQueue(r.Context(), engine.CreateQueueInput{
		Name:                 req.Name,
		Description:          req.Description,
		Type:                 strings.TrimSpace(req.Type),
		MaxClients:           req.MaxClients,
		EstimatedServiceTime: req.EstimatedServiceTime,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (h *Handler) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := h.engine.ListQueues(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queues)
}

func (h *Handler) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	q, err := h.engine.GetQueue(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) handleUpdateQueue(w http.ResponseWriter, r *http.Request) {
	var req updateQueueRequest
	if !h.decode(w, r, &req) {
		return
	}
	q, err := h.engine.UpdateQueue(r.Context(), r.PathValue("id"), engine.UpdateQueueInput{
		Name:                 req.Name,
		Description:          req.Description,
		Status:               req.Status,
		MaxClients:           req.MaxClients,
		EstimatedServiceTime: req.EstimatedServiceTime,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteQueue(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleQueueState(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.GetQueueState(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	period := strings.TrimSpace(r.URL.Query().Get("period"))
	stats, err := h.engine.GetQueueStats(r.Context(), r.PathValue("id"), period)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handlePeek(w http.ResponseWriter, r *http.Request) {
	p, found, err := h.engine.Peek(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := peekResponse{Found: found}
	if found {
		resp.Position = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}
	p, err := h.engine.Admit(r.Context(), engine.AdmitInput{
		QueueID:    r.PathValue("id"),
		ClientID:   req.ClientID,
		ClientName: strings.TrimSpace(req.ClientName),
		Priority:   strings.TrimSpace(req.Priority),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	removed, err := h.engine.Remove(r.Context(), r.PathValue("id"), r.PathValue("client"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (h *Handler) handleSkip(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Skip(r.Context(), r.PathValue("id"), r.PathValue("client"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.CallNext(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleStartServing(w http.ResponseWriter, r *http.Request) {
	var req startServingRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.OperatorID = strings.TrimSpace(req.OperatorID)
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.OperatorID == "" || req.ClientID == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "operator_id and client_id are required")
		return
	}
	log, err := h.engine.StartServing(r.Context(), engine.StartServingInput{
		OperatorID: req.OperatorID,
		ClientID:   req.ClientID,
		QueueID:    r.PathValue("id"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, log)
}

func (h *Handler) handleFinishServing(w http.ResponseWriter, r *http.Request) {
	var req finishServingRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.OperatorID = strings.TrimSpace(req.OperatorID)
	if req.OperatorID == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "operator_id is required")
		return
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "metadata must be JSON")
		return
	}
	log, err := h.engine.FinishServing(r.Context(), engine.FinishServingInput{
		OperatorID:   req.OperatorID,
		ServiceLogID: r.PathValue("id"),
		Outcome:      req.Outcome,
		Notes:        req.Notes,
		Metadata:     req.Metadata,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func (h *Handler) handleCreateOperator(w http.ResponseWriter, r *http.Request) {
	var req createOperatorRequest
	if !h.decode(w, r, &req) {
		return
	}
	op, err := h.engine.CreateOperator(r.Context(), engine.CreateOperatorInput{
		Name:             req.Name,
		QueueID:          strings.TrimSpace(req.QueueID),
		MaxClientsPerDay: req.MaxClientsPerDay,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

func (h *Handler) handleGetOperator(w http.ResponseWriter, r *http.Request) {
	op, err := h.engine.GetOperator(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *Handler) handleUpdateOperator(w http.ResponseWriter, r *http.Request) {
	var req updateOperatorRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Status == nil && req.QueueID == nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "status or queue_id is required")
		return
	}
	operatorID := r.PathValue("id")
	var (
		op  models.Operator
		err error
	)
	if req.QueueID != nil {
		op, err = h.engine.AssignOperator(r.Context(), operatorID, strings.TrimSpace(*req.QueueID))
		if err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if req.Status != nil {
		op, err = h.engine.SetOperatorStatus(r.Context(), operatorID, strings.TrimSpace(*req.Status))
		if err != nil {
			h.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *Handler) handleOperatorStats(w http.ResponseWriter, r *http.Request) {
	period := strings.TrimSpace(r.URL.Query().Get("period"))
	stats, err := h.engine.OperatorStats(r.Context(), r.PathValue("id"), period)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleClientPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.engine.ClientPositions(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestID(r),
			"error", err,
		)
	}
	writeError(w, requestID(r), status, code, msg)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
