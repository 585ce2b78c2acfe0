package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qline/queue-service/internal/models"
	"qline/queue-service/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	store store.Store
}

func NewHandler(store store.Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/queue/join", h.handleJoin)
	mux.HandleFunc("/api/queue/status/", h.handleQueueStatus)
	mux.HandleFunc("/api/queue/business", h.handleListQueue)
	mux.HandleFunc("/api/queue/business/call-next", h.handleCallNext)
	mux.HandleFunc("/api/queue/business/transfer", h.handleTransfer)
	mux.HandleFunc("/api/queue/business/", h.handleEntryActions)
	mux.HandleFunc("/api/queue/cancel/", h.handleCancel)
	mux.HandleFunc("/api/counters", h.handleListCounters)
	mux.HandleFunc("/api/counters/status", h.handleCounterStatus)
	mux.HandleFunc("/api/counters/break", h.handleStartBreak)
	mux.HandleFunc("/api/counters/break/end", h.handleEndBreak)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type joinRequest struct {
	BusinessID    string `json:"business_id"`
	ServiceType   string `json:"service_type"`
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
	CustomerEmail string `json:"customer_email"`
	Notes         string `json:"notes"`
	Priority      bool   `json:"priority"`
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req joinRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.ServiceType = strings.TrimSpace(req.ServiceType)
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerPhone = strings.TrimSpace(req.CustomerPhone)
	req.CustomerEmail = strings.TrimSpace(req.CustomerEmail)
	req.Notes = strings.TrimSpace(req.Notes)

	if req.BusinessID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "business_id is required")
		return
	}
	if !isValidUUID(req.BusinessID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "business_id must be a UUID")
		return
	}
	if req.CustomerPhone != "" && !isValidPhone(req.CustomerPhone) {
		writeError(w, http.StatusBadRequest, "invalid_request", "customer_phone must be 8-16 digits")
		return
	}

	entry, err := h.store.JoinQueue(r.Context(), store.JoinQueueInput{
		BusinessID:    req.BusinessID,
		ServiceType:   req.ServiceType,
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		CustomerEmail: req.CustomerEmail,
		Notes:         req.Notes,
		Priority:      req.Priority,
		JoinedAt:      time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/queue/status/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	businessCode := parts[0]
	queueNumber := strings.ToUpper(parts[1])

	status, err := h.store.GetEntryStatus(r.Context(), businessCode, queueNumber)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleListQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	businessID := strings.TrimSpace(r.URL.Query().Get("business_id"))
	if businessID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "business_id is required")
		return
	}
	if !isValidUUID(businessID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "business_id must be a UUID")
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	serviceType := strings.TrimSpace(r.URL.Query().Get("service_type"))

	limit := 0
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	snapshot, err := h.store.ListQueue(r.Context(), businessID, status, serviceType, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

type callNextRequest struct {
	BusinessID  string `json:"business_id"`
	CounterID   string `json:"counter_id"`
	ServiceType string `json:"service_type"`
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req callNextRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.CounterID = strings.TrimSpace(req.CounterID)
	req.ServiceType = strings.TrimSpace(req.ServiceType)

	if req.BusinessID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "business_id is required")
		return
	}
	if !isValidUUID(req.BusinessID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "business_id must be a UUID")
		return
	}
	if req.CounterID != "" && !isValidUUID(req.CounterID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter_id must be a UUID when provided")
		return
	}

	result, err := h.store.CallNext(r.Context(), store.CallNextInput{
		BusinessID:  req.BusinessID,
		CounterID:   req.CounterID,
		ServiceType: req.ServiceType,
		CalledAt:    time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type entryActionRequest struct {
	BusinessID string `json:"business_id"`
	Reason     string `json:"reason"`
}

func (h *Handler) handleEntryActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/queue/business/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if r.Method == http.MethodGet && len(parts) == 1 {
		h.handleGetEntry(w, r, parts[0])
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	action := parts[0]
	entryID := parts[1]
	if !isValidUUID(entryID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "entry_id must be a UUID")
		return
	}

	var req entryActionRequest
	if !decodeEntryAction(w, r, &req) {
		return
	}

	input := store.EntryActionInput{
		BusinessID: req.BusinessID,
		EntryID:    entryID,
		Reason:     req.Reason,
		OccurredAt: time.Now().UTC(),
	}

	var (
		entry models.Entry
		err   error
	)
	switch action {
	case "serve":
		entry, err = h.store.StartServing(r.Context(), input)
	case "complete":
		entry, err = h.store.CompleteService(r.Context(), input)
	case "skip":
		entry, err = h.store.SkipEntry(r.Context(), input)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request, entryID string) {
	if !isValidUUID(entryID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "entry_id must be a UUID")
		return
	}
	businessID := strings.TrimSpace(r.URL.Query().Get("business_id"))
	if businessID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "business_id is required")
		return
	}
	if !isValidUUID(businessID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "business_id must be a UUID")
		return
	}

	entry, err := h.store.GetEntry(r.Context(), businessID, entryID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

type transferRequest struct {
	BusinessID  string `json:"business_id"`
	EntryID     string `json:"entry_id"`
	ToCounterID string `json:"to_counter_id"`
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req transferRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.EntryID = strings.TrimSpace(req.EntryID)
	req.ToCounterID = strings.TrimSpace(req.ToCounterID)

	if req.BusinessID == "" || req.EntryID == "" || req.ToCounterID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "business_id, entry_id, and to_counter_id are required")
		return
	}
	if !isValidUUID(req.BusinessID) || !isValidUUID(req.EntryID) || !isValidUUID(req.ToCounterID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "business_id, entry_id, and to_counter_id must be UUIDs")
		return
	}

	result, err := h.store.TransferEntry(r.Context(), store.EntryActionInput{
		BusinessID:  req.BusinessID,
		EntryID:     req.EntryID,
		ToCounterID: req.ToCounterID,
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	entryID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/queue/cancel/"), "/")
	if entryID == "" || strings.Contains(entryID, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !isValidUUID(entryID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "entry_id must be a UUID")
		return
	}

	var req entryActionRequest
	if !decodeEntryAction(w, r, &req) {
		return
	}

	entry, err := h.store.CancelEntry(r.Context(), store.EntryActionInput{
		BusinessID: req.BusinessID,
		EntryID:    entryID,
		Reason:     req.Reason,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleListCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	businessID := strings.TrimSpace(r.URL.Query().Get("business_id"))
	if businessID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "business_id is required")
		return
	}
	if !isValidUUID(businessID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "business_id must be a UUID")
		return
	}

	counters, err := h.store.ListCounters(r.Context(), businessID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, counters)
}

type counterActionRequest struct {
	BusinessID      string `json:"business_id"`
	CounterID       string `json:"counter_id"`
	Status          string `json:"status"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (h *Handler) handleCounterStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, ok := decodeCounterAction(w, r)
	if !ok {
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "status is required")
		return
	}
	if !models.ValidCounterStatus(req.Status) || req.Status == models.CounterBusy {
		writeError(w, http.StatusBadRequest, "invalid_request", "status must be active, inactive, or break")
		return
	}

	counter, err := h.store.UpdateCounterStatus(r.Context(), store.CounterActionInput{
		BusinessID:      req.BusinessID,
		CounterID:       req.CounterID,
		Status:          req.Status,
		DurationMinutes: req.DurationMinutes,
		OccurredAt:      time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, counter)
}

func (h *Handler) handleStartBreak(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, ok := decodeCounterAction(w, r)
	if !ok {
		return
	}
	if req.DurationMinutes < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "duration_minutes must not be negative")
		return
	}

	counter, err := h.store.StartBreak(r.Context(), store.CounterActionInput{
		BusinessID:      req.BusinessID,
		CounterID:       req.CounterID,
		DurationMinutes: req.DurationMinutes,
		OccurredAt:      time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, counter)
}

func (h *Handler) handleEndBreak(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, ok := decodeCounterAction(w, r)
	if !ok {
		return
	}

	counter, err := h.store.EndBreak(r.Context(), store.CounterActionInput{
		BusinessID: req.BusinessID,
		CounterID:  req.CounterID,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, counter)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	businessID := strings.TrimSpace(r.URL.Query().Get("business_id"))
	if businessID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "business_id is required")
		return
	}
	if !isValidUUID(businessID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "business_id must be a UUID")
		return
	}

	afterRaw := strings.TrimSpace(r.URL.Query().Get("after"))
	var after time.Time
	if afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 0
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.store.ListOutboxEvents(r.Context(), businessID, after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, events)
}

func decodeEntryAction(w http.ResponseWriter, r *http.Request, req *entryActionRequest) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.BusinessID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "business_id is required")
		return false
	}
	if !isValidUUID(req.BusinessID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "business_id must be a UUID")
		return false
	}
	return true
}

func decodeCounterAction(w http.ResponseWriter, r *http.Request) (counterActionRequest, bool) {
	var req counterActionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return counterActionRequest{}, false
	}
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.CounterID = strings.TrimSpace(req.CounterID)
	req.Status = strings.TrimSpace(req.Status)
	if req.BusinessID == "" || req.CounterID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "business_id and counter_id are required")
		return counterActionRequest{}, false
	}
	if !isValidUUID(req.BusinessID) || !isValidUUID(req.CounterID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "business_id and counter_id must be UUIDs")
		return counterActionRequest{}, false
	}
	return req, true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func isValidPhone(value string) bool {
	if len(value) < 8 || len(value) > 16 {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrBusinessNotFound):
		return http.StatusNotFound, "business_not_found", "business not found"
	case errors.Is(err, store.ErrBusinessClosed):
		return http.StatusBadRequest, "business_closed", "business is not accepting customers right now"
	case errors.Is(err, store.ErrQueueFull):
		return http.StatusBadRequest, "queue_full", "queue is at capacity"
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found", "queue entry not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrNoCounterAvailable):
		return http.StatusNotFound, "no_counter_available", "no counter available"
	case errors.Is(err, store.ErrQueueEmpty):
		return http.StatusNotFound, "queue_empty", "no waiting customers"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusBadRequest, "invalid_state", "entry state does not allow this action"
	case errors.Is(err, store.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", "counter is already serving a customer"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "lost a concurrent update, retry"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
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
