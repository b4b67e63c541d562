package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/LeventeLantos/dispatcher/internal/breaker"
	"github.com/LeventeLantos/dispatcher/internal/model"
	"github.com/LeventeLantos/dispatcher/internal/repo"
	"github.com/LeventeLantos/dispatcher/internal/scheduler"
	"github.com/LeventeLantos/dispatcher/internal/service"
	"github.com/LeventeLantos/dispatcher/internal/webhook"
)

const (
	maxBodyBytes = 1 << 20
	maxBatchSize = 500
)

type Deps struct {
	Dispatcher  *service.Dispatcher
	Messages    repo.MessageRepository
	DeadLetters *service.DeadLetters
	Reconciler  *service.Reconciler
	Breakers    *breaker.Registry
	Scheduler   *scheduler.Scheduler
	Verifier    *Verifier
	Log         *slog.Logger
}

type Handler struct {
	dispatcher  *service.Dispatcher
	messages    repo.MessageRepository
	deadLetters *service.DeadLetters
	reconciler  *service.Reconciler
	breakers    *breaker.Registry
	sched       *scheduler.Scheduler
	verifier    *Verifier
	log         *slog.Logger
}

func NewHandler(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		dispatcher:  d.Dispatcher,
		messages:    d.Messages,
		deadLetters: d.DeadLetters,
		reconciler:  d.Reconciler,
		breakers:    d.Breakers,
		sched:       d.Scheduler,
		verifier:    d.Verifier,
		log:         log.With("component", "api"),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var req service.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	id, err := h.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (h *Handler) CreateMessages(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Messages []service.Request `json:"messages"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body.Messages) == 0 || len(body.Messages) > maxBatchSize {
		writeError(w, fmt.Errorf("%w: batch must hold 1 to %d messages", service.ErrInvalidRequest, maxBatchSize))
		return
	}

	ids, err := h.dispatcher.DispatchBatch(r.Context(), body.Messages)
	if err != nil {
		// Messages admitted before the failure stay queued; report their ids.
		if len(ids) > 0 {
			h.log.Error("batch partially admitted", "admitted", len(ids), "err", err)
		}
		writeJSON(w, errorStatus(err), map[string]any{"error": err.Error(), "ids": nonNil(ids)})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ids": ids})
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.messages.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListMessages lists messages in one status, sent by default.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := model.Sent
	if raw := q.Get("status"); raw != "" {
		status = model.Status(raw)
	}
	if !status.Valid() {
		writeError(w, fmt.Errorf("%w: unknown status %q", service.ErrInvalidRequest, status))
		return
	}

	limit := parseInt(q.Get("limit"), 50)
	offset := parseInt(q.Get("offset"), 0)

	items, err := h.messages.ListByStatus(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items)})
}

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := h.deadLetters.List(r.Context(), parseInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items)})
}

func (h *Handler) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := h.deadLetters.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"messageId": id})
}

func (h *Handler) DeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := h.deadLetters.Purge(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := h.deadLetters.PurgeAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": n})
}

func (h *Handler) Circuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(h.breakers.Snapshots())})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, h.sched.Status())
}

// Webhook verifies, parses and reconciles a provider callback. Events that
// match nothing are acknowledged so providers stop retrying them.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", webhook.ErrMalformed, err))
		return
	}

	if err := h.verifier.Verify(r.Header.Get(timestampHeader), r.Header.Get(signatureHeader), body); err != nil {
		h.log.Warn("webhook rejected", "provider", provider, "err", err)
		writeError(w, err)
		return
	}

	events, err := webhook.Parse(provider, body)
	if err != nil {
		writeError(w, err)
		return
	}

	for _, ev := range events {
		meta := service.CallbackMeta{MessageID: ev.MessageID, ErrorCode: ev.ErrorCode, ErrorMessage: ev.ErrorMessage}
		if err := h.reconciler.Reconcile(r.Context(), provider, ev.ExternalID, ev.Type, meta); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": len(events)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", service.ErrInvalidRequest, err)
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), map[string]any{"error": err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, webhook.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, ErrSignature):
		return http.StatusUnauthorized
	case errors.Is(err, repo.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrReplayInFlight):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
