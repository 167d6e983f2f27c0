package approval

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-price-updater/store"
)

// ReviewerHeader carries the reviewer identity.
const ReviewerHeader = "X-Admin-ID"

// Handler serves the approval queue over HTTP.
type Handler struct {
	queue *Queue
}

// NewHandler wraps queue.
func NewHandler(queue *Queue) *Handler {
	return &Handler{queue: queue}
}

// Register mounts the approval routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/price-approvals", h.list)
	mux.HandleFunc("GET /api/price-approvals/{id}", h.get)
	mux.HandleFunc("POST /api/price-approvals/{id}/approve", h.approve)
	mux.HandleFunc("POST /api/price-approvals/{id}/reject", h.reject)
	mux.HandleFunc("POST /api/price-approvals/bulk-approve", h.bulkApprove)
	mux.HandleFunc("POST /api/price-approvals/bulk-reject", h.bulkReject)
	mux.HandleFunc("GET /api/price-history", h.history)
}

type decisionRequest struct {
	Notes string `json:"notes"`
}

type bulkRequest struct {
	IDs   []int64 `json:"ids"`
	Notes string  `json:"notes"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := optionalInt(query.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	offset, err := optionalInt(query.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}

	page, err := h.queue.List(r.Context(), Filter{Status: query.Get("status"), Limit: limit, Offset: offset})
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	change, err := h.queue.Get(r.Context(), id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.queue.Approve)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.queue.Reject)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id int64, reviewer, notes string) (store.Resolution, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	res, err := apply(r.Context(), id, reviewer(r), req.Notes)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"change":  res.Change,
		"history": res.History,
	})
}

func (h *Handler) bulkApprove(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, h.queue.BulkApprove)
}

func (h *Handler) bulkReject(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, h.queue.BulkReject)
}

func (h *Handler) bulk(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, ids []int64, reviewer, notes string) []BulkResult) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids cannot be empty")
		return
	}

	results := apply(r.Context(), req.IDs, reviewer(r), req.Notes)
	succeeded := 0
	for _, res := range results {
		if res.Error == "" {
			succeeded++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":   results,
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
	})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	itemID, err := optionalInt(query.Get("item_id"))
	if err != nil || itemID < 0 {
		writeError(w, http.StatusBadRequest, "item_id must be a positive integer")
		return
	}
	limit, err := optionalInt(query.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	entries, err := h.queue.History(r.Context(), int64(itemID), limit)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	if entries == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func reviewer(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ReviewerHeader)); id != "" {
		return id
	}
	return "admin"
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func optionalInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidFilter):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("approval request failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("write response", slog.Any("error", err))
	}
}
