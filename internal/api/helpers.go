package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/tradeweave/loopengine/internal/models"
	"github.com/tradeweave/loopengine/internal/service"
)

type apiEnvelope struct {
	Links map[string]string      `json:"_links,omitempty"`
	Meta  map[string]interface{} `json:"_meta,omitempty"`
	Data  interface{}            `json:"data,omitempty"`
	Error interface{}            `json:"error,omitempty"`
}

func writeAPIResponse(w http.ResponseWriter, data interface{}, meta map[string]interface{}, links map[string]string) {
	resp := apiEnvelope{
		Links: links,
		Meta:  meta,
		Data:  data,
	}
	json.NewEncoder(w).Encode(resp)
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiEnvelope{
		Error: map[string]string{"message": message},
	})
}

// writeServiceError maps the engine's error taxonomy onto HTTP statuses.
// Conflicts carry the current graph version so callers can rebase and retry.
func writeServiceError(w http.ResponseWriter, err error) {
	var conflict *models.ConflictError
	if errors.As(err, &conflict) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(apiEnvelope{
			Error: map[string]interface{}{
				"message":         err.Error(),
				"current_version": conflict.CurrentVersion,
			},
		})
		return
	}

	var quota *models.QuotaError
	if errors.As(err, &quota) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(apiEnvelope{
			Error: map[string]interface{}{
				"message": err.Error(),
				"quota":   quota.Quota,
				"limit":   quota.Limit,
			},
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidDelta), errors.Is(err, models.ErrTenantMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrUnknownTenant), errors.Is(err, models.ErrUnknownID):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, models.ErrConsistencyConflict):
		status = http.StatusConflict
	case errors.Is(err, models.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	writeAPIError(w, status, err.Error())
}

// parseTradeQuery reads listing filters. Unparseable values fall back to
// the zero filter rather than erroring; limit is capped at 200.
func parseTradeQuery(r *http.Request) service.TradeQuery {
	q := r.URL.Query()
	out := service.TradeQuery{
		Wallet:     q.Get("wallet"),
		Item:       q.Get("item"),
		Collection: q.Get("collection"),
		Cursor:     q.Get("cursor"),
		Limit:      20,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			out.Limit = n
		}
	}
	if v := q.Get("min_score"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			out.MinScore = f
		}
	}
	if v := q.Get("max_age_ms"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			out.MaxAge = time.Duration(n) * time.Millisecond
		}
	}
	return out
}

func tradePageMeta(page service.TradePage) map[string]interface{} {
	meta := map[string]interface{}{
		"count":         len(page.Loops),
		"graph_version": page.GraphVersion,
	}
	if page.NextCursor != "" {
		meta["next_cursor"] = page.NextCursor
	}
	if !page.LastRecompute.IsZero() {
		meta["last_recompute"] = page.LastRecompute.UTC().Format(time.RFC3339Nano)
	}
	return meta
}
