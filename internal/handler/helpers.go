package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	internalerrors "github.com/Schera-ole/logmetrics/internal/errors"
	models "github.com/Schera-ole/logmetrics/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error to the HTTP status the client should see.
func statusFor(err error) int {
	switch {
	case errors.Is(err, internalerrors.ErrInvalidMetric),
		errors.Is(err, internalerrors.ErrInvalidConfig):
		return http.StatusBadRequest
	case internalerrors.IsRetryable(err),
		errors.Is(err, internalerrors.ErrPoolClosed),
		errors.Is(err, internalerrors.ErrCollectorClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Errorw("request failed", "status", status, "error", err)
	}
	http.Error(w, err.Error(), status)
}

func parsePositiveInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return v, nil
}

func parseSummaryFilter(r *http.Request) (models.SummaryFilter, error) {
	q := r.URL.Query()
	var filter models.SummaryFilter
	var err error

	if filter.Hours, err = parsePositiveInt(q.Get("hours"), "hours"); err != nil {
		return filter, err
	}
	if filter.Limit, err = parsePositiveInt(q.Get("limit"), "limit"); err != nil {
		return filter, err
	}
	filter.Name = q.Get("name")
	if raw := q.Get("type"); raw != "" {
		if filter.Type, err = models.ParseMetricType(raw); err != nil {
			return filter, err
		}
	}
	if raw := q.Get("level"); raw != "" {
		if filter.Level, err = models.ParseLevel(raw); err != nil {
			return filter, err
		}
	}
	return filter, nil
}
