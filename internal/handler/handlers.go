package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Schera-ole/logmetrics/internal/collector"
	middlewareinternal "github.com/Schera-ole/logmetrics/internal/middleware"
	models "github.com/Schera-ole/logmetrics/internal/model"
	"github.com/Schera-ole/logmetrics/internal/service"
)

// maxBodySize bounds request bodies of the update endpoints.
const maxBodySize = 10 << 20

// Router builds the collector HTTP API.
func Router(metricService *service.MetricsService, logger *zap.SugaredLogger) chi.Router {
	h := &Handler{service: metricService, logger: logger}

	router := chi.NewRouter()
	router.Use(middlewareinternal.LoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middlewareinternal.DecompressMiddleware)
	router.Use(middlewareinternal.GzipMiddleware)
	router.Use(middleware.StripSlashes)
	router.Use(middleware.Timeout(15 * time.Second))

	router.Post("/update", h.Update)
	router.Post("/updates", h.BatchUpdate)
	router.Post("/flush", h.Flush)
	router.Post("/cleanup", h.Cleanup)
	router.Get("/stats", h.Stats)
	router.Get("/aggregates", h.Aggregates)
	router.Get("/health", h.Health)
	router.Get("/ping", h.Ping)
	router.Get("/summary", h.Summary)
	return router
}

// Handler serves the collector API.
type Handler struct {
	service *service.MetricsService
	logger  *zap.SugaredLogger
}

type recordedResponse struct {
	Recorded int `json:"recorded"`
}

// Update records one metric.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var dto models.MetricDTO
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&dto); err != nil {
		http.Error(w, "Invalid JSON format: "+err.Error(), http.StatusBadRequest)
		return
	}
	if dto.Source == "" {
		dto.Source = "http"
	}
	if err := h.service.RecordDTO(r.Context(), dto); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordedResponse{Recorded: 1})
}

// BatchUpdate records an array of metrics. An invalid entry rejects the batch.
func (h *Handler) BatchUpdate(w http.ResponseWriter, r *http.Request) {
	var dtos []models.MetricDTO
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&dtos); err != nil {
		http.Error(w, "Invalid JSON format: "+err.Error(), http.StatusBadRequest)
		return
	}
	for i := range dtos {
		if dtos[i].Source == "" {
			dtos[i].Source = "http"
		}
	}
	n, err := h.service.RecordDTOs(r.Context(), dtos)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordedResponse{Recorded: n})
}

// Flush persists the buffer now. force=true touches the store even when the
// buffer is empty.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "force must be a boolean", http.StatusBadRequest)
			return
		}
		force = parsed
	}

	n, err := h.service.Flush(r.Context(), force)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"inserted": n})
}

func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.service.Cleanup(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Stats())
}

func (h *Handler) Aggregates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Aggregates())
}

// Health answers 503 when the store is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.service.Health(r.Context())
	status := http.StatusOK
	if health.Status == collector.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	health := h.service.Health(r.Context())
	if health.Database != collector.DatabaseConnected {
		http.Error(w, "Failed to connect to database: "+health.Error, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Summary reports persisted metrics, filtered by the hours, name, type,
// level and limit query parameters.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	filter, err := parseSummaryFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	summary, err := h.service.Summary(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
