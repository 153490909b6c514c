// Package router provides HTTP route configuration for the pipeline's
// control surface.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fermlab/biopipe/pkg/cleaning"
	"github.com/fermlab/biopipe/pkg/features"
	"github.com/fermlab/biopipe/pkg/httpx"
	"github.com/fermlab/biopipe/pkg/storage"
)

// Status is the orchestrator's externally visible state.
type Status struct {
	State        string    `json:"state"` // "stopped" or "running"
	Vessel       string    `json:"vessel"`
	Batch        string    `json:"batch"`
	Phase        string    `json:"phase"`
	Cycles       int64     `json:"cycles"`
	SkippedTicks int64     `json:"skipped_ticks"`
	LastCycle    time.Time `json:"last_cycle,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Controller is the orchestrator surface the control API drives.
type Controller interface {
	Start() error
	Stop() error
	Reset(batch string) error
	ProcessOnce(ctx context.Context) (features.Vector, error)
	Status() Status
	Quality() cleaning.QualityReport
}

// ErrCycleInFlight is returned by Reset when a processing cycle is running.
var ErrCycleInFlight = errors.New("processing cycle in flight")

// ErrAlreadyRunning is returned by Start when the loop is already running.
var ErrAlreadyRunning = errors.New("pipeline already running")

// ErrNotRunning is returned by Stop when the loop is not running.
var ErrNotRunning = errors.New("pipeline not running")

type resetRequest struct {
	Batch string `json:"batch"`
}

// New creates the control-surface mux: lifecycle endpoints under
// /pipeline/, feature reads under /features/, plus health and Prometheus
// metrics.
func New(ctrl Controller, store storage.Store, vessel string, publicConfig map[string]any, logger *slog.Logger) *http.ServeMux {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /pipeline/start", func(w http.ResponseWriter, r *http.Request) {
		if err := ctrl.Start(); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrAlreadyRunning) {
				status = http.StatusConflict
			}
			httpx.WriteError(w, status, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, ctrl.Status())
	})

	mux.HandleFunc("POST /pipeline/stop", func(w http.ResponseWriter, r *http.Request) {
		if err := ctrl.Stop(); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrNotRunning) {
				status = http.StatusConflict
			}
			httpx.WriteError(w, status, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, ctrl.Status())
	})

	mux.HandleFunc("POST /pipeline/reset", func(w http.ResponseWriter, r *http.Request) {
		var req resetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Batch == "" {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "batch is required")
			return
		}

		if err := ctrl.Reset(req.Batch); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrCycleInFlight) {
				status = http.StatusConflict
			}
			httpx.WriteError(w, status, err)
			return
		}

		logger.Info("pipeline state reset", "batch", req.Batch)
		httpx.WriteJSON(w, http.StatusOK, ctrl.Status())
	})

	mux.HandleFunc("POST /pipeline/process", func(w http.ResponseWriter, r *http.Request) {
		vec, err := ctrl.ProcessOnce(r.Context())
		if err != nil {
			httpx.WriteError(w, http.StatusBadGateway, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, vec)
	})

	mux.HandleFunc("GET /pipeline/status", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, ctrl.Status())
	})

	mux.HandleFunc("GET /pipeline/quality", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, ctrl.Quality())
	})

	mux.HandleFunc("GET /pipeline/config", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, publicConfig)
	})

	mux.HandleFunc("GET /features/latest", func(w http.ResponseWriter, r *http.Request) {
		record, found, err := store.GetLatest(r.Context(), vessel)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, err)
			return
		}
		if !found {
			httpx.WriteErrorMessage(w, http.StatusNotFound, "no features published yet")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, record)
	})

	mux.HandleFunc("GET /features/history", func(w http.ResponseWriter, r *http.Request) {
		limit := 32
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				httpx.WriteErrorMessage(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}

		records, err := store.History(r.Context(), vessel, limit)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, records)
	})

	mux.Handle("GET /healthz", httpx.HealthHandler())
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}
