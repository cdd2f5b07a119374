package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	benchmarkorchestrator "github.com/Octogonapus/ImageJobBenchmark/benchmark_orchestrator"
	"github.com/Octogonapus/ImageJobBenchmark/report"
	"github.com/Octogonapus/ImageJobBenchmark/results"
)

// Runs benchmarks, e.g. a *benchmarkorchestrator.BenchmarkOrchestrator.
type Runner interface {
	Run(ctx context.Context, label string) (*report.BenchmarkReport, error)
	Datasets() []string
	HistoryURL() string
}

// Reads back finished reports, e.g. a *results.Store.
type History interface {
	Get(ctx context.Context, runID string) (*report.BenchmarkReport, error)
	List(ctx context.Context, limit int) ([]*report.BenchmarkReport, error)
}

type Handler struct {
	runner  Runner
	history History
}

func NewHandler(runner Runner, history History) *Handler {
	return &Handler{runner: runner, history: history}
}

// Registers every route on r.
func (h *Handler) SetupRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/datasets", h.ListDatasets).Methods("GET")
	r.HandleFunc("/benchmarks", h.RunBenchmark).Methods("POST")
	r.HandleFunc("/benchmarks", h.ListBenchmarks).Methods("GET")
	r.HandleFunc("/benchmarks/{runID}", h.GetBenchmark).Methods("GET")
}

func NewRouter(runner Runner, history History) *mux.Router {
	r := mux.NewRouter()
	NewHandler(runner, history).SetupRoutes(r)
	return r
}

type DatasetsResponse struct {
	Datasets   []string `json:"datasets"`
	HistoryURL string   `json:"history_url"`
}

type RunBenchmarkRequest struct {
	Dataset string `json:"dataset"`
}

// The report plus the minutes view people read the result in.
type RunBenchmarkResponse struct {
	Report            *report.BenchmarkReport `json:"report"`
	ParallelMinutes   *float64                `json:"parallel_minutes,omitempty"`
	SequentialMinutes *float64                `json:"sequential_minutes,omitempty"`
	Speedup           *float64                `json:"speedup,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /datasets
func (h *Handler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, DatasetsResponse{
		Datasets:   h.runner.Datasets(),
		HistoryURL: h.runner.HistoryURL(),
	})
}

// POST /benchmarks. Blocks until both jobs have finished.
func (h *Handler) RunBenchmark(w http.ResponseWriter, r *http.Request) {
	var req RunBenchmarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rep, err := h.runner.Run(r.Context(), req.Dataset)
	if errors.Is(err, benchmarkorchestrator.ErrUnknownDataset) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.Error("benchmark failed", slog.String("dataset", req.Dataset), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := RunBenchmarkResponse{Report: rep}
	if rep.Result != nil {
		p := report.Minutes(rep.Result.ParallelSec)
		s := report.Minutes(rep.Result.SequentialSec)
		speedup := rep.Result.Speedup()
		resp.ParallelMinutes, resp.SequentialMinutes, resp.Speedup = &p, &s, &speedup
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /benchmarks?limit=N
func (h *Handler) ListBenchmarks(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "no results store configured")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	reps, err := h.history.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reps)
}

// GET /benchmarks/{runID}
func (h *Handler) GetBenchmark(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "no results store configured")
		return
	}
	runID := mux.Vars(r)["runID"]
	rep, err := h.history.Get(r.Context(), runID)
	if errors.Is(err, results.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
