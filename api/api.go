package api

import (
	"errors"
	"net/http"

	"imagetrace/analysis"
	"imagetrace/logging"
	"imagetrace/types"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the analysis HTTP surface. Uploads, project CRUD and
// authentication live in the calling application; this service only starts
// jobs and reports their state.
type Handler struct {
	controller       *analysis.Controller
	defaultThreshold float64
	defaultKind      types.HashKind
}

// NewHandler builds the API handler around a job controller.
func NewHandler(controller *analysis.Controller, defaultThreshold float64, defaultKind types.HashKind) *Handler {
	return &Handler{
		controller:       controller,
		defaultThreshold: defaultThreshold,
		defaultKind:      defaultKind,
	}
}

// Routes assembles the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/analysis", func(r chi.Router) {
		r.Post("/start", h.startAnalysis)
		r.Get("/status/{jobID}", h.jobStatus)
		r.Get("/results/{jobID}", h.jobResults)
		r.Post("/cancel/{jobID}", h.cancelJob)
	})
	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

type startRequest struct {
	ProjectScope    string   `json:"projectScope"`
	ImageIDs        []string `json:"imageIds"`
	Threshold       *float64 `json:"threshold"`
	FingerprintKind string   `json:"fingerprintKind"`
}

type startResponse struct {
	JobID string `json:"jobId"`
}

type statusResponse struct {
	JobID    string `json:"jobId"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

type resultsResponse struct {
	JobID            string                 `json:"jobId"`
	ImageOrder       []string               `json:"imageOrder"`
	SimilarityMatrix [][]float64            `json:"similarityMatrix"`
	Groups           []types.Group          `json:"groups"`
	UniqueImages     []string               `json:"uniqueImages"`
	PairwiseRegions  []types.PairwiseRegion `json:"pairwiseRegions"`
	SkippedImages    []string               `json:"skippedImages,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) startAnalysis(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.ImageIDs) == 0 {
		writeError(w, http.StatusBadRequest, "imageIds must not be empty")
		return
	}

	threshold := h.defaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	kind := h.defaultKind
	if req.FingerprintKind != "" {
		kind = types.HashKind(req.FingerprintKind)
	}

	jobID, err := h.controller.StartAnalysis(r.Context(), req.ProjectScope, req.ImageIDs, threshold, kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, startResponse{JobID: jobID})
}

func (h *Handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	status, progress, err := h.controller.JobStatus(jobID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{JobID: jobID, Status: string(status), Progress: progress})
}

func (h *Handler) jobResults(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	result, err := h.controller.JobResult(jobID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resultsResponse{
		JobID:            jobID,
		ImageOrder:       result.Matrix.Order,
		SimilarityMatrix: result.Matrix.Rows,
		Groups:           result.Groups,
		UniqueImages:     result.UniqueImages,
		PairwiseRegions:  result.Regions,
		SkippedImages:    result.SkippedImages,
	})
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if err := h.controller.Cancel(jobID); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{JobID: jobID, Status: string(types.JobFailed), Progress: 0})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeDomainError maps the engine's error taxonomy onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrNotReady):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.LogError("cannot encode response: %v", err)
	}
}
