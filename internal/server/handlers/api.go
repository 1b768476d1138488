package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/ecological-systems-design/gsa-dashboard/internal/errors"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/dashboard"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/lca"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/montecarlo"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/ranking"
)

const maxBodyBytes = 1 << 20

// Defaults fill start requests that omit fields.
type Defaults struct {
	// Selection is used when a Monte Carlo request omits one.
	Selection lca.Selection

	Iterations           int
	Seed                 int64
	MaxInfluential       int
	Step                 int
	ValidationIterations int
	Metric               string
}

// API exposes the job service over HTTP.
type API struct {
	svc      *dashboard.Service
	defaults Defaults
}

func NewAPI(svc *dashboard.Service, defaults Defaults) *API {
	return &API{svc: svc, defaults: defaults}
}

// Routes mounts the API on r.
func (a *API) Routes(r chi.Router) {
	r.Route("/mc", func(r chi.Router) {
		r.Post("/", a.startMC)
		r.Get("/", a.pollMC)
		r.Post("/cancel", a.cancelMC)
		r.Get("/samples", a.samples)
		r.Get("/{jobID}", a.pollMC)
		r.Post("/{jobID}/cancel", a.cancelMC)
	})
	r.Route("/validation", func(r chi.Router) {
		r.Post("/", a.startValidation)
		r.Get("/", a.pollValidation)
		r.Post("/cancel", a.cancelValidation)
		r.Get("/{jobID}", a.pollValidation)
		r.Post("/{jobID}/cancel", a.cancelValidation)
	})
	r.Get("/ranking", a.ranking)
	r.Get("/jobs", a.jobs)
}

type startResponse struct {
	JobID string `json:"job_id"`
}

type rankingResponse struct {
	JobID   string            `json:"job_id"`
	Partial bool              `json:"partial"`
	Rows    []ranking.JSONRow `json:"rows"`
}

func (a *API) startMC(w http.ResponseWriter, r *http.Request) {
	cfg := dashboard.JobConfig{
		Selection:  a.defaults.Selection,
		Iterations: a.defaults.Iterations,
		Seed:       a.defaults.Seed,
	}
	if cfg.Selection.Amount == 0 {
		cfg.Selection.Amount = 1
	}
	if err := decodeBody(r, &cfg); err != nil {
		respondWithError(w, r, err)
		return
	}
	jobID, err := a.svc.StartMC(r.Context(), cfg)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusAccepted, startResponse{JobID: jobID})
}

func (a *API) pollMC(w http.ResponseWriter, r *http.Request) {
	status, err := a.svc.PollMC(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, status)
}

func (a *API) cancelMC(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.CancelMC(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) samples(w http.ResponseWriter, r *http.Request) {
	bins := montecarlo.DefaultBins
	if raw := r.URL.Query().Get("bins"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondWithError(w, r, apperrors.NewBadRequest("bins must be a positive integer", err))
			return
		}
		if n > montecarlo.MaxBins {
			respondWithError(w, r, apperrors.NewBadRequest(fmt.Sprintf("bins must be at most %d", montecarlo.MaxBins), nil))
			return
		}
		bins = n
	}
	hist, err := a.svc.Samples(r.Context(), bins)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, hist)
}

func (a *API) startValidation(w http.ResponseWriter, r *http.Request) {
	cfg := dashboard.ValidationConfig{
		MaxInfluential: a.defaults.MaxInfluential,
		Step:           a.defaults.Step,
		Iterations:     a.defaults.ValidationIterations,
		Metric:         a.defaults.Metric,
	}
	if err := decodeBody(r, &cfg); err != nil {
		respondWithError(w, r, err)
		return
	}
	jobID, err := a.svc.StartValidation(r.Context(), cfg)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusAccepted, startResponse{JobID: jobID})
}

func (a *API) pollValidation(w http.ResponseWriter, r *http.Request) {
	status, err := a.svc.PollValidation(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, status)
}

func (a *API) cancelValidation(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.CancelValidation(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) ranking(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		res dashboard.RankingResult
		err error
	)
	if partial, _ := strconv.ParseBool(q.Get("partial")); partial {
		res, err = a.svc.PartialRanking(r.Context())
	} else {
		res, err = a.svc.Ranking(r.Context())
	}
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	if strings.EqualFold(q.Get("format"), "csv") {
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		// Headers are sent; a failed write means the client went away.
		_ = ranking.RenderCSV(w, res.Rows)
		return
	}

	out := rankingResponse{JobID: res.JobID, Partial: res.Partial, Rows: ranking.JSONRows(res.Rows)}
	apperrors.WriteJSON(w, http.StatusOK, out)
}

func (a *API) jobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.svc.Jobs(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []jobregistry.JobState{}
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.NewBadRequest("invalid request body", err)
	}
	return nil
}
