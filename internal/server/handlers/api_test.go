package handlers

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ecological-systems-design/gsa-dashboard/internal/errors"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/dashboard"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/lca"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/montecarlo"
)

const selectionJSON = `{"project":"bikes","database":"ecoinvent","activity":"bike","amount":1,"method":"ipcc"}`

type apiHarness struct {
	router http.Handler
	exec   *jobregistry.Executor
	api    *API
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	model, err := lca.NewSyntheticModel([]lca.ModelInput{
		{Input: lca.Input{ID: "steel", Name: "steel", Location: "GLO", OutputName: "bike", ExchangeType: "technosphere", ExchangeAmount: 2}, Distribution: lca.DistributionLognormal, Scale: 0.6, Weight: 3},
		{Input: lca.Input{ID: "co2", Name: "carbon dioxide", Category: "air", OutputName: "bike", ExchangeType: "biosphere", ExchangeAmount: 1}, Distribution: lca.DistributionNormal, Scale: 0.05, Weight: 1},
	})
	require.NoError(t, err)

	exec := jobregistry.NewExecutor(jobregistry.NewMemoryStore())
	svc, err := dashboard.New(exec, model)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})

	api := NewAPI(svc, Defaults{
		Iterations:           40,
		Seed:                 7,
		MaxInfluential:       2,
		Step:                 1,
		ValidationIterations: 10,
	})
	r := chi.NewRouter()
	r.NotFound(NotFoundHandler)
	r.Route("/api/v1", api.Routes)
	return &apiHarness{router: r, exec: exec, api: api}
}

func (h *apiHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) start(t *testing.T, path, body string) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, path, body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp startResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.JobID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := h.exec.Wait(ctx, resp.JobID)
	require.NoError(t, err)
	return resp.JobID
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body apperrors.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error.Code
}

func TestAPI_BeforeAnyRun(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/api/v1/mc", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/ranking", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "RANKING_UNAVAILABLE", errorCode(t, rec))

	rec = h.do(t, http.MethodPost, "/api/v1/validation", "{}")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/jobs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobs":[]}`, rec.Body.String())
}

func TestAPI_StartMCRejectsBadRequests(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/mc", `{"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(t, rec))

	rec = h.do(t, http.MethodPost, "/api/v1/mc", `{"selection":`+selectionJSON+`,"iterations":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_CONFIGURATION", errorCode(t, rec))

	rec = h.do(t, http.MethodPost, "/api/v1/mc", `{"iterations":5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_CONFIGURATION", errorCode(t, rec))
}

func TestAPI_MonteCarloLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	jobID := h.start(t, "/api/v1/mc", `{"selection":`+selectionJSON+`}`)

	rec := h.do(t, http.MethodGet, "/api/v1/mc/"+jobID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status dashboard.MCStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, jobregistry.StatusCompleted, status.State.Status)
	assert.Equal(t, 40, status.State.Total)
	assert.Equal(t, 100.0, status.Percent)

	rec = h.do(t, http.MethodGet, "/api/v1/ranking", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ranked rankingResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ranked))
	assert.Equal(t, jobID, ranked.JobID)
	require.Len(t, ranked.Rows, 2)
	assert.Equal(t, "steel", ranked.Rows[0].InputID)
	require.NotNil(t, ranked.Rows[0].GSAIndex)

	rec = h.do(t, http.MethodGet, "/api/v1/ranking?format=csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	records, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "GSA rank", records[0][0])
	assert.Equal(t, "FROM steel, GLO TO bike", records[1][1])

	rec = h.do(t, http.MethodGet, "/api/v1/mc/samples?bins=4", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist montecarlo.Histogram
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&hist))
	assert.Equal(t, 40, hist.N)
	assert.Len(t, hist.Counts, 4)

	rec = h.do(t, http.MethodGet, "/api/v1/mc/samples?bins=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/mc/samples?bins=2000000000", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(t, rec))

	rec = h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/mc/samples?bins=%d", montecarlo.MaxBins), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Cancel after completion is a no-op.
	rec = h.do(t, http.MethodPost, "/api/v1/mc/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/mc/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))
}

func TestAPI_ValidationLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	h.start(t, "/api/v1/mc", `{"selection":`+selectionJSON+`,"iterations":30}`)

	rec := h.do(t, http.MethodPost, "/api/v1/validation", `{"metric":"kendall"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	valID := h.start(t, "/api/v1/validation", `{"iterations":6}`)

	rec = h.do(t, http.MethodGet, "/api/v1/validation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status dashboard.ValidationStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, valID, status.State.JobID)
	assert.Equal(t, jobregistry.StatusCompleted, status.State.Status)
	assert.Equal(t, []int{1, 2}, status.Schedule)
	require.Len(t, status.Trend, 2)
	assert.Equal(t, 6, status.Trend[0].IterationsUsed)

	rec = h.do(t, http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Jobs []jobregistry.JobState `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listing))
	assert.Len(t, listing.Jobs, 2)
}

func TestAPI_StartMCUsesDefaultSelection(t *testing.T) {
	h := newAPIHarness(t)
	h.api.defaults.Selection = lca.Selection{Project: "bikes", Database: "ecoinvent", Activity: "bike", Method: "ipcc"}

	jobID := h.start(t, "/api/v1/mc", "")

	rec := h.do(t, http.MethodGet, "/api/v1/mc/"+jobID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status dashboard.MCStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, jobregistry.StatusCompleted, status.State.Status)
}
