package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/cutover"
	"github.com/sells-group/evidence-cli/internal/export"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/retrieval"
	"github.com/sells-group/evidence-cli/internal/runner"
	"github.com/sells-group/evidence-cli/internal/store"
)

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitResponse struct {
	RunID  string          `json:"run_id"`
	Status model.RunStatus `json:"status"`
}

func (s *Server) submitExtraction(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var req runner.ExtractRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := runner.ValidateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, "spec is required")
		return
	}
	if _, err := s.deps.Plans.Plan(req.Spec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown spec %q", req.Spec))
		return
	}
	s.submit(w, r, model.RunKindExtract, projectID, req)
}

func (s *Server) submitReview(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var req runner.ReviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := runner.ValidateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, "rule_set_version is required")
		return
	}
	if _, err := s.deps.Store.GetRuleSet(r.Context(), req.RuleSetVersion); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown rule set %q", req.RuleSetVersion))
			return
		}
		s.internal(w, "load rule set", err)
		return
	}
	s.submit(w, r, model.RunKindReview, projectID, req)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, kind model.RunKind, projectID string, req any) {
	run, err := s.deps.Runs.Submit(r.Context(), kind, projectID, req)
	if err != nil {
		s.internal(w, "submit run", err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{RunID: run.ID, Status: run.Status})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run.View())
}

func (s *Server) debugRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if run.Status.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("run is already %s", run.Status))
		return
	}
	s.deps.Runs.Cancel(run.ID)
	writeJSON(w, http.StatusAccepted, submitResponse{RunID: run.ID, Status: run.Status})
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	runID := chi.URLParam(r, "runID")
	run, err := s.deps.Runs.Get(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		s.internal(w, "get run", err)
		return nil, false
	}
	return run, true
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	runs, err := s.deps.Store.ListRuns(r.Context(), store.RunFilter{
		ProjectID: q.Get("project_id"),
		Kind:      model.RunKind(q.Get("kind")),
		Status:    model.RunStatus(q.Get("status")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.internal(w, "list runs", err)
		return
	}
	views := make([]model.RunView, len(runs))
	for i := range runs {
		views[i] = runs[i].View()
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) listFindings(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	findings, err := s.deps.Store.ListFindings(r.Context(), projectID)
	if err != nil {
		s.internal(w, "list findings", err)
		return
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "xlsx") {
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="findings-%s.xlsx"`, projectID))
		if err := export.WriteFindings(w, projectID, findings); err != nil {
			zap.L().Error("api: export findings", zap.String("project_id", projectID), zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, findings)
}

type cutoverResponse struct {
	Capability cutover.Capability `json:"capability"`
	ProjectID  string             `json:"project_id"`
	Mode       cutover.Mode       `json:"mode"`
}

func (s *Server) resolveCutover(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	capability, err := cutover.ParseCapability(q.Get("capability"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	projectID := q.Get("project_id")
	writeJSON(w, http.StatusOK, cutoverResponse{
		Capability: capability,
		ProjectID:  projectID,
		Mode:       s.deps.Cutover.Current().Resolve(capability, projectID),
	})
}

type retrieveRequest struct {
	ProjectID string   `json:"project_id" validate:"required"`
	Query     string   `json:"query" validate:"required"`
	TopK      int      `json:"top_k" validate:"gte=0,lte=200"`
	DocTypes  []string `json:"doc_types,omitempty"`
}

// retrieveFailure carries the observation of a failed debug retrieval so
// operators still see the mode, provider and latency.
type retrieveFailure struct {
	Error string `json:"error"`
	retrieval.Observation
}

func (s *Server) debugRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := runner.ValidateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, "project_id and query are required; top_k must be 0..200")
		return
	}
	if req.TopK == 0 {
		req.TopK = 10
	}

	_, obs, err := s.deps.Retriever.Retrieve(r.Context(), s.deps.Cutover.Current(), retrieval.Query{
		Text:      req.Query,
		ProjectID: req.ProjectID,
		DocTypes:  req.DocTypes,
		TopK:      req.TopK,
	})
	if err != nil {
		body := retrieveFailure{Error: err.Error(), Observation: obs}
		status := http.StatusBadGateway
		var pe *retrieval.ProviderError
		if !errors.As(err, &pe) {
			zap.L().Error("api: retrieve", zap.Error(err))
			status, body.Error = http.StatusInternalServerError, "internal error"
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

func (s *Server) listShadowDiffs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	diffs, err := s.deps.Store.ListShadowDiffs(r.Context(), store.ShadowDiffFilter{
		Kind:      q.Get("kind"),
		ProjectID: q.Get("project_id"),
		Limit:     limit,
	})
	if err != nil {
		s.internal(w, "list shadow diffs", err)
		return
	}
	writeJSON(w, http.StatusOK, diffs)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	snap, err := s.deps.Metrics.Collect(r.Context(), s.deps.LookbackHours)
	if err != nil {
		s.internal(w, "collect metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) internal(w http.ResponseWriter, op string, err error) {
	zap.L().Error("api: "+op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
