package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"coach/internal/analysis"
	"coach/internal/audit"
	"coach/internal/review"
	"coach/internal/rubric"
	"coach/internal/transcript"
	"coach/internal/version"
)

// healthResponse is the health check payload.
type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   version.Version,
	}, http.StatusOK)
}

type ingestRequest struct {
	Call       transcript.Call        `json:"call"`
	Utterances []transcript.Utterance `json:"utterances"`
}

type ingestResponse struct {
	CallID         string `json:"callId"`
	TranscriptHash string `json:"transcriptHash"`
	UtteranceCount int    `json:"utteranceCount"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "request body is not valid JSON")
		return
	}

	tr, err := s.svc.Calls.Ingest(r.Context(), req.Call, req.Utterances)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, ingestResponse{
		CallID:         tr.CallID,
		TranscriptHash: tr.Hash,
		UtteranceCount: len(tr.Utterances),
	}, http.StatusCreated)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	call, err := s.svc.Calls.GetCall(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, call, http.StatusOK)
}

type analyzeRequest struct {
	Dimensions     []string `json:"dimensions"`
	UseCache       *bool    `json:"useCache"`
	Force          bool     `json:"force"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		BadRequest(w, "request body is not valid JSON")
		return
	}

	opts := analysis.Options{
		UseCache:        req.UseCache == nil || *req.UseCache,
		ForceReanalysis: req.Force,
		Timeout:         time.Duration(req.TimeoutSeconds) * time.Second,
	}
	result, err := s.svc.Analysis.Analyze(r.Context(), chi.URLParam(r, "id"), req.Dimensions, opts)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, result, http.StatusOK)
}

type criteriaResponse struct {
	Version  *rubric.Version    `json:"version"`
	Criteria []rubric.Criterion `json:"criteria"`
}

func (s *Server) handleCriteria(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	role := r.URL.Query().Get("role")
	dimension := r.URL.Query().Get("dimension")

	ver, err := s.svc.Rubrics.ActiveVersion(ctx)
	if err != nil {
		WriteError(w, err)
		return
	}

	var criteria []rubric.Criterion
	switch {
	case role != "" && dimension != "":
		criteria, err = s.svc.Rubrics.ActiveCriteria(ctx, role, dimension)
	case role != "":
		criteria, err = s.svc.Rubrics.ActiveCriteriaForRole(ctx, role)
	default:
		criteria, err = s.svc.Rubrics.CriteriaForVersion(ctx, ver.ID)
		if err == nil && dimension != "" {
			filtered := criteria[:0]
			for _, c := range criteria {
				if c.Dimension == dimension {
					filtered = append(filtered, c)
				}
			}
			criteria = filtered
		}
	}
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, criteriaResponse{Version: ver, Criteria: criteria}, http.StatusOK)
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	var sub review.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		BadRequest(w, "request body is not valid JSON")
		return
	}

	rev, err := s.svc.Reviews.Reconcile(r.Context(), sub)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, rev, http.StatusOK)
}

type reviewListResponse struct {
	Reviews []review.ManagerReview `json:"reviews"`
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call")
	manager := r.URL.Query().Get("manager")
	if callID == "" {
		BadRequest(w, "call query parameter is required")
		return
	}

	if manager != "" {
		rev, err := s.svc.Reviews.ByCallAndManager(r.Context(), callID, manager)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, rev, http.StatusOK)
		return
	}

	reviews, err := s.svc.Reviews.ForCall(r.Context(), callID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, reviewListResponse{Reviews: reviews}, http.StatusOK)
}

type auditResponse struct {
	Entries []audit.Entry `json:"entries"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := audit.Filter{
		EntityType: query.Get("entityType"),
		EntityID:   query.Get("entityId"),
		Actor:      query.Get("actor"),
	}

	if since := query.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			BadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = &ts
	}
	if until := query.Get("until"); until != "" {
		ts, err := time.Parse(time.RFC3339, until)
		if err != nil {
			BadRequest(w, "until must be an RFC 3339 timestamp")
			return
		}
		filter.Until = &ts
	}
	if limit := query.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			BadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	entries, err := s.svc.Trail.Query(r.Context(), filter)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, auditResponse{Entries: entries}, http.StatusOK)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Cache.Stats(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, stats, http.StatusOK)
}
