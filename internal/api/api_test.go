package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"coach/internal/analysis"
	"coach/internal/audit"
	"coach/internal/cache"
	coacherrors "coach/internal/errors"
	"coach/internal/logging"
	"coach/internal/metrics"
	"coach/internal/producer"
	"coach/internal/review"
	"coach/internal/rubric"
	"coach/internal/scoring"
	"coach/internal/storage"
	"coach/internal/transcript"
)

func intPtr(v int) *int { return &v }

func newTestServer(t *testing.T, p producer.Producer) *Server {
	t.Helper()
	ctx := context.Background()
	logger := logging.NewLogger(logging.Config{Level: logging.ErrorLevel})

	db, err := storage.OpenMemory(logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	trail := audit.NewTrail(db, logger)
	calls := transcript.NewStore(db, logger)
	rubrics := rubric.NewStore(db, trail, logger, "")

	ver, err := rubrics.CreateVersion(ctx, "1.0.0", "baseline", "admin")
	if err != nil {
		t.Fatalf("CreateVersion failed: %v", err)
	}
	if err := rubrics.ActivateVersion(ctx, ver.ID, "admin"); err != nil {
		t.Fatalf("ActivateVersion failed: %v", err)
	}
	if _, err := rubrics.UpsertCriterion(ctx, rubric.Criterion{
		VersionID: ver.ID, Role: "ae", Dimension: "discovery",
		Name: "Asks open questions", Weight: 100, MaxScore: 10,
	}, "admin"); err != nil {
		t.Fatalf("seed criterion failed: %v", err)
	}

	if _, err := calls.Ingest(ctx, transcript.Call{
		ID: "call-1", Rep: "alice", RepRole: "ae", CallType: "standard",
	}, []transcript.Utterance{
		{Speaker: "Alice", Role: transcript.RoleRep, Text: "What does this cost you today?"},
		{Speaker: "Bob", Role: transcript.RoleProspect, Text: "About two days a week."},
	}); err != nil {
		t.Fatalf("seed transcript failed: %v", err)
	}

	if p == nil {
		p = producer.Func(func(ctx context.Context, req producer.Request) (*producer.EvidenceSet, error) {
			return &producer.EvidenceSet{
				Model: "fake-model",
				Dimensions: map[string]scoring.DimensionEvidence{
					"discovery": {
						Criteria: map[string]scoring.CriterionEvidence{
							"Asks open questions": {RawScore: intPtr(7)},
						},
					},
				},
			}, nil
		})
	}

	c := cache.New(db, metrics.New(), logger, 0, 0)
	svc := Services{
		Analysis: analysis.NewService(calls, rubrics, c, scoring.NewEngine(logger), p, logger),
		Rubrics:  rubrics,
		Reviews:  review.NewReconciler(db, trail, logger),
		Calls:    calls,
		Cache:    c,
		Trail:    trail,
	}
	return NewServer(":0", svc, logger)
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, nil)

	w := doJSON(t, server, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp healthResponse
	decodeBody(t, w, &resp)
	if resp.Status != "ok" || resp.Version == "" {
		t.Errorf("health = %+v", resp)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestAnalyzeEndpoint(t *testing.T) {
	t.Run("computes then serves from cache", func(t *testing.T) {
		server := newTestServer(t, nil)

		w := doJSON(t, server, http.MethodPost, "/v1/calls/call-1/analyze", map[string]interface{}{
			"dimensions": []string{"discovery"},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		var result analysis.Result
		decodeBody(t, w, &result)
		if result.FromCache {
			t.Error("first analysis should not be cached")
		}
		ds := result.Analysis.Dimensions["discovery"]
		if ds.Score == nil || *ds.Score != 70 {
			t.Errorf("discovery = %v, want 70", ds.Score)
		}

		w = doJSON(t, server, http.MethodPost, "/v1/calls/call-1/analyze", map[string]interface{}{
			"dimensions": []string{"discovery"},
		})
		decodeBody(t, w, &result)
		if !result.FromCache {
			t.Error("second analysis should hit the cache")
		}
	})

	t.Run("empty body analyzes all role dimensions", func(t *testing.T) {
		server := newTestServer(t, nil)

		w := doJSON(t, server, http.MethodPost, "/v1/calls/call-1/analyze", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
	})

	t.Run("unknown call is 404", func(t *testing.T) {
		server := newTestServer(t, nil)

		w := doJSON(t, server, http.MethodPost, "/v1/calls/missing/analyze", nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", w.Code)
		}
		var resp ErrorResponse
		decodeBody(t, w, &resp)
		if resp.Code != string(coacherrors.NotFound) || resp.Error == "" {
			t.Errorf("envelope = %+v", resp)
		}
	})

	t.Run("unscorable dimensions are 400", func(t *testing.T) {
		server := newTestServer(t, nil)

		w := doJSON(t, server, http.MethodPost, "/v1/calls/call-1/analyze", map[string]interface{}{
			"dimensions": []string{"nonexistent"},
		})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
		var resp ErrorResponse
		decodeBody(t, w, &resp)
		if resp.Code != string(coacherrors.ValidationFailed) {
			t.Errorf("code = %s", resp.Code)
		}
	})

	t.Run("producer failure is 502", func(t *testing.T) {
		failing := producer.Func(func(ctx context.Context, req producer.Request) (*producer.EvidenceSet, error) {
			return nil, coacherrors.New(coacherrors.ProducerFailed, "model unavailable")
		})
		server := newTestServer(t, failing)

		w := doJSON(t, server, http.MethodPost, "/v1/calls/call-1/analyze", nil)
		if w.Code != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502", w.Code)
		}
		var resp ErrorResponse
		decodeBody(t, w, &resp)
		if resp.Code != string(coacherrors.ProducerFailed) {
			t.Errorf("code = %s", resp.Code)
		}
	})

	t.Run("partial evidence still returns 200", func(t *testing.T) {
		partial := producer.Func(func(ctx context.Context, req producer.Request) (*producer.EvidenceSet, error) {
			return &producer.EvidenceSet{
				Dimensions: map[string]scoring.DimensionEvidence{},
			}, nil
		})
		server := newTestServer(t, partial)

		w := doJSON(t, server, http.MethodPost, "/v1/calls/call-1/analyze", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		var result analysis.Result
		decodeBody(t, w, &result)
		ds := result.Analysis.Dimensions["discovery"]
		if ds.Score != nil || ds.Error == "" {
			t.Errorf("dimension = %+v, want nil score with annotation", ds)
		}
	})
}

func TestTranscriptEndpoint(t *testing.T) {
	server := newTestServer(t, nil)

	w := doJSON(t, server, http.MethodPost, "/v1/transcripts", ingestRequest{
		Call: transcript.Call{ID: "call-2", Rep: "bob", RepRole: "ae"},
		Utterances: []transcript.Utterance{
			{Speaker: "Bob", Role: transcript.RoleRep, Text: "Walk me through your stack."},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp ingestResponse
	decodeBody(t, w, &resp)
	if resp.CallID != "call-2" || len(resp.TranscriptHash) != 64 || resp.UtteranceCount != 1 {
		t.Errorf("response = %+v", resp)
	}

	w = doJSON(t, server, http.MethodGet, "/v1/calls/call-2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get call status = %d", w.Code)
	}
	var call transcript.Call
	decodeBody(t, w, &call)
	if call.TranscriptHash != resp.TranscriptHash {
		t.Error("call not repointed at the ingested transcript")
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/transcripts", bytes.NewReader([]byte("not json")))
	w = httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", w.Code)
	}
}

func TestCriteriaEndpoint(t *testing.T) {
	server := newTestServer(t, nil)

	w := doJSON(t, server, http.MethodGet, "/v1/criteria?role=ae", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp criteriaResponse
	decodeBody(t, w, &resp)
	if resp.Version == nil || resp.Version.Version != "1.0.0" {
		t.Errorf("version = %+v", resp.Version)
	}
	if len(resp.Criteria) != 1 || resp.Criteria[0].Dimension != "discovery" {
		t.Errorf("criteria = %+v", resp.Criteria)
	}

	w = doJSON(t, server, http.MethodGet, "/v1/criteria?role=ae&dimension=closing", nil)
	decodeBody(t, w, &resp)
	if len(resp.Criteria) != 0 {
		t.Errorf("closing criteria = %+v, want none", resp.Criteria)
	}

	w = doJSON(t, server, http.MethodGet, "/v1/criteria", nil)
	decodeBody(t, w, &resp)
	if len(resp.Criteria) != 1 {
		t.Errorf("unfiltered criteria count = %d, want 1", len(resp.Criteria))
	}
}

func TestReviewEndpoints(t *testing.T) {
	server := newTestServer(t, nil)

	submission := review.Submission{
		CallID:         "call-1",
		Manager:        "dana",
		Scores:         map[string]int{"discovery": 70},
		AISnapshot:     map[string]int{"discovery": 80},
		AgreementLevel: review.AgreementMostly,
	}
	w := doJSON(t, server, http.MethodPost, "/v1/reviews", submission)
	if w.Code != http.StatusOK {
		t.Fatalf("submit status = %d, body %s", w.Code, w.Body.String())
	}
	var rev review.ManagerReview
	decodeBody(t, w, &rev)
	if rev.ID == "" || rev.Scores["discovery"] != 70 {
		t.Errorf("review = %+v", rev)
	}

	w = doJSON(t, server, http.MethodGet, "/v1/reviews?call=call-1&manager=dana", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var loaded review.ManagerReview
	decodeBody(t, w, &loaded)
	if loaded.ID != rev.ID {
		t.Error("loaded review does not match submitted one")
	}

	w = doJSON(t, server, http.MethodGet, "/v1/reviews?call=call-1", nil)
	var list reviewListResponse
	decodeBody(t, w, &list)
	if len(list.Reviews) != 1 {
		t.Errorf("review list = %d entries, want 1", len(list.Reviews))
	}

	w = doJSON(t, server, http.MethodGet, "/v1/reviews", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing call param status = %d, want 400", w.Code)
	}

	w = doJSON(t, server, http.MethodGet, "/v1/reviews?call=call-1&manager=nobody", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown manager status = %d, want 404", w.Code)
	}
}

func TestAuditEndpoint(t *testing.T) {
	server := newTestServer(t, nil)

	w := doJSON(t, server, http.MethodGet, "/v1/audit?entityType=rubric_criterion", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp auditResponse
	decodeBody(t, w, &resp)
	if len(resp.Entries) == 0 {
		t.Fatal("expected audit entries from rubric seeding")
	}
	for _, e := range resp.Entries {
		if e.EntityType != audit.EntityRubricCriterion {
			t.Errorf("entry type = %s", e.EntityType)
		}
	}

	w = doJSON(t, server, http.MethodGet, "/v1/audit?since=yesterday", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", w.Code)
	}

	w = doJSON(t, server, http.MethodGet, "/v1/audit?actor=nobody", nil)
	decodeBody(t, w, &resp)
	if len(resp.Entries) != 0 {
		t.Errorf("unknown actor returned %d entries", len(resp.Entries))
	}
}

func TestCacheStatsEndpoint(t *testing.T) {
	server := newTestServer(t, nil)

	if w := doJSON(t, server, http.MethodPost, "/v1/calls/call-1/analyze", nil); w.Code != http.StatusOK {
		t.Fatalf("analyze status = %d", w.Code)
	}

	w := doJSON(t, server, http.MethodGet, "/v1/cache/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var stats cache.Stats
	decodeBody(t, w, &stats)
	if stats.Entries != 1 {
		t.Errorf("entries = %d, want 1", stats.Entries)
	}
	if stats.Counters.ProducerCalls != 1 {
		t.Errorf("producer calls = %d, want 1", stats.Counters.ProducerCalls)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	server := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "caller-supplied-id")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "caller-supplied-id" {
		t.Errorf("X-Request-ID = %q, want the caller's id echoed", got)
	}
}

func TestErrorEnvelopeShape(t *testing.T) {
	server := newTestServer(t, nil)

	w := doJSON(t, server, http.MethodGet, "/v1/calls/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}

	var raw map[string]interface{}
	decodeBody(t, w, &raw)
	if _, ok := raw["error"]; !ok {
		t.Error("envelope missing error field")
	}
	if code, _ := raw["code"].(string); code != string(coacherrors.NotFound) {
		t.Errorf("code = %v", raw["code"])
	}
}
