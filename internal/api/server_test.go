package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "ReliefChain/internal/errors"
	"ReliefChain/internal/model"
	"ReliefChain/internal/pipeline"
	"ReliefChain/internal/treasurer"
)

type fakePipeline struct {
	healthy  bool
	outcome  model.Outcome
	err      error
	stopped  bool
	resumed  bool
	reason   string
	detected []model.ImageRequest
}

func (f *fakePipeline) Status(context.Context) (pipeline.StatusReport, error) {
	return pipeline.StatusReport{EmergencyStop: f.stopped}, f.err
}

func (f *fakePipeline) FundingStats(context.Context) (treasurer.Stats, error) {
	return treasurer.Stats{EmergencyStop: f.stopped}, f.err
}

func (f *fakePipeline) Transaction(_ context.Context, id string) (model.FundingDecision, model.Transaction, error) {
	if id != "dec-1" {
		return model.FundingDecision{}, model.Transaction{}, xerrors.New(xerrors.CodeNotFound, "资助决策不存在")
	}
	return model.FundingDecision{ID: id}, model.Transaction{FundingDecisionID: id, State: model.TxConfirmed}, nil
}

func (f *fakePipeline) DetectOnce(_ context.Context, req model.ImageRequest) (model.Outcome, error) {
	f.detected = append(f.detected, req)
	return f.outcome, f.err
}

func (f *fakePipeline) RunPipeline(_ context.Context, req model.ImageRequest) (model.Outcome, error) {
	f.detected = append(f.detected, req)
	return f.outcome, f.err
}

func (f *fakePipeline) EmergencyStop(_ context.Context, reason string) (int, error) {
	f.stopped = true
	f.reason = reason
	return 2, nil
}

func (f *fakePipeline) Resume(context.Context) error {
	f.resumed = true
	f.stopped = false
	return nil
}

func (f *fakePipeline) Healthy() bool { return f.healthy }

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "10.0.0.1:4321"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	p := &fakePipeline{healthy: true}
	s := NewServer(":0", p, Limits{})

	if rec := do(t, s, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	p.healthy = false
	if rec := do(t, s, http.MethodGet, "/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestDetectReturnsOutcome(t *testing.T) {
	p := &fakePipeline{outcome: model.Outcome{Kind: model.OutcomeDetected, RequestID: "r1", Category: model.CategoryFlood}}
	s := NewServer(":0", p, Limits{})

	rec := do(t, s, http.MethodPost, "/api/detect", `{"image_ref":"flood.jpg","width":800,"height":600}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got model.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Kind != model.OutcomeDetected || got.Category != model.CategoryFlood {
		t.Fatalf("unexpected outcome: %+v", got)
	}
	if len(p.detected) != 1 || p.detected[0].ImageRef != "flood.jpg" || p.detected[0].Width != 800 {
		t.Fatalf("request not forwarded: %+v", p.detected)
	}
}

func TestCommandRejectsWrongMethodAndBody(t *testing.T) {
	s := NewServer(":0", &fakePipeline{}, Limits{})

	t.Run("method", func(t *testing.T) {
		if rec := do(t, s, http.MethodGet, "/api/full-test", ""); rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", rec.Code)
		}
	})
	t.Run("body", func(t *testing.T) {
		if rec := do(t, s, http.MethodPost, "/api/full-test", "{"); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestErrorCodesMapToStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", xerrors.New(xerrors.CodeInvalidArgument, "缺少 image_ref"), http.StatusBadRequest},
		{"timeout", xerrors.New(xerrors.CodeTimeout, "等待结果超时"), http.StatusGatewayTimeout},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"storage", xerrors.New(xerrors.CodeStorageFailure, "写入失败"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewServer(":0", &fakePipeline{err: tc.err}, Limits{})
			rec := do(t, s, http.MethodPost, "/api/full-test", `{"image_ref":"x.jpg"}`)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
			var body errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.Code == "" {
				t.Fatalf("error code missing in body")
			}
		})
	}
}

func TestRateLimitPerClient(t *testing.T) {
	s := NewServer(":0", &fakePipeline{outcome: model.Outcome{Kind: model.OutcomeNoEvent}}, Limits{DetectPerMinute: 2})

	for i := 0; i < 2; i++ {
		if rec := do(t, s, http.MethodPost, "/api/detect", `{"image_ref":"a.jpg"}`); rec.Code != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := do(t, s, http.MethodPost, "/api/detect", `{"image_ref":"a.jpg"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/detect", strings.NewReader(`{"image_ref":"a.jpg"}`))
	req.RemoteAddr = "10.0.0.2:1000"
	other := httptest.NewRecorder()
	s.Handler().ServeHTTP(other, req)
	if other.Code != http.StatusOK {
		t.Fatalf("other client should not be limited, got %d", other.Code)
	}
}

func TestTransactionDetail(t *testing.T) {
	s := NewServer(":0", &fakePipeline{}, Limits{})

	rec := do(t, s, http.MethodGet, "/api/transactions/dec-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got transactionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Transaction.State != model.TxConfirmed {
		t.Fatalf("unexpected state %q", got.Transaction.State)
	}

	if rec := do(t, s, http.MethodGet, "/api/transactions/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/transactions/", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestEmergencyStopAndResume(t *testing.T) {
	p := &fakePipeline{}
	s := NewServer(":0", p, Limits{})

	rec := do(t, s, http.MethodPost, "/api/emergency-stop", `{"reason":"drill"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp emergencyStopResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Stopped || resp.Failed != 2 || p.reason != "drill" {
		t.Fatalf("unexpected stop response %+v reason=%q", resp, p.reason)
	}

	if rec := do(t, s, http.MethodPost, "/api/resume", ""); rec.Code != http.StatusOK || !p.resumed {
		t.Fatalf("resume failed: %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(":0", &fakePipeline{healthy: true}, Limits{})
	do(t, s, http.MethodGet, "/health", "")
	rec := do(t, s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
