package auditor

import (
	"context"
	"testing"
	"time"

	"ReliefChain/internal/bus"
	"ReliefChain/internal/bus/bustest"
	"ReliefChain/internal/config"
	"ReliefChain/internal/model"
	"ReliefChain/internal/store"
)

type failureRuntime struct {
	failures []model.FailureRecord
}

func (r *failureRuntime) Beat() {}
func (r *failureRuntime) ReportFailure(_ context.Context, f model.FailureRecord) {
	r.failures = append(r.failures, f)
}

func newAuditor(t *testing.T, p *config.Policy, scorer Scorer) (*Auditor, *bustest.Recorder, *store.MemoryStore) {
	t.Helper()
	rec := bustest.New()
	repo := store.NewMemoryStore()
	a := New(scorer, config.NewStaticPolicy(p), repo, rec, time.Second)
	return a, rec, repo
}

func fireEvent(severity, confidence float64) model.DisasterEvent {
	return model.DisasterEvent{
		ID:         "evt-1",
		RequestID:  "req-1",
		Category:   model.CategoryFire,
		Confidence: confidence,
		Severity:   severity,
		ImageRef:   "tile",
		Timestamp:  time.Unix(1700000000, 0),
	}
}

func TestConfidenceScorerIsDeterministicAndBounded(t *testing.T) {
	s := NewConfidenceScorer(config.NewStaticPolicy(config.DefaultPolicy()), nil)
	e := fireEvent(1, 0.9)
	// 0.7*0.9 + 0.3*0.8 = 0.87
	if got := s.Score(e); got < 86.99 || got > 87.01 || got != s.Score(e) {
		t.Fatalf("unexpected score %v", got)
	}
	strong := NewConfidenceScorer(config.NewStaticPolicy(config.DefaultPolicy()), func(model.DisasterEvent) (float64, bool) {
		return 7, true
	})
	if got := strong.Score(fireEvent(1, 2)); got != 100 {
		t.Fatalf("score must clamp to 100, got %v", got)
	}
}

func TestHumanImpactCurve(t *testing.T) {
	curve := []config.CurvePoint{{Severity: 0, People: 0}, {Severity: 0.5, People: 200}, {Severity: 1.0, People: 800}}
	cases := []struct {
		severity float64
		want     int64
	}{
		{-1, 0},
		{0.25, 100},
		{0.5, 200},
		{0.75, 500},
		{3, 800},
	}
	prev := int64(-1)
	for _, tc := range cases {
		got := HumanImpact(curve, tc.severity)
		if got != tc.want {
			t.Errorf("severity %v: got %d want %d", tc.severity, got, tc.want)
		}
		if got < prev {
			t.Errorf("impact must be monotonic in severity")
		}
		prev = got
	}
	if HumanImpact(nil, 1) != 0 {
		t.Fatal("missing curve yields zero impact")
	}
}

func TestRecommendationUsesCategoryMultiplier(t *testing.T) {
	p := config.DefaultPolicy().Verification
	if got := Recommendation(p, model.CategoryCasualty, 2); got != model.AmountFromUnits(1.5) {
		t.Fatalf("casualty: got %s", got)
	}
	if got := Recommendation(p, model.CategoryFire, 2); got != model.AmountFromUnits(1.0) {
		t.Fatalf("fire defaults to multiplier 1: got %s", got)
	}
}

func TestHandlePublishesVerifiedEvent(t *testing.T) {
	a, rec, repo := newAuditor(t, config.DefaultPolicy(), nil)
	if err := a.Handle(context.Background(), nil, fireEvent(1.0, 0.9)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	published := bustest.Decode[model.VerifiedEvent](rec, bus.TopicVerified)
	if len(published) != 1 {
		t.Fatalf("expected one verified event, got %d", len(published))
	}
	v := published[0]
	if v.Status != model.StatusVerified || v.HumanImpact != 800 || v.FundingRecommendation != model.AmountFromUnits(0.5) {
		t.Fatalf("unexpected verified event %+v", v)
	}
	if stored, _ := repo.GetVerified(context.Background(), "evt-1"); stored.DisasterEventID != "evt-1" {
		t.Fatal("verified event must be persisted")
	}
}

func TestRedeliveryDoesNotCreateSecondRecord(t *testing.T) {
	a, rec, repo := newAuditor(t, config.DefaultPolicy(), nil)
	ctx := context.Background()
	_ = a.Handle(ctx, nil, fireEvent(1.0, 0.9))
	// 策略变化不应影响重复投递：已存结果原样沿用。
	a.policy = config.NewStaticPolicy(func() *config.Policy {
		p := config.DefaultPolicy()
		p.Verification.BaseRate = 99
		return p
	}())
	_ = a.Handle(ctx, nil, fireEvent(1.0, 0.9))

	// 重复投递会重新发布已存结果，下游按决策 ID 去重。
	published := bustest.Decode[model.VerifiedEvent](rec, bus.TopicVerified)
	if len(published) != 2 {
		t.Fatalf("expected the stored result to be republished, got %d", len(published))
	}
	for _, v := range published {
		if v != published[0] {
			t.Fatalf("redelivery produced a different verified event: %+v vs %+v", v, published[0])
		}
	}
	stored, _ := repo.GetVerified(ctx, "evt-1")
	if stored.FundingRecommendation != model.AmountFromUnits(0.5) {
		t.Fatalf("stored record changed: %+v", stored)
	}
}

func TestZeroRecommendationIsDefaultedOnce(t *testing.T) {
	a, rec, _ := newAuditor(t, config.DefaultPolicy(), nil)
	if err := a.Handle(context.Background(), nil, fireEvent(0, 0.9)); err != nil {
		t.Fatal(err)
	}
	v := bustest.Decode[model.VerifiedEvent](rec, bus.TopicVerified)[0]
	if v.RecommendationSource != model.RecommendationDefaulted || v.FundingRecommendation != model.AmountFromUnits(0.01) {
		t.Fatalf("expected floor, got %+v", v)
	}
	again := model.ValidateRecommendation(v.FundingRecommendation, model.AmountFromUnits(0.01))
	if again.Amount != v.FundingRecommendation {
		t.Fatal("validating a defaulted amount again must not change it")
	}
}

func TestRejectedEventIsRecordedAndReported(t *testing.T) {
	low := ScorerFunc(func(model.DisasterEvent) float64 { return 10 })
	a, rec, repo := newAuditor(t, config.DefaultPolicy(), low)
	rt := &failureRuntime{}
	if err := a.Handle(context.Background(), rt, fireEvent(1, 0.9)); err != nil {
		t.Fatal(err)
	}
	if n := len(rec.Envelopes(bus.TopicVerified)); n != 0 {
		t.Fatalf("rejected events never reach the treasurer, got %d", n)
	}
	stored, err := repo.GetVerified(context.Background(), "evt-1")
	if err != nil || stored.Status != model.StatusRejected || stored.FundingRecommendation != 0 {
		t.Fatalf("rejected record: %+v %v", stored, err)
	}
	outcomes := bustest.Decode[model.Outcome](rec, bus.TopicOutcomes)
	if len(outcomes) != 1 || outcomes[0].Kind != model.OutcomeRejected {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
	if len(rt.failures) != 1 || rt.failures[0].Kind != model.FailureVerificationRejected || rt.failures[0].EventID != "evt-1" {
		t.Fatalf("rejection must be reported: %+v", rt.failures)
	}
}
