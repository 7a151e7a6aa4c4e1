package watchtower

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ReliefChain/internal/analyzer"
	"ReliefChain/internal/bus"
	"ReliefChain/internal/bus/bustest"
	"ReliefChain/internal/config"
	"ReliefChain/internal/model"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var defaultThresholds = config.DefaultPolicy().Detection.Thresholds

func TestSelectFireExample(t *testing.T) {
	scores := model.RawScore{
		model.CategoryFire:       0.92,
		model.CategoryFlood:      0.10,
		model.CategoryStructural: 0.05,
		model.CategoryCasualty:   0.0,
	}
	c, conf, ok := Select(scores, defaultThresholds)
	if !ok || c != model.CategoryFire || conf != 0.92 {
		t.Fatalf("expected fire 0.92, got %s %v %v", c, conf, ok)
	}
}

func TestSelectTieBreak(t *testing.T) {
	cases := []struct {
		scores model.RawScore
		want   model.Category
	}{
		{model.RawScore{model.CategoryFire: 0.9, model.CategoryCasualty: 0.9}, model.CategoryCasualty},
		{model.RawScore{model.CategoryFire: 0.85, model.CategoryStructural: 0.85}, model.CategoryStructural},
		{model.RawScore{model.CategoryFire: 0.7, model.CategoryFlood: 0.7}, model.CategoryFire},
		{model.RawScore{model.CategoryFlood: 0.95, model.CategoryCasualty: 0.9}, model.CategoryFlood},
	}
	for _, tc := range cases {
		got, _, ok := Select(tc.scores, defaultThresholds)
		if !ok || got != tc.want {
			t.Errorf("%v: got %s", tc.scores, got)
		}
	}
	if _, _, ok := Select(model.RawScore{model.CategoryCasualty: 0.79}, defaultThresholds); ok {
		t.Fatal("below-threshold score must not qualify")
	}
}

func TestSelectProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	score := gen.Float64Range(0, 1)
	build := func(fire, flood, structural, casualty float64) model.RawScore {
		return model.RawScore{
			model.CategoryFire:       fire,
			model.CategoryFlood:      flood,
			model.CategoryStructural: structural,
			model.CategoryCasualty:   casualty,
		}
	}

	properties.Property("selected category always meets its threshold and is maximal", prop.ForAll(
		func(fire, flood, structural, casualty float64) bool {
			scores := build(fire, flood, structural, casualty)
			c, conf, ok := Select(scores, defaultThresholds)
			anyQualifies := false
			for cat, v := range scores {
				if v >= defaultThresholds[cat] {
					anyQualifies = true
					if ok && v > conf {
						return false
					}
				}
			}
			if !ok {
				return !anyQualifies
			}
			return scores[c] == conf && conf >= defaultThresholds[c]
		},
		score, score, score, score,
	))

	properties.Property("ties resolve to the safest category", prop.ForAll(
		func(v float64, i, j int) bool {
			if i == j {
				return true
			}
			a, b := model.SafetyPriority[i], model.SafetyPriority[j]
			scores := model.RawScore{a: v, b: v}
			c, _, ok := Select(scores, map[model.Category]float64{a: 0, b: 0})
			want := a
			if j < i {
				want = b
			}
			return ok && c == want
		},
		score, gen.IntRange(0, 3), gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}

func TestSizeFactorAndSeverity(t *testing.T) {
	p := config.DefaultPolicy().Detection.SizeFactor
	if f := SizeFactor(p, 1024, 1024); f != 1 {
		t.Fatalf("reference size should yield 1, got %v", f)
	}
	if f := SizeFactor(p, 64, 64); f != p.Min {
		t.Fatalf("small images clamp to min, got %v", f)
	}
	if f := SizeFactor(p, 0, 10); f != 1 {
		t.Fatalf("unknown size should yield 1, got %v", f)
	}
	if s := Severity(0.9, 1.5, 2); s < 2.69 || s > 2.71 {
		t.Fatalf("unexpected severity %v", s)
	}
	if Severity(-1, 1, 1) != 0 {
		t.Fatal("severity is never negative")
	}
}

type recordingRuntime struct {
	mu       sync.Mutex
	beats    int
	failures []model.FailureRecord
}

func (r *recordingRuntime) Beat() { r.mu.Lock(); r.beats++; r.mu.Unlock() }
func (r *recordingRuntime) ReportFailure(_ context.Context, f model.FailureRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
}

func newWatchtower(a analyzer.Analyzer, b bus.Bus, retries int) *Watchtower {
	return New(a, config.NewStaticPolicy(config.DefaultPolicy()), b, Config{Retries: retries, RetryDelay: time.Millisecond})
}

func TestHandlePublishesDeterministicEvent(t *testing.T) {
	rec := bustest.New()
	static := analyzer.NewStatic(map[string]model.RawScore{
		"tile-7": {model.CategoryFire: 0.92, model.CategoryFlood: 0.1},
	})
	w := newWatchtower(static, rec, 1)
	req := model.ImageRequest{RequestID: "r1", ImageRef: "tile-7", Width: 1024, Height: 1024,
		RequestedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}

	for i := 0; i < 2; i++ {
		if err := w.Handle(context.Background(), nil, req); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	events := bustest.Decode[model.DisasterEvent](rec, bus.TopicDisasters)
	if len(events) != 2 || events[0].ID != events[1].ID {
		t.Fatalf("redelivered image must yield the same event id: %+v", events)
	}
	e := events[0]
	if e.Category != model.CategoryFire || e.Confidence != 0.92 || e.Severity != 0.92 {
		t.Fatalf("unexpected event %+v", e)
	}
	outcomes := bustest.Decode[model.Outcome](rec, bus.TopicOutcomes)
	if len(outcomes) != 2 || outcomes[0].Kind != model.OutcomeDetected || outcomes[0].EventID != e.ID {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
}

func TestHandleNoEvent(t *testing.T) {
	rec := bustest.New()
	static := analyzer.NewStatic(map[string]model.RawScore{"calm": {model.CategoryFire: 0.2}})
	w := newWatchtower(static, rec, 1)
	if err := w.Handle(context.Background(), nil, model.ImageRequest{RequestID: "r2", ImageRef: "calm"}); err != nil {
		t.Fatal(err)
	}
	if n := len(rec.Envelopes(bus.TopicDisasters)); n != 0 {
		t.Fatalf("non-event must not publish, got %d", n)
	}
	outcomes := bustest.Decode[model.Outcome](rec, bus.TopicOutcomes)
	if len(outcomes) != 1 || outcomes[0].Kind != model.OutcomeNoEvent {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
}

func TestHandleRetriesAnalyzerBoundedTimes(t *testing.T) {
	cases := []struct {
		retries   int
		wantCalls int
	}{
		{0, 1},
		{1, 2},
		{3, 4},
	}
	for _, tc := range cases {
		calls := 0
		flaky := analyzer.Func(func(context.Context, model.ImageRequest) (model.RawScore, error) {
			calls++
			return nil, analyzer.ErrUnavailable
		})
		rec := bustest.New()
		rt := &recordingRuntime{}
		w := newWatchtower(flaky, rec, tc.retries)
		if err := w.Handle(context.Background(), rt, model.ImageRequest{RequestID: "r3", ImageRef: "x"}); err != nil {
			t.Fatalf("analysis failure is reported, not returned: %v", err)
		}
		if calls != tc.wantCalls {
			t.Errorf("retries=%d: expected %d calls, got %d", tc.retries, tc.wantCalls, calls)
		}
		if len(rt.failures) != 1 || rt.failures[0].Kind != model.FailureAnalysis {
			t.Errorf("expected one AnalysisFailure, got %+v", rt.failures)
		}
		outcomes := bustest.Decode[model.Outcome](rec, bus.TopicOutcomes)
		if len(outcomes) != 1 || outcomes[0].Kind != model.OutcomeAnalysisFailed {
			t.Errorf("unexpected outcomes %+v", outcomes)
		}
	}
}

func TestHandleDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	broken := analyzer.Func(func(context.Context, model.ImageRequest) (model.RawScore, error) {
		calls++
		return nil, errors.New("image not found")
	})
	w := newWatchtower(broken, bustest.New(), 3)
	_ = w.Handle(context.Background(), nil, model.ImageRequest{ImageRef: "gone"})
	if calls != 1 {
		t.Fatalf("permanent errors must not be retried, calls=%d", calls)
	}
}

func TestHandleReturnsErrorWhenPublishFails(t *testing.T) {
	rec := bustest.New()
	rec.Fail(bus.TopicDisasters, errors.New("broker down"))
	static := analyzer.NewStatic(map[string]model.RawScore{"tile": {model.CategoryCasualty: 0.95}})
	w := newWatchtower(static, rec, 0)
	if err := w.Handle(context.Background(), nil, model.ImageRequest{ImageRef: "tile"}); err == nil {
		t.Fatal("publish failure must surface so the bus redelivers")
	}
}
