package pipeline

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"testing"
	"time"

	"ReliefChain/internal/analyzer"
	"ReliefChain/internal/auditor"
	"ReliefChain/internal/bus"
	"ReliefChain/internal/bus/bustest"
	"ReliefChain/internal/config"
	xerrors "ReliefChain/internal/errors"
	"ReliefChain/internal/ledger"
	"ReliefChain/internal/model"
	"ReliefChain/internal/orchestrator"
	"ReliefChain/internal/store"
	"ReliefChain/internal/treasurer"
	"ReliefChain/internal/watchtower"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestRunPipelineDisbursesOnSimulatedChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	network, err := ledger.NewSimulatedNetwork("sim", map[string]*ecdsa.PrivateKey{"treasury": key},
		model.AmountFromUnits(10), ledger.EthereumConfig{})
	if err != nil {
		t.Fatalf("simulated network: %v", err)
	}
	mem := bus.NewMemoryBus(bus.DefaultRedeliveryPolicy())
	DeclareTopology(mem)

	// 先取消并等待所有协程退出，再关闭总线与链。
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		_ = mem.Close()
		network.Close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				network.Commit()
			}
		}
	}()

	repo := store.NewMemoryStore()
	policy := config.NewStaticPolicy(config.DefaultPolicy())
	images := analyzer.NewStatic(map[string]model.RawScore{
		"wildfire.jpg": {model.CategoryFire: 0.95, model.CategoryFlood: 0.1},
		"clear.jpg":    {model.CategoryFire: 0.1},
	})
	heartbeat := 50 * time.Millisecond

	wt := watchtower.New(images, policy, mem, watchtower.Config{Retries: 1, HeartbeatInterval: heartbeat})
	au := auditor.New(auditor.NewConfidenceScorer(policy, nil), policy, repo, mem, heartbeat)
	tr := treasurer.New(policy, repo, network, mem, treasurer.Config{
		PollInterval:      20 * time.Millisecond,
		ConfirmTimeout:    5 * time.Second,
		HeartbeatInterval: heartbeat,
	})
	rec := NewRecorder(repo, mem, heartbeat)

	sup := orchestrator.New(mem, nil, orchestrator.Config{
		HeartbeatTimeout: 2 * time.Second,
		CheckInterval:    50 * time.Millisecond,
		MaxRestarts:      3,
	})
	sup.Register(wt, au, tr, rec)
	svc := NewService(Options{Bus: mem, Records: repo, Health: sup, Funding: tr, CommandTimeout: 10 * time.Second})
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = sup.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = svc.Run(ctx)
	}()

	out, err := svc.RunPipeline(ctx, model.ImageRequest{ImageRef: "wildfire.jpg"})
	if err != nil {
		t.Fatalf("run pipeline: %v", err)
	}
	if out.Kind != model.OutcomeConfirmed || out.TxHash == "" || out.Category != model.CategoryFire {
		t.Fatalf("unexpected outcome %+v", out)
	}
	_, tx, err := svc.Transaction(ctx, out.DecisionID)
	if err != nil || tx.State != model.TxConfirmed || tx.Hash != out.TxHash {
		t.Fatalf("unexpected transaction %+v %v", tx, err)
	}

	quiet, err := svc.DetectOnce(ctx, model.ImageRequest{ImageRef: "clear.jpg"})
	if err != nil || quiet.Kind != model.OutcomeNoEvent {
		t.Fatalf("expected no event, got %+v %v", quiet, err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		report, err := svc.Status(ctx)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		c := report.Counters
		if c.Funded == 1 && c.NoEvent == 1 {
			if c.Detected != 1 || c.Verified != 1 || c.TotalFunded != out.Amount || report.SuccessRate != 1 {
				t.Fatalf("unexpected counters %+v", report)
			}
			if len(report.Agents) != 4 || !svc.Healthy() {
				t.Fatalf("unexpected agent health %+v", report.Agents)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("counters not recorded: %+v", c)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDetectOnceTimesOut(t *testing.T) {
	rec := bustest.New()
	svc := NewService(Options{Bus: rec, Records: store.NewMemoryStore(), CommandTimeout: 30 * time.Millisecond})

	_, err := svc.DetectOnce(context.Background(), model.ImageRequest{ImageRef: "tile-7"})
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	reqs := bustest.Decode[model.ImageRequest](rec, bus.TopicImagery)
	if len(reqs) != 1 || reqs[0].RequestID == "" || reqs[0].RequestedAt.IsZero() {
		t.Fatalf("unexpected published requests %+v", reqs)
	}
	if len(svc.waiters) != 0 {
		t.Fatal("waiter must be removed after the command returns")
	}
}

func TestDetectOnceRejectsEmptyImage(t *testing.T) {
	svc := NewService(Options{Bus: bustest.New(), Records: store.NewMemoryStore()})
	if _, err := svc.DetectOnce(context.Background(), model.ImageRequest{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestRecorderDeduplicatesOutcomes(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryStore()
	r := NewRecorder(repo, bustest.New(), time.Second)
	o := model.Outcome{Kind: model.OutcomeConfirmed, RequestID: "req-1", EventID: "evt-1", DecisionID: "dec-1", Amount: 500}

	for i := 0; i < 3; i++ {
		if err := r.RecordOutcome(ctx, o); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := r.RecordFailure(ctx, model.FailureRecord{Kind: model.FailureAnalysis, EventID: "evt-2", Message: "timeout"}); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	svc := NewService(Options{Bus: bustest.New(), Records: repo})
	report, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if report.Counters.Funded != 1 || report.Counters.TotalFunded != 500 {
		t.Fatalf("duplicate outcomes must count once: %+v", report.Counters)
	}
	if len(report.RecentFailures) != 1 || report.RecentFailures[0].EventID != "evt-2" {
		t.Fatalf("unexpected failures %+v", report.RecentFailures)
	}
}

func TestDeadLetterReporterPublishesFailure(t *testing.T) {
	rec := bustest.New()
	report := DeadLetterReporter(rec)
	report(context.Background(), bus.Envelope{Topic: bus.TopicDisasters, Key: "evt-3", Producer: "watchtower"}, xerrors.New(xerrors.CodeStorageFailure, ""))
	report(context.Background(), bus.Envelope{Topic: bus.TopicFailures, Key: "evt-4"}, xerrors.New(xerrors.CodeStorageFailure, ""))

	failures := bustest.Decode[model.FailureRecord](rec, bus.TopicFailures)
	if len(failures) != 1 || failures[0].Kind != model.FailureDeadLetter || failures[0].EventID != "evt-3" {
		t.Fatalf("unexpected failures %+v", failures)
	}
}
