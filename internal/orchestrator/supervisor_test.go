package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ReliefChain/internal/agent"
	"ReliefChain/internal/bus"
	"ReliefChain/internal/bus/bustest"
	"ReliefChain/internal/model"
	"ReliefChain/internal/observability/alerting"
)

// scriptedAgent 每次启动计数；beat 为 false 时只在启动时心跳一次然后卡住。
type scriptedAgent struct {
	name   string
	beat   bool
	panics bool
	starts atomic.Int32
}

func (a *scriptedAgent) Name() string { return a.name }

func (a *scriptedAgent) Run(ctx context.Context, rt agent.Runtime) error {
	a.starts.Add(1)
	rt.Beat()
	if a.panics {
		panic("boom")
	}
	if !a.beat {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rt.Beat()
		}
	}
}

type idleAgent struct{}

func (idleAgent) Name() string { return "watchtower" }
func (idleAgent) Run(ctx context.Context, _ agent.Runtime) error {
	<-ctx.Done()
	return ctx.Err()
}

type alertRecorder struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *alertRecorder) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *alertRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testConfig() Config {
	return Config{
		HeartbeatTimeout: 40 * time.Millisecond,
		CheckInterval:    5 * time.Millisecond,
		MaxRestarts:      2,
		RestartWindow:    time.Minute,
		StopGrace:        time.Second,
	}
}

func healthOf(s *Supervisor, name string) model.AgentHealth {
	for _, h := range s.Health() {
		if h.AgentName == name {
			return h
		}
	}
	return model.AgentHealth{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUnresponsiveAgentGoesOfflineAfterRestartBudget(t *testing.T) {
	rec := bustest.New()
	alerts := &alertRecorder{}
	s := New(rec, alerts, testConfig())
	stuck := &scriptedAgent{name: "auditor"}
	healthy := &scriptedAgent{name: "watchtower", beat: true}
	s.Register(stuck, healthy)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// 注册后、启动前的状态同样是 offline，先等到第一次启动。
	waitFor(t, "auditor started", func() bool { return stuck.starts.Load() > 0 })
	waitFor(t, "auditor offline", func() bool {
		return stuck.starts.Load() == 3 && healthOf(s, "auditor").Status == model.AgentOffline &&
			len(bustest.Decode[model.FailureRecord](rec, bus.TopicFailures)) > 0
	})
	if got := stuck.starts.Load(); got != 3 {
		t.Fatalf("expected initial start plus 2 restarts, got %d", got)
	}
	if h := healthOf(s, "auditor"); h.Restarts != 2 {
		t.Fatalf("unexpected restarts %+v", h)
	}
	if alerts.count() != 1 {
		t.Fatalf("expected one alert, got %d", alerts.count())
	}
	failures := bustest.Decode[model.FailureRecord](rec, bus.TopicFailures)
	if len(failures) != 1 || failures[0].Kind != model.FailureAgentUnresponsive || failures[0].Agent != "auditor" {
		t.Fatalf("unexpected failures %+v", failures)
	}

	if h := healthOf(s, "watchtower"); h.Status != model.AgentOnline || h.Restarts != 0 {
		t.Fatalf("healthy agent must not be touched: %+v", h)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if h := healthOf(s, "watchtower"); h.Status != model.AgentOffline {
		t.Fatalf("agents stop with the supervisor: %+v", h)
	}
}

func TestCrashedAgentIsRestarted(t *testing.T) {
	alerts := &alertRecorder{}
	cfg := testConfig()
	cfg.MaxRestarts = 1
	s := New(bustest.New(), alerts, cfg)
	crashing := &scriptedAgent{name: "treasurer", panics: true}
	s.Register(crashing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	waitFor(t, "treasurer started", func() bool { return crashing.starts.Load() > 0 })
	waitFor(t, "treasurer offline", func() bool {
		return crashing.starts.Load() == 2 && healthOf(s, "treasurer").Status == model.AgentOffline && alerts.count() > 0
	})
	if got := crashing.starts.Load(); got != 2 {
		t.Fatalf("expected one restart after the panic, got %d starts", got)
	}
	if alerts.count() != 1 {
		t.Fatalf("expected alert, got %d", alerts.count())
	}
}

func TestRestartsOutsideWindowAreForgiven(t *testing.T) {
	s := New(bustest.New(), &alertRecorder{}, testConfig())
	a := &scriptedAgent{name: "auditor", beat: true}
	s.Register(a)

	base := time.Unix(1700000000, 0)
	var now atomic.Int64
	now.Store(base.UnixNano())
	s.now = func() time.Time { return time.Unix(0, now.Load()) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.mu.Lock()
	s.startLocked(ctx, s.agents["auditor"])
	s.mu.Unlock()

	s.restart(ctx, "auditor", "test")
	s.restart(ctx, "auditor", "test")
	now.Store(base.Add(2 * time.Minute).UnixNano())
	s.restart(ctx, "auditor", "test")

	if h := healthOf(s, "auditor"); h.Status != model.AgentOnline || h.Restarts != 3 {
		t.Fatalf("old restarts must leave the window: %+v", h)
	}
	s.stopAll()
}

func TestStaleGenerationBeatsAreIgnored(t *testing.T) {
	s := New(bustest.New(), &alertRecorder{}, testConfig())
	s.Register(idleAgent{})
	fixed := time.Unix(1700000000, 0)
	s.now = func() time.Time { return fixed }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.mu.Lock()
	sa := s.agents["watchtower"]
	s.startLocked(ctx, sa)
	s.startLocked(ctx, sa)
	sa.lastBeat = time.Time{}
	s.mu.Unlock()

	old := &runtime{s: s, name: "watchtower", gen: 1}
	old.Beat()
	if !healthOf(s, "watchtower").LastHeartbeat.IsZero() {
		t.Fatal("beat from a replaced instance must be ignored")
	}
	current := &runtime{s: s, name: "watchtower", gen: 2}
	current.Beat()
	if !healthOf(s, "watchtower").LastHeartbeat.Equal(fixed) {
		t.Fatal("beat from the current instance must be recorded")
	}
	s.stopAll()
}
