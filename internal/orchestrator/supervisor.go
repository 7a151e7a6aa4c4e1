// Package orchestrator 监督各代理的存活状态，负责启动、心跳检查与有限次数的重启。
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ReliefChain/internal/agent"
	"ReliefChain/internal/bus"
	"ReliefChain/internal/config"
	xerrors "ReliefChain/internal/errors"
	"ReliefChain/internal/model"
	"ReliefChain/internal/observability/alerting"
	"ReliefChain/internal/observability/metrics"
	"ReliefChain/pkg/logger"
)

// Name 是 Orchestrator 发布失败记录时使用的来源名。
const Name = "orchestrator"

// Config 控制心跳监督与重启预算。
type Config struct {
	HeartbeatTimeout time.Duration
	CheckInterval    time.Duration
	MaxRestarts      int
	RestartWindow    time.Duration
	StopGrace        time.Duration
}

// ConfigFrom 把运行配置转换为监督器配置。
func ConfigFrom(o config.OrchestratorConfig) Config {
	return Config{
		HeartbeatTimeout: o.HeartbeatTimeout(),
		CheckInterval:    o.CheckInterval(),
		MaxRestarts:      o.MaxRestarts,
		RestartWindow:    o.RestartWindow(),
		StopGrace:        o.StopGrace(),
	}
}

func (c Config) normalized() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Second
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 5 * time.Minute
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	return c
}

// Supervisor 启动代理、跟踪心跳，并在心跳超时或进程退出时按预算重启。
// 它不读取也不修改任何流水线数据。
type Supervisor struct {
	cfg      Config
	alerts   alerting.Dispatcher
	producer *bus.Producer
	log      *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	agents map[string]*supervised
	order  []string
}

type supervised struct {
	agent    agent.Agent
	status   model.AgentStatus
	lastBeat time.Time
	restarts []time.Time
	total    int
	gen      int
	cancel   context.CancelFunc
	done     chan struct{}
	exitErr  error
}

// New 创建监督器。失败记录发布到 relief.failures。
func New(pub bus.Publisher, alerts alerting.Dispatcher, cfg Config) *Supervisor {
	if alerts == nil {
		alerts = alerting.NewFanout(alerting.LogNotifier{})
	}
	return &Supervisor{
		cfg:      cfg.normalized(),
		alerts:   alerts,
		producer: bus.NewProducer(Name, pub),
		log:      logger.Named(Name),
		now:      time.Now,
		agents:   make(map[string]*supervised),
	}
}

// Register 登记一个代理，必须在 Run 之前调用。
func (s *Supervisor) Register(agents ...agent.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range agents {
		if a == nil {
			continue
		}
		if _, ok := s.agents[a.Name()]; ok {
			continue
		}
		s.agents[a.Name()] = &supervised{agent: a, status: model.AgentOffline}
		s.order = append(s.order, a.Name())
	}
}

// Run 启动所有代理并监督，直到 ctx 结束后停止全部代理。
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	for _, name := range s.order {
		s.startLocked(ctx, s.agents[name])
	}
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return nil
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

// Health 返回所有代理存活状态的只读快照。
func (s *Supervisor) Health() []model.AgentHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AgentHealth, 0, len(s.order))
	for _, name := range s.order {
		sa := s.agents[name]
		out = append(out, model.AgentHealth{
			AgentName:     name,
			Status:        sa.status,
			LastHeartbeat: sa.lastBeat,
			Restarts:      sa.total,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentName < out[j].AgentName })
	return out
}

func (s *Supervisor) startLocked(ctx context.Context, sa *supervised) {
	actx, cancel := context.WithCancel(ctx)
	sa.gen++
	sa.cancel = cancel
	sa.done = make(chan struct{})
	sa.exitErr = nil
	sa.lastBeat = s.now()
	sa.status = model.AgentOnline
	metrics.AgentUp.WithLabelValues(sa.agent.Name()).Set(1)

	rt := &runtime{s: s, name: sa.agent.Name(), gen: sa.gen}
	done := sa.done
	go func() {
		defer close(done)
		err := runSafely(actx, sa.agent, rt)
		s.mu.Lock()
		if sa.done == done {
			sa.exitErr = err
		}
		s.mu.Unlock()
	}()
	s.log.Info("代理已启动", "agent", sa.agent.Name(), "generation", sa.gen)
}

func runSafely(ctx context.Context, a agent.Agent, rt agent.Runtime) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", agent.ErrHandlerPanic, r)
		}
	}()
	return a.Run(ctx, rt)
}

// check 检查每个在线代理：进程已退出或心跳超时都会触发重启。
func (s *Supervisor) check(ctx context.Context) {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		sa := s.agents[name]
		var reason string
		switch sa.status {
		case model.AgentOnline:
			if exited(sa.done) {
				reason = fmt.Sprintf("代理退出: %v", sa.exitErr)
			} else if overdue := s.now().Sub(sa.lastBeat); overdue > s.cfg.HeartbeatTimeout {
				reason = fmt.Sprintf("心跳超时 %s", overdue.Truncate(time.Millisecond))
			}
		case model.AgentRestarting:
			// 上一次重启时旧实例未在宽限期内退出，等它退出后再启动新实例。
			if exited(sa.done) {
				s.startLocked(ctx, sa)
			}
		}
		s.mu.Unlock()
		if reason != "" {
			s.restart(ctx, name, reason)
		}
	}
}

func (s *Supervisor) restart(ctx context.Context, name, reason string) {
	s.mu.Lock()
	sa := s.agents[name]
	now := s.now()
	cutoff := now.Add(-s.cfg.RestartWindow)
	kept := sa.restarts[:0]
	for _, at := range sa.restarts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	sa.restarts = kept

	if len(sa.restarts) >= s.cfg.MaxRestarts {
		sa.status = model.AgentOffline
		sa.cancel()
		restarts := sa.total
		s.mu.Unlock()
		s.markOffline(ctx, name, reason, restarts)
		return
	}

	sa.status = model.AgentRestarting
	sa.restarts = append(sa.restarts, now)
	sa.total++
	sa.cancel()
	done := sa.done
	s.mu.Unlock()

	metrics.AgentRestarts.WithLabelValues(name).Inc()
	metrics.AgentUp.WithLabelValues(name).Set(0)
	s.log.Warn("重启代理", "agent", name, "reason", reason, "restarts_in_window", len(kept)+1, "error_code", xerrors.CodeAgentUnresponsive)

	select {
	case <-done:
	case <-time.After(s.cfg.StopGrace):
		s.log.Error("代理未在宽限期内退出，推迟重启", "agent", name, "grace", s.cfg.StopGrace)
		return
	case <-ctx.Done():
		return
	}

	s.mu.Lock()
	if sa.status == model.AgentRestarting {
		s.startLocked(ctx, sa)
	}
	s.mu.Unlock()
}

func (s *Supervisor) markOffline(ctx context.Context, name, reason string, restarts int) {
	metrics.AgentUp.WithLabelValues(name).Set(0)
	msg := fmt.Sprintf("代理 %s 在 %s 内重启超过 %d 次，已下线: %s", name, s.cfg.RestartWindow, s.cfg.MaxRestarts, reason)
	err := xerrors.New(xerrors.CodeAgentUnresponsive, msg, xerrors.WithMetadata("reason", reason))
	s.log.Error("代理已下线", "agent", name, "reason", reason, "restarts", restarts, "error_code", err.Code())

	event := alerting.FromError(err, name)
	event.Restarts = restarts
	event.OccurredAt = s.now().UTC()
	if aerr := s.alerts.Notify(ctx, event); aerr != nil {
		s.log.Error("发送告警失败", "agent", name, "error", aerr)
	}
	s.publishFailure(ctx, model.FailureRecord{
		Kind:       model.FailureAgentUnresponsive,
		Agent:      name,
		Code:       string(err.Code()),
		Message:    msg,
		OccurredAt: s.now().UTC(),
	})
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	var waits []chan struct{}
	for _, name := range s.order {
		sa := s.agents[name]
		if sa.cancel != nil {
			sa.cancel()
		}
		if sa.done != nil {
			waits = append(waits, sa.done)
		}
		sa.status = model.AgentOffline
		metrics.AgentUp.WithLabelValues(name).Set(0)
	}
	s.mu.Unlock()

	deadline := time.After(s.cfg.StopGrace)
	for _, done := range waits {
		select {
		case <-done:
		case <-deadline:
			s.log.Warn("部分代理未在宽限期内退出")
			return
		}
	}
}

func (s *Supervisor) publishFailure(ctx context.Context, record model.FailureRecord) {
	if err := s.producer.Send(context.WithoutCancel(ctx), bus.TopicFailures, record.EventID, record); err != nil {
		s.log.Error("发布失败记录失败", "agent", record.Agent, "kind", record.Kind, "error", err)
	}
}

func (s *Supervisor) beat(name string, gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sa, ok := s.agents[name]
	if !ok || sa.gen != gen || sa.status != model.AgentOnline {
		return
	}
	sa.lastBeat = s.now()
}

// runtime 绑定到代理的某一代实例，旧实例迟到的心跳会被忽略。
type runtime struct {
	s    *Supervisor
	name string
	gen  int
}

func (r *runtime) Beat() { r.s.beat(r.name, r.gen) }

func (r *runtime) ReportFailure(ctx context.Context, record model.FailureRecord) {
	if record.Agent == "" {
		record.Agent = r.name
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = r.s.now().UTC()
	}
	r.s.publishFailure(ctx, record)
}

func exited(done chan struct{}) bool {
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}
