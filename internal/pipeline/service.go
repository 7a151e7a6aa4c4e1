// Package pipeline 提供流水线对外的状态查询与控制命令，以及把阶段结果落库的 Recorder。
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ReliefChain/internal/bus"
	xerrors "ReliefChain/internal/errors"
	"ReliefChain/internal/model"
	"ReliefChain/internal/store"
	"ReliefChain/internal/treasurer"
	"ReliefChain/pkg/logger"

	"github.com/google/uuid"
)

// WaiterGroup 是控制命令等待结果时使用的消费组。
const WaiterGroup = "waiters"

// HealthSource 提供代理存活快照，由 Orchestrator 实现。
type HealthSource interface {
	Health() []model.AgentHealth
}

// FundingControl 是 Treasurer 暴露给运维的只读查询与紧急停止。
type FundingControl interface {
	Stats(ctx context.Context) (treasurer.Stats, error)
	Lookup(ctx context.Context, decisionID string) (model.FundingDecision, model.Transaction, error)
	EmergencyStop(ctx context.Context, reason string) (int, error)
	Resume(ctx context.Context) error
}

// Counters 是各阶段结果的累计数量。
type Counters struct {
	Detected       int64        `json:"detected"`
	Verified       int64        `json:"verified"`
	Rejected       int64        `json:"rejected"`
	Funded         int64        `json:"funded"`
	FundingFailed  int64        `json:"funding_failed"`
	NoEvent        int64        `json:"no_event"`
	AnalysisFailed int64        `json:"analysis_failed"`
	TotalFunded    model.Amount `json:"total_funded"`
}

// StatusReport 是状态查询的返回值。
type StatusReport struct {
	Agents           []model.AgentHealth     `json:"agents"`
	Balances         map[string]model.Amount `json:"balances"`
	BalanceUpdatedAt time.Time               `json:"balance_updated_at"`
	Counters         Counters                `json:"counters"`
	SuccessRate      float64                 `json:"success_rate"`
	EmergencyStop    bool                    `json:"emergency_stop"`
	RecentFailures   []model.FailureRecord   `json:"recent_failures"`
}

// Options 汇总 Service 的依赖。
type Options struct {
	Bus            bus.Bus
	Records        store.RecordRepository
	Health         HealthSource
	Funding        FundingControl
	Balances       *BalancePoller
	CommandTimeout time.Duration
	RecentFailures int
}

// Service 实现状态查询与控制命令。控制命令通过总线注入图片请求，
// 并按请求 ID 等待对应阶段的终态结果。
type Service struct {
	sub      bus.Subscriber
	producer *bus.Producer
	records  store.RecordRepository
	health   HealthSource
	funding  FundingControl
	balances *BalancePoller
	timeout  time.Duration
	recent   int
	log      *slog.Logger

	mu      sync.Mutex
	waiters map[string][]chan model.Outcome
}

// NewService 创建 Service。
func NewService(opts Options) *Service {
	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	recent := opts.RecentFailures
	if recent <= 0 {
		recent = 50
	}
	return &Service{
		sub:      opts.Bus,
		producer: bus.NewProducer("control", opts.Bus),
		records:  opts.Records,
		health:   opts.Health,
		funding:  opts.Funding,
		balances: opts.Balances,
		timeout:  timeout,
		recent:   recent,
		log:      logger.Named("pipeline"),
		waiters:  make(map[string][]chan model.Outcome),
	}
}

// Run 订阅阶段结果并分发给等待中的控制命令，直到 ctx 结束。
func (s *Service) Run(ctx context.Context) error {
	return s.sub.Subscribe(ctx, bus.TopicOutcomes, WaiterGroup, bus.Typed(
		func(_ context.Context, o model.Outcome, _ bus.Envelope) error {
			s.route(o)
			return nil
		}))
}

func (s *Service) route(o model.Outcome) {
	if o.RequestID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.waiters[o.RequestID] {
		select {
		case ch <- o:
		default:
		}
	}
}

func (s *Service) register(requestID string) (chan model.Outcome, func()) {
	ch := make(chan model.Outcome, 16)
	s.mu.Lock()
	s.waiters[requestID] = append(s.waiters[requestID], ch)
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.waiters[requestID]
		for i, c := range list {
			if c == ch {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(s.waiters, requestID)
		} else {
			s.waiters[requestID] = list
		}
	}
}

// DetectOnce 提交一张图片，返回检测阶段的终态结果。
func (s *Service) DetectOnce(ctx context.Context, req model.ImageRequest) (model.Outcome, error) {
	return s.submit(ctx, req, model.OutcomeKind.DetectionTerminal)
}

// RunPipeline 提交一张图片，返回整条流水线的终态结果。
func (s *Service) RunPipeline(ctx context.Context, req model.ImageRequest) (model.Outcome, error) {
	return s.submit(ctx, req, model.OutcomeKind.PipelineTerminal)
}

func (s *Service) submit(ctx context.Context, req model.ImageRequest, terminal func(model.OutcomeKind) bool) (model.Outcome, error) {
	if strings.TrimSpace(req.ImageRef) == "" {
		return model.Outcome{}, xerrors.New(xerrors.CodeInvalidArgument, "image_ref 不能为空")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}

	ch, unregister := s.register(req.RequestID)
	defer unregister()

	if err := s.producer.Send(ctx, bus.TopicImagery, req.RequestID, req); err != nil {
		return model.Outcome{}, xerrors.Wrap(xerrors.CodeBusFailure, err, "提交图片请求失败")
	}
	s.log.Info("已提交图片请求", "request_id", req.RequestID, "image_ref", req.ImageRef)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	for {
		select {
		case o := <-ch:
			if terminal(o.Kind) {
				return o, nil
			}
		case <-timer.C:
			return model.Outcome{}, xerrors.New(xerrors.CodeTimeout,
				fmt.Sprintf("等待请求 %s 的结果超时", req.RequestID),
				xerrors.WithMetadata("request_id", req.RequestID))
		case <-ctx.Done():
			return model.Outcome{}, ctx.Err()
		}
	}
}

// Status 汇总代理健康、余额、各阶段计数与最近失败。
func (s *Service) Status(ctx context.Context) (StatusReport, error) {
	var report StatusReport
	if s.health != nil {
		report.Agents = s.health.Health()
	}
	if s.balances != nil {
		report.Balances, report.BalanceUpdatedAt = s.balances.Snapshot()
	}
	totals, err := s.records.OutcomeTotals(ctx)
	if err != nil {
		return report, err
	}
	report.Counters = countersFrom(totals)
	if n := report.Counters.Funded + report.Counters.FundingFailed; n > 0 {
		report.SuccessRate = float64(report.Counters.Funded) / float64(n)
	}
	failures, err := s.records.RecentFailures(ctx, s.recent)
	if err != nil {
		return report, err
	}
	report.RecentFailures = failures
	if s.funding != nil {
		stats, err := s.funding.Stats(ctx)
		if err != nil {
			return report, err
		}
		report.EmergencyStop = stats.EmergencyStop
	}
	return report, nil
}

func countersFrom(totals map[model.OutcomeKind]store.Tally) Counters {
	return Counters{
		Detected:       totals[model.OutcomeDetected].Count,
		Verified:       totals[model.OutcomeVerified].Count,
		Rejected:       totals[model.OutcomeRejected].Count,
		Funded:         totals[model.OutcomeConfirmed].Count,
		FundingFailed:  totals[model.OutcomeFailed].Count,
		NoEvent:        totals[model.OutcomeNoEvent].Count,
		AnalysisFailed: totals[model.OutcomeAnalysisFailed].Count,
		TotalFunded:    totals[model.OutcomeConfirmed].Amount,
	}
}

// FundingStats 返回资助统计。
func (s *Service) FundingStats(ctx context.Context) (treasurer.Stats, error) {
	if s.funding == nil {
		return treasurer.Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "资助模块未启用")
	}
	return s.funding.Stats(ctx)
}

// Transaction 按资助决策 ID 查询交易。
func (s *Service) Transaction(ctx context.Context, decisionID string) (model.FundingDecision, model.Transaction, error) {
	if s.funding == nil {
		return model.FundingDecision{}, model.Transaction{}, xerrors.New(xerrors.CodeInitializationFailure, "资助模块未启用")
	}
	return s.funding.Lookup(ctx, decisionID)
}

// EmergencyStop 停止所有新的资助。
func (s *Service) EmergencyStop(ctx context.Context, reason string) (int, error) {
	if s.funding == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "资助模块未启用")
	}
	if strings.TrimSpace(reason) == "" {
		reason = "operator request"
	}
	return s.funding.EmergencyStop(ctx, reason)
}

// Resume 解除紧急停止。
func (s *Service) Resume(ctx context.Context) error {
	if s.funding == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "资助模块未启用")
	}
	return s.funding.Resume(ctx)
}

// Healthy 判断所有代理是否在线。
func (s *Service) Healthy() bool {
	if s.health == nil {
		return true
	}
	for _, h := range s.health.Health() {
		if h.Status != model.AgentOnline {
			return false
		}
	}
	return true
}
