package auditor

import (
	"context"
	"log/slog"
	"time"

	"ReliefChain/internal/agent"
	"ReliefChain/internal/bus"
	"ReliefChain/internal/config"
	xerrors "ReliefChain/internal/errors"
	"ReliefChain/internal/model"
	"ReliefChain/internal/observability/metrics"
	"ReliefChain/internal/store"
	"ReliefChain/pkg/logger"
)

// Name 是 Auditor 在总线与监督器中的名字。
const Name = "auditor"

// Auditor 核验灾害事件并给出资助建议。
type Auditor struct {
	scorer   Scorer
	policy   config.PolicyProvider
	repo     store.VerifiedEventRepository
	sub      bus.Subscriber
	producer *bus.Producer
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// New 创建 Auditor。scorer 为 nil 时使用 ConfidenceScorer。
func New(scorer Scorer, policy config.PolicyProvider, repo store.VerifiedEventRepository, b bus.Bus, heartbeat time.Duration) *Auditor {
	if scorer == nil {
		scorer = NewConfidenceScorer(policy, nil)
	}
	return &Auditor{
		scorer:   scorer,
		policy:   policy,
		repo:     repo,
		sub:      b,
		producer: bus.NewProducer(Name, b),
		interval: heartbeat,
		log:      logger.Named(Name),
		now:      time.Now,
	}
}

func (a *Auditor) Name() string { return Name }

// Run 阻塞消费 relief.disasters。
func (a *Auditor) Run(ctx context.Context, rt agent.Runtime) error {
	handler := bus.Typed(func(ctx context.Context, event model.DisasterEvent, _ bus.Envelope) error {
		return a.Handle(ctx, rt, event)
	})
	return agent.Consume(ctx, rt, a.sub, bus.TopicDisasters, Name, a.interval, handler)
}

// Evaluate 是纯计算部分：打分、估算影响人数并校验推荐金额。
func (a *Auditor) Evaluate(event model.DisasterEvent) model.VerifiedEvent {
	p := a.policy.Policy().Verification
	score := a.scorer.Score(event)
	verified := model.VerifiedEvent{
		DisasterEventID:   event.ID,
		RequestID:         event.RequestID,
		Category:          event.Category,
		Severity:          event.Severity,
		VerificationScore: score,
		HumanImpact:       HumanImpact(p.ImpactCurves[event.Category], event.Severity),
		CreatedAt:         a.now().UTC(),
	}
	if score < p.AcceptanceThreshold {
		verified.Status = model.StatusRejected
		verified.RecommendationSource = model.RecommendationComputed
		return verified
	}
	rec := model.ValidateRecommendation(Recommendation(p, event.Category, event.Severity), model.AmountFromUnits(p.MinFunding))
	verified.Status = model.StatusVerified
	verified.FundingRecommendation = rec.Amount
	verified.RecommendationSource = rec.Kind
	return verified
}

// Handle 处理一条灾害事件。记录先落库再发布；重复投递时重新发布已存的同一份
// 记录，不会产生新的核验结果。
func (a *Auditor) Handle(ctx context.Context, rt agent.Runtime, event model.DisasterEvent) error {
	if rt == nil {
		rt = agent.NopRuntime{}
	}
	log := a.log.With("event_id", event.ID, "request_id", event.RequestID)
	if event.ID == "" || !event.Category.Valid() {
		log.Warn("丢弃无效的灾害事件", "category", event.Category)
		return nil
	}

	candidate := a.Evaluate(event)
	created, err := a.repo.CreateIfAbsent(ctx, candidate)
	if err != nil {
		return err
	}
	verified := candidate
	if !created {
		metrics.DuplicateDeliveries.WithLabelValues(Name).Inc()
		if verified, err = a.repo.GetVerified(ctx, event.ID); err != nil {
			return err
		}
		log.Info("重复投递，沿用已有核验结果", "status", verified.Status, "error_code", xerrors.CodeDuplicateDelivery)
	} else {
		metrics.EventsVerified.WithLabelValues(string(verified.Status), string(verified.RecommendationSource)).Inc()
		if verified.RecommendationSource == model.RecommendationDefaulted {
			log.Warn("推荐金额无效，使用最低资助额", "amount", verified.FundingRecommendation.String())
		}
	}

	if verified.Status == model.StatusRejected {
		if created {
			log.Info("核验未通过", "score", verified.VerificationScore)
			logger.Audit().Info("event rejected", "event_id", event.ID, "score", verified.VerificationScore)
			rt.ReportFailure(ctx, model.FailureRecord{
				Kind:       model.FailureVerificationRejected,
				Agent:      Name,
				EventID:    event.ID,
				RequestID:  event.RequestID,
				Code:       string(xerrors.CodeVerificationRejected),
				Message:    "verification score below acceptance threshold",
				OccurredAt: a.now().UTC(),
			})
		}
		return a.outcome(ctx, model.Outcome{
			Kind:      model.OutcomeRejected,
			RequestID: verified.RequestID,
			EventID:   event.ID,
			Category:  verified.Category,
		})
	}

	if err := a.producer.Send(ctx, bus.TopicVerified, verified.DisasterEventID, verified); err != nil {
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "发布核验结果失败", xerrors.WithEventID(event.ID))
	}
	if created {
		log.Info("核验通过", "score", verified.VerificationScore, "human_impact", verified.HumanImpact,
			"recommendation", verified.FundingRecommendation.String(), "source", verified.RecommendationSource)
	}
	return a.outcome(ctx, model.Outcome{
		Kind:      model.OutcomeVerified,
		RequestID: verified.RequestID,
		EventID:   event.ID,
		Category:  verified.Category,
		Amount:    verified.FundingRecommendation,
	})
}

func (a *Auditor) outcome(ctx context.Context, o model.Outcome) error {
	o.Agent = Name
	o.OccurredAt = a.now().UTC()
	if err := a.producer.Send(ctx, bus.TopicOutcomes, o.RequestID, o); err != nil {
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "发布阶段结果失败")
	}
	return nil
}
