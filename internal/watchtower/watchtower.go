package watchtower

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"ReliefChain/internal/agent"
	"ReliefChain/internal/analyzer"
	"ReliefChain/internal/bus"
	"ReliefChain/internal/config"
	xerrors "ReliefChain/internal/errors"
	"ReliefChain/internal/model"
	"ReliefChain/internal/observability/metrics"
	"ReliefChain/pkg/logger"

	"github.com/cenkalti/backoff/v4"
)

// Name 是 Watchtower 在总线与监督器中的名字。
const Name = "watchtower"

// Config 控制分析调用与心跳。
type Config struct {
	// Retries 是首次调用失败后的额外尝试次数。
	Retries           int
	RetryDelay        time.Duration
	AnalyzeTimeout    time.Duration
	HeartbeatInterval time.Duration
}

// Watchtower 消费图像请求，产出灾害事件。
type Watchtower struct {
	analyzer analyzer.Analyzer
	policy   config.PolicyProvider
	sub      bus.Subscriber
	producer *bus.Producer
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

// New 创建 Watchtower。
func New(a analyzer.Analyzer, policy config.PolicyProvider, b bus.Bus, cfg Config) *Watchtower {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &Watchtower{
		analyzer: a,
		policy:   policy,
		sub:      b,
		producer: bus.NewProducer(Name, b),
		cfg:      cfg,
		log:      logger.Named(Name),
		now:      time.Now,
	}
}

func (w *Watchtower) Name() string { return Name }

// Run 阻塞消费 relief.imagery。
func (w *Watchtower) Run(ctx context.Context, rt agent.Runtime) error {
	handler := bus.Typed(func(ctx context.Context, req model.ImageRequest, env bus.Envelope) error {
		if req.RequestedAt.IsZero() {
			req.RequestedAt = env.PublishedAt
		}
		return w.Handle(ctx, rt, req)
	})
	return agent.Consume(ctx, rt, w.sub, bus.TopicImagery, Name, w.cfg.HeartbeatInterval, handler)
}

// Handle 处理一张图片。返回错误仅表示发布失败，消息会被重投；事件 ID 确定，
// 下游据此去重。
func (w *Watchtower) Handle(ctx context.Context, rt agent.Runtime, req model.ImageRequest) error {
	if rt == nil {
		rt = agent.NopRuntime{}
	}
	log := w.log.With("request_id", req.RequestID, "image_ref", req.ImageRef)

	scores, err := w.analyze(ctx, rt, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.ImagesAnalyzed.WithLabelValues("failed").Inc()
		failure := xerrors.Wrap(xerrors.CodeAnalysisFailure, err, "图像分析失败")
		log.Warn("放弃该图片", "error", err, "error_code", failure.Code())
		rt.ReportFailure(ctx, model.FailureRecord{
			Kind:       model.FailureAnalysis,
			Agent:      Name,
			EventID:    req.ImageRef,
			RequestID:  req.RequestID,
			Code:       string(failure.Code()),
			Message:    failure.Error(),
			OccurredAt: w.now().UTC(),
		})
		return w.outcome(ctx, model.Outcome{
			Kind:      model.OutcomeAnalysisFailed,
			RequestID: req.RequestID,
			Message:   err.Error(),
		})
	}

	p := w.policy.Policy().Detection
	category, confidence, ok := Select(scores, p.Thresholds)
	if !ok {
		metrics.ImagesAnalyzed.WithLabelValues("no_event").Inc()
		log.Info("未检测到灾害")
		return w.outcome(ctx, model.Outcome{Kind: model.OutcomeNoEvent, RequestID: req.RequestID})
	}

	multiplier, ok := p.SeverityMultipliers[category]
	if !ok {
		multiplier = 1
	}
	ts := req.RequestedAt.UTC()
	event := model.DisasterEvent{
		ID:         model.DisasterEventID(req.ImageRef, ts),
		RequestID:  req.RequestID,
		Category:   category,
		Confidence: confidence,
		Severity:   Severity(confidence, multiplier, SizeFactor(p.SizeFactor, req.Width, req.Height)),
		ImageRef:   req.ImageRef,
		Timestamp:  ts,
	}
	if err := w.producer.Send(ctx, bus.TopicDisasters, event.ID, event); err != nil {
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "发布灾害事件失败", xerrors.WithEventID(event.ID))
	}
	metrics.ImagesAnalyzed.WithLabelValues("detected").Inc()
	log.Info("检测到灾害", "event_id", event.ID, "category", category, "confidence", confidence, "severity", event.Severity)
	return w.outcome(ctx, model.Outcome{
		Kind:      model.OutcomeDetected,
		RequestID: req.RequestID,
		EventID:   event.ID,
		Category:  category,
	})
}

// analyze 调用分析器，失败后最多再尝试 Retries 次。只有 ErrUnavailable 会重试。
func (w *Watchtower) analyze(ctx context.Context, rt agent.Runtime, req model.ImageRequest) (model.RawScore, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.cfg.RetryDelay
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(w.cfg.Retries)), ctx)

	var scores model.RawScore
	attempt := 0
	op := func() error {
		attempt++
		rt.Beat()
		metrics.AnalyzerAttempts.Inc()
		callCtx := ctx
		if w.cfg.AnalyzeTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, w.cfg.AnalyzeTimeout)
			defer cancel()
		}
		s, err := w.analyzer.Analyze(callCtx, req)
		if err == nil {
			err = s.Validate()
			if err != nil {
				return backoff.Permanent(err)
			}
			scores = s
			return nil
		}
		if stdErrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = stdErrors.Join(analyzer.ErrUnavailable, err)
		}
		if !stdErrors.Is(err, analyzer.ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		w.log.Debug("分析失败，准备重试", "request_id", req.RequestID, "attempt", attempt, "delay", delay, "error", err)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return scores, nil
}

func (w *Watchtower) outcome(ctx context.Context, o model.Outcome) error {
	o.Agent = Name
	o.OccurredAt = w.now().UTC()
	if err := w.producer.Send(ctx, bus.TopicOutcomes, o.RequestID, o); err != nil {
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "发布阶段结果失败")
	}
	return nil
}
