package auditor

import (
	"math"

	"ReliefChain/internal/config"
	"ReliefChain/internal/model"
)

// Scorer 给灾害事件打出 [0,100] 的核验分数。相同输入必须得到相同结果。
type Scorer interface {
	Score(event model.DisasterEvent) float64
}

// ScorerFunc 把函数适配为 Scorer。
type ScorerFunc func(model.DisasterEvent) float64

func (f ScorerFunc) Score(e model.DisasterEvent) float64 { return f(e) }

// Corroboration 返回独立佐证信号的强度 [0,1]；ok 为 false 时使用策略中的默认值。
type Corroboration func(model.DisasterEvent) (signal float64, ok bool)

// ConfidenceScorer 按权重混合分析置信度与佐证信号。
type ConfidenceScorer struct {
	policy      config.PolicyProvider
	corroborate Corroboration
}

// NewConfidenceScorer 创建默认打分器，corroborate 可以为 nil。
func NewConfidenceScorer(policy config.PolicyProvider, corroborate Corroboration) *ConfidenceScorer {
	return &ConfidenceScorer{policy: policy, corroborate: corroborate}
}

func (s *ConfidenceScorer) Score(e model.DisasterEvent) float64 {
	p := s.policy.Policy().Verification
	signal := p.DefaultCorroboration
	if s.corroborate != nil {
		if v, ok := s.corroborate(e); ok {
			signal = v
		}
	}
	w := clamp(p.ConfidenceWeight, 0, 1)
	return clamp(100*(w*clamp(e.Confidence, 0, 1)+(1-w)*clamp(signal, 0, 1)), 0, 100)
}

// HumanImpact 在影响曲线上做分段线性插值，两端截断。曲线按严重度升序给出。
func HumanImpact(curve []config.CurvePoint, severity float64) int64 {
	if len(curve) == 0 {
		return 0
	}
	if math.IsNaN(severity) || severity <= curve[0].Severity {
		return curve[0].People
	}
	last := curve[len(curve)-1]
	if severity >= last.Severity {
		return last.People
	}
	for i := 1; i < len(curve); i++ {
		lo, hi := curve[i-1], curve[i]
		if severity > hi.Severity {
			continue
		}
		span := hi.Severity - lo.Severity
		if span <= 0 {
			return hi.People
		}
		frac := (severity - lo.Severity) / span
		return lo.People + int64(math.Round(frac*float64(hi.People-lo.People)))
	}
	return last.People
}

// Recommendation = base_rate × severity × category_funding_multiplier，乘数缺省为 1。
func Recommendation(p config.VerificationPolicy, category model.Category, severity float64) model.Amount {
	multiplier, ok := p.FundingMultipliers[category]
	if !ok {
		multiplier = 1
	}
	return model.AmountFromUnits(p.BaseRate * severity * multiplier)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
