package treasurer

import (
	"fmt"
	"math"
	"time"

	"ReliefChain/internal/config"
	xerrors "ReliefChain/internal/errors"
	"ReliefChain/internal/model"
)

// VerificationMultiplier 随核验分数线性变化，分数 100 时为 1。
func VerificationMultiplier(score float64) float64 {
	if math.IsNaN(score) || score <= 0 {
		return 0
	}
	if score >= 100 {
		return 1
	}
	return score / 100
}

// ImpactFactor 是受影响人数的饱和曲线：人数为 0 时取 Min，人数越多越接近 Max。
func ImpactFactor(c config.SaturationCurve, humanImpact int64) float64 {
	if humanImpact <= 0 || c.Scale <= 0 {
		return c.Min
	}
	return c.Min + (c.Max-c.Min)*(1-math.Exp(-float64(humanImpact)/c.Scale))
}

// Split 按万分比拆分总额，舍入余数全部归入第一项，保证各项之和严格等于 total。
func Split(total model.Amount, shares []config.Share) []model.Amount {
	out := make([]model.Amount, len(shares))
	if len(shares) == 0 {
		return out
	}
	var assigned model.Amount
	for i, s := range shares {
		bp := model.Amount(s.BasisPoints)
		out[i] = total/10_000*bp + total%10_000*bp/10_000
		assigned += out[i]
	}
	out[0] += total - assigned
	return out
}

// Allocate 把核验结果换算为资助决策。推荐金额无效时使用最低资助额，
// 已由上游兜底的金额不会被再次改写。
func Allocate(p *config.Policy, v model.VerifiedEvent, now time.Time) (model.FundingDecision, error) {
	decision := model.FundingDecision{
		ID:              model.FundingDecisionID(v.DisasterEventID),
		VerifiedEventID: v.DisasterEventID,
		RequestID:       v.RequestID,
		Category:        v.Category,
		Account:         p.Funding.Account(v.Category),
		CreatedAt:       now.UTC(),
	}
	floor := model.AmountFromUnits(p.Verification.MinFunding)
	rec := model.ValidateRecommendation(v.FundingRecommendation, floor)

	factor := VerificationMultiplier(v.VerificationScore) * ImpactFactor(p.Funding.ImpactCurve, v.HumanImpact)
	raw := math.Round(float64(rec.Amount) * factor)
	if raw <= 0 || math.IsNaN(raw) {
		return decision, xerrors.New(xerrors.CodeAllocationInvalid,
			fmt.Sprintf("计算出的资助金额非正: recommendation=%s factor=%.4f", rec.Amount, factor),
			xerrors.WithEventID(v.DisasterEventID))
	}
	total := model.Amount(raw)
	if max := model.AmountFromUnits(p.Funding.MaxFunding); max > 0 && total > max {
		total = max
	}
	if total < floor {
		total = floor
	}
	decision.TotalAmount = total

	table := p.Funding.Table(v.Category)
	if len(table) == 0 {
		return decision, xerrors.New(xerrors.CodeAllocationInvalid, "没有可用的分配表", xerrors.WithEventID(v.DisasterEventID))
	}
	amounts := Split(total, table)
	decision.Allocations = make([]model.Allocation, len(table))
	for i, share := range table {
		addr := p.Funding.Recipients[share.Recipient]
		if addr == "" {
			return decision, xerrors.New(xerrors.CodeAllocationInvalid,
				fmt.Sprintf("接收方 %s 未配置地址", share.Recipient), xerrors.WithEventID(v.DisasterEventID))
		}
		decision.Allocations[i] = model.Allocation{Recipient: share.Recipient, Address: addr, Amount: amounts[i]}
	}
	return decision, nil
}
