package config

import (
	"errors"
	"fmt"
	"sort"

	"ReliefChain/internal/model"
)

// Policy 汇总检测、审核与资助的业务参数，可在运行期热更新。
type Policy struct {
	Detection    DetectionPolicy    `yaml:"detection"`
	Verification VerificationPolicy `yaml:"verification"`
	Funding      FundingPolicy      `yaml:"funding"`
}

// DetectionPolicy 是 Watchtower 的阈值与严重度参数。
type DetectionPolicy struct {
	Thresholds          map[model.Category]float64 `yaml:"thresholds"`
	SeverityMultipliers map[model.Category]float64 `yaml:"severity_multipliers"`
	SizeFactor          SizeFactorPolicy           `yaml:"size_factor"`
}

// SizeFactorPolicy 以参考面积归一化图像尺寸，并限制在 [Min, Max]。
type SizeFactorPolicy struct {
	ReferenceWidth  int     `yaml:"reference_width"`
	ReferenceHeight int     `yaml:"reference_height"`
	Min             float64 `yaml:"min"`
	Max             float64 `yaml:"max"`
}

// CurvePoint 是影响曲线上的一个采样点。
type CurvePoint struct {
	Severity float64 `yaml:"severity"`
	People   int64   `yaml:"people"`
}

// VerificationPolicy 是 Auditor 的打分与推荐参数。
type VerificationPolicy struct {
	AcceptanceThreshold  float64                         `yaml:"acceptance_threshold"`
	ConfidenceWeight     float64                         `yaml:"confidence_weight"`
	DefaultCorroboration float64                         `yaml:"default_corroboration"`
	BaseRate             float64                         `yaml:"base_rate"`
	MinFunding           float64                         `yaml:"min_funding"`
	FundingMultipliers   map[model.Category]float64      `yaml:"funding_multipliers"`
	ImpactCurves         map[model.Category][]CurvePoint `yaml:"impact_curves"`
}

// Share 是分配表中的一项，比例以万分比表示。
type Share struct {
	Recipient   model.Recipient `yaml:"recipient"`
	BasisPoints int64           `yaml:"basis_points"`
}

// SaturationCurve 把受影响人数映射为 [Min, Max] 的乘数，人数越多越接近 Max。
type SaturationCurve struct {
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
	Scale float64 `yaml:"scale"`
}

// FundingPolicy 是 Treasurer 的分配参数。
type FundingPolicy struct {
	MaxFunding     float64                    `yaml:"max_funding"`
	ImpactCurve    SaturationCurve            `yaml:"impact_curve"`
	Tables         map[string][]Share         `yaml:"tables"`
	Recipients     map[model.Recipient]string `yaml:"recipients"`
	AccountRouting map[model.Category]string  `yaml:"account_routing"`
	DefaultAccount string                     `yaml:"default_account"`
}

// DefaultTableKey 是未按类别配置时使用的分配表。
const DefaultTableKey = "default"

// DefaultPolicy 返回内置的默认策略。
func DefaultPolicy() *Policy {
	return &Policy{
		Detection: DetectionPolicy{
			Thresholds: map[model.Category]float64{
				model.CategoryFire:       0.60,
				model.CategoryFlood:      0.50,
				model.CategoryStructural: 0.70,
				model.CategoryCasualty:   0.80,
			},
			SeverityMultipliers: map[model.Category]float64{
				model.CategoryFire:       1.0,
				model.CategoryFlood:      1.2,
				model.CategoryStructural: 1.1,
				model.CategoryCasualty:   1.5,
			},
			SizeFactor: SizeFactorPolicy{ReferenceWidth: 1024, ReferenceHeight: 1024, Min: 0.5, Max: 2.0},
		},
		Verification: VerificationPolicy{
			AcceptanceThreshold:  60,
			ConfidenceWeight:     0.7,
			DefaultCorroboration: 0.8,
			BaseRate:             0.5,
			MinFunding:           0.01,
			FundingMultipliers: map[model.Category]float64{
				model.CategoryCasualty: 1.5,
				model.CategoryFlood:    1.2,
			},
			ImpactCurves: map[model.Category][]CurvePoint{
				model.CategoryFire:       {{0, 0}, {0.5, 200}, {1.0, 800}, {2.0, 2500}},
				model.CategoryFlood:      {{0, 0}, {0.5, 500}, {1.0, 2000}, {2.0, 6000}},
				model.CategoryStructural: {{0, 0}, {0.5, 100}, {1.0, 600}, {2.0, 2000}},
				model.CategoryCasualty:   {{0, 0}, {0.5, 50}, {1.0, 300}, {2.0, 1200}},
			},
		},
		Funding: FundingPolicy{
			MaxFunding:  2.0,
			ImpactCurve: SaturationCurve{Min: 0.5, Max: 2.0, Scale: 1000},
			Tables: map[string][]Share{
				string(model.CategoryCasualty): {
					{Recipient: model.RecipientNGO, BasisPoints: 6000},
					{Recipient: model.RecipientLocalGovernment, BasisPoints: 4000},
				},
				string(model.CategoryStructural): {
					{Recipient: model.RecipientLocalGovernment, BasisPoints: 6000},
					{Recipient: model.RecipientNGO, BasisPoints: 4000},
				},
				DefaultTableKey: {
					{Recipient: model.RecipientNGO, BasisPoints: 4000},
					{Recipient: model.RecipientLocalGovernment, BasisPoints: 3000},
					{Recipient: model.RecipientReliefOrg, BasisPoints: 3000},
				},
			},
			Recipients: map[model.Recipient]string{
				model.RecipientNGO:             "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
				model.RecipientLocalGovernment: "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
				model.RecipientReliefOrg:       "0x1aD91ee08f21bE3dE0BA2ba6918E714dA6B45836",
			},
			DefaultAccount: "treasury",
		},
	}
}

// Table 返回类别对应的分配表，缺省时回退到 default。
func (f FundingPolicy) Table(c model.Category) []Share {
	if t, ok := f.Tables[string(c)]; ok && len(t) > 0 {
		return t
	}
	return f.Tables[DefaultTableKey]
}

// Account 返回类别对应的发送账户。
func (f FundingPolicy) Account(c model.Category) string {
	if a, ok := f.AccountRouting[c]; ok && a != "" {
		return a
	}
	return f.DefaultAccount
}

// Validate 拒绝不一致的策略，热更新时校验失败会保留旧策略。
func (p *Policy) Validate() error {
	if p == nil {
		return errors.New("策略为空")
	}
	var errs []error
	for _, c := range model.SafetyPriority {
		th, ok := p.Detection.Thresholds[c]
		if !ok {
			errs = append(errs, fmt.Errorf("detection.thresholds 缺少类别 %s", c))
		} else if th < 0 || th > 1 {
			errs = append(errs, fmt.Errorf("detection.thresholds.%s 超出 [0,1]", c))
		}
		if m := p.Detection.SeverityMultipliers[c]; m < 0 {
			errs = append(errs, fmt.Errorf("detection.severity_multipliers.%s 不能为负", c))
		}
		if err := validateCurve(p.Verification.ImpactCurves[c]); err != nil {
			errs = append(errs, fmt.Errorf("verification.impact_curves.%s: %w", c, err))
		}
	}
	sf := p.Detection.SizeFactor
	if sf.ReferenceWidth <= 0 || sf.ReferenceHeight <= 0 || sf.Min <= 0 || sf.Max < sf.Min {
		errs = append(errs, errors.New("detection.size_factor 配置无效"))
	}

	v := p.Verification
	if v.AcceptanceThreshold < 0 || v.AcceptanceThreshold > 100 {
		errs = append(errs, errors.New("verification.acceptance_threshold 超出 [0,100]"))
	}
	if v.ConfidenceWeight < 0 || v.ConfidenceWeight > 1 || v.DefaultCorroboration < 0 || v.DefaultCorroboration > 1 {
		errs = append(errs, errors.New("verification 权重超出 [0,1]"))
	}
	if v.BaseRate <= 0 || v.MinFunding <= 0 {
		errs = append(errs, errors.New("verification.base_rate 与 min_funding 必须为正"))
	}
	for c, m := range v.FundingMultipliers {
		if m <= 0 {
			errs = append(errs, fmt.Errorf("verification.funding_multipliers.%s 必须为正", c))
		}
	}

	f := p.Funding
	if f.MaxFunding < v.MinFunding {
		errs = append(errs, errors.New("funding.max_funding 不能小于 min_funding"))
	}
	if f.ImpactCurve.Scale <= 0 || f.ImpactCurve.Min < 0 || f.ImpactCurve.Max < f.ImpactCurve.Min {
		errs = append(errs, errors.New("funding.impact_curve 配置无效"))
	}
	if len(f.Tables[DefaultTableKey]) == 0 {
		errs = append(errs, errors.New("funding.tables 缺少 default 分配表"))
	}
	keys := make([]string, 0, len(f.Tables))
	for k := range f.Tables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		var sum int64
		for _, share := range f.Tables[key] {
			if share.BasisPoints <= 0 {
				errs = append(errs, fmt.Errorf("funding.tables.%s 含非正比例", key))
			}
			if _, ok := f.Recipients[share.Recipient]; !ok {
				errs = append(errs, fmt.Errorf("funding.tables.%s 引用了未配置地址的接收方 %s", key, share.Recipient))
			}
			sum += share.BasisPoints
		}
		if sum != 10_000 {
			errs = append(errs, fmt.Errorf("funding.tables.%s 比例之和为 %d，应为 10000", key, sum))
		}
	}
	if f.DefaultAccount == "" {
		errs = append(errs, errors.New("funding.default_account 不能为空"))
	}
	return errors.Join(errs...)
}

func validateCurve(points []CurvePoint) error {
	if len(points) == 0 {
		return errors.New("至少需要一个采样点")
	}
	for i := 1; i < len(points); i++ {
		if points[i].Severity <= points[i-1].Severity {
			return errors.New("severity 必须严格递增")
		}
		if points[i].People < points[i-1].People {
			return errors.New("people 必须单调不减")
		}
	}
	return nil
}
