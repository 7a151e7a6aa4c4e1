package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// eventNamespace 固定命名空间，使同一图片与时间戳始终得到同一个事件 ID。
var eventNamespace = uuid.MustParse("6f1c2a5e-8d0b-4c37-9b1e-2f6a7d3c9e41")

// ImageRequest 是一次检测周期的输入。
type ImageRequest struct {
	RequestID   string    `json:"request_id"`
	ImageRef    string    `json:"image_ref"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	RequestedAt time.Time `json:"requested_at"`
}

// DisasterEvent 由 Watchtower 创建，发布后不再修改。
type DisasterEvent struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id,omitempty"`
	Category   Category  `json:"category"`
	Confidence float64   `json:"confidence"`
	Severity   float64   `json:"severity"`
	ImageRef   string    `json:"image_ref"`
	Timestamp  time.Time `json:"timestamp"`
}

// DisasterEventID 由图片引用与时间戳派生稳定的事件 ID，下游凭此去重。
func DisasterEventID(imageRef string, ts time.Time) string {
	key := strings.TrimSpace(imageRef) + "|" + ts.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(eventNamespace, []byte(key)).String()
}

// VerificationStatus 描述审核结论。
type VerificationStatus string

const (
	StatusVerified VerificationStatus = "verified"
	StatusRejected VerificationStatus = "rejected"
)

// VerifiedEvent 由 Auditor 针对单个 DisasterEvent 生成。
type VerifiedEvent struct {
	DisasterEventID       string             `json:"disaster_event_id"`
	RequestID             string             `json:"request_id,omitempty"`
	Category              Category           `json:"category"`
	Severity              float64            `json:"severity"`
	VerificationScore     float64            `json:"verification_score"`
	HumanImpact           int64              `json:"human_impact"`
	FundingRecommendation Amount             `json:"funding_recommendation"`
	RecommendationSource  RecommendationKind `json:"recommendation_source"`
	Status                VerificationStatus `json:"status"`
	CreatedAt             time.Time          `json:"created_at"`
}

// RecommendationKind 标记推荐金额是计算所得还是兜底值。
type RecommendationKind string

const (
	RecommendationComputed  RecommendationKind = "computed"
	RecommendationDefaulted RecommendationKind = "defaulted"
)

// ValidatedRecommendation 是对推荐金额做一次显式校验的结果。
type ValidatedRecommendation struct {
	Amount Amount
	Kind   RecommendationKind
}

// Defaulted 表示结果来自最低资助兜底。
func (v ValidatedRecommendation) Defaulted() bool {
	return v.Kind == RecommendationDefaulted
}

// ValidateRecommendation 在推荐金额缺失、为零或为负时替换为最低资助额。
// 已经是兜底结果的输入原样返回，重复调用不会再次改写。
func ValidateRecommendation(recommended, floor Amount) ValidatedRecommendation {
	if recommended > 0 {
		return ValidatedRecommendation{Amount: recommended, Kind: RecommendationComputed}
	}
	return ValidatedRecommendation{Amount: floor, Kind: RecommendationDefaulted}
}
