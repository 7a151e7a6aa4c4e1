package model

import (
	"time"

	"github.com/google/uuid"
)

var decisionNamespace = uuid.MustParse("0b9d7e3a-41c6-4f85-a2d8-5c1e7b64f903")

// Recipient 是资金接收方的类别。
type Recipient string

const (
	RecipientNGO             Recipient = "ngo"
	RecipientLocalGovernment Recipient = "local_government"
	RecipientReliefOrg       Recipient = "relief_org"
)

// Allocation 是单个接收方分得的金额。
type Allocation struct {
	Recipient Recipient `json:"recipient"`
	Address   string    `json:"address"`
	Amount    Amount    `json:"amount"`
}

// FundingDecision 描述一次资助的最终分配，分配之和必须严格等于 TotalAmount。
type FundingDecision struct {
	ID              string       `json:"id"`
	VerifiedEventID string       `json:"verified_event_id"`
	RequestID       string       `json:"request_id,omitempty"`
	Category        Category     `json:"category"`
	Account         string       `json:"account"`
	TotalAmount     Amount       `json:"total_amount"`
	Allocations     []Allocation `json:"allocations"`
	CreatedAt       time.Time    `json:"created_at"`
}

// FundingDecisionID 由已审核事件 ID 派生，同一事件只会对应一个资助决策。
func FundingDecisionID(verifiedEventID string) string {
	return uuid.NewSHA1(decisionNamespace, []byte(verifiedEventID)).String()
}

// AllocatedTotal 汇总所有分配金额。
func (d FundingDecision) AllocatedTotal() Amount {
	var sum Amount
	for _, a := range d.Allocations {
		sum += a.Amount
	}
	return sum
}
