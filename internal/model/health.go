package model

import "time"

// AgentStatus 是 Orchestrator 维护的代理存活状态。
type AgentStatus string

const (
	AgentOnline     AgentStatus = "online"
	AgentOffline    AgentStatus = "offline"
	AgentRestarting AgentStatus = "restarting"
)

// AgentHealth 只由 Orchestrator 根据心跳写入。
type AgentHealth struct {
	AgentName     string      `json:"agent_name"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	Restarts      int         `json:"restarts"`
}

// FailureKind 对应错误分类中需要对外呈现的终态失败。
type FailureKind string

const (
	FailureAnalysis             FailureKind = "AnalysisFailure"
	FailureVerificationRejected FailureKind = "VerificationRejected"
	FailureAllocationInvalid    FailureKind = "AllocationInvalid"
	FailureLedgerUnrecoverable  FailureKind = "LedgerUnrecoverable"
	FailureRetriesExhausted     FailureKind = "LedgerRetriesExhausted"
	FailureAgentUnresponsive    FailureKind = "AgentUnresponsive"
	FailureDeadLetter           FailureKind = "DeadLetter"
)

// FailureRecord 是跨代理传递的失败数据，代理之间不传递 Go error。
type FailureRecord struct {
	Kind       FailureKind `json:"kind"`
	Agent      string      `json:"agent"`
	EventID    string      `json:"event_id"`
	RequestID  string      `json:"request_id,omitempty"`
	Code       string      `json:"code,omitempty"`
	Message    string      `json:"message"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// OutcomeKind 枚举流水线可观察的阶段结果。
type OutcomeKind string

const (
	OutcomeDetected       OutcomeKind = "detected"
	OutcomeNoEvent        OutcomeKind = "no_event"
	OutcomeAnalysisFailed OutcomeKind = "analysis_failed"
	OutcomeVerified       OutcomeKind = "verified"
	OutcomeRejected       OutcomeKind = "rejected"
	OutcomeConfirmed      OutcomeKind = "confirmed"
	OutcomeFailed         OutcomeKind = "failed"
)

// DetectionTerminal 判断结果是否结束了检测阶段。
func (k OutcomeKind) DetectionTerminal() bool {
	switch k {
	case OutcomeDetected, OutcomeNoEvent, OutcomeAnalysisFailed:
		return true
	}
	return false
}

// PipelineTerminal 判断结果是否结束了整条流水线。
func (k OutcomeKind) PipelineTerminal() bool {
	switch k {
	case OutcomeNoEvent, OutcomeAnalysisFailed, OutcomeRejected, OutcomeConfirmed, OutcomeFailed:
		return true
	}
	return false
}

// Outcome 是各代理发布的阶段结果，供状态查询与控制命令关联。
type Outcome struct {
	Kind       OutcomeKind `json:"kind"`
	Agent      string      `json:"agent"`
	RequestID  string      `json:"request_id,omitempty"`
	EventID    string      `json:"event_id,omitempty"`
	DecisionID string      `json:"decision_id,omitempty"`
	Category   Category    `json:"category,omitempty"`
	Amount     Amount      `json:"amount,omitempty"`
	TxHash     string      `json:"tx_hash,omitempty"`
	Message    string      `json:"message,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// Key 唯一标识一条阶段结果，重复投递的同一结果得到相同的 Key。
func (o Outcome) Key() string {
	return string(o.Kind) + "|" + o.RequestID + "|" + o.EventID + "|" + o.DecisionID
}
