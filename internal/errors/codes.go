package errors

// 通用错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeBusFailure            Code = "BUS_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// 流水线错误分类，每一类对应一种终态或重试策略。
const (
	CodeAnalysisFailure      Code = "ANALYSIS_FAILURE"
	CodeVerificationRejected Code = "VERIFICATION_REJECTED"
	CodeAllocationInvalid    Code = "ALLOCATION_INVALID"
	CodeLedgerRecoverable    Code = "LEDGER_RECOVERABLE"
	CodeLedgerUnrecoverable  Code = "LEDGER_UNRECOVERABLE"
	CodeAgentUnresponsive    Code = "AGENT_UNRESPONSIVE"
	CodeDuplicateDelivery    Code = "DUPLICATE_DELIVERY"
	CodeEmergencyStop        Code = "EMERGENCY_STOP"
)

func init() {
	Register(CodeUnknown, Attributes{Message: "unknown error", Severity: SeverityCritical, Alert: true})
	Register(CodeInvalidArgument, Attributes{Message: "invalid argument", Severity: SeverityInfo})
	Register(CodeNotFound, Attributes{Message: "resource not found", Severity: SeverityInfo})
	Register(CodeConflict, Attributes{Message: "resource conflict", Severity: SeverityWarning})
	Register(CodeInitializationFailure, Attributes{Message: "component not initialized", Severity: SeverityWarning, Retryable: true, Alert: true})
	Register(CodeStorageFailure, Attributes{Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true})
	Register(CodeBusFailure, Attributes{Message: "message bus failure", Severity: SeverityCritical, Retryable: true, Alert: true})
	Register(CodeTimeout, Attributes{Message: "operation timed out", Severity: SeverityWarning, Retryable: true})

	Register(CodeAnalysisFailure, Attributes{
		Message:   "image analysis unavailable",
		Severity:  SeverityWarning,
		Retryable: true,
		Terminal:  true,
	})
	Register(CodeVerificationRejected, Attributes{
		Message:  "event rejected by verification",
		Severity: SeverityInfo,
		Terminal: true,
	})
	Register(CodeAllocationInvalid, Attributes{
		Message:  "funding allocation invalid",
		Severity: SeverityWarning,
		Terminal: true,
		Alert:    true,
	})
	Register(CodeLedgerRecoverable, Attributes{
		Message:   "ledger rejected transaction, retry possible",
		Severity:  SeverityWarning,
		Retryable: true,
	})
	Register(CodeLedgerUnrecoverable, Attributes{
		Message:  "ledger rejected transaction permanently",
		Severity: SeverityCritical,
		Terminal: true,
		Alert:    true,
	})
	Register(CodeAgentUnresponsive, Attributes{
		Message:  "agent unresponsive",
		Severity: SeverityCritical,
		Alert:    true,
	})
	Register(CodeDuplicateDelivery, Attributes{
		Message:  "duplicate delivery ignored",
		Severity: SeverityInfo,
	})
	Register(CodeEmergencyStop, Attributes{
		Message:  "funding halted by emergency stop",
		Severity: SeverityCritical,
		Terminal: true,
		Alert:    true,
	})
}

// IsTerminal 判断错误是否代表一个不再重试的终态。
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	return AttributesOf(CodeOf(err)).Terminal
}
