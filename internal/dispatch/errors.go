package dispatch

// Code is a machine-readable error classification surfaced to API callers.
type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeInvalidInput     Code = "INVALID_INPUT"
	CodeRoundCompleted   Code = "ROUND_COMPLETED"
	CodeNoActiveRound    Code = "NO_ACTIVE_ROUND"
	CodeRoundUnavailable Code = "ROUND_UNAVAILABLE"
)

// Error carries a machine code plus a short operator-facing message suitable
// for direct display in the dashboard.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

var (
	ErrTaskNotFound   = &Error{Code: CodeNotFound, Message: "任务不存在"}
	ErrRoundNotFound  = &Error{Code: CodeNotFound, Message: "任务轮次不存在"}
	ErrNodeNotFound   = &Error{Code: CodeNotFound, Message: "节点不存在"}
	ErrRoundCompleted = &Error{Code: CodeRoundCompleted, Message: "该轮次已完成，无法激活"}
	ErrNoActiveRound  = &Error{Code: CodeNoActiveRound, Message: "当前没有进行中的任务轮次"}
)

// invalidInput builds an INVALID_INPUT error with a caller-supplied message.
func invalidInput(msg string) *Error {
	return &Error{Code: CodeInvalidInput, Message: msg}
}

// roundUnavailable marks a round whose snapshot could not be loaded on demand.
func roundUnavailable(msg string) *Error {
	return &Error{Code: CodeRoundUnavailable, Message: msg}
}
