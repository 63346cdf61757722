package model

import "fmt"

// FailureClass 把失败分成几类，展示层据此决定静默、提示或阻断。
type FailureClass string

const (
	ClassAdmission    FailureClass = "admission"
	ClassUpstream     FailureClass = "upstream"
	ClassPrecondition FailureClass = "precondition"
	ClassInput        FailureClass = "input"
)

// FailureCode 是稳定的失败标识，客户端可以直接用作 i18n key。
type FailureCode string

const (
	CodeBusy      FailureCode = "busy"
	CodeThrottled FailureCode = "throttled"
	CodeDuplicate FailureCode = "duplicate"

	CodeClassifierFailed FailureCode = "classifier-failed"
	CodeNetwork          FailureCode = "network"
	CodeAdvisorFailed    FailureCode = "advisor-failed"

	CodeNoActiveIssue   FailureCode = "no-active-issue"
	CodeAlreadyActive   FailureCode = "already-active"
	CodeSessionComplete FailureCode = "session-complete"
	CodeNoSession       FailureCode = "no-session"

	CodeNoFrame        FailureCode = "no-frame"
	CodeVideoNotReady  FailureCode = "video-not-ready"
	CodeInvalidOutcome FailureCode = "invalid-outcome"
)

var codeClasses = map[FailureCode]FailureClass{
	CodeBusy:             ClassAdmission,
	CodeThrottled:        ClassAdmission,
	CodeDuplicate:        ClassAdmission,
	CodeClassifierFailed: ClassUpstream,
	CodeNetwork:          ClassUpstream,
	CodeAdvisorFailed:    ClassUpstream,
	CodeNoActiveIssue:    ClassPrecondition,
	CodeAlreadyActive:    ClassPrecondition,
	CodeSessionComplete:  ClassPrecondition,
	CodeNoSession:        ClassPrecondition,
	CodeNoFrame:          ClassInput,
	CodeVideoNotReady:    ClassInput,
	CodeInvalidOutcome:   ClassInput,
}

// Class 返回失败码所属类别。
func (c FailureCode) Class() FailureClass {
	if class, ok := codeClasses[c]; ok {
		return class
	}
	return ClassUpstream
}

// Failure 是核心对外暴露的类型化失败。
type Failure struct {
	Code FailureCode
	Err  error
}

// Fail 构造一个 Failure，cause 可为空。
func Fail(code FailureCode, cause error) *Failure {
	return &Failure{Code: code, Err: cause}
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Code, f.Err)
	}
	return string(f.Code)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is 按失败码比较，使 errors.Is(err, model.ErrBusy) 成立。
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	if !ok {
		return false
	}
	return t.Code == f.Code
}

// Class 返回失败类别。
func (f *Failure) Class() FailureClass { return f.Code.Class() }

// 便于 errors.Is 比较的哨兵值。
var (
	ErrBusy            = &Failure{Code: CodeBusy}
	ErrThrottled       = &Failure{Code: CodeThrottled}
	ErrDuplicate       = &Failure{Code: CodeDuplicate}
	ErrClassifier      = &Failure{Code: CodeClassifierFailed}
	ErrNetwork         = &Failure{Code: CodeNetwork}
	ErrAdvisor         = &Failure{Code: CodeAdvisorFailed}
	ErrNoActiveIssue   = &Failure{Code: CodeNoActiveIssue}
	ErrAlreadyActive   = &Failure{Code: CodeAlreadyActive}
	ErrSessionComplete = &Failure{Code: CodeSessionComplete}
	ErrNoSession       = &Failure{Code: CodeNoSession}
	ErrNoFrame         = &Failure{Code: CodeNoFrame}
	ErrVideoNotReady   = &Failure{Code: CodeVideoNotReady}
	ErrInvalidOutcome  = &Failure{Code: CodeInvalidOutcome}
)
