package ocpp

import "fmt"

// ErrorCode is an OCPP-J error code, plus the client-side codes the request
// service raises for transport failures.
type ErrorCode string

const (
	ErrCodeNotImplemented       ErrorCode = "NotImplemented"
	ErrCodeNotSupported         ErrorCode = "NotSupported"
	ErrCodeInternalError        ErrorCode = "InternalError"
	ErrCodeProtocolError        ErrorCode = "ProtocolError"
	ErrCodeSecurityError        ErrorCode = "SecurityError"
	ErrCodeFormationViolation   ErrorCode = "FormationViolation"
	ErrCodeGenericError         ErrorCode = "GenericError"
	ErrCodeNetworkError         ErrorCode = "NetworkError"
	ErrCodeRequestTimeout       ErrorCode = "RequestTimeout"
	ErrCodeChannelClosed        ErrorCode = "ChannelClosed"
	ErrCodeServiceNotStarted    ErrorCode = "ServiceNotStarted"
	ErrCodeCircuitBreakerOpen   ErrorCode = "CircuitBreakerOpen"
	ErrCodeUnsupportedOperation ErrorCode = "UnsupportedOperation"
)

// Error is the typed failure surfaced by the request service. It carries the
// OCPP error code plus free-form details so callers can report the full
// failure without parsing strings.
type Error struct {
	Code    ErrorCode
	Action  Action
	Message string
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("ocpp %s: %s: %s", e.Action, e.Code, e.Message)
	}
	return fmt.Sprintf("ocpp: %s: %s", e.Code, e.Message)
}

// NewError builds an Error for the given action.
func NewError(code ErrorCode, action Action, message string) *Error {
	return &Error{
		Code:    code,
		Action:  action,
		Message: message,
		Details: map[string]interface{}{"code": string(code)},
	}
}

// WithDetails attaches extra detail fields and returns the error.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}
