package app

import (
	"fmt"
	"net/http"
)

const (
	CodeInvalidDepartment      = "invalid_department"
	CodeNotFound               = "not_found"
	CodeBadRequest             = "bad_request"
	CodeInvalidTypeNumber      = "invalid_type_number"
	CodeNumberBelowMin         = "number_below_min"
	CodeNumberAboveMax         = "number_above_max"
	CodeFailedToProcessAnswer  = "failed_to_process_answer"
	CodeChatFailed             = "chat_failed"
	CodeDepartmentNotFound     = "department_not_found"
	CodeUnauthorized           = "unauthorized"
	CodeSSONotConfigured       = "sso_not_configured"
	CodeAuthenticationFailed   = "authentication_failed"
	CodeSSOLoginFailed         = "sso_login_failed"
	CodeFailedToStartSession   = "failed_to_start_session"
	CodeFailedToGetSession     = "failed_to_get_session"
	CodeFailedToGetAnswers     = "failed_to_get_session_answers"
	CodeFailedToListDepts      = "failed_to_list_departments"
	CodeFailedToGetDeptAnswers = "failed_to_get_department_answers"
	CodeServerError            = "server_error"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	cause   error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// internalError reports an opaque 500 to the caller while keeping cause for logs.
func internalError(code, message string, cause error) *DomainError {
	return &DomainError{
		Status:  http.StatusInternalServerError,
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

func sessionNotFound() *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, "Session not found", nil)
}
