package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode 에러 코드 정의
type ErrorCode string

const (
	// Business Errors
	ErrCodeValidation            ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidState          ErrorCode = "INVALID_STATE"
	ErrCodePaymentNotFound       ErrorCode = "PAYMENT_NOT_FOUND"
	ErrCodeOrderNotFound         ErrorCode = "ORDER_NOT_FOUND"
	ErrCodeInsufficientStock     ErrorCode = "INSUFFICIENT_STOCK"
	ErrCodeProductNotFound       ErrorCode = "PRODUCT_NOT_FOUND"
	ErrCodeInsufficientPoint     ErrorCode = "INSUFFICIENT_POINT"
	ErrCodePgTransactionNotFound ErrorCode = "PG_TRANSACTION_NOT_FOUND"
	ErrCodeOrderStateConflict    ErrorCode = "ORDER_STATE_CONFLICT"

	// Concurrency Errors
	ErrCodeOptimisticLock ErrorCode = "OPTIMISTIC_LOCK_CONFLICT"

	// Technical Errors
	ErrCodePgUnavailable      ErrorCode = "PG_UNAVAILABLE"
	ErrCodeDatabaseError      ErrorCode = "DATABASE_ERROR"
	ErrCodeNetworkError       ErrorCode = "NETWORK_ERROR"
	ErrCodeTimeoutError       ErrorCode = "TIMEOUT_ERROR"
	ErrCodeSerializationError ErrorCode = "SERIALIZATION_ERROR"
	ErrCodeUnknownError       ErrorCode = "UNKNOWN_ERROR"
)

// DomainError 도메인 에러 구조체
type DomainError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// New 새로운 도메인 에러 생성
func New(code ErrorCode, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Newf 포맷 메시지로 도메인 에러 생성
func Newf(code ErrorCode, format string, args ...interface{}) *DomainError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 기존 에러를 래핑한 도메인 에러 생성
func Wrap(code ErrorCode, message string, cause error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf 에러 체인에서 가장 바깥쪽 도메인 에러 코드 추출
func CodeOf(err error) ErrorCode {
	var domainErr *DomainError
	if stderrors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// Is 에러 체인 어딘가에 해당 코드의 도메인 에러가 있는지 확인
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var domainErr *DomainError
		if !stderrors.As(err, &domainErr) {
			return false
		}
		if domainErr.Code == code {
			return true
		}
		err = domainErr.Cause
	}
	return false
}

// IsRetryable 재시도 가능한 에러인지 판단
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeDatabaseError, ErrCodeNetworkError, ErrCodeTimeoutError,
		ErrCodeOptimisticLock, ErrCodePgUnavailable:
		return true
	}
	return false
}

// IsBusinessError 비즈니스 에러인지 판단 (재시도 불필요)
func IsBusinessError(err error) bool {
	switch CodeOf(err) {
	case ErrCodeValidation, ErrCodeInvalidState, ErrCodePaymentNotFound, ErrCodeOrderNotFound,
		ErrCodeInsufficientStock, ErrCodeProductNotFound, ErrCodeInsufficientPoint, ErrCodeOrderStateConflict:
		return true
	}
	return false
}

// IsAlreadyHandled 결제 경쟁에서 진 쪽이 받는 에러인지 판단
// 결제 상태 가드 위반 또는 낙관적 락 충돌만 "다른 쪽이 이미 처리함"으로 본다.
// 주문 상태 충돌(ORDER_STATE_CONFLICT)은 포함하지 않는다.
func IsAlreadyHandled(err error) bool {
	return Is(err, ErrCodeInvalidState) || Is(err, ErrCodeOptimisticLock)
}
