package businessflow

import (
	"errors"
	"fmt"
)

// Business flow error constants
var (
	// Rule-related errors
	ErrRuleNotFound  = errors.New("rule not found")
	ErrInvalidRuleID = errors.New("rule id must be a valid uuid")

	// Filter errors
	ErrInvalidLimit  = errors.New("limit must be between 1 and 100")
	ErrInvalidOffset = errors.New("offset must not be negative")
	ErrInvalidRecent = errors.New("recent must be between 0 and 100")

	ErrCacheNotAvailable = errors.New("cache not available")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func IsRuleNotFound(err error) bool {
	return errors.Is(err, ErrRuleNotFound)
}

func IsInvalidRuleID(err error) bool {
	return errors.Is(err, ErrInvalidRuleID)
}

// IsValidationError reports whether err is a request problem rather than a server failure
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRuleID) ||
		errors.Is(err, ErrInvalidLimit) ||
		errors.Is(err, ErrInvalidOffset) ||
		errors.Is(err, ErrInvalidRecent)
}

// BusinessCode returns the code of the outermost BusinessError in err's chain, or ""
func BusinessCode(err error) string {
	var be *BusinessError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}
