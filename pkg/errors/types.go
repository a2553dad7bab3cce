package errors

import (
	"errors"
	"fmt"
)

// ErrorSeverity defines the severity level of an error
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the string representation of the severity
func (s ErrorSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// TransportKind classifies transport failures by their observed symptom
type TransportKind string

const (
	TransportNoResponse      TransportKind = "NoResponse"
	TransportInvalidResponse TransportKind = "InvalidResponse"
	TransportSerialError     TransportKind = "SerialError"
	TransportSPIError        TransportKind = "SPIError"
	TransportBusError        TransportKind = "BusError"
	TransportMQTTError       TransportKind = "MQTTError"
)

// GatewayError is the base error type for all gateway errors
type GatewayError struct {
	Op       string        // Operation that failed
	Err      error         // Underlying error
	Severity ErrorSeverity // Error severity
	Code     int           // Diagnostic code for MQTT / health reporting
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Severity, e.Op, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Severity, e.Op)
}

// Unwrap returns the underlying error
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// base lets wrapping types expose the embedded GatewayError through errors.As.
func (e *GatewayError) base() *GatewayError { return e }

// ValidationError represents rejected input
type ValidationError struct {
	GatewayError
	Field    string
	Expected interface{}
	Actual   interface{}
}

// NewValidationError creates a new validation error
func NewValidationError(field string, expected, actual interface{}) *ValidationError {
	return &ValidationError{
		GatewayError: GatewayError{
			Op:       "validation",
			Err:      fmt.Errorf("validation failed"),
			Severity: SeverityWarning,
			Code:     1,
		},
		Field:    field,
		Expected: expected,
		Actual:   actual,
	}
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] Field '%s': expected %v, got %v",
		e.Severity, e.Field, e.Expected, e.Actual)
}

// NotFoundError represents a lookup of an unknown entity
type NotFoundError struct {
	GatewayError
	Entity string
	ID     string
}

// NewNotFoundError creates a new not-found error
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		GatewayError: GatewayError{
			Op:       "lookup",
			Err:      fmt.Errorf("%s '%s' not found", entity, id),
			Severity: SeverityWarning,
			Code:     2,
		},
		Entity: entity,
		ID:     id,
	}
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("[%s] %s '%s' not found", e.Severity, e.Entity, e.ID)
}

// UnauthorizedError represents an admin-only action attempted without rights
type UnauthorizedError struct {
	GatewayError
	Action string
}

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError(action string) *UnauthorizedError {
	return &UnauthorizedError{
		GatewayError: GatewayError{
			Op:       action,
			Err:      fmt.Errorf("admin privileges required"),
			Severity: SeverityWarning,
			Code:     3,
		},
		Action: action,
	}
}

// ConflictError represents an operation invalid in the current state
// (e.g. connecting a device that is already connected)
type ConflictError struct {
	GatewayError
	Entity string
	Reason string
}

// NewConflictError creates a new conflict error
func NewConflictError(entity, reason string) *ConflictError {
	return &ConflictError{
		GatewayError: GatewayError{
			Op:       "state check",
			Err:      fmt.Errorf("%s: %s", entity, reason),
			Severity: SeverityWarning,
			Code:     4,
		},
		Entity: entity,
		Reason: reason,
	}
}

// Error implements the error interface
func (e *ConflictError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Severity, e.Entity, e.Reason)
}

// TransportError represents a classified hardware or network failure
type TransportError struct {
	GatewayError
	Kind   TransportKind
	Target string // port, SPI device or broker the operation addressed
}

// NewTransportError creates a new transport error with an explicit kind
func NewTransportError(op string, err error, kind TransportKind, target string) *TransportError {
	return &TransportError{
		GatewayError: GatewayError{
			Op:       op,
			Err:      err,
			Severity: SeverityError,
			Code:     5,
		},
		Kind:   kind,
		Target: target,
	}
}

// Error implements the error interface
func (e *TransportError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (%s) on %s: %v", e.Severity, e.Op, e.Kind, e.Target, e.Err)
	}
	return fmt.Sprintf("[%s] %s (%s): %v", e.Severity, e.Op, e.Kind, e.Err)
}

// BreakerOpenError is returned when a circuit breaker refuses a guarded call
type BreakerOpenError struct {
	GatewayError
	Breaker string
}

// NewBreakerOpenError creates a new breaker-open error
func NewBreakerOpenError(breaker string) *BreakerOpenError {
	return &BreakerOpenError{
		GatewayError: GatewayError{
			Op:       "guarded call",
			Err:      fmt.Errorf("circuit breaker '%s' is open", breaker),
			Severity: SeverityWarning,
			Code:     6,
		},
		Breaker: breaker,
	}
}

// TimeoutError represents an operation that exceeded its deadline
type TimeoutError struct {
	GatewayError
	Timeout string
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(op string, timeout string) *TimeoutError {
	return &TimeoutError{
		GatewayError: GatewayError{
			Op:       op,
			Err:      fmt.Errorf("timed out after %s", timeout),
			Severity: SeverityError,
			Code:     7,
		},
		Timeout: timeout,
	}
}

// InternalError represents an unexpected failure inside the gateway
type InternalError struct {
	GatewayError
}

// NewInternalError creates a new internal error
func NewInternalError(op string, err error) *InternalError {
	return &InternalError{
		GatewayError: GatewayError{
			Op:       op,
			Err:      err,
			Severity: SeverityCritical,
			Code:     8,
		},
	}
}

// IsBreakerOpen reports whether err is (or wraps) a breaker-open error
func IsBreakerOpen(err error) bool {
	var e *BreakerOpenError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is (or wraps) a not-found error
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsTimeout reports whether err is (or wraps) a timeout error
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// IsValidation reports whether err is (or wraps) a validation error
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsConflict reports whether err is (or wraps) a conflict error
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsUnauthorized reports whether err is (or wraps) an unauthorized error
func IsUnauthorized(err error) bool {
	var e *UnauthorizedError
	return errors.As(err, &e)
}

// AsTransport extracts a transport error if err is (or wraps) one
func AsTransport(err error) (*TransportError, bool) {
	var e *TransportError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
