package utils

import (
	"errors"
	"fmt"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

// ErrorKind is the stable machine-readable classification carried by every
// ledger error. API handlers map kinds to HTTP statuses; clients branch on the
// kind and surface the message directly.
type ErrorKind string

const (
	ErrorKindNotFound               ErrorKind = "NOT_FOUND"
	ErrorKindConflict               ErrorKind = "CONFLICT"
	ErrorKindInvalidInput           ErrorKind = "INVALID_INPUT"
	ErrorKindInvalidStateTransition ErrorKind = "INVALID_STATE_TRANSITION"
	ErrorKindNoActiveBatch          ErrorKind = "NO_ACTIVE_BATCH"
	ErrorKindBatchClosed            ErrorKind = "BATCH_CLOSED"
	ErrorKindVesselNotAvailable     ErrorKind = "VESSEL_NOT_AVAILABLE"
	ErrorKindKegNotAvailable        ErrorKind = "KEG_NOT_AVAILABLE"
	ErrorKindExceedsAvailableVolume ErrorKind = "EXCEEDS_AVAILABLE_VOLUME"
	ErrorKindExceedsVesselCapacity  ErrorKind = "EXCEEDS_VESSEL_CAPACITY"
	ErrorKindInsufficientQuantity   ErrorKind = "INSUFFICIENT_QUANTITY"
	ErrorKindInsufficientVolume     ErrorKind = "INSUFFICIENT_BATCH_VOLUME"
)

// ApiError carries a stable kind plus a human message.
// All ledger validation failures are raised as *ApiError inside the enclosing
// DB transaction so the transaction rolls back with no partial mutation.
type ApiError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ApiError) Error() string { return e.Message }

func NewApiError(kind ErrorKind, message string) *ApiError {
	return &ApiError{Kind: kind, Message: message}
}

func NotFoundError(entity string) *ApiError {
	return &ApiError{Kind: ErrorKindNotFound, Message: entity + " not found"}
}

func ConflictError(message string) *ApiError {
	return &ApiError{Kind: ErrorKindConflict, Message: message}
}

// InvalidStateTransitionError names the required vs actual state so callers can
// see exactly which precondition failed server-side.
func InvalidStateTransitionError(entity string, required string, actual string) *ApiError {
	return &ApiError{
		Kind:    ErrorKindInvalidStateTransition,
		Message: fmt.Sprintf("%s must be %s (current status: %s)", entity, required, actual),
	}
}

// KindOf extracts the machine-readable kind of err.
// Non-ApiError values (driver errors, context cancellation, ...) are reported
// as INVALID_INPUT only when they are validation sentinels; everything else is
// left unclassified ("").
func KindOf(err error) ErrorKind {
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, ErrorRecordNotFound) {
		return ErrorKindNotFound
	}
	return ""
}

// IsDuplicateKeyErr reports whether err is a MySQL unique-index violation.
// Pre-insert uniqueness checks can still race; the index is the authority.
func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// ErrorRecordNotFound is the generic fetch-miss sentinel used by the model
// helpers. Handlers translate it to a NOT_FOUND response.
var ErrorRecordNotFound error = &ApiError{Kind: ErrorKindNotFound, Message: "record not found"}

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
