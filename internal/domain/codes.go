package domain

// ErrorCode is the numeric status reported by the daemon. Positive values are
// informational, negative values are failures.
type ErrorCode int

const (
	CodeAlreadyExists  ErrorCode = 2
	CodeScheduled      ErrorCode = 1
	CodeOK             ErrorCode = 0
	CodeCreateError    ErrorCode = -1
	CodeModifyError    ErrorCode = -2
	CodeControlError   ErrorCode = -3
	CodeDeleteError    ErrorCode = -4
	CodeQueryError     ErrorCode = -5
	CodeIOError        ErrorCode = -6
	CodeExternalError  ErrorCode = -7
	CodeInvalidState   ErrorCode = -8
	CodeNotFound       ErrorCode = -9
	CodeNotAllowed     ErrorCode = -10
	CodeNotSupported   ErrorCode = -11
	CodeNotValidated   ErrorCode = -12
	CodeNotTrusted     ErrorCode = -13
	CodeStillWorking   ErrorCode = -14
	CodePasswordDenied ErrorCode = -20
	CodeUsageError     ErrorCode = -99
	CodeNotImplemented ErrorCode = -100
)

var codeText = map[ErrorCode]string{
	CodeAlreadyExists:  "Already exists",
	CodeScheduled:      "Scheduled",
	CodeOK:             "No error",
	CodeCreateError:    "Creation error",
	CodeModifyError:    "Modification error",
	CodeControlError:   "Control error",
	CodeDeleteError:    "Delete error",
	CodeQueryError:     "Query error",
	CodeIOError:        "I/O error",
	CodeExternalError:  "External error",
	CodeInvalidState:   "Not in a valid state",
	CodeNotFound:       "Not found",
	CodeNotAllowed:     "Not allowed",
	CodeNotSupported:   "Not supported",
	CodeNotValidated:   "Not validated",
	CodeNotTrusted:     "Not trusted",
	CodeStillWorking:   "Still working",
	CodePasswordDenied: "Password denied",
	CodeUsageError:     "Usage error",
	CodeNotImplemented: "Not implemented",
}

// String returns the daemon's human-readable text for the code.
func (c ErrorCode) String() string {
	if s, ok := codeText[c]; ok {
		return s
	}
	return "Unknown error"
}

// IsFailure reports whether the code denotes an error.
func (c ErrorCode) IsFailure() bool { return c < 0 }
