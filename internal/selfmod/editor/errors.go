// internal/selfmod/editor/errors.go
package editor

import (
	"fmt"

	"github.com/xkilldash9x/selfmod/internal/selfmod/models"
)

// ErrorCode is the machine-readable failure reason carried by engine results.
type ErrorCode string

const (
	CodeOldCodeNotFound  ErrorCode = "OLD_CODE_NOT_FOUND"
	CodeAmbiguousEdit    ErrorCode = "AMBIGUOUS_EDIT"
	CodeProtectedFile    ErrorCode = "PROTECTED_FILE"
	CodeOutsideWorkspace ErrorCode = "OUTSIDE_WORKSPACE"
	CodeFileTooLarge     ErrorCode = "FILE_TOO_LARGE"
	CodeFileExists       ErrorCode = "FILE_EXISTS"
	CodeFileNotFound     ErrorCode = "FILE_NOT_FOUND"
	CodeInvalidBackup    ErrorCode = "INVALID_BACKUP"
	CodeIOError          ErrorCode = "IO_ERROR"
)

// EditError describes why the engine refused or failed an operation.
type EditError struct {
	Code    ErrorCode
	Message string
	// MatchCount is set for anchor failures.
	MatchCount int
	// Err is the underlying cause for IO failures.
	Err error
}

func (e *EditError) Error() string {
	if e.Code == CodeAmbiguousEdit {
		return fmt.Sprintf("%s: %s (%d matches)", e.Code, e.Message, e.MatchCount)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the taxonomy sentinel for the code, or the IO cause.
func (e *EditError) Unwrap() error {
	switch e.Code {
	case CodeOldCodeNotFound:
		return models.ErrStaleAnchor
	case CodeAmbiguousEdit:
		return models.ErrAmbiguousEdit
	case CodeProtectedFile:
		return models.ErrProtectedFile
	case CodeOutsideWorkspace:
		return models.ErrOutsideWorkspace
	case CodeFileTooLarge:
		return models.ErrFileTooLarge
	case CodeFileExists:
		return models.ErrFileExists
	}
	return e.Err
}

func newEditError(code ErrorCode, format string, args ...any) *EditError {
	return &EditError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func ioError(op string, err error) *EditError {
	return &EditError{Code: CodeIOError, Message: fmt.Sprintf("failed to %s: %v", op, err), Err: err}
}
