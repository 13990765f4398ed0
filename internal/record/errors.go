package record

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes kiln errors.
type ErrorCode string

const (
	// ErrCodeInput indicates missing or malformed configuration. Fatal.
	ErrCodeInput ErrorCode = "INPUT_ERROR"

	// ErrCodeCollaborator indicates an external tool failed. The run aborts,
	// history is untouched and staging is preserved.
	ErrCodeCollaborator ErrorCode = "COLLABORATOR_FAILURE"

	// ErrCodeNoResumableState indicates a resume case with no metadata
	// source. The user must force a full rebuild.
	ErrCodeNoResumableState ErrorCode = "NO_RESUMABLE_STATE"

	// ErrCodeCorruptHistory indicates the latest pointer or a committed
	// record cannot be read.
	ErrCodeCorruptHistory ErrorCode = "CORRUPT_HISTORY"

	// ErrCodeIncompleteCommit indicates an interrupted commit that recovery
	// could not resolve.
	ErrCodeIncompleteCommit ErrorCode = "INCOMPLETE_COMMIT"

	// ErrCodeHistoryLocked indicates another run holds the history lock.
	ErrCodeHistoryLocked ErrorCode = "HISTORY_LOCKED"

	// ErrCodeNotFound indicates a requested build id is absent.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeProtectedBuild indicates an attempt to delete the latest build.
	ErrCodeProtectedBuild ErrorCode = "PROTECTED_BUILD"
)

// Error is the structured error returned across kiln package boundaries.
//
// Stage and Kind locate collaborator failures precisely enough to resume:
// Stage is the coordinator state and Kind the artifact kind, if any.
type Error struct {
	Code    ErrorCode
	Message string
	Stage   string
	Kind    string
	BuildID string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	switch {
	case e.Stage != "" && e.Kind != "":
		msg += fmt.Sprintf(" (stage=%s, kind=%s)", e.Stage, e.Kind)
	case e.Stage != "":
		msg += fmt.Sprintf(" (stage=%s)", e.Stage)
	case e.BuildID != "":
		msg += fmt.Sprintf(" (build=%s)", e.BuildID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewInputError creates an Error for malformed input.
func NewInputError(format string, args ...any) *Error {
	return &Error{Code: ErrCodeInput, Message: fmt.Sprintf(format, args...)}
}

// NewCollaboratorError creates an Error for a failed external tool.
func NewCollaboratorError(stage, kind string, err error) *Error {
	return &Error{
		Code:    ErrCodeCollaborator,
		Message: "collaborator failed",
		Stage:   stage,
		Kind:    kind,
		Err:     err,
	}
}

// NewNoResumableStateError creates an Error for an unresolvable resume.
func NewNoResumableStateError(treeCommit string) *Error {
	return &Error{
		Code:    ErrCodeNoResumableState,
		Message: fmt.Sprintf("no compose output or previous build for tree %s; rerun with --force", treeCommit),
	}
}

// NewCorruptHistoryError creates an Error for unreadable history.
func NewCorruptHistoryError(buildID string, err error) *Error {
	return &Error{
		Code:    ErrCodeCorruptHistory,
		Message: "history is corrupt",
		BuildID: buildID,
		Err:     err,
	}
}

// NewIncompleteCommitError creates an Error for an unrecoverable commit.
func NewIncompleteCommitError(err error) *Error {
	return &Error{
		Code:    ErrCodeIncompleteCommit,
		Message: "interrupted commit needs manual intervention",
		Err:     err,
	}
}

// NewHistoryLockedError creates an Error for a held history lock.
func NewHistoryLockedError(path string) *Error {
	return &Error{
		Code:    ErrCodeHistoryLocked,
		Message: fmt.Sprintf("history %s is locked by another run", path),
	}
}

// NewNotFoundError creates an Error for an absent build.
func NewNotFoundError(buildID string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: "build not found",
		BuildID: buildID,
	}
}

// NewProtectedBuildError creates an Error for deleting the latest build.
func NewProtectedBuildError(buildID string) *Error {
	return &Error{
		Code:    ErrCodeProtectedBuild,
		Message: "refusing to delete the latest build",
		BuildID: buildID,
	}
}

// CodeOf returns the code of the first Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsInputError reports whether err is an InputError.
func IsInputError(err error) bool { return CodeOf(err) == ErrCodeInput }

// IsCollaboratorFailure reports whether err is a CollaboratorFailure.
func IsCollaboratorFailure(err error) bool { return CodeOf(err) == ErrCodeCollaborator }

// IsNoResumableState reports whether err is a NoResumableState error.
func IsNoResumableState(err error) bool { return CodeOf(err) == ErrCodeNoResumableState }

// IsCorruptHistory reports whether err is a CorruptHistory error.
func IsCorruptHistory(err error) bool { return CodeOf(err) == ErrCodeCorruptHistory }

// IsIncompleteCommit reports whether err is an IncompleteCommit error.
func IsIncompleteCommit(err error) bool { return CodeOf(err) == ErrCodeIncompleteCommit }

// IsHistoryLocked reports whether err is a HistoryLocked error.
func IsHistoryLocked(err error) bool { return CodeOf(err) == ErrCodeHistoryLocked }

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }

// IsProtectedBuild reports whether err is a ProtectedBuild error.
func IsProtectedBuild(err error) bool { return CodeOf(err) == ErrCodeProtectedBuild }
