package session

import (
	"errors"
	"fmt"
)

// Code is a numeric install result. Failure codes are negative.
type Code int

const (
	Succeeded                 Code = 1
	FailedAlreadyExists       Code = -1
	FailedInvalidAPK          Code = -2
	FailedInsufficientStorage Code = -4
	FailedUpdateIncompatible  Code = -7
	FailedContainerError      Code = -18
	FailedVersionDowngrade    Code = -25
	ParseFailedNotAPK         Code = -100
	ParseFailedNoCertificates Code = -103
	FailedInternalError       Code = -110
	FailedUserRestricted      Code = -111
	FailedAborted             Code = -115
)

func (c Code) String() string {
	switch c {
	case Succeeded:
		return "INSTALL_SUCCEEDED"
	case FailedAlreadyExists:
		return "INSTALL_FAILED_ALREADY_EXISTS"
	case FailedInvalidAPK:
		return "INSTALL_FAILED_INVALID_APK"
	case FailedInsufficientStorage:
		return "INSTALL_FAILED_INSUFFICIENT_STORAGE"
	case FailedUpdateIncompatible:
		return "INSTALL_FAILED_UPDATE_INCOMPATIBLE"
	case FailedContainerError:
		return "INSTALL_FAILED_CONTAINER_ERROR"
	case FailedVersionDowngrade:
		return "INSTALL_FAILED_VERSION_DOWNGRADE"
	case ParseFailedNotAPK:
		return "INSTALL_PARSE_FAILED_NOT_APK"
	case ParseFailedNoCertificates:
		return "INSTALL_PARSE_FAILED_NO_CERTIFICATES"
	case FailedInternalError:
		return "INSTALL_FAILED_INTERNAL_ERROR"
	case FailedUserRestricted:
		return "INSTALL_FAILED_USER_RESTRICTED"
	case FailedAborted:
		return "INSTALL_FAILED_ABORTED"
	default:
		return fmt.Sprintf("INSTALL_RESULT(%d)", int(c))
	}
}

// Precondition errors. They indicate caller misuse and are returned
// directly from the offending call, wrapped with the operation name.
var (
	ErrIllegalState    = errors.New("illegal state")
	ErrSecurity        = errors.New("security violation")
	ErrInvalidArgument = errors.New("invalid argument")
)

// InstallError is a validation or storage failure raised during the commit
// pass. It reaches clients only through StatusReceiver.
type InstallError struct {
	Code    Code
	Message string
	Err     error
}

func (e *InstallError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *InstallError) Unwrap() error { return e.Err }

func installError(code Code, format string, args ...any) *InstallError {
	return &InstallError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapInstallError(code Code, err error, format string, args ...any) *InstallError {
	return &InstallError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// codeOf extracts the install code from err, defaulting to an internal error.
func codeOf(err error) Code {
	var ie *InstallError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return FailedInternalError
}
