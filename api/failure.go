package api

import (
	"errors"
	"fmt"
)

// Failure carries a transport-neutral error with its stable wire code.
// Handlers map a Failure onto a MsgError frame; everything else is
// translated to FileOperationFailed so raw OS errors never leak out.
type Failure struct {
	Code   ErrCode
	Detail string
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code.String()
}

// Failf builds a Failure with a formatted detail string.
func Failf(code ErrCode, format string, args ...any) Failure {
	return Failure{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the wire code from err, defaulting to
// FileOperationFailed for non-Failure errors.
func CodeOf(err error) ErrCode {
	if err == nil {
		return ErrNone
	}
	var f Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return ErrFileOperationFailed
}
