package engine

import (
	"errors"
	"fmt"

	"github.com/pantrykit/cyclecast/internal/api"
)

// Rejection is a transition failure surfaced to the caller as a value with
// a stable machine-readable code. Rejections never mutate state.
type Rejection struct {
	Code api.RejectionCode
	Msg  string
	Err  error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s: %v", r.Code, r.Msg, r.Err)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Msg)
}

func (r *Rejection) Unwrap() error { return r.Err }

// reject builds a Rejection with a formatted message.
func reject(code api.RejectionCode, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// rejectWrap builds a Rejection wrapping an underlying error.
func rejectWrap(code api.RejectionCode, err error, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the rejection code from err, or INTERNAL when err is not
// a Rejection.
func CodeOf(err error) api.RejectionCode {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Code
	}
	return api.CodeInternal
}
