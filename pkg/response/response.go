package response

import "errors"

type Response struct {
	ResponseError `json:"error,omitzero"`
}

type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

//Error Codes
type ErrCode string

var (
	FAILED_REQUEST      ErrCode = "REQUEST_FAILED"
	BAD_REQUEST         ErrCode = "FAILED_TO_DECODE"
	NOT_FOUND           ErrCode = "NOT_FOUND"
	LOCKED              ErrCode = "LOCKED"
	ATTENDANCE_REQUIRED ErrCode = "ATTENDANCE_REQUIRED"
	SHIFT_ENDED         ErrCode = "SHIFT_ENDED"
	WINDOW_NOT_OPEN     ErrCode = "WINDOW_NOT_OPEN"
	ALREADY_CHECKED_IN  ErrCode = "ALREADY_CHECKED_IN"
	ALREADY_RESOLVED    ErrCode = "ALREADY_RESOLVED"
)

var (
	ErrBadRequest         = errors.New("bad request")
	ErrNotFound           = errors.New("resource not found")
	ErrLocked             = errors.New("resource is locked")
	ErrAttendanceRequired = errors.New("attendance has not been recorded")
	ErrShiftEnded         = errors.New("shift has already ended")
	ErrWindowNotOpen      = errors.New("check-in window is not open yet")
	ErrAlreadyCheckedIn   = errors.New("slot is already checked in")
	ErrAlreadyResolved    = errors.New("alert is already resolved")
)

func Error(code, msg string) Response {
	return Response{
		ResponseError: ResponseError{
			Code:    code,
			Message: msg,
		},
	}
}
