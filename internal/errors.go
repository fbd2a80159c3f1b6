package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrorKind classifies a failure so callers know whether to retry, reject or abort.
type ErrorKind int

const (
	// KindTransient failures (timeouts, temporary unavailability) are retried
	// with exponential backoff up to a cap.
	KindTransient ErrorKind = iota
	// KindDeviceBusy means another session holds the device lock. Rejected
	// immediately; the caller may retry later.
	KindDeviceBusy
	// KindValidation failures (malformed payload, schema incompatibility,
	// dependency cycles) are never retried.
	KindValidation
	// KindNotFound: the referenced session/conflict/device does not exist.
	KindNotFound
	// KindConflictUnresolved is not a failure as such: the item is parked
	// awaiting manual escalation.
	KindConflictUnresolved
	// KindFatal failures (data corruption, checksum mismatch) abort the
	// affected item or session and are never silently retried.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindDeviceBusy:
		return "device_busy"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflictUnresolved:
		return "conflict_unresolved"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// ClassifiedError attaches an ErrorKind to an underlying error.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func Transient(err error) error {
	return &ClassifiedError{Kind: KindTransient, Err: err}
}

func Transientf(format string, args ...interface{}) error {
	return &ClassifiedError{Kind: KindTransient, Err: fmt.Errorf(format, args...)}
}

func DeviceBusy(deviceID string) error {
	return &ClassifiedError{Kind: KindDeviceBusy, Err: fmt.Errorf("device %s already has an active session", deviceID)}
}

func Validationf(format string, args ...interface{}) error {
	return &ClassifiedError{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

func NotFoundf(format string, args ...interface{}) error {
	return &ClassifiedError{Kind: KindNotFound, Err: fmt.Errorf(format, args...)}
}

func Fatalf(format string, args ...interface{}) error {
	return &ClassifiedError{Kind: KindFatal, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind from err, walking wrapped errors.
// Unclassified errors are treated as transient: the safe default for an
// engine whose callers are intermittently connected.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// HandlerError is an error response for the HTTP layer.
type HandlerError struct {
	StatusCode int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type jsonError struct {
	Err string `json:"error"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{e.Error()}
	b, _ := json.Marshal(je)
	return b
}

// ToHandlerError maps a classified engine error onto an HTTP status code.
func ToHandlerError(err error) *HandlerError {
	var he *HandlerError
	if errors.As(err, &he) {
		return he
	}
	status := 500
	switch KindOf(err) {
	case KindDeviceBusy:
		status = 409
	case KindValidation:
		status = 400
	case KindNotFound:
		status = 404
	}
	return &HandlerError{StatusCode: status, Err: err}
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and FIELDSYNC_DEBUG=1 then the program panics.
// If expr is false and FIELDSYNC_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors.
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("FIELDSYNC_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
