package internal

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestKindOf(t *testing.T) {
	testCases := []struct {
		err  error
		want ErrorKind
	}{
		{Transientf("upstream timeout"), KindTransient},
		{DeviceBusy("tablet-1"), KindDeviceBusy},
		{Validationf("bad payload"), KindValidation},
		{NotFoundf("no such session"), KindNotFound},
		{Fatalf("checksum mismatch"), KindFatal},
		// Unclassified errors default to transient.
		{errors.New("socket closed"), KindTransient},
		// Classification survives wrapping.
		{fmt.Errorf("pull patients: %w", Fatalf("corrupt frame")), KindFatal},
		{fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", NotFoundf("gone"))), KindNotFound},
	}
	for _, tc := range testCases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v): got %s want %s", tc.err, got, tc.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(nil) {
		t.Errorf("nil error should not be transient")
	}
	if !IsTransient(errors.New("unclassified")) {
		t.Errorf("unclassified errors should be transient")
	}
	if IsTransient(Validationf("nope")) {
		t.Errorf("validation errors should not be transient")
	}
}

func TestToHandlerError(t *testing.T) {
	testCases := []struct {
		err        error
		wantStatus int
	}{
		{DeviceBusy("tablet-1"), 409},
		{Validationf("bad request"), 400},
		{NotFoundf("missing"), 404},
		{Transientf("flaky"), 500},
		{Fatalf("corrupt"), 500},
		{errors.New("unclassified"), 500},
	}
	for _, tc := range testCases {
		he := ToHandlerError(tc.err)
		if he.StatusCode != tc.wantStatus {
			t.Errorf("ToHandlerError(%v): got %d want %d", tc.err, he.StatusCode, tc.wantStatus)
		}
	}

	// An existing HandlerError passes through unchanged.
	orig := &HandlerError{StatusCode: 418, Err: errors.New("teapot")}
	if got := ToHandlerError(fmt.Errorf("wrapped: %w", orig)); got != orig {
		t.Errorf("wrapped HandlerError not extracted: got %+v", got)
	}
}

func TestHandlerErrorJSON(t *testing.T) {
	he := HandlerError{StatusCode: 400, Err: errors.New("bad input")}
	want := `{"error":"HTTP 400 : bad input"}`
	if got := string(he.JSON()); got != want {
		t.Errorf("got %s want %s", got, want)
	}
}

func TestAssertion(t *testing.T) {
	os.Setenv("FIELDSYNC_DEBUG", "1")
	shouldPanic := true
	shouldNotPanic := false

	try(t, shouldNotPanic, func() {
		Assert("true does nothing", true)
	})
	try(t, shouldPanic, func() {
		Assert("false panics", false)
	})

	os.Setenv("FIELDSYNC_DEBUG", "0")
	try(t, shouldNotPanic, func() {
		Assert("true does nothing", true)
	})
	try(t, shouldNotPanic, func() {
		Assert("false does not panic if FIELDSYNC_DEBUG is not 1", false)
	})
}

func try(t *testing.T, shouldPanic bool, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		err := recover()
		if err != nil {
			if shouldPanic {
				return
			}
			t.Fatalf("panic: %s", err)
		} else {
			if shouldPanic {
				t.Fatalf("function did not panic")
			}
		}
	}()
	fn()
}
