package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSyncError_Error(t *testing.T) {
	err := New(ErrCategoryDecode, CodeNoPulsesDetected, "trigger channel flat")
	expected := "[DECODE:NO_PULSES_DETECTED] trigger channel flat"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestSyncError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("short read")
	err := Wrap(ErrCategoryStorage, CodeDownloadFailed, "download failed", cause)
	expected := "[STORAGE:DOWNLOAD_FAILED] download failed: short read"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestSyncError_ForUnit(t *testing.T) {
	err := New(ErrCategoryDecode, CodeNoPulsesDetected, "trigger channel flat").ForUnit("20230119_session1", "imec0")
	expected := "[DECODE:NO_PULSES_DETECTED] (20230119_session1/imec0) trigger channel flat"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestSyncError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryRecord, CodeCorruptRecord, "bad record", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestSyncError_Is(t *testing.T) {
	err1 := New(ErrCategoryDecode, CodeNoPulsesDetected, "first")
	err2 := New(ErrCategoryDecode, CodeNoPulsesDetected, "second")
	err3 := New(ErrCategoryDecode, CodeNoFlashesDetected, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		category ErrorCategory
		code     string
		want     bool
	}{
		{ErrCategoryDecode, CodeCameraSyncMissing, true},
		{ErrCategoryDecode, CodeNoFlashesDetected, true},
		{ErrCategoryDecode, CodeNoPulsesDetected, false},
		{ErrCategoryRecord, CodeCorruptRecord, false},
		{ErrCategoryStorage, CodeDownloadFailed, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "x")
		if got := IsRecoverable(err); got != tt.want {
			t.Errorf("IsRecoverable(%s:%s) = %v, want %v", tt.category, tt.code, got, tt.want)
		}
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(ErrCategoryAlign, CodeTooFewEvents, "need two events"))
	if got := GetCategory(err); got != ErrCategoryAlign {
		t.Errorf("GetCategory = %q, want %q", got, ErrCategoryAlign)
	}
	if got := GetCode(err); got != CodeTooFewEvents {
		t.Errorf("GetCode = %q, want %q", got, CodeTooFewEvents)
	}

	if got := GetCategory(fmt.Errorf("plain")); got != "" {
		t.Errorf("GetCategory on plain error = %q, want empty", got)
	}
}
