package status

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	if got := CodeOf(nil); got != CodeOK {
		t.Fatalf("CodeOf(nil) = %v", got)
	}
	if got := CodeOf(NotFoundf("no session %d", 7)); got != CodeNotFound {
		t.Fatalf("expected not_found got %v", got)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Fatalf("untagged error should map to internal, got %v", got)
	}
}

func TestIsHelpersSeeThroughWrapping(t *testing.T) {
	base := InvalidArgumentf("empty inputs")
	wrapped := fmt.Errorf("adding prefill task: %w", base)
	if !IsInvalidArgument(wrapped) {
		t.Fatalf("IsInvalidArgument should unwrap %v", wrapped)
	}
	if IsCancelled(wrapped) {
		t.Fatalf("wrong code matched")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(CodeInternal, nil, "x") != nil {
		t.Fatalf("Wrap(nil) must be nil")
	}
}

func TestCancelledWithDetails(t *testing.T) {
	err := CancelledWith(CancelDetails{
		ReasonCode: "PREFILL_TASK_CANCELLED_STATE",
		Origin:     "scheduler",
		SessionID:  3,
		IsPrefill:  true,
	})
	if !IsCancelled(err) {
		t.Fatalf("expected cancelled")
	}
	var tagged *Error
	if !errors.As(err, &tagged) || tagged.Cancel == nil {
		t.Fatalf("expected structured details")
	}
	if tagged.Cancel.SessionID != 3 || !tagged.Cancel.IsPrefill || tagged.Cancel.IsDecode {
		t.Fatalf("details mismatch: %+v", tagged.Cancel)
	}
}
