package pipeline

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"transient", Transientf("feed fetch", "503 service unavailable"), ClassTransient},
		{"permanent", Permanentf("completion", "400 bad request"), ClassPermanent},
		{"budget", fmt.Errorf("service cms: %w", ErrBudgetExceeded), ClassBudget},
		{"duplicate", ErrDuplicate, ClassDuplicate},
		{"integrity", &IntegrityError{Op: "set publication", Err: errors.New("unique violation")}, ClassIntegrity},
		{"unknown defaults to transient", errors.New("connection reset"), ClassTransient},
		{"wrapped transient", fmt.Errorf("stage: %w", Transientf("cms publish", "timeout")), ClassTransient},
		{"wrapped permanent", fmt.Errorf("stage: %w", Permanentf("cms publish", "422")), ClassPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	if !errors.Is(&TransientError{Op: "x", Err: inner}, inner) {
		t.Error("TransientError should unwrap to the inner error")
	}
	if !errors.Is(&PermanentError{Op: "x", Err: inner}, inner) {
		t.Error("PermanentError should unwrap to the inner error")
	}
}
