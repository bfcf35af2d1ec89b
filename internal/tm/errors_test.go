package tm_test

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"tm-go/internal/tm"
)

func TestError(t *testing.T) {
	inner := &tm.Error{Kind: tm.KindIO, Op: "copying", Path: "/src/a.txt", Err: os.ErrPermission}
	wrapped := fmt.Errorf("backup: %w", inner)

	tests := []struct {
		name   string
		err    error
		kind   tm.ErrorKind
		is     []error
		isNot  []error
		expect string
	}{
		{
			name:   "io",
			err:    wrapped,
			kind:   tm.KindIO,
			is:     []error{tm.ErrIO, os.ErrPermission},
			isNot:  []error{tm.ErrValidation, tm.ErrCancelled},
			expect: "backup: copying: io /src/a.txt: permission denied",
		},
		{
			name:   "concurrency",
			err:    &tm.Error{Kind: tm.KindConcurrency, Op: "start", Err: tm.ErrAlreadyRunning},
			kind:   tm.KindConcurrency,
			is:     []error{tm.ErrConcurrency, tm.ErrAlreadyRunning},
			isNot:  []error{tm.ErrIO},
			expect: "start: concurrency: a backup run is already in progress",
		},
		{
			name:   "bare kind",
			err:    &tm.Error{Kind: tm.KindCancelled},
			kind:   tm.KindCancelled,
			is:     []error{tm.ErrCancelled},
			expect: "cancelled",
		},
		{
			name:  "unclassified",
			err:   errors.New("plain"),
			kind:  "",
			isNot: []error{tm.ErrIO, tm.ErrValidation, tm.ErrConcurrency, tm.ErrCancelled},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tm.KindOf(tt.err); got != tt.kind {
				t.Errorf("KindOf() = %q, want %q", got, tt.kind)
			}
			for _, target := range tt.is {
				if !errors.Is(tt.err, target) {
					t.Errorf("errors.Is(%v, %v) = false", tt.err, target)
				}
			}
			for _, target := range tt.isNot {
				if errors.Is(tt.err, target) {
					t.Errorf("errors.Is(%v, %v) = true", tt.err, target)
				}
			}
			if tt.expect != "" && tt.err.Error() != tt.expect {
				t.Errorf("Error() = %q, want %q", tt.err.Error(), tt.expect)
			}
		})
	}

	if tm.KindOf(nil) != "" || tm.IsCancelled(nil) {
		t.Error("nil error classified")
	}
}
