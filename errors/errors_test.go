package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Formatting(t *testing.T) {
	base := stderrors.New("boom")

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "op only",
			err:  NewError("checkpoint", base),
			want: "uploadq.checkpoint: boom",
		},
		{
			name: "with item",
			err:  NewItemError("transfer", "item-1", base),
			want: "uploadq.transfer item item-1: boom",
		},
		{
			name: "with destination",
			err:  NewError("transfer", base).WithDest("/docs"),
			want: "uploadq.transfer dest /docs: boom",
		},
		{
			name: "with item and destination",
			err:  NewItemError("transfer", "item-1", base).WithDest("/docs"),
			want: "uploadq.transfer item-1 -> /docs: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	err := NewItemError("transfer", "item-1", ErrConflict).WithMessage("report.pdf taken")

	assert.True(t, stderrors.Is(err, ErrConflict))
	assert.Contains(t, err.Error(), "report.pdf taken")
}

func TestHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{name: "conflict sentinel", err: ErrConflict, check: IsConflict, want: true},
		{name: "wrapped conflict", err: fmt.Errorf("put: %w", ErrConflict), check: IsConflict, want: true},
		{name: "unauthorized is fatal", err: ErrUnauthorized, check: IsFatal, want: true},
		{name: "quota is fatal", err: ErrQuotaExceeded, check: IsFatal, want: true},
		{name: "plain error is not fatal", err: stderrors.New("net down"), check: IsFatal, want: false},
		{name: "canceled", err: NewError("transfer", ErrCanceled), check: IsCanceled, want: true},
		{name: "session expired", err: NewError("transfer", ErrSessionExpired), check: IsSessionExpired, want: true},
		{name: "conflict is not fatal", err: ErrConflict, check: IsFatal, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}
