package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreErrorWrapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{name: "archived task is a not found", err: ErrArchivedTaskNotFound, target: ErrNotFound, want: true},
		{name: "store error unwraps", err: NewStoreError("task", "save", ErrDuplicate), target: ErrDuplicate, want: true},
		{
			name:   "wrapped store error unwraps",
			err:    fmt.Errorf("archive: %w", NewStoreError("task", "load", ErrArchivedTaskNotFound)),
			target: ErrNotFound,
			want:   true,
		},
		{name: "unrelated", err: errors.New("boom"), target: ErrNotFound, want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestStoreErrorMessage(t *testing.T) {
	t.Parallel()
	err := NewStoreError("task", "save", errors.New("connection reset"))
	assert.Equal(t, "save task: connection reset", err.Error())
}
