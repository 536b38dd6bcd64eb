package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/timmy/mediamatch/internal/domain"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown bank", fmt.Errorf("bank x: %w", domain.ErrNotFound), exitUsage},
		{"bad line", fmt.Errorf("line 3: %w", domain.ErrFormat), exitUsage},
		{"interrupted", fmt.Errorf("load: %w", context.Canceled), exitInterrupt},
		{"storage", &domain.StorageError{Op: "insert", Err: errors.New("disk full")}, exitExternal},
		{"fetch", fmt.Errorf("%w: 503", domain.ErrFetchFailed), exitExternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
