package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oceanframework/ocean/internal/oceanerr"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "config error",
			err:  oceanerr.Config("missing credentials"),
			want: 1,
		},
		{
			name: "wrapped config error",
			err:  fmt.Errorf("loading settings: %w", oceanerr.Config("bad listener")),
			want: 1,
		},
		{
			name: "runtime failure",
			err:  oceanerr.New(oceanerr.KindInternal, "resync crashed"),
			want: 2,
		},
		{
			name: "plain error",
			err:  fmt.Errorf("something broke"),
			want: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
