package groutine

import (
	"context"
	"runtime/pprof"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_NamesGoroutine(t *testing.T) {
	type seen struct {
		name  string
		label string
	}
	done := make(chan seen, 1)

	Go(nil, "worker-42", func(ctx context.Context) { //nolint:staticcheck // nil parent is part of the contract
		label, _ := pprof.Label(ctx, "goroutine_name")
		done <- seen{name: Name(ctx), label: label}
	})

	select {
	case got := <-done:
		assert.Equal(t, "worker-42", got.name)
		assert.Equal(t, "worker-42", got.label)
	case <-time.After(time.Second):
		require.FailNow(t, "goroutine MUST run")
	}
}

func TestName_Empty(t *testing.T) {
	assert.Equal(t, "", Name(context.Background()))
	assert.Equal(t, "", Name(nil)) //nolint:staticcheck
}
