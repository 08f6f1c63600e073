package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_NameIsVisibleInContext(t *testing.T) {
	got := make(chan string, 1)

	Go(context.Background(), "worker-42", func(ctx context.Context) {
		got <- GetName(ctx)
	})

	select {
	case name := <-got:
		assert.Equal(t, "worker-42", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGo_RecoversPanic(t *testing.T) {
	recovered := make(chan any, 1)

	orig := PanicHandler
	PanicHandler = func(name string, r any) {
		assert.Equal(t, "boom", name)
		recovered <- r
	}
	t.Cleanup(func() { PanicHandler = orig })

	//nolint:staticcheck // nil parent falls back to Background
	Go(nil, "boom", func(ctx context.Context) {
		panic("kaboom")
	})

	select {
	case r := <-recovered:
		require.Equal(t, "kaboom", r)
	case <-time.After(time.Second):
		t.Fatal("panic was not recovered")
	}
}

func TestGetName_Empty(t *testing.T) {
	assert.Empty(t, GetName(context.Background()))
	//nolint:staticcheck
	assert.Empty(t, GetName(nil))
}
