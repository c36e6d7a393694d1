package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcExecutor adapts a function to the Executor interface.
type funcExecutor struct {
	typ string
	fn  func(ctx context.Context, ec ExecutionContext, config map[string]any) error
}

func (f *funcExecutor) Type() string { return f.typ }

func (f *funcExecutor) Execute(ctx context.Context, ec ExecutionContext, config map[string]any) error {
	return f.fn(ctx, ec, config)
}

type lifecycleExecutor struct {
	funcExecutor
	initErr    error
	cleanupErr error
	inits      int
	cleanups   int
}

func (l *lifecycleExecutor) Init(context.Context) error {
	l.inits++
	return l.initErr
}

func (l *lifecycleExecutor) Cleanup(context.Context) error {
	l.cleanups++
	return l.cleanupErr
}

func TestDefaultRegistry_HasBuiltins(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"condition", "delay", "http_request", "log", "merge", "set_variable"}, r.Types())
	for _, typ := range r.Types() {
		e, ok := r.Get(typ)
		require.True(t, ok)
		assert.Equal(t, typ, e.Type())
	}
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Has("custom"))

	first := &funcExecutor{typ: "custom"}
	second := &funcExecutor{typ: "custom"}
	r.Register(first)
	r.Register(second)

	got, ok := r.Get("custom")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Len(t, r.Types(), 1)
}

func TestRegistry_InitAllStopsAtFirstError(t *testing.T) {
	a := &lifecycleExecutor{funcExecutor: funcExecutor{typ: "a"}, initErr: errors.New("boom")}
	b := &lifecycleExecutor{funcExecutor: funcExecutor{typ: "b"}}
	r := NewRegistry()
	r.Register(a)
	r.Register(b)

	err := r.InitAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"a"`)
	assert.Equal(t, 1, a.inits)
	assert.Equal(t, 0, b.inits)
}

func TestRegistry_CleanupAllRunsEveryExecutor(t *testing.T) {
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	a := &lifecycleExecutor{funcExecutor: funcExecutor{typ: "a"}, cleanupErr: errA}
	b := &lifecycleExecutor{funcExecutor: funcExecutor{typ: "b"}, cleanupErr: errB}
	r := NewRegistry()
	r.Register(a)
	r.Register(b)
	r.Register(&funcExecutor{typ: "plain"})

	err := r.CleanupAll(context.Background())
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, 1, a.cleanups)
	assert.Equal(t, 1, b.cleanups)
}

func TestBuiltinCategory(t *testing.T) {
	tests := []struct {
		typ  string
		want NodeCategory
		ok   bool
	}{
		{TypeLog, CategoryAction, true},
		{TypeHTTPRequest, CategoryAction, true},
		{TypeDelay, CategoryAction, true},
		{TypeCondition, CategoryLogic, true},
		{TypeMerge, CategoryData, true},
		{TypeSetVariable, CategoryData, true},
		{"custom", "", false},
	}
	for _, tt := range tests {
		got, ok := BuiltinCategory(tt.typ)
		assert.Equal(t, tt.want, got, tt.typ)
		assert.Equal(t, tt.ok, ok, tt.typ)
	}
}
