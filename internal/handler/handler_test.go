package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxforge/taskengine/internal/task"
)

func TestRegistryResolvesByFirstMatchingTag(t *testing.T) {
	r := NewRegistry()
	var calledA, calledB bool
	r.Register("a", func(ctx context.Context, t *task.Task) (Outcome, error) {
		calledA = true
		return Outcome{Success: true}, nil
	})
	r.Register("b", func(ctx context.Context, t *task.Task) (Outcome, error) {
		calledB = true
		return Outcome{Success: true}, nil
	})

	tk := task.New("x")
	tk.Tags = []string{"b", "a"}
	h, err := r.Resolve(tk)
	require.NoError(t, err)
	_, err = h(context.Background(), tk)
	require.NoError(t, err)
	require.True(t, calledB)
	require.False(t, calledA)
}

func TestRegistryFallsBackWhenNoTagMatches(t *testing.T) {
	r := NewRegistry()
	r.SetFallback(func(ctx context.Context, t *task.Task) (Outcome, error) {
		return Outcome{Success: true, Details: map[string]interface{}{"fallback": true}}, nil
	})
	tk := task.New("x")
	h, err := r.Resolve(tk)
	require.NoError(t, err)
	out, err := h(context.Background(), tk)
	require.NoError(t, err)
	require.True(t, out.Details["fallback"].(bool))
}

func TestRegistryNoHandlerError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve(task.New("x"))
	require.ErrorIs(t, err, ErrNoHandler)
}

func TestShadowSkipsUnderlyingHandlerOnDryRun(t *testing.T) {
	var invoked bool
	h := Shadow(func(ctx context.Context, t *task.Task) (Outcome, error) {
		invoked = true
		return Outcome{Success: false}, nil
	})

	tk := task.New("x")
	tk.DryRun = true
	out, err := h(context.Background(), tk)
	require.NoError(t, err)
	require.True(t, out.Success)
	require.False(t, invoked)
}

func TestShadowPassesThroughWhenNotDryRun(t *testing.T) {
	var invoked bool
	h := Shadow(func(ctx context.Context, t *task.Task) (Outcome, error) {
		invoked = true
		return Outcome{Success: true}, nil
	})
	_, err := h(context.Background(), task.New("x"))
	require.NoError(t, err)
	require.True(t, invoked)
}
