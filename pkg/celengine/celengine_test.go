package celengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	e, err := New(Int("patients"), Double("total_sales"))
	require.NoError(t, err)

	ok, err := e.Evaluate("patients >= 10 && total_sales >= 1000.0", map[string]any{
		"patients":    int64(12),
		"total_sales": 2500.5,
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.Evaluate("patients >= 10 && total_sales >= 1000.0", map[string]any{
		"patients":    int64(3),
		"total_sales": 2500.5,
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestValidate(t *testing.T) {
	e, err := New(Int("patients"))
	require.NoError(t, err)

	require.NoError(t, e.Validate("patients > 1"))
	require.Error(t, e.Validate("patients + 1"))
	require.Error(t, e.Validate("unknown > 1"))
}
