package featureflags

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticReturnsFallback(t *testing.T) {
	ff := Static()
	require.True(t, ff.Enabled(context.Background(), CustomerMilestone, "user-1", true))
	require.False(t, ff.Enabled(context.Background(), StorefrontNote, "", false))
}
