package conversations

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClampLimit(t *testing.T) {
	require.Equal(t, 20, clampLimit(0, 20, 200))
	require.Equal(t, 20, clampLimit(-5, 20, 200))
	require.Equal(t, 50, clampLimit(50, 20, 200))
	require.Equal(t, 200, clampLimit(200, 20, 200))
	require.Equal(t, 200, clampLimit(5000, 20, 200))
}
