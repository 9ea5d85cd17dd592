package postgres

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestTruncateHighlight(t *testing.T) {
	t.Run("short strings pass through", func(t *testing.T) {
		require.Equal(t, "hello", truncateHighlight("hello", 200))
	})

	t.Run("long ascii cuts at the limit", func(t *testing.T) {
		got := truncateHighlight(strings.Repeat("a", 300), 200)
		require.Equal(t, strings.Repeat("a", 200)+"...", got)
	})

	t.Run("multi-byte rune at the boundary stays whole", func(t *testing.T) {
		// 199 ascii bytes then a three-byte rune straddling the 200-byte cut.
		s := strings.Repeat("a", 199) + "€€€"
		got := truncateHighlight(s, 200)
		require.True(t, utf8.ValidString(got))
		require.Equal(t, strings.Repeat("a", 199)+"...", got)
	})
}
