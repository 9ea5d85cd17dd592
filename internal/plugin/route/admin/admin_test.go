package admin

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestQueryLimitClampsPageSize(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		raw  string
		want int
	}{
		{"", 20},
		{"0", 20},
		{"-1", 20},
		{"500", 500},
		{"1000", 1000},
		{"100000", 1000},
		{"garbage", 20},
	}
	for _, tc := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest("GET", "/v1/admin/conversations?limit="+tc.raw, nil)
		require.Equal(t, tc.want, queryLimit(c, 20), "limit=%q", tc.raw)
	}
}
