package search_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/recallio/recall/internal/config"
	"github.com/recallio/recall/internal/plugin/route/search"
	"github.com/recallio/recall/internal/plugin/store/postgres"
	registrymigrate "github.com/recallio/recall/internal/registry/migrate"
	registrystore "github.com/recallio/recall/internal/registry/store"
	"github.com/recallio/recall/internal/testutil/testpg"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func setupSearchRouter(t *testing.T) *gin.Engine {
	t.Helper()

	dbURL := testpg.StartPostgres(t)

	cfg := config.DefaultConfig()
	cfg.DBURL = dbURL
	ctx := config.WithContext(context.Background(), &cfg)

	_ = postgres.ForceImport
	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("postgres")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := func(c *gin.Context) { c.Set("userID", "test-user"); c.Next() }
	search.MountRoutes(router, store, &cfg, auth, nil, nil)
	return router
}

func TestSearchQueryTooLong(t *testing.T) {
	router := setupSearchRouter(t)

	data, err := json.Marshal(map[string]any{"query": strings.Repeat("q", 1001)})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/search", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "validation_error", body["code"])
}
