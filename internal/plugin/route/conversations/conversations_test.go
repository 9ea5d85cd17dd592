package conversations_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/recallio/recall/internal/config"
	"github.com/recallio/recall/internal/plugin/route/conversations"
	"github.com/recallio/recall/internal/plugin/store/postgres"
	registrymigrate "github.com/recallio/recall/internal/registry/migrate"
	registrystore "github.com/recallio/recall/internal/registry/store"
	"github.com/recallio/recall/internal/testutil/testpg"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func setupConversationsRouter(t *testing.T) *gin.Engine {
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
	conversations.MountRoutes(router, store, auth)
	return router
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func requireValidationError(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "validation_error", body["code"])
}

func TestCreateConversationMetadataTooManyKeys(t *testing.T) {
	router := setupConversationsRouter(t)

	metadata := map[string]any{}
	for i := 0; i < 51; i++ {
		metadata[fmt.Sprintf("key-%d", i)] = "v"
	}
	w := postJSON(t, router, "/v1/conversations", map[string]any{
		"title":    "over the key cap",
		"metadata": metadata,
	})
	requireValidationError(t, w)
}

func TestCreateConversationMetadataTooLarge(t *testing.T) {
	router := setupConversationsRouter(t)

	w := postJSON(t, router, "/v1/conversations", map[string]any{
		"title":    "over the byte cap",
		"metadata": map[string]any{"blob": strings.Repeat("x", 17*1024)},
	})
	requireValidationError(t, w)
}

func TestUpdateConversationMetadataTooManyKeys(t *testing.T) {
	router := setupConversationsRouter(t)

	created := postJSON(t, router, "/v1/conversations", map[string]any{"title": "patch target"})
	require.Equal(t, http.StatusCreated, created.Code)
	var conv map[string]any
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &conv))
	id, _ := conv["id"].(string)
	require.NotEmpty(t, id)

	metadata := map[string]any{}
	for i := 0; i < 51; i++ {
		metadata[fmt.Sprintf("key-%d", i)] = "v"
	}
	data, err := json.Marshal(map[string]any{"metadata": metadata})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPatch, "/v1/conversations/"+id, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	requireValidationError(t, w)
}

func TestCreateConversationTitleTooLong(t *testing.T) {
	router := setupConversationsRouter(t)

	w := postJSON(t, router, "/v1/conversations", map[string]any{
		"title": strings.Repeat("t", 501),
	})
	requireValidationError(t, w)
}
