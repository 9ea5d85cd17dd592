package entries_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/recallio/recall/internal/config"
	"github.com/recallio/recall/internal/plugin/route/conversations"
	"github.com/recallio/recall/internal/plugin/route/entries"
	"github.com/recallio/recall/internal/plugin/store/postgres"
	registrymigrate "github.com/recallio/recall/internal/registry/migrate"
	registrystore "github.com/recallio/recall/internal/registry/store"
	"github.com/recallio/recall/internal/testutil/testpg"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func setupEntriesRouter(t *testing.T) *gin.Engine {
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
	entries.MountRoutes(router, store, nil, auth)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createTestConversation(t *testing.T, router *gin.Engine) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/v1/conversations", map[string]any{"title": "limits"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var conv map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conv))
	id, _ := conv["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func requireValidationError(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "validation_error", body["code"])
}

func TestAppendMemoryEntryWithoutClientID(t *testing.T) {
	router := setupEntriesRouter(t)
	convID := createTestConversation(t, router)

	w := doJSON(t, router, http.MethodPost, "/v1/conversations/"+convID+"/entries", map[string]any{
		"channel":     "MEMORY",
		"contentType": "memory.v1",
		"content":     []map[string]any{{"type": "text", "text": "agent scratch"}},
	}, nil)
	requireValidationError(t, w)
}

func TestAppendEntryContentTypeTooLong(t *testing.T) {
	router := setupEntriesRouter(t)
	convID := createTestConversation(t, router)

	w := doJSON(t, router, http.MethodPost, "/v1/conversations/"+convID+"/entries", map[string]any{
		"contentType": strings.Repeat("x", 128),
		"content":     []map[string]any{{"type": "text", "text": "hi"}},
	}, nil)
	requireValidationError(t, w)
}

func TestAppendEntryIndexedContentTooLong(t *testing.T) {
	router := setupEntriesRouter(t)
	convID := createTestConversation(t, router)

	w := doJSON(t, router, http.MethodPost, "/v1/conversations/"+convID+"/entries", map[string]any{
		"contentType":    "note.v1",
		"content":        []map[string]any{{"type": "text", "text": "hi"}},
		"indexedContent": strings.Repeat("x", 100001),
	}, nil)
	requireValidationError(t, w)
}

func TestAppendEntryClientIDTooLong(t *testing.T) {
	router := setupEntriesRouter(t)
	convID := createTestConversation(t, router)

	w := doJSON(t, router, http.MethodPost, "/v1/conversations/"+convID+"/entries", map[string]any{
		"channel":     "MEMORY",
		"contentType": "memory.v1",
		"content":     []map[string]any{{"type": "text", "text": "agent scratch"}},
	}, map[string]string{"X-Client-ID": strings.Repeat("c", 256)})
	requireValidationError(t, w)
}

func TestSyncMemoryFieldLimits(t *testing.T) {
	router := setupEntriesRouter(t)
	convID := createTestConversation(t, router)

	t.Run("client id too long", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/v1/conversations/"+convID+"/entries/sync", map[string]any{
			"contentType": "memory.v1",
			"content":     []map[string]any{{"type": "text", "text": "fact"}},
		}, map[string]string{"X-Client-ID": strings.Repeat("c", 256)})
		requireValidationError(t, w)
	})

	t.Run("content type too long", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/v1/conversations/"+convID+"/entries/sync", map[string]any{
			"contentType": strings.Repeat("x", 128),
			"content":     []map[string]any{{"type": "text", "text": "fact"}},
		}, map[string]string{"X-Client-ID": "agent-1"})
		requireValidationError(t, w)
	})
}
