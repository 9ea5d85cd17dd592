package conversations

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/recallio/recall/internal/model"
	"github.com/recallio/recall/internal/plugin/route/apierror"
	registrystore "github.com/recallio/recall/internal/registry/store"
	"github.com/recallio/recall/internal/security"
)

// maxTitleLength bounds conversation titles before encryption.
const maxTitleLength = 500

// Metadata and pagination limits for user-facing conversation routes.
const (
	maxMetadataKeys  = 50
	maxMetadataBytes = 16 * 1024
	maxListLimit     = 200
)

// validateMetadata bounds the key count and the serialized size of a
// metadata map. Responds with a validation error and returns false when the
// map is over either limit.
func validateMetadata(c *gin.Context, metadata map[string]interface{}) bool {
	if len(metadata) > maxMetadataKeys {
		apierror.Validation(c, "metadata", "metadata exceeds maximum key count")
		return false
	}
	if len(metadata) > 0 {
		if data, err := json.Marshal(metadata); err == nil && len(data) > maxMetadataBytes {
			apierror.Validation(c, "metadata", "metadata exceeds maximum size")
			return false
		}
	}
	return true
}

// MountRoutes mounts conversation routes. Called after store initialization
// so the store is available.
func MountRoutes(r *gin.Engine, store registrystore.MemoryStore, auth gin.HandlerFunc) {
	clientID := security.ClientIDMiddleware()

	g := r.Group("/v1", auth, clientID)

	g.GET("/conversations", func(c *gin.Context) {
		listConversations(c, store)
	})
	g.POST("/conversations", func(c *gin.Context) {
		createConversation(c, store)
	})
	g.GET("/conversations/:conversationId", func(c *gin.Context) {
		getConversation(c, store)
	})
	g.PATCH("/conversations/:conversationId", func(c *gin.Context) {
		updateConversation(c, store)
	})
	g.DELETE("/conversations/:conversationId", func(c *gin.Context) {
		deleteConversation(c, store)
	})
	g.GET("/conversations/:conversationId/forks", func(c *gin.Context) {
		listForks(c, store)
	})
	g.POST("/conversations/:conversationId/forks", func(c *gin.Context) {
		createFork(c, store)
	})
}

func listConversations(c *gin.Context, store registrystore.MemoryStore) {
	userID := security.GetUserID(c)

	mode := model.ConversationListMode(strings.TrimSpace(strings.ToLower(c.DefaultQuery("mode", string(model.ListModeLatestFork)))))
	switch mode {
	case model.ListModeAll, model.ListModeRoots, model.ListModeLatestFork:
	default:
		apierror.Validation(c, "mode", "expected all, roots, or latest-fork")
		return
	}

	afterCursor := queryPtr(c, "afterCursor")
	limit := clampLimit(queryInt(c, "limit", 20), 20, maxListLimit)
	query := queryPtr(c, "query")

	summaries, cursor, err := store.ListConversations(c.Request.Context(), userID, query, afterCursor, limit, mode)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summaries, "afterCursor": cursor})
}

func createConversation(c *gin.Context, store registrystore.MemoryStore) {
	userID := security.GetUserID(c)
	var req struct {
		Title                  string                 `json:"title"`
		Metadata               map[string]interface{} `json:"metadata"`
		ForkedAtConversationId *uuid.UUID             `json:"forkedAtConversationId"`
		ForkedAtEntryId        *uuid.UUID             `json:"forkedAtEntryId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Validation(c, "body", err.Error())
		return
	}
	if len(req.Title) > maxTitleLength {
		apierror.Validation(c, "title", "title exceeds maximum length")
		return
	}
	if !validateMetadata(c, req.Metadata) {
		return
	}

	// Fork pointers in the create body are the legacy spelling of
	// POST /conversations/{id}/forks. Both pointers travel together.
	if req.ForkedAtConversationId != nil || req.ForkedAtEntryId != nil {
		if req.ForkedAtConversationId == nil || req.ForkedAtEntryId == nil {
			apierror.Validation(c, "forkedAtEntryId", "forkedAtConversationId and forkedAtEntryId are both required to fork")
			return
		}
		conv, err := store.CreateFork(c.Request.Context(), userID, *req.ForkedAtConversationId, *req.ForkedAtEntryId, req.Metadata)
		if err != nil {
			apierror.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, conv)
		return
	}

	conv, err := store.CreateConversation(c.Request.Context(), userID, req.Title, req.Metadata)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func getConversation(c *gin.Context, store registrystore.MemoryStore) {
	userID := security.GetUserID(c)
	convID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation not found"})
		return
	}

	conv, err := store.GetConversation(c.Request.Context(), userID, convID)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func updateConversation(c *gin.Context, store registrystore.MemoryStore) {
	userID := security.GetUserID(c)
	convID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation not found"})
		return
	}

	// Raw map so "title": null (clear) is distinguishable from title absent
	// (keep).
	var raw map[string]json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil {
		apierror.Validation(c, "body", err.Error())
		return
	}
	var title *string
	if data, ok := raw["title"]; ok {
		trimmed := bytes.TrimSpace(data)
		if bytes.Equal(trimmed, []byte("null")) {
			empty := ""
			title = &empty
		} else {
			var value string
			if err := json.Unmarshal(data, &value); err != nil {
				apierror.Validation(c, "title", "invalid title")
				return
			}
			if len(value) > maxTitleLength {
				apierror.Validation(c, "title", "title exceeds maximum length")
				return
			}
			title = &value
		}
	}
	var metadata map[string]interface{}
	if data, ok := raw["metadata"]; ok {
		if err := json.Unmarshal(data, &metadata); err != nil {
			apierror.Validation(c, "metadata", "invalid metadata")
			return
		}
		if !validateMetadata(c, metadata) {
			return
		}
	}

	conv, err := store.UpdateConversation(c.Request.Context(), userID, convID, title, metadata)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func deleteConversation(c *gin.Context, store registrystore.MemoryStore) {
	userID := security.GetUserID(c)
	convID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation not found"})
		return
	}

	if err := store.DeleteConversation(c.Request.Context(), userID, convID); err != nil {
		apierror.Respond(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func listForks(c *gin.Context, store registrystore.MemoryStore) {
	userID := security.GetUserID(c)
	convID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation not found"})
		return
	}

	afterCursor := queryPtr(c, "afterCursor")
	limit := clampLimit(queryInt(c, "limit", 20), 20, maxListLimit)

	forks, cursor, err := store.ListForks(c.Request.Context(), userID, convID, afterCursor, limit)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": forks, "afterCursor": cursor})
}

// createFork forks the conversation at a history entry. The fork joins the
// parent's group and inherits entries up to, but not including, the entry.
func createFork(c *gin.Context, store registrystore.MemoryStore) {
	userID := security.GetUserID(c)
	convID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation not found"})
		return
	}

	var req struct {
		EntryID  *uuid.UUID             `json:"entryId"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Validation(c, "body", err.Error())
		return
	}
	if req.EntryID == nil {
		apierror.Validation(c, "entryId", "entryId is required")
		return
	}
	if !validateMetadata(c, req.Metadata) {
		return
	}

	conv, err := store.CreateFork(c.Request.Context(), userID, convID, *req.EntryID, req.Metadata)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func queryPtr(c *gin.Context, key string) *string {
	v := c.Query(key)
	if v == "" {
		return nil
	}
	return &v
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// clampLimit keeps a caller-supplied page size within (0, max].
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
