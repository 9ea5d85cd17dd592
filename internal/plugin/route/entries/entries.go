package entries

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/recallio/recall/internal/model"
	"github.com/recallio/recall/internal/plugin/route/apierror"
	registrystore "github.com/recallio/recall/internal/registry/store"
	"github.com/recallio/recall/internal/security"
	"github.com/recallio/recall/internal/service"
)

// Request field limits enforced before anything reaches the store.
const (
	maxContentElements      = 1000
	maxContentTypeLength    = 127
	maxIndexedContentLength = 100000
	maxClientIDLength       = 255
	maxListLimit            = 200
)

// MountRoutes mounts entry routes. indexer may be nil when vector indexing
// is disabled; entries are then written with indexedAt left NULL.
func MountRoutes(r *gin.Engine, store registrystore.MemoryStore, indexer *service.Indexer, auth gin.HandlerFunc) {
	clientID := security.ClientIDMiddleware()

	g := r.Group("/v1", auth, clientID)

	g.GET("/conversations/:conversationId/entries", func(c *gin.Context) {
		listEntries(c, store)
	})
	g.POST("/conversations/:conversationId/entries", func(c *gin.Context) {
		appendEntry(c, store, indexer)
	})
	g.POST("/conversations/:conversationId/entries/sync", func(c *gin.Context) {
		syncMemory(c, store)
	})
}

func listEntries(c *gin.Context, store registrystore.MemoryStore) {
	userID := security.GetUserID(c)
	convID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation not found"})
		return
	}

	afterCursor := queryPtr(c, "afterCursor")
	limit := queryInt(c, "limit", 50)
	if limit <= 0 {
		limit = 50
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	clientIDParam := queryPtr(c, "clientId")
	if clientIDParam == nil {
		if clientID := security.GetClientID(c); clientID != "" {
			clientIDParam = &clientID
		}
	}
	if clientIDParam != nil && len(*clientIDParam) > maxClientIDLength {
		apierror.Validation(c, "clientId", "clientId exceeds maximum length")
		return
	}

	// Determine channel filter.
	var channelPtr *model.Channel
	channelQueryRaw := strings.TrimSpace(strings.ToLower(c.Query("channel")))
	if channelQueryRaw != "" {
		switch model.Channel(channelQueryRaw) {
		case model.ChannelHistory, model.ChannelMemory:
			ch := model.Channel(channelQueryRaw)
			channelPtr = &ch
		default:
			apierror.Validation(c, "channel", fmt.Sprintf("unknown channel %q", channelQueryRaw))
			return
		}
	}

	// Without a channel or a client id the caller is a plain user reading the
	// transcript; default to history. Agents (client id present) see all
	// channels unless they filter.
	if channelPtr == nil && clientIDParam == nil {
		ch := model.ChannelHistory
		channelPtr = &ch
	}

	// Memory channel access is client-scoped; without a client id, force to history.
	if channelPtr != nil && *channelPtr == model.ChannelMemory && clientIDParam == nil {
		ch := model.ChannelHistory
		channelPtr = &ch
	}

	forks, err := parseForkMode(c.DefaultQuery("forks", "none"))
	if err != nil {
		apierror.Validation(c, "forks", err.Error())
		return
	}

	var epochFilter *registrystore.MemoryEpochFilter
	if channelPtr != nil && *channelPtr == model.ChannelMemory {
		filter, err := registrystore.ParseMemoryEpochFilter(c.Query("epoch"))
		if err != nil {
			apierror.Validation(c, "epoch", err.Error())
			return
		}
		epochFilter = filter
	}

	result, err := store.GetEntries(c.Request.Context(), userID, convID, afterCursor, limit, channelPtr, epochFilter, clientIDParam, forks)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result.Data, "afterCursor": result.AfterCursor})
}

func parseForkMode(raw string) (model.ForkMode, error) {
	switch mode := model.ForkMode(strings.TrimSpace(strings.ToLower(raw))); mode {
	case model.ForkModeNone, model.ForkModeAll, model.ForkModeLatest:
		return mode, nil
	default:
		return "", fmt.Errorf("invalid forks mode %q; expected none, all, or latest", raw)
	}
}

func appendEntry(c *gin.Context, store registrystore.MemoryStore, indexer *service.Indexer) {
	userID := security.GetUserID(c)
	convID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation not found"})
		return
	}

	var req struct {
		Entries []registrystore.CreateEntryRequest `json:"entries"`
		// Single entry mode
		Content        json.RawMessage `json:"content"`
		ContentType    string          `json:"contentType"`
		Channel        string          `json:"channel"`
		Epoch          *int64          `json:"epoch"`
		IndexedContent *string         `json:"indexedContent,omitempty"`
		UserID         *string         `json:"userId,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Validation(c, "body", err.Error())
		return
	}

	entries := req.Entries
	if len(entries) == 0 && len(req.Content) > 0 {
		entries = []registrystore.CreateEntryRequest{{
			Content:        req.Content,
			ContentType:    req.ContentType,
			Channel:        req.Channel,
			IndexedContent: req.IndexedContent,
		}}
	}
	if len(entries) == 0 {
		apierror.Validation(c, "entries", "at least one entry required")
		return
	}

	// userId is accepted in the body for compatibility but must name the caller.
	if req.UserID != nil && *req.UserID != "" && *req.UserID != userID {
		apierror.Validation(c, "userId", "userId does not match the authenticated user")
		return
	}

	// Track which entries had an explicit channel (for validation scoping).
	explicitChannel := make([]bool, len(entries))
	for i := range entries {
		explicitChannel[i] = strings.TrimSpace(entries[i].Channel) != ""
		if !explicitChannel[i] {
			entries[i].Channel = string(model.ChannelHistory)
		}
	}

	clientID := queryPtr(c, "clientId")
	if clientID == nil {
		cid := security.GetClientID(c)
		if cid != "" {
			clientID = &cid
		}
	}
	if clientID != nil && len(*clientID) > maxClientIDLength {
		apierror.Validation(c, "clientId", "clientId exceeds maximum length")
		return
	}

	// Validate each entry before calling store.
	for i, entry := range entries {
		var contentElements []json.RawMessage
		if json.Unmarshal(entry.Content, &contentElements) == nil && len(contentElements) > maxContentElements {
			apierror.Validation(c, "content", fmt.Sprintf("content array exceeds maximum of %d elements (got %d)", maxContentElements, len(contentElements)))
			return
		}

		ch := model.Channel(strings.ToLower(entry.Channel))

		// Memory channel requires a client id. A missing one is a malformed
		// request, not a permission failure.
		if ch == model.ChannelMemory && clientID == nil {
			apierror.Validation(c, "clientId", "clientId is required for memory channel")
			return
		}

		// Memory channel cannot have indexedContent.
		if ch == model.ChannelMemory && entry.IndexedContent != nil {
			apierror.Validation(c, "indexedContent", "indexedContent is only allowed on history channel")
			return
		}
		if entry.IndexedContent != nil && len(*entry.IndexedContent) > maxIndexedContentLength {
			apierror.Validation(c, "indexedContent", "indexedContent exceeds maximum length")
			return
		}

		if strings.TrimSpace(entry.ContentType) == "" {
			apierror.Validation(c, "contentType", "contentType is required")
			return
		}
		if len(entry.ContentType) > maxContentTypeLength {
			apierror.Validation(c, "contentType", "contentType exceeds maximum length")
			return
		}

		// Strict history validation applies only when the channel was named
		// explicitly; entries that defaulted to history keep whatever
		// contentType the client sent.
		if ch == model.ChannelHistory && explicitChannel[i] {
			if err := validateHistoryEntry(entry); err != nil {
				apierror.Validation(c, "content", err.Error())
				return
			}
		}
	}

	// Resolve attachmentId references in content before creating entries.
	// This replaces attachmentId with href and tracks attachment IDs to link after creation.
	type pendingLink struct {
		attachmentID uuid.UUID
		entryIndex   int
	}
	var pendingLinks []pendingLink

	for i, entry := range entries {
		ch := model.Channel(strings.ToLower(entry.Channel))
		if ch != model.ChannelHistory {
			continue
		}
		modified, links, err := resolveAttachmentRefs(c.Request.Context(), store, userID, convID, entry.Content)
		if err != nil {
			apierror.Respond(c, err)
			return
		}
		if modified != nil {
			entries[i].Content = modified
		}
		for _, id := range links {
			pendingLinks = append(pendingLinks, pendingLink{attachmentID: id, entryIndex: i})
		}
	}

	result, err := store.AppendEntries(c.Request.Context(), userID, convID, entries, clientID, req.Epoch)
	if err != nil {
		apierror.Respond(c, err)
		return
	}

	// Link attachments to created entries by updating entry_id.
	for _, link := range pendingLinks {
		if link.entryIndex < len(result) {
			entryID := result[link.entryIndex].ID
			store.UpdateAttachment(c.Request.Context(), userID, link.attachmentID, registrystore.AttachmentUpdate{
				EntryID: &entryID,
			})
		}
	}

	indexCreated(c.Request.Context(), indexer, result)

	if len(result) == 1 {
		c.JSON(http.StatusCreated, result[0])
	} else {
		c.JSON(http.StatusCreated, result)
	}
}

// indexCreated embeds and upserts the new entries' indexedContent inline.
// A failure never fails the append: the rows keep indexedAt NULL and the
// singleton retry task picks them up.
func indexCreated(ctx context.Context, indexer *service.Indexer, created []model.Entry) {
	if indexer == nil || !indexer.Enabled() {
		return
	}
	pending := false
	for _, e := range created {
		if e.IndexedContent != nil && *e.IndexedContent != "" {
			pending = true
			break
		}
	}
	if !pending {
		return
	}
	if _, err := indexer.IndexEntries(ctx, created); err != nil {
		log.Error("Entries: inline vector indexing failed", "err", err)
		if err := indexer.EnqueueRetry(ctx); err != nil {
			log.Error("Entries: could not enqueue index retry task", "err", err)
		}
	}
}

// validateHistoryEntry validates content structure for history channel entries.
func validateHistoryEntry(entry registrystore.CreateEntryRequest) error {
	// ContentType must be "history" or "history/<subtype>".
	ct := strings.ToLower(strings.TrimSpace(entry.ContentType))
	if ct != "history" && !strings.HasPrefix(ct, "history/") {
		return fmt.Errorf("History channel entries must use 'history' or 'history/<subtype>' as the contentType")
	}

	// Parse content as JSON array.
	var contentArr []json.RawMessage
	if err := json.Unmarshal(entry.Content, &contentArr); err != nil {
		return fmt.Errorf("History channel content must be a JSON array")
	}

	// Must have exactly 1 content object.
	if len(contentArr) != 1 {
		return fmt.Errorf("History channel entries must contain exactly 1 content object")
	}

	// Parse the single content object.
	var obj map[string]any
	if err := json.Unmarshal(contentArr[0], &obj); err != nil {
		return fmt.Errorf("History channel content[0] must be a JSON object")
	}

	// Must have text, events, or attachments.
	_, hasText := obj["text"]
	_, hasEvents := obj["events"]
	_, hasAttachments := obj["attachments"]
	if !hasText && !hasEvents && !hasAttachments {
		return fmt.Errorf("History channel content must have at least one of 'text', 'events', or 'attachments'")
	}

	// Validate role if present.
	if roleVal, ok := obj["role"]; ok {
		role, _ := roleVal.(string)
		role = strings.ToUpper(role)
		if role != "USER" && role != "AI" && role != "SYSTEM" {
			return fmt.Errorf("History channel content must have a 'role' field with value 'USER' or 'AI'")
		}
	}

	// Validate attachments if present.
	if hasAttachments {
		attachRaw, ok := obj["attachments"]
		if !ok {
			return nil
		}

		attachJSON, err := json.Marshal(attachRaw)
		if err != nil {
			return fmt.Errorf("History channel 'attachments' field must be an array")
		}

		var attachments []json.RawMessage
		if err := json.Unmarshal(attachJSON, &attachments); err != nil {
			return fmt.Errorf("History channel 'attachments' field must be an array")
		}

		for i, raw := range attachments {
			var att map[string]any
			if err := json.Unmarshal(raw, &att); err != nil {
				return fmt.Errorf("History channel attachment at index %d must be a JSON object", i)
			}

			_, hasHref := att["href"]
			_, hasAttachmentID := att["attachmentId"]
			if !hasHref && !hasAttachmentID {
				return fmt.Errorf("History channel attachment at index %d must have an 'href' or 'attachmentId' field", i)
			}

			// contentType is required for href attachments, optional for attachmentId
			// (it's already stored on the attachment record)
			if hasHref {
				if _, hasCT := att["contentType"]; !hasCT {
					return fmt.Errorf("History channel attachment at index %d must have a 'contentType' field", i)
				}
			}
		}
	}

	return nil
}

// resolveAttachmentRefs scans content JSON for attachmentId references,
// validates access, creates new attachment records for cross-references,
// and replaces attachmentId with href. Returns modified content (or nil if
// unchanged) and the list of attachment IDs to link.
func resolveAttachmentRefs(ctx context.Context, store registrystore.MemoryStore, userID string, convID uuid.UUID, content json.RawMessage) (json.RawMessage, []uuid.UUID, error) {
	var contentArr []map[string]any
	if err := json.Unmarshal(content, &contentArr); err != nil {
		return nil, nil, nil // Not a JSON array, nothing to resolve
	}

	modified := false
	var linkedIDs []uuid.UUID

	for ci, contentObj := range contentArr {
		attachmentsRaw, ok := contentObj["attachments"]
		if !ok {
			continue
		}
		attachmentsJSON, err := json.Marshal(attachmentsRaw)
		if err != nil {
			continue
		}
		var attachments []map[string]any
		if err := json.Unmarshal(attachmentsJSON, &attachments); err != nil {
			continue
		}

		for ai, att := range attachments {
			attachmentIDStr, ok := att["attachmentId"].(string)
			if !ok {
				continue
			}
			attachmentID, err := uuid.Parse(attachmentIDStr)
			if err != nil {
				continue
			}

			attachment, err := store.GetAttachment(ctx, userID, attachmentID)
			if err != nil {
				return nil, nil, err
			}

			// If the attachment is linked to an entry, validate it belongs to the same conversation group.
			if attachment.EntryID != nil {
				// Look up the target conversation to get its group ID.
				conv, err := store.GetConversation(ctx, userID, convID)
				if err != nil {
					return nil, nil, err
				}

				// Look up the source entry's conversation group ID.
				sourceGroupID, err := store.GetEntryGroupID(ctx, *attachment.EntryID)
				if err != nil {
					return nil, nil, &registrystore.NotFoundError{Resource: "attachment", ID: attachmentIDStr}
				}

				// Cross-group references are forbidden.
				if sourceGroupID != conv.ConversationGroupID {
					return nil, nil, &registrystore.ForbiddenError{}
				}

				// Same group: create a new attachment record sharing the same storage key.
				newAttachment, err := store.CreateAttachment(ctx, userID, model.Attachment{
					StorageKey:  attachment.StorageKey,
					Filename:    attachment.Filename,
					ContentType: attachment.ContentType,
					Size:        attachment.Size,
					SHA256:      attachment.SHA256,
					Status:      "ready",
					ExpiresAt:   attachment.ExpiresAt,
				})
				if err != nil {
					return nil, nil, err
				}
				linkedIDs = append(linkedIDs, newAttachment.ID)
				att["href"] = "/v1/attachments/" + newAttachment.ID.String()
			} else {
				// Unlinked attachment, link directly.
				linkedIDs = append(linkedIDs, attachmentID)
				att["href"] = "/v1/attachments/" + attachmentID.String()
			}

			// Backfill contentType and name from the attachment record if not already set.
			if _, hasCT := att["contentType"]; !hasCT {
				att["contentType"] = attachment.ContentType
			}
			if _, hasName := att["name"]; !hasName && attachment.Filename != nil {
				att["name"] = *attachment.Filename
			}

			// Remove attachmentId from the response content.
			delete(att, "attachmentId")
			attachments[ai] = att
			modified = true
		}
		contentObj["attachments"] = attachments
		contentArr[ci] = contentObj
	}

	if !modified {
		return nil, nil, nil
	}

	modifiedJSON, err := json.Marshal(contentArr)
	if err != nil {
		return nil, nil, err
	}
	return modifiedJSON, linkedIDs, nil
}

func syncMemory(c *gin.Context, store registrystore.MemoryStore) {
	userID := security.GetUserID(c)
	convID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation not found"})
		return
	}

	var req struct {
		registrystore.CreateEntryRequest
		UserID *string `json:"userId,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Validation(c, "body", err.Error())
		return
	}

	clientID := security.GetClientID(c)
	if clientID == "" {
		apierror.Validation(c, "clientId", "X-Client-ID header required for sync")
		return
	}
	if len(clientID) > maxClientIDLength {
		apierror.Validation(c, "clientId", "clientId exceeds maximum length")
		return
	}
	if len(req.ContentType) > maxContentTypeLength {
		apierror.Validation(c, "contentType", "contentType exceeds maximum length")
		return
	}

	if req.UserID != nil && *req.UserID != "" && *req.UserID != userID {
		apierror.Validation(c, "userId", "userId does not match the authenticated user")
		return
	}

	result, err := store.SyncAgentEntry(c.Request.Context(), userID, convID, req.CreateEntryRequest, clientID)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
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
