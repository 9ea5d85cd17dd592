package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/recallio/recall/internal/config"
	"github.com/recallio/recall/internal/plugin/route/apierror"
	registryembed "github.com/recallio/recall/internal/registry/embed"
	registrystore "github.com/recallio/recall/internal/registry/store"
	registryvector "github.com/recallio/recall/internal/registry/vector"
	"github.com/recallio/recall/internal/security"
)

// Request limits for the search surface.
const (
	maxQueryLength = 1000
	maxSearchLimit = 200

	// The unindexed listing is indexer/admin only, so it pages wider.
	maxUnindexedLimit = 1000
)

// MountRoutes mounts search routes.
func MountRoutes(r *gin.Engine, store registrystore.MemoryStore, cfg *config.Config, auth gin.HandlerFunc, embedder registryembed.Embedder, vectorStore registryvector.Store) {
	g := r.Group("/v1", auth)

	g.POST("/conversations/search", func(c *gin.Context) {
		searchConversations(c, store, cfg, embedder, vectorStore)
	})
	g.POST("/conversations/index", func(c *gin.Context) {
		indexConversations(c, store)
	})
	g.GET("/conversations/unindexed", func(c *gin.Context) {
		listUnindexed(c, store)
	})
}

func searchConversations(c *gin.Context, store registrystore.MemoryStore, cfg *config.Config, embedder registryembed.Embedder, vectorStore registryvector.Store) {
	userID := security.GetUserID(c)

	var req struct {
		Query        string `json:"query"        binding:"required"`
		SearchType   string `json:"searchType"`
		Limit        *int   `json:"limit"`
		IncludeEntry *bool  `json:"includeEntry"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Validation(c, "query", err.Error())
		return
	}

	if len(req.Query) > maxQueryLength {
		apierror.Validation(c, "query", "query exceeds maximum length")
		return
	}

	limit := 20
	if req.Limit != nil {
		if *req.Limit <= 0 {
			apierror.Validation(c, "limit", "limit must be greater than 0")
			return
		}
		limit = *req.Limit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	includeEntry := true
	if req.IncludeEntry != nil {
		includeEntry = *req.IncludeEntry
	}

	semanticAvailable := cfg != nil && cfg.SearchSemanticEnabled && embedder != nil && vectorStore != nil && vectorStore.IsEnabled()
	fulltextAvailable := cfg == nil || cfg.SearchFulltextEnabled

	searchType := strings.TrimSpace(strings.ToLower(req.SearchType))
	if searchType == "" {
		searchType = "auto"
	}

	ctx := c.Request.Context()
	switch searchType {
	case "semantic":
		if !semanticAvailable {
			apierror.Respond(c, &registrystore.SearchUnavailableError{AvailableTypes: availableTypes(semanticAvailable, fulltextAvailable)})
			return
		}
		results, err := doSemanticSearch(ctx, store, embedder, vectorStore, userID, req.Query, limit, includeEntry)
		if err != nil {
			apierror.Respond(c, err)
			return
		}
		respondResults(c, results)

	case "fulltext":
		if !fulltextAvailable {
			apierror.Respond(c, &registrystore.SearchUnavailableError{AvailableTypes: availableTypes(semanticAvailable, fulltextAvailable)})
			return
		}
		results, err := store.SearchEntries(ctx, userID, req.Query, limit, includeEntry)
		if err != nil {
			apierror.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": results.Data, "afterCursor": results.AfterCursor})

	case "auto":
		// Semantic first; zero hits or a backend failure falls through to
		// fulltext. Both backends disabled answers an empty page, not an
		// error.
		if semanticAvailable {
			results, err := doSemanticSearch(ctx, store, embedder, vectorStore, userID, req.Query, limit, includeEntry)
			if err != nil {
				log.Warn("Semantic search failed, falling back to fulltext", "err", err)
			} else if len(results) > 0 {
				respondResults(c, results)
				return
			}
		}
		if !fulltextAvailable {
			respondResults(c, nil)
			return
		}
		results, err := store.SearchEntries(ctx, userID, req.Query, limit, includeEntry)
		if err != nil {
			apierror.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": results.Data, "afterCursor": results.AfterCursor})

	default:
		apierror.Validation(c, "searchType", fmt.Sprintf("unknown searchType %q; expected semantic, fulltext, or auto", req.SearchType))
	}
}

func availableTypes(semantic, fulltext bool) []string {
	types := []string{}
	if semantic {
		types = append(types, "semantic")
	}
	if fulltext {
		types = append(types, "fulltext")
	}
	return types
}

func respondResults(c *gin.Context, results []registrystore.SearchResult) {
	if results == nil {
		results = []registrystore.SearchResult{}
	}
	c.JSON(http.StatusOK, gin.H{"data": results, "afterCursor": nil})
}

func doSemanticSearch(ctx context.Context, store registrystore.MemoryStore, embedder registryembed.Embedder, vectorStore registryvector.Store, userID, query string, limit int, includeEntry bool) ([]registrystore.SearchResult, error) {
	groupIDs, err := store.ListConversationGroupIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list group IDs: %w", err)
	}
	if len(groupIDs) == 0 {
		return nil, nil
	}

	embeddings, err := embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	vectorResults, err := vectorStore.Search(ctx, embeddings[0], groupIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(vectorResults) == 0 {
		return nil, nil
	}

	scores := make(map[uuid.UUID]float64, len(vectorResults))
	entryIDs := make([]uuid.UUID, len(vectorResults))
	for i, r := range vectorResults {
		entryIDs[i] = r.EntryID
		scores[r.EntryID] = r.Score
	}

	// The store round-trip re-applies visibility; vector hits the caller lost
	// access to since indexing simply drop out.
	details, err := store.FetchSearchResultDetails(ctx, userID, entryIDs, includeEntry)
	if err != nil {
		return nil, fmt.Errorf("fetch details: %w", err)
	}

	for i := range details {
		details[i].Score = scores[details[i].EntryID]
		details[i].Kind = vectorStore.Name()
	}
	sortResults(details)
	return details, nil
}

// sortResults orders semantic hits by score, breaking ties the same way the
// fulltext path does: newest entry first, then id for a stable order.
func sortResults(details []registrystore.SearchResult) {
	sort.Slice(details, func(i, j int) bool {
		if details[i].Score != details[j].Score {
			return details[i].Score > details[j].Score
		}
		if !details[i].CreatedAt.Equal(details[j].CreatedAt) {
			return details[i].CreatedAt.After(details[j].CreatedAt)
		}
		return details[i].EntryID.String() < details[j].EntryID.String()
	})
}

func indexConversations(c *gin.Context, store registrystore.MemoryStore) {
	if !security.HasRole(c, security.RoleIndexer) && !security.HasRole(c, security.RoleAdmin) {
		c.JSON(http.StatusForbidden, gin.H{"code": "access_denied", "error": "indexer or admin role required"})
		return
	}

	// Accept both bare array [{...}] and wrapped {"entries": [{...}]} formats.
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		apierror.Validation(c, "body", "failed to read request body")
		return
	}

	var entries []registrystore.IndexEntryRequest
	if err := json.Unmarshal(bodyBytes, &entries); err != nil {
		var wrapped struct {
			Entries []registrystore.IndexEntryRequest `json:"entries"`
		}
		if err2 := json.Unmarshal(bodyBytes, &wrapped); err2 != nil {
			apierror.Validation(c, "body", "invalid request body")
			return
		}
		entries = wrapped.Entries
	}

	if len(entries) == 0 {
		apierror.Validation(c, "entries", "at least one entry required")
		return
	}

	for _, entry := range entries {
		if entry.EntryID == uuid.Nil {
			apierror.Validation(c, "entryId", "entryId is required")
			return
		}
		if entry.ConversationID == uuid.Nil {
			apierror.Validation(c, "conversationId", "conversationId is required")
			return
		}
		if entry.IndexedContent == "" {
			apierror.Validation(c, "indexedContent", "indexedContent is required")
			return
		}
	}

	result, err := store.IndexEntries(c.Request.Context(), entries)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func listUnindexed(c *gin.Context, store registrystore.MemoryStore) {
	if !security.HasRole(c, security.RoleIndexer) && !security.HasRole(c, security.RoleAdmin) {
		c.JSON(http.StatusForbidden, gin.H{"code": "access_denied", "error": "indexer or admin role required"})
		return
	}

	limit := 20
	if v := c.Query("limit"); v != "" {
		var l int
		if _, err := fmt.Sscanf(v, "%d", &l); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > maxUnindexedLimit {
		limit = maxUnindexedLimit
	}
	afterCursor := queryPtr(c, "afterCursor")

	entries, cursor, err := store.ListUnindexedEntries(c.Request.Context(), limit, afterCursor)
	if err != nil {
		apierror.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries, "afterCursor": cursor})
}

func queryPtr(c *gin.Context, key string) *string {
	v := c.Query(key)
	if v == "" {
		return nil
	}
	return &v
}
