// Package mcp exposes the memory service to LLM agents as MCP tools over
// streamable HTTP. The tools run with the caller's identity, so they see
// exactly what the REST API would show the same bearer token.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/recallio/recall/internal/config"
	"github.com/recallio/recall/internal/model"
	registryembed "github.com/recallio/recall/internal/registry/embed"
	registrystore "github.com/recallio/recall/internal/registry/store"
	registryvector "github.com/recallio/recall/internal/registry/vector"
	"github.com/recallio/recall/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type userIDKey struct{}

// MountRoutes mounts the MCP endpoint at /mcp when enabled.
func MountRoutes(r *gin.Engine, store registrystore.MemoryStore, cfg *config.Config, auth gin.HandlerFunc, embedder registryembed.Embedder, vectorStore registryvector.Store) {
	if cfg == nil || !cfg.MCPEnabled {
		return
	}
	h := newHandler(store, cfg, embedder, vectorStore)
	r.Any("/mcp", auth, h.serve)
}

type handler struct {
	store      registrystore.MemoryStore
	cfg        *config.Config
	embedder   registryembed.Embedder
	vector     registryvector.Store
	httpServer *server.StreamableHTTPServer
}

func newHandler(store registrystore.MemoryStore, cfg *config.Config, embedder registryembed.Embedder, vectorStore registryvector.Store) *handler {
	h := &handler{
		store:    store,
		cfg:      cfg,
		embedder: embedder,
		vector:   vectorStore,
	}

	mcpServer := server.NewMCPServer("recall", "1.0.0")

	mcpServer.AddTool(mcp.NewTool("search_memory",
		mcp.WithDescription("Search the caller's conversations. Returns scored entry matches with conversation context."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search text")),
		mcp.WithNumber("limit", mcp.Description("Maximum results, default 10")),
		mcp.WithString("searchType", mcp.Description("semantic, fulltext, or auto (default)")),
	), h.searchMemory)

	mcpServer.AddTool(mcp.NewTool("append_entry",
		mcp.WithDescription("Append an entry to a conversation the caller can write to."),
		mcp.WithString("conversationId", mcp.Required(), mcp.Description("Conversation UUID")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Entry content; JSON strings are stored as structured content")),
		mcp.WithString("contentType", mcp.Description("Content type, default application/json")),
		mcp.WithString("channel", mcp.Description("history or agent, default history")),
	), h.appendEntry)

	mcpServer.AddTool(mcp.NewTool("list_entries",
		mcp.WithDescription("List entries of a conversation the caller can read."),
		mcp.WithString("conversationId", mcp.Required(), mcp.Description("Conversation UUID")),
		mcp.WithString("channel", mcp.Description("history or agent, default history")),
		mcp.WithNumber("limit", mcp.Description("Page size, default 20")),
		mcp.WithString("afterCursor", mcp.Description("Cursor from a previous page")),
	), h.listEntries)

	h.httpServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
	)
	return h
}

// serve bridges gin auth onto the MCP server: the authenticated user id moves
// from the gin context into the request context tool handlers receive.
func (h *handler) serve(c *gin.Context) {
	ctx := context.WithValue(c.Request.Context(), userIDKey{}, security.GetUserID(c))
	h.httpServer.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
}

func callerID(ctx context.Context) (string, error) {
	userID, _ := ctx.Value(userIDKey{}).(string)
	if userID == "" {
		return "", fmt.Errorf("no authenticated user")
	}
	return userID, nil
}

func (h *handler) searchMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var args struct {
		Query      string `json:"query"`
		Limit      int    `json:"limit"`
		SearchType string `json:"searchType"`
	}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to bind arguments: %v", err)), nil
	}
	if strings.TrimSpace(args.Query) == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	semanticAvailable := h.cfg.SearchSemanticEnabled && h.embedder != nil && h.vector != nil && h.vector.IsEnabled()
	fulltextAvailable := h.cfg.SearchFulltextEnabled

	var results []registrystore.SearchResult
	switch strings.ToLower(strings.TrimSpace(args.SearchType)) {
	case "semantic":
		if !semanticAvailable {
			return mcp.NewToolResultError("semantic search is not available"), nil
		}
		results, err = h.semanticSearch(ctx, userID, args.Query, limit)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	case "fulltext":
		if !fulltextAvailable {
			return mcp.NewToolResultError("fulltext search is not available"), nil
		}
		results, err = h.fulltextSearch(ctx, userID, args.Query, limit)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	case "auto", "":
		if semanticAvailable {
			results, err = h.semanticSearch(ctx, userID, args.Query, limit)
			if err != nil {
				log.Warn("MCP semantic search failed, falling back to fulltext", "err", err)
				results = nil
			}
		}
		if len(results) == 0 && fulltextAvailable {
			results, err = h.fulltextSearch(ctx, userID, args.Query, limit)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
		}
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown searchType %q", args.SearchType)), nil
	}

	if results == nil {
		results = []registrystore.SearchResult{}
	}
	return jsonResult(map[string]interface{}{"data": results})
}

func (h *handler) semanticSearch(ctx context.Context, userID, query string, limit int) ([]registrystore.SearchResult, error) {
	groupIDs, err := h.store.ListConversationGroupIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list group IDs: %w", err)
	}
	if len(groupIDs) == 0 {
		return nil, nil
	}
	embeddings, err := h.embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := h.vector.Search(ctx, embeddings[0], groupIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	scores := make(map[uuid.UUID]float64, len(matches))
	entryIDs := make([]uuid.UUID, len(matches))
	for i, m := range matches {
		entryIDs[i] = m.EntryID
		scores[m.EntryID] = m.Score
	}

	// The store round-trip re-applies visibility; stale vector hits drop out.
	details, err := h.store.FetchSearchResultDetails(ctx, userID, entryIDs, true)
	if err != nil {
		return nil, fmt.Errorf("fetch details: %w", err)
	}
	for i := range details {
		details[i].Score = scores[details[i].EntryID]
		details[i].Kind = h.vector.Name()
	}
	sort.Slice(details, func(i, j int) bool { return details[i].Score > details[j].Score })
	return details, nil
}

func (h *handler) fulltextSearch(ctx context.Context, userID, query string, limit int) ([]registrystore.SearchResult, error) {
	res, err := h.store.SearchEntries(ctx, userID, query, limit, true)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (h *handler) appendEntry(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var args struct {
		ConversationID string `json:"conversationId"`
		Content        string `json:"content"`
		ContentType    string `json:"contentType"`
		Channel        string `json:"channel"`
	}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to bind arguments: %v", err)), nil
	}
	conversationID, err := uuid.Parse(args.ConversationID)
	if err != nil {
		return mcp.NewToolResultError("invalid conversationId"), nil
	}
	if args.Content == "" {
		return mcp.NewToolResultError("content is required"), nil
	}

	channel := model.ChannelHistory
	switch strings.ToLower(strings.TrimSpace(args.Channel)) {
	case "", "history":
	case "agent":
		channel = model.ChannelAgent
	default:
		// The memory channel is client-scoped and needs the sync endpoint.
		return mcp.NewToolResultError("channel must be history or agent"), nil
	}

	// Content that parses as JSON is stored structurally; anything else is
	// wrapped as a JSON string.
	content := json.RawMessage(args.Content)
	if !json.Valid(content) {
		wrapped, err := json.Marshal(args.Content)
		if err != nil {
			return mcp.NewToolResultError("invalid content"), nil
		}
		content = wrapped
	}
	contentType := args.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	created, err := h.store.AppendEntries(ctx, userID, conversationID, []registrystore.CreateEntryRequest{{
		Content:     content,
		ContentType: contentType,
		Channel:     string(channel),
	}}, nil, nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{"data": created})
}

func (h *handler) listEntries(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var args struct {
		ConversationID string `json:"conversationId"`
		Channel        string `json:"channel"`
		Limit          int    `json:"limit"`
		AfterCursor    string `json:"afterCursor"`
	}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to bind arguments: %v", err)), nil
	}
	conversationID, err := uuid.Parse(args.ConversationID)
	if err != nil {
		return mcp.NewToolResultError("invalid conversationId"), nil
	}

	channel := model.ChannelHistory
	switch strings.ToLower(strings.TrimSpace(args.Channel)) {
	case "", "history":
	case "agent":
		channel = model.ChannelAgent
	default:
		return mcp.NewToolResultError("channel must be history or agent"), nil
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	var afterCursor *string
	if args.AfterCursor != "" {
		afterCursor = &args.AfterCursor
	}

	page, err := h.store.GetEntries(ctx, userID, conversationID, afterCursor, limit, &channel, nil, nil, model.ForkModeNone)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(page)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError("failed to encode result"), nil
	}
	return mcp.NewToolResultText(string(encoded)), nil
}
