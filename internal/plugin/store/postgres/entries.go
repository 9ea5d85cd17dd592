package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/recallio/recall/internal/dataencryption"
	"github.com/recallio/recall/internal/model"
	registrycache "github.com/recallio/recall/internal/registry/cache"
	registrystore "github.com/recallio/recall/internal/registry/store"
	"github.com/recallio/recall/internal/security"
	"gorm.io/gorm"
)

// forkMessageContent is the synthetic content of a fork-step entry. It marks
// the point in a fork's timeline where inherited history ends and the fork's
// own entries begin.
var forkMessageContent = json.RawMessage(`[{"role":"USER","text":"Fork message"}]`)

// groupTimeline holds every conversation and entry of a group so visible
// timelines can be assembled without further queries.
type groupTimeline struct {
	conversations map[uuid.UUID]model.Conversation
	entriesByConv map[uuid.UUID][]model.Entry
	order         []uuid.UUID // conversation ids by created_at for stable iteration
}

// loadGroupTimeline fetches a group's conversations and entries. Entries are
// ordered by (created_at, id) which is the canonical timeline order.
func (s *PostgresStore) loadGroupTimeline(ctx context.Context, groupID uuid.UUID, includeDeleted bool) (*groupTimeline, error) {
	convTx := s.db.WithContext(ctx).Where("conversation_group_id = ?", groupID)
	if !includeDeleted {
		convTx = convTx.Where("deleted_at IS NULL")
	}
	var conversations []model.Conversation
	if err := convTx.Order("created_at ASC, id ASC").Find(&conversations).Error; err != nil {
		return nil, fmt.Errorf("failed to load conversations: %w", err)
	}

	var entries []model.Entry
	if err := s.db.WithContext(ctx).
		Where("conversation_group_id = ?", groupID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}

	t := &groupTimeline{
		conversations: make(map[uuid.UUID]model.Conversation, len(conversations)),
		entriesByConv: make(map[uuid.UUID][]model.Entry, len(conversations)),
		order:         make([]uuid.UUID, 0, len(conversations)),
	}
	for _, conv := range conversations {
		t.conversations[conv.ID] = conv
		t.order = append(t.order, conv.ID)
	}
	for _, e := range entries {
		t.entriesByConv[e.ConversationID] = append(t.entriesByConv[e.ConversationID], e)
	}
	return t, nil
}

// forkStepEntry synthesizes the boundary marker between a fork's inherited
// history and its own entries. It borrows the fork conversation's id so it is
// stable across reads, and is never persisted.
func forkStepEntry(conv model.Conversation) model.Entry {
	return model.Entry{
		ID:                  conv.ID,
		ConversationID:      conv.ID,
		ConversationGroupID: conv.ConversationGroupID,
		Channel:             model.ChannelHistory,
		ContentType:         "history",
		Content:             forkMessageContent,
		ForkStep:            true,
		CreatedAt:           conv.CreatedAt,
	}
}

// assemble builds the visible timeline for a conversation: the parent's
// timeline truncated strictly before the fork point, a fork-step marker, then
// the conversation's own entries. Results are memoized per conversation.
func (t *groupTimeline) assemble(convID uuid.UUID, memo map[uuid.UUID][]model.Entry, visiting map[uuid.UUID]bool) []model.Entry {
	if cached, ok := memo[convID]; ok {
		return cached
	}
	if visiting[convID] {
		return nil // defensive: fork pointers should never cycle
	}
	visiting[convID] = true
	defer delete(visiting, convID)

	conv, ok := t.conversations[convID]
	if !ok {
		return nil
	}
	own := t.entriesByConv[convID]

	var timeline []model.Entry
	if conv.ForkedAtConversationID == nil {
		timeline = append(timeline, own...)
	} else {
		parent := t.assemble(*conv.ForkedAtConversationID, memo, visiting)
		inherited := parent
		if conv.ForkedAtEntryID != nil {
			for i, e := range parent {
				if e.ID == *conv.ForkedAtEntryID {
					inherited = parent[:i]
					break
				}
			}
		}
		timeline = append(timeline, inherited...)
		timeline = append(timeline, forkStepEntry(conv))
		timeline = append(timeline, own...)
	}

	memo[convID] = timeline
	return timeline
}

// visibleTimeline is the single-conversation assembly entry point.
func (t *groupTimeline) visibleTimeline(convID uuid.UUID) []model.Entry {
	return t.assemble(convID, map[uuid.UUID][]model.Entry{}, map[uuid.UUID]bool{})
}

// unionTimeline flattens every conversation's entries plus one fork-step per
// fork into a single (created_at, id) ordered list. Used by forks=all.
func (t *groupTimeline) unionTimeline() []model.Entry {
	var all []model.Entry
	for _, convID := range t.order {
		conv := t.conversations[convID]
		if conv.ForkedAtConversationID != nil {
			all = append(all, forkStepEntry(conv))
		}
		all = append(all, t.entriesByConv[convID]...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return bytes.Compare(all[i].ID[:], all[j].ID[:]) < 0
	})
	return all
}

// latestConversationID picks the most recently updated live conversation of
// the group. Used by forks=latest.
func (t *groupTimeline) latestConversationID(fallback uuid.UUID) uuid.UUID {
	latest := fallback
	var latestAt time.Time
	for _, convID := range t.order {
		conv := t.conversations[convID]
		if conv.DeletedAt != nil {
			continue
		}
		if conv.UpdatedAt.After(latestAt) {
			latestAt = conv.UpdatedAt
			latest = conv.ID
		}
	}
	return latest
}

// scopeEntries applies channel visibility after timeline assembly:
//   - no channel: HISTORY and AGENT always; MEMORY only for the matching client
//   - memory: only the matching client's entries, then the epoch filter
//   - history/agent: channel equality (fork steps count as HISTORY)
func scopeEntries(entries []model.Entry, channel *model.Channel, clientID *string, epochFilter *registrystore.MemoryEpochFilter) []model.Entry {
	if channel == nil {
		result := make([]model.Entry, 0, len(entries))
		for _, e := range entries {
			if e.Channel == model.ChannelMemory {
				if clientID != nil && e.ClientID != nil && *e.ClientID == *clientID {
					result = append(result, e)
				}
				continue
			}
			result = append(result, e)
		}
		return result
	}

	if *channel == model.ChannelMemory {
		if clientID == nil {
			return nil
		}
		return filterMemoryEntries(entries, *clientID, normalizeEpochFilter(epochFilter))
	}

	result := make([]model.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Channel == *channel {
			result = append(result, e)
		}
	}
	return result
}

func normalizeEpochFilter(filter *registrystore.MemoryEpochFilter) registrystore.MemoryEpochFilter {
	if filter == nil || filter.Mode == "" {
		return registrystore.MemoryEpochFilter{Mode: registrystore.MemoryEpochModeLatest}
	}
	return *filter
}

// filterMemoryEntries narrows a timeline to one client's MEMORY entries and
// applies the epoch filter. For "latest" the scan resets whenever a higher
// epoch appears, so inherited parent entries participate in epoch selection.
func filterMemoryEntries(entries []model.Entry, clientID string, filter registrystore.MemoryEpochFilter) []model.Entry {
	result := make([]model.Entry, 0, len(entries))
	maxEpoch := int64(0)
	maxSeen := false

	for _, e := range entries {
		if e.Channel != model.ChannelMemory || e.ClientID == nil || *e.ClientID != clientID {
			continue
		}
		epoch := int64(0)
		if e.Epoch != nil {
			epoch = *e.Epoch
		}
		switch filter.Mode {
		case registrystore.MemoryEpochModeAll:
			result = append(result, e)
		case registrystore.MemoryEpochModeEpoch:
			if filter.Epoch != nil && epoch == *filter.Epoch {
				result = append(result, e)
			}
		default: // latest
			if !maxSeen || epoch > maxEpoch {
				result = result[:0]
				maxEpoch = epoch
				maxSeen = true
			}
			if epoch == maxEpoch {
				result = append(result, e)
			}
		}
	}
	return result
}

func paginateEntries(entries []model.Entry, afterEntryID *string, limit int) ([]model.Entry, *string) {
	start := 0
	if afterEntryID != nil {
		for i, entry := range entries {
			if entry.ID.String() == *afterEntryID {
				start = i + 1
				break
			}
		}
	}

	if start >= len(entries) {
		return []model.Entry{}, nil
	}

	end := start + limit
	if end > len(entries) {
		end = len(entries)
	}

	page := entries[start:end]
	var cursor *string
	if end < len(entries) && len(page) > 0 {
		c := page[len(page)-1].ID.String()
		cursor = &c
	}
	return page, cursor
}

func decryptEntries(s *PostgresStore, entries []model.Entry) {
	for i := range entries {
		if entries[i].ForkStep {
			continue
		}
		if decrypted, err := s.decrypt(dataencryption.FieldEntryContent, entries[i].Content); err == nil {
			entries[i].Content = decrypted
		}
	}
}

// --- Entries ---

func (s *PostgresStore) GetEntries(ctx context.Context, userID string, conversationID uuid.UUID, afterEntryID *string, limit int, channel *model.Channel, epochFilter *registrystore.MemoryEpochFilter, clientID *string, forks model.ForkMode) (*registrystore.PagedEntries, error) {
	conv, _, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, userID, conversationID, conv.ConversationGroupID, model.AccessLevelReader); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 50
	}
	if channel != nil && *channel == model.ChannelMemory && clientID == nil {
		return nil, &ValidationError{Field: "clientId", Message: "clientId is required when reading the memory channel"}
	}

	// Latest-epoch memory reads on the conversation's own timeline are the
	// hot path for agents; serve them from the cache when possible.
	useCache := forks == model.ForkModeNone &&
		channel != nil && *channel == model.ChannelMemory &&
		normalizeEpochFilter(epochFilter).Mode == registrystore.MemoryEpochModeLatest
	if useCache {
		entries, err := s.fetchLatestMemoryEntries(ctx, conv, *clientID)
		if err != nil {
			return nil, err
		}
		page, cursor := paginateEntries(entries, afterEntryID, limit)
		return &registrystore.PagedEntries{Data: page, AfterCursor: cursor}, nil
	}

	timeline, err := s.loadGroupTimeline(ctx, conv.ConversationGroupID, false)
	if err != nil {
		return nil, err
	}

	var scoped []model.Entry
	switch forks {
	case model.ForkModeAll:
		scoped = scopeEntries(timeline.unionTimeline(), channel, clientID, epochFilter)
	case model.ForkModeLatest:
		targetID := timeline.latestConversationID(conversationID)
		scoped = scopeEntries(timeline.visibleTimeline(targetID), channel, clientID, epochFilter)
	default:
		scoped = scopeEntries(timeline.visibleTimeline(conversationID), channel, clientID, epochFilter)
	}

	page, cursor := paginateEntries(scoped, afterEntryID, limit)
	decryptEntries(s, page)
	return &registrystore.PagedEntries{Data: page, AfterCursor: cursor}, nil
}

func (s *PostgresStore) GetEntryGroupID(ctx context.Context, entryID uuid.UUID) (uuid.UUID, error) {
	var entry model.Entry
	result := s.db.WithContext(ctx).Select("conversation_group_id").Where("id = ?", entryID).Limit(1).Find(&entry)
	if result.Error != nil {
		return uuid.Nil, result.Error
	}
	if result.RowsAffected == 0 {
		return uuid.Nil, &NotFoundError{Resource: "entry", ID: entryID.String()}
	}
	return entry.ConversationGroupID, nil
}

func (s *PostgresStore) AppendEntries(ctx context.Context, userID string, conversationID uuid.UUID, entries []registrystore.CreateEntryRequest, clientID *string, epoch *int64) ([]model.Entry, error) {
	conv, group, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, userID, conversationID, conv.ConversationGroupID, model.AccessLevelWriter); err != nil {
		return nil, err
	}

	channels := make([]model.Channel, len(entries))
	hasMemory := false
	for i, req := range entries {
		ch := model.Channel(strings.ToLower(req.Channel))
		if ch == "" {
			ch = model.ChannelHistory
		}
		switch ch {
		case model.ChannelHistory, model.ChannelMemory, model.ChannelAgent:
		default:
			return nil, &ValidationError{Field: "channel", Message: fmt.Sprintf("unknown channel %q", req.Channel)}
		}
		if req.IndexedContent != nil && ch != model.ChannelHistory {
			return nil, &ValidationError{Field: "indexedContent", Message: "indexedContent is only allowed on history entries"}
		}
		if ch == model.ChannelMemory && clientID == nil {
			return nil, &ValidationError{Field: "clientId", Message: "clientId is required to write memory entries"}
		}
		channels[i] = ch
		if ch == model.ChannelMemory {
			hasMemory = true
		}
	}

	// Memory writes without an explicit epoch land on the current latest
	// epoch, which may live on an ancestor fork.
	memoryEpoch := epoch
	if hasMemory && memoryEpoch == nil {
		timeline, err := s.loadGroupTimeline(ctx, conv.ConversationGroupID, false)
		if err != nil {
			return nil, err
		}
		latest := filterMemoryEntries(timeline.visibleTimeline(conversationID), *clientID, registrystore.MemoryEpochFilter{Mode: registrystore.MemoryEpochModeLatest})
		var current int64 = 1
		for _, e := range latest {
			if e.Epoch != nil && *e.Epoch > current {
				current = *e.Epoch
			}
		}
		memoryEpoch = &current
	}

	now := time.Now()
	result := make([]model.Entry, len(entries))
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, req := range entries {
			var entryEpoch *int64
			if channels[i] == model.ChannelMemory {
				entryEpoch = memoryEpoch
			}
			encContent, encErr := s.encrypt(dataencryption.FieldEntryContent, req.Content)
			if encErr != nil {
				return fmt.Errorf("failed to encrypt entry content: %w", encErr)
			}
			entry := model.Entry{
				ID:                  uuid.New(),
				ConversationID:      conversationID,
				ConversationGroupID: conv.ConversationGroupID,
				UserID:              &userID,
				ClientID:            clientID,
				Channel:             channels[i],
				Epoch:               entryEpoch,
				ContentType:         req.ContentType,
				Content:             encContent,
				IndexedContent:      req.IndexedContent,
				// Spread batch timestamps so (created_at, id) keeps insertion order.
				CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
			}
			if err := tx.Create(&entry).Error; err != nil {
				return fmt.Errorf("failed to append entry: %w", err)
			}
			entry.Content = req.Content // return plaintext
			result[i] = entry
		}

		// The group title materializes from the owner's first history entry.
		if len(group.Title) == 0 && userID == group.OwnerUserID && clientID == nil {
			for i := range result {
				if result[i].Channel != model.ChannelHistory {
					continue
				}
				if title := deriveTitleFromContent(string(result[i].Content)); title != "" {
					encTitle, encErr := s.encrypt(dataencryption.FieldConversationTitle, []byte(title))
					if encErr != nil {
						return fmt.Errorf("failed to encrypt title: %w", encErr)
					}
					if err := tx.Model(&model.ConversationGroup{}).Where("id = ?", group.ID).Update("title", encTitle).Error; err != nil {
						return fmt.Errorf("failed to set derived title: %w", err)
					}
				}
				break
			}
		}

		if err := tx.Model(&model.Conversation{}).Where("id = ?", conversationID).Update("updated_at", now).Error; err != nil {
			return fmt.Errorf("failed to touch conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if hasMemory {
		s.warmEntriesCache(ctx, conv, *clientID)
	}
	return result, nil
}

// deriveTitleFromContent extracts text from the first content object and
// truncates it to 500 characters.
func deriveTitleFromContent(content string) string {
	var arr []map[string]any
	if err := json.Unmarshal([]byte(content), &arr); err == nil && len(arr) > 0 {
		if text, ok := arr[0]["text"].(string); ok && text != "" {
			if len(text) > 500 {
				return text[:500]
			}
			return text
		}
	}
	return ""
}

// --- Forks ---

func (s *PostgresStore) CreateFork(ctx context.Context, userID string, conversationID uuid.UUID, entryID uuid.UUID, metadata map[string]interface{}) (*registrystore.ConversationDetail, error) {
	conv, group, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	access, err := s.requireAccess(ctx, userID, conversationID, conv.ConversationGroupID, model.AccessLevelWriter)
	if err != nil {
		return nil, err
	}

	timeline, err := s.loadGroupTimeline(ctx, conv.ConversationGroupID, false)
	if err != nil {
		return nil, err
	}
	visible := timeline.visibleTimeline(conversationID)
	var forkPoint *model.Entry
	for i := range visible {
		if visible[i].ID == entryID {
			forkPoint = &visible[i]
			break
		}
	}
	if forkPoint == nil {
		return nil, &NotFoundError{Resource: "entry", ID: entryID.String()}
	}
	if forkPoint.ForkStep || forkPoint.Channel != model.ChannelHistory || forkPoint.ClientID != nil {
		return nil, &PreconditionError{Message: "fork point must be a user-authored history entry"}
	}

	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	now := time.Now()
	fork := model.Conversation{
		ID:                     uuid.New(),
		ConversationGroupID:    conv.ConversationGroupID,
		Metadata:               metadata,
		ForkedAtConversationID: &conversationID,
		ForkedAtEntryID:        &entryID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.db.WithContext(ctx).Create(&fork).Error; err != nil {
		return nil, fmt.Errorf("failed to create fork: %w", err)
	}

	detail := s.detailFrom(fork, group)
	detail.AccessLevel = access
	return detail, nil
}

func (s *PostgresStore) ListForks(ctx context.Context, userID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]registrystore.ConversationForkSummary, *string, error) {
	conv, group, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.requireAccess(ctx, userID, conversationID, conv.ConversationGroupID, model.AccessLevelReader); err != nil {
		return nil, nil, err
	}

	tx := s.db.WithContext(ctx).
		Where("conversation_group_id = ? AND deleted_at IS NULL", conv.ConversationGroupID).
		Order("created_at ASC, id ASC")
	if afterCursor != nil {
		tx = tx.Where("(created_at, id) > (SELECT created_at, id FROM conversations WHERE id = ?)", *afterCursor)
	}
	tx = tx.Limit(limit + 1)

	var convs []model.Conversation
	if err := tx.Find(&convs).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list forks: %w", err)
	}

	hasMore := len(convs) > limit
	if hasMore {
		convs = convs[:limit]
	}

	title := s.decryptString(dataencryption.FieldConversationTitle, group.Title)
	forks := make([]registrystore.ConversationForkSummary, len(convs))
	for i, c := range convs {
		forks[i] = registrystore.ConversationForkSummary{
			ID:                     c.ID,
			Title:                  title,
			ForkedAtEntryID:        c.ForkedAtEntryID,
			ForkedAtConversationID: c.ForkedAtConversationID,
			CreatedAt:              c.CreatedAt,
		}
	}

	var cursor *string
	if hasMore && len(forks) > 0 {
		c := forks[len(forks)-1].ID.String()
		cursor = &c
	}
	return forks, cursor, nil
}

// --- Agent memory sync ---

func (s *PostgresStore) SyncAgentEntry(ctx context.Context, userID string, conversationID uuid.UUID, entry registrystore.CreateEntryRequest, clientID string) (*registrystore.SyncResult, error) {
	incomingContent := parseContentArray(entry.Content)

	conv, _, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, userID, conversationID, conv.ConversationGroupID, model.AccessLevelWriter); err != nil {
		return nil, err
	}

	latestEpochEntries, err := s.fetchLatestMemoryEntries(ctx, conv, clientID)
	if err != nil {
		return nil, err
	}
	existingContent := flattenMemoryContent(s, latestEpochEntries)

	var latestEpoch *int64
	for _, existing := range latestEpochEntries {
		if existing.Epoch == nil {
			continue
		}
		if latestEpoch == nil || *existing.Epoch > *latestEpoch {
			v := *existing.Epoch
			latestEpoch = &v
		}
	}

	if len(incomingContent) == 0 && len(existingContent) == 0 {
		return &registrystore.SyncResult{NoOp: true, Epoch: latestEpoch}, nil
	}
	if reflect.DeepEqual(existingContent, incomingContent) {
		return &registrystore.SyncResult{NoOp: true, Epoch: latestEpoch}, nil
	}

	appendContent := entry.Content
	var epochToUse int64 = 1
	epochIncremented := false
	if latestEpoch != nil {
		epochToUse = *latestEpoch
	}

	switch {
	case len(incomingContent) == 0:
		// Empty sync clears memory by starting a fresh epoch with no content.
		if latestEpoch != nil {
			epochToUse = *latestEpoch + 1
		}
		epochIncremented = true
		appendContent = json.RawMessage("[]")
	case isPrefixContent(existingContent, incomingContent):
		delta := incomingContent[len(existingContent):]
		if len(delta) == 0 {
			return &registrystore.SyncResult{NoOp: true, Epoch: latestEpoch}, nil
		}
		appendContent = marshalContentArray(delta)
	default:
		// Divergence from the latest epoch starts a new epoch with the full
		// incoming content.
		if latestEpoch != nil {
			epochToUse = *latestEpoch + 1
			epochIncremented = true
		}
		appendContent = marshalContentArray(incomingContent)
	}

	now := time.Now()
	encContent, err := s.encrypt(dataencryption.FieldEntryContent, appendContent)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt entry content: %w", err)
	}
	newEntry := model.Entry{
		ID:                  uuid.New(),
		ConversationID:      conversationID,
		ConversationGroupID: conv.ConversationGroupID,
		UserID:              &userID,
		ClientID:            &clientID,
		Channel:             model.ChannelMemory,
		Epoch:               &epochToUse,
		ContentType:         entry.ContentType,
		Content:             encContent,
		IndexedContent:      entry.IndexedContent,
		CreatedAt:           now,
	}
	if err := s.db.WithContext(ctx).Create(&newEntry).Error; err != nil {
		return nil, fmt.Errorf("failed to sync entry: %w", err)
	}
	newEntry.Content = appendContent
	s.warmEntriesCache(ctx, conv, clientID)
	return &registrystore.SyncResult{Entry: &newEntry, Epoch: &epochToUse, NoOp: false, EpochIncremented: epochIncremented}, nil
}

// --- Memory cache ---

// fetchLatestMemoryEntries returns the latest-epoch memory entries for one
// client on a conversation's visible timeline. Cached values hold plaintext
// content so they survive the JSON round-trip through remote caches.
func (s *PostgresStore) fetchLatestMemoryEntries(ctx context.Context, conv model.Conversation, clientID string) ([]model.Entry, error) {
	if s.entriesCache != nil && s.entriesCache.Available() {
		cached, err := s.entriesCache.Get(ctx, conv.ID, clientID)
		if err == nil && cached != nil {
			if security.CacheHitsTotal != nil {
				security.CacheHitsTotal.Inc()
			}
			return cached.Entries, nil
		}
		if err != nil {
			log.Warn("entries cache get error", "err", err)
		}
	}

	timeline, err := s.loadGroupTimeline(ctx, conv.ConversationGroupID, false)
	if err != nil {
		return nil, err
	}
	entries := filterMemoryEntries(timeline.visibleTimeline(conv.ID), clientID, registrystore.MemoryEpochFilter{Mode: registrystore.MemoryEpochModeLatest})
	decryptEntries(s, entries)

	if s.entriesCache != nil && s.entriesCache.Available() {
		if security.CacheMissesTotal != nil {
			security.CacheMissesTotal.Inc()
		}
		if len(entries) > 0 {
			if serr := s.entriesCache.Set(ctx, conv.ID, clientID, registrycache.CachedMemoryEntries{Entries: entries, Epoch: maxEpochOf(entries)}, 0); serr != nil {
				log.Warn("entries cache set error", "err", serr)
			}
		}
	}
	return entries, nil
}

// warmEntriesCache refreshes the latest-epoch cache after a memory write.
func (s *PostgresStore) warmEntriesCache(ctx context.Context, conv model.Conversation, clientID string) {
	if s.entriesCache == nil || !s.entriesCache.Available() {
		return
	}
	timeline, err := s.loadGroupTimeline(ctx, conv.ConversationGroupID, false)
	if err != nil {
		log.Warn("warmEntriesCache: failed to load timeline", "err", err)
		return
	}
	entries := filterMemoryEntries(timeline.visibleTimeline(conv.ID), clientID, registrystore.MemoryEpochFilter{Mode: registrystore.MemoryEpochModeLatest})
	if len(entries) == 0 {
		if rerr := s.entriesCache.Remove(ctx, conv.ID, clientID); rerr != nil {
			log.Warn("warmEntriesCache: cache remove error", "err", rerr)
		}
		return
	}
	decryptEntries(s, entries)
	if serr := s.entriesCache.Set(ctx, conv.ID, clientID, registrycache.CachedMemoryEntries{Entries: entries, Epoch: maxEpochOf(entries)}, 0); serr != nil {
		log.Warn("warmEntriesCache: cache set error", "err", serr)
	}
}

func maxEpochOf(entries []model.Entry) *int64 {
	var epoch *int64
	for i := range entries {
		if entries[i].Epoch != nil && (epoch == nil || *entries[i].Epoch > *epoch) {
			epoch = entries[i].Epoch
		}
	}
	return epoch
}

// --- Content helpers ---

func flattenMemoryContent(s *PostgresStore, entries []model.Entry) []any {
	result := make([]any, 0)
	for _, entry := range entries {
		content := entry.Content
		if decrypted, err := s.decrypt(dataencryption.FieldEntryContent, content); err == nil {
			content = decrypted
		}
		result = append(result, parseContentArray(content)...)
	}
	return result
}

func parseContentArray(raw []byte) []any {
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return []any{}
	}

	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}

	var obj any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return []any{obj}
	}
	return []any{raw}
}

func marshalContentArray(content []any) json.RawMessage {
	b, err := json.Marshal(content)
	if err != nil {
		return json.RawMessage("[]")
	}
	return b
}

func isPrefixContent(existing, incoming []any) bool {
	if len(existing) > len(incoming) {
		return false
	}
	for i := range existing {
		if !reflect.DeepEqual(existing[i], incoming[i]) {
			return false
		}
	}
	return true
}
