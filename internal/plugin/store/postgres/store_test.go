package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/recallio/recall/internal/config"
	"github.com/recallio/recall/internal/model"
	"github.com/recallio/recall/internal/plugin/store/postgres"
	registrymigrate "github.com/recallio/recall/internal/registry/migrate"
	registrystore "github.com/recallio/recall/internal/registry/store"
	"github.com/recallio/recall/internal/testutil/testpg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (registrystore.MemoryStore, context.Context) {
	t.Helper()

	dbURL := testpg.StartPostgres(t)

	cfg := config.DefaultConfig()
	cfg.DBURL = dbURL
	ctx := config.WithContext(context.Background(), &cfg)

	// Ensure postgres store plugin is registered
	_ = postgres.ForceImport

	// Run migrations
	err := registrymigrate.RunAll(ctx)
	require.NoError(t, err)

	// Initialize store
	loader, err := registrystore.Select("postgres")
	require.NoError(t, err)

	store, err := loader(ctx)
	require.NoError(t, err)

	return store, ctx
}

func appendHistory(t *testing.T, store registrystore.MemoryStore, ctx context.Context, userID string, convID uuid.UUID, text string) model.Entry {
	t.Helper()
	entries, err := store.AppendEntries(ctx, userID, convID, []registrystore.CreateEntryRequest{
		{Content: json.RawMessage(`[{"type":"text","text":"` + text + `"}]`), ContentType: "application/json", Channel: "history"},
	}, nil, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}

func TestCreateAndGetConversation(t *testing.T) {
	store, ctx := setupTestStore(t)

	conv, err := store.CreateConversation(ctx, "user1", "Test Conversation", nil)
	require.NoError(t, err)
	assert.NotNil(t, conv)
	assert.Equal(t, "Test Conversation", conv.Title)
	assert.Equal(t, "user1", conv.OwnerUserID)
	assert.Equal(t, model.AccessLevelOwner, conv.AccessLevel)

	got, err := store.GetConversation(ctx, "user1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "Test Conversation", got.Title)
}

func TestListConversations(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, err := store.CreateConversation(ctx, "user2", "Conv A", nil)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond) // ensure ordering
	_, err = store.CreateConversation(ctx, "user2", "Conv B", nil)
	require.NoError(t, err)

	summaries, cursor, err := store.ListConversations(ctx, "user2", nil, nil, 10, model.ListModeAll)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(summaries), 2)
	_ = cursor
}

func TestDeleteConversation(t *testing.T) {
	store, ctx := setupTestStore(t)

	conv, err := store.CreateConversation(ctx, "user3", "To Delete", nil)
	require.NoError(t, err)

	err = store.DeleteConversation(ctx, "user3", conv.ID)
	require.NoError(t, err)

	_, err = store.GetConversation(ctx, "user3", conv.ID)
	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(err, &notFound), "expected not found, got %T", err)
}

func TestAppendAndGetEntries(t *testing.T) {
	store, ctx := setupTestStore(t)

	conv, err := store.CreateConversation(ctx, "user4", "Entry Test", nil)
	require.NoError(t, err)

	entries, err := store.AppendEntries(ctx, "user4", conv.ID, []registrystore.CreateEntryRequest{
		{Content: json.RawMessage(`[{"type":"text","text":"Hello"}]`), ContentType: "application/json", Channel: "history"},
		{Content: json.RawMessage(`[{"type":"text","text":"World"}]`), ContentType: "application/json", Channel: "history"},
	}, nil, nil)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	result, err := store.GetEntries(ctx, "user4", conv.ID, nil, 10, nil, nil, nil, model.ForkModeNone)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(result.Data), 2)
}

func TestMemberships(t *testing.T) {
	store, ctx := setupTestStore(t)

	conv, err := store.CreateConversation(ctx, "owner1", "Shared Conv", nil)
	require.NoError(t, err)

	m, err := store.ShareConversation(ctx, "owner1", conv.ID, "reader1", model.AccessLevelReader)
	require.NoError(t, err)
	assert.Equal(t, "reader1", m.UserID)
	assert.Equal(t, model.AccessLevelReader, m.AccessLevel)

	memberships, _, err := store.ListMemberships(ctx, "owner1", conv.ID, nil, 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(memberships), 2) // owner + reader

	_, err = store.GetConversation(ctx, "reader1", conv.ID)
	require.NoError(t, err)

	err = store.DeleteMembership(ctx, "owner1", conv.ID, "reader1")
	require.NoError(t, err)
}

func TestConversationInvisibleWithoutMembership(t *testing.T) {
	store, ctx := setupTestStore(t)

	conv, err := store.CreateConversation(ctx, "owner2", "Private Conv", nil)
	require.NoError(t, err)

	// Non-members get not-found, never forbidden: existence must not leak.
	_, err = store.GetConversation(ctx, "stranger", conv.ID)
	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(err, &notFound), "expected not found, got %T", err)
}

func TestOwnershipTransfers(t *testing.T) {
	store, ctx := setupTestStore(t)

	conv, err := store.CreateConversation(ctx, "from_user", "Transfer Conv", nil)
	require.NoError(t, err)
	_, err = store.ShareConversation(ctx, "from_user", conv.ID, "to_user", model.AccessLevelReader)
	require.NoError(t, err)

	transfer, err := store.CreateOwnershipTransfer(ctx, "from_user", conv.ID, "to_user")
	require.NoError(t, err)
	assert.Equal(t, "from_user", transfer.FromUserID)
	assert.Equal(t, "to_user", transfer.ToUserID)

	got, err := store.GetTransfer(ctx, "from_user", transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.ID, got.ID)

	err = store.AcceptTransfer(ctx, "to_user", transfer.ID)
	require.NoError(t, err)

	// Ownership swapped: recipient owns, sender is demoted to manager.
	detail, err := store.GetConversation(ctx, "to_user", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "to_user", detail.OwnerUserID)
	assert.Equal(t, model.AccessLevelOwner, detail.AccessLevel)
	fromDetail, err := store.GetConversation(ctx, "from_user", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AccessLevelManager, fromDetail.AccessLevel)
}

func TestDuplicatePendingTransferConflicts(t *testing.T) {
	store, ctx := setupTestStore(t)

	conv, err := store.CreateConversation(ctx, "owner3", "Dup Transfer", nil)
	require.NoError(t, err)
	_, err = store.ShareConversation(ctx, "owner3", conv.ID, "member-a", model.AccessLevelReader)
	require.NoError(t, err)
	_, err = store.ShareConversation(ctx, "owner3", conv.ID, "member-b", model.AccessLevelReader)
	require.NoError(t, err)

	first, err := store.CreateOwnershipTransfer(ctx, "owner3", conv.ID, "member-a")
	require.NoError(t, err)

	_, err = store.CreateOwnershipTransfer(ctx, "owner3", conv.ID, "member-b")
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict), "expected conflict, got %T", err)
	require.NotNil(t, conflict.Details)
	assert.Equal(t, first.ID.String(), conflict.Details["existingTransferId"])
}

func TestCreateForkRequiresHistoryEntry(t *testing.T) {
	store, ctx := setupTestStore(t)

	conv, err := store.CreateConversation(ctx, "forker", "Fork Source", nil)
	require.NoError(t, err)

	clientID := "agent-1"
	memEntries, err := store.AppendEntries(ctx, "forker", conv.ID, []registrystore.CreateEntryRequest{
		{Content: json.RawMessage(`[{"type":"text","text":"note"}]`), ContentType: "application/json", Channel: "memory"},
	}, &clientID, nil)
	require.NoError(t, err)
	require.Len(t, memEntries, 1)

	_, err = store.CreateFork(ctx, "forker", conv.ID, memEntries[0].ID, nil)
	var precondition *registrystore.PreconditionError
	require.True(t, errors.As(err, &precondition), "expected precondition error, got %T", err)

	histEntry := appendHistory(t, store, ctx, "forker", conv.ID, "anchor")
	fork, err := store.CreateFork(ctx, "forker", conv.ID, histEntry.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, fork.ForkedAtEntryID)
	assert.Equal(t, histEntry.ID, *fork.ForkedAtEntryID)
}

func TestAdminRestoreConversationConflictAndSuccess(t *testing.T) {
	store, ctx := setupTestStore(t)

	conv, err := store.CreateConversation(ctx, "admin-user", "Admin Restore", nil)
	require.NoError(t, err)

	err = store.AdminRestoreConversation(ctx, conv.ID)
	require.Error(t, err)
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict), "expected conflict error, got %T", err)

	err = store.AdminDeleteConversation(ctx, conv.ID)
	require.NoError(t, err)

	err = store.AdminRestoreConversation(ctx, conv.ID)
	require.NoError(t, err)

	restored, err := store.AdminGetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, restored.DeletedAt)

	// Owner access survives the round trip.
	_, err = store.GetConversation(ctx, "admin-user", conv.ID)
	require.NoError(t, err)
}

func TestRestoreAfterUserDeleteRebuildsOwnerMembership(t *testing.T) {
	store, ctx := setupTestStore(t)

	conv, err := store.CreateConversation(ctx, "reviver", "User Deleted", nil)
	require.NoError(t, err)

	// User-level delete drops memberships along with the soft delete.
	err = store.DeleteConversation(ctx, "reviver", conv.ID)
	require.NoError(t, err)

	err = store.AdminRestoreConversation(ctx, conv.ID)
	require.NoError(t, err)

	detail, err := store.GetConversation(ctx, "reviver", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AccessLevelOwner, detail.AccessLevel)
}

func TestAdminGetEntriesForkModes(t *testing.T) {
	store, ctx := setupTestStore(t)

	root, err := store.CreateConversation(ctx, "owner", "Root", nil)
	require.NoError(t, err)

	rootEntry1 := appendHistory(t, store, ctx, "owner", root.ID, "root-1")
	time.Sleep(5 * time.Millisecond)
	rootEntry2 := appendHistory(t, store, ctx, "owner", root.ID, "root-2")

	fork, err := store.CreateFork(ctx, "owner", root.ID, rootEntry1.ID, nil)
	require.NoError(t, err)
	forkEntry := appendHistory(t, store, ctx, "owner", fork.ID, "fork-1")

	ancestryOnly, err := store.AdminGetEntries(ctx, fork.ID, registrystore.AdminMessageQuery{
		Limit:    20,
		AllForks: false,
	})
	require.NoError(t, err)
	require.Len(t, ancestryOnly.Data, 2)
	assert.Equal(t, rootEntry1.ID, ancestryOnly.Data[0].ID)
	assert.Equal(t, forkEntry.ID, ancestryOnly.Data[1].ID)

	allForks, err := store.AdminGetEntries(ctx, fork.ID, registrystore.AdminMessageQuery{
		Limit:    20,
		AllForks: true,
	})
	require.NoError(t, err)
	require.Len(t, allForks.Data, 3)
	assert.Equal(t, rootEntry1.ID, allForks.Data[0].ID)
	assert.Equal(t, rootEntry2.ID, allForks.Data[1].ID)
	assert.Equal(t, forkEntry.ID, allForks.Data[2].ID)
}

func TestTaskQueueLifecycle(t *testing.T) {
	store, ctx := setupTestStore(t)

	id, err := store.EnqueueTask(ctx, "vector_store_index_retry", nil, map[string]interface{}{"n": float64(1)}, nil)
	require.NoError(t, err)

	claimed, err := store.ClaimReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
	assert.Equal(t, model.TaskProcessing, claimed[0].Status)

	// A claimed task is invisible to other workers.
	again, err := store.ClaimReadyTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	// Failing re-arms it after the delay.
	err = store.FailTask(ctx, id, "boom", 0)
	require.NoError(t, err)
	claimed, err = store.ClaimReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)
	require.NotNil(t, claimed[0].LastError)
	assert.Equal(t, "boom", *claimed[0].LastError)

	err = store.CompleteTask(ctx, id)
	require.NoError(t, err)
	claimed, err = store.ClaimReadyTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestEnqueueTaskSingletonName(t *testing.T) {
	store, ctx := setupTestStore(t)

	name := "indexer-singleton"
	first, err := store.EnqueueTask(ctx, "index_entries", &name, nil, nil)
	require.NoError(t, err)

	// Re-enqueueing the live name returns the existing task.
	second, err := store.EnqueueTask(ctx, "index_entries", &name, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A dead task no longer holds the name.
	claimed, err := store.ClaimReadyTasks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	err = store.MarkTaskDead(ctx, first, "gave up")
	require.NoError(t, err)

	third, err := store.EnqueueTask(ctx, "index_entries", &name, nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestReapStuckTasks(t *testing.T) {
	store, ctx := setupTestStore(t)

	id, err := store.EnqueueTask(ctx, "eviction", nil, nil, nil)
	require.NoError(t, err)
	claimed, err := store.ClaimReadyTasks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Too fresh to reap.
	reaped, err := store.ReapStuckTasks(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	reaped, err = store.ReapStuckTasks(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)

	claimed, err = store.ClaimReadyTasks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
}

func TestAttachmentVisibilityAndLinking(t *testing.T) {
	store, ctx := setupTestStore(t)

	conv, err := store.CreateConversation(ctx, "uploader", "Attach Conv", nil)
	require.NoError(t, err)
	_, err = store.ShareConversation(ctx, "uploader", conv.ID, "viewer", model.AccessLevelReader)
	require.NoError(t, err)
	entry := appendHistory(t, store, ctx, "uploader", conv.ID, "has attachment")

	storageKey := "blob/abc"
	filename := "notes.txt"
	size := int64(12)
	att, err := store.CreateAttachment(ctx, "uploader", model.Attachment{
		StorageKey:  &storageKey,
		Filename:    &filename,
		ContentType: "text/plain",
		Size:        &size,
	})
	require.NoError(t, err)
	assert.Equal(t, "ready", att.Status)

	// Unlinked uploads are private to the uploader.
	_, err = store.GetAttachment(ctx, "viewer", att.ID)
	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(err, &notFound), "expected not found, got %T", err)

	linked, err := store.UpdateAttachment(ctx, "uploader", att.ID, registrystore.AttachmentUpdate{EntryID: &entry.ID})
	require.NoError(t, err)
	require.NotNil(t, linked.EntryID)

	// Members of the linked entry's conversation can now see it.
	got, err := store.GetAttachment(ctx, "viewer", att.ID)
	require.NoError(t, err)
	assert.Equal(t, att.ID, got.ID)

	// Linked attachments are frozen into the record.
	err = store.DeleteAttachment(ctx, "uploader", att.ID)
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict), "expected conflict, got %T", err)
}

func TestDeleteExpiredAttachments(t *testing.T) {
	store, ctx := setupTestStore(t)

	expired := time.Now().Add(-time.Hour)
	storageKey := "blob/expired"
	att, err := store.CreateAttachment(ctx, "uploader2", model.Attachment{
		StorageKey:  &storageKey,
		ContentType: "application/octet-stream",
		ExpiresAt:   &expired,
	})
	require.NoError(t, err)

	deleted, err := store.DeleteExpiredAttachments(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, att.ID, deleted[0].ID)
	require.NotNil(t, deleted[0].StorageKey)
	assert.Equal(t, "blob/expired", *deleted[0].StorageKey)

	_, err = store.GetAttachment(ctx, "uploader2", att.ID)
	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(err, &notFound), "expected not found, got %T", err)
}

func TestEvictionHardDeletesSoftDeletedGroups(t *testing.T) {
	store, ctx := setupTestStore(t)

	conv, err := store.CreateConversation(ctx, "evictee", "Evict Me", nil)
	require.NoError(t, err)
	err = store.DeleteConversation(ctx, "evictee", conv.ID)
	require.NoError(t, err)

	cutoff := time.Now().Add(time.Minute)
	count, err := store.CountEvictableGroups(ctx, cutoff)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, int64(1))

	ids, err := store.FindEvictableGroupIDs(ctx, cutoff, 10)
	require.NoError(t, err)
	require.NotEmpty(t, ids)

	err = store.HardDeleteConversationGroups(ctx, ids)
	require.NoError(t, err)

	_, err = store.AdminGetConversation(ctx, conv.ID)
	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(err, &notFound), "expected not found, got %T", err)
}

func TestEvictionReapsMembershipsOfAdminDeletedGroups(t *testing.T) {
	store, ctx := setupTestStore(t)

	conv, err := store.CreateConversation(ctx, "owner9", "Admin Evict", nil)
	require.NoError(t, err)
	_, err = store.ShareConversation(ctx, "owner9", conv.ID, "member9", model.AccessLevelWriter)
	require.NoError(t, err)

	// Admin delete keeps memberships for a potential restore.
	err = store.AdminDeleteConversation(ctx, conv.ID)
	require.NoError(t, err)

	cutoff := time.Now().Add(time.Minute)
	count, err := store.CountEvictableMemberships(ctx, cutoff)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, int64(2))

	reaped, err := store.HardDeleteEvictableMemberships(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reaped, int64(2))

	count, err = store.CountEvictableMemberships(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, count)
}
