package resumer

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeLocatorStore is an in-memory LocatorStore for exercising the
// multi-replica paths without a cache server.
type fakeLocatorStore struct {
	mu      sync.Mutex
	entries map[string]Locator
}

func newFakeLocatorStore() *fakeLocatorStore {
	return &fakeLocatorStore{entries: map[string]Locator{}}
}

func (f *fakeLocatorStore) Available() bool { return true }

func (f *fakeLocatorStore) Get(_ context.Context, conversationID string) (*Locator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if loc, ok := f.entries[conversationID]; ok {
		return &loc, nil
	}
	return nil, nil
}

func (f *fakeLocatorStore) Upsert(_ context.Context, conversationID string, locator Locator, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[conversationID] = locator
	return nil
}

func (f *fakeLocatorStore) Remove(_ context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, conversationID)
	return nil
}

func (f *fakeLocatorStore) Exists(_ context.Context, conversationID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[conversationID]
	return ok, nil
}

func drain(t *testing.T, ch <-chan string) string {
	t.Helper()
	var sb strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return sb.String()
			}
			sb.WriteString(chunk)
		case <-timeout:
			t.Fatal("replay channel did not close")
		}
	}
}

func TestRecordThenReplay(t *testing.T) {
	store := NewTempFileStore(t.TempDir(), time.Minute, nil)
	ctx := context.Background()

	rec, err := store.RecorderWithAddress(ctx, "conv-1", "")
	require.NoError(t, err)
	require.NoError(t, rec.Record("hello "))
	require.NoError(t, rec.Record("world"))
	require.NoError(t, rec.Complete())

	ch, redirect, err := store.ReplayWithAddress(ctx, "conv-1", "")
	require.NoError(t, err)
	require.Empty(t, redirect)
	require.Equal(t, "hello world", drain(t, ch))
}

func TestReplayWhileRecording(t *testing.T) {
	store := NewTempFileStore(t.TempDir(), time.Minute, nil)
	ctx := context.Background()

	rec, err := store.RecorderWithAddress(ctx, "conv-1", "")
	require.NoError(t, err)
	require.NoError(t, rec.Record("first"))

	ch, _, err := store.ReplayWithAddress(ctx, "conv-1", "")
	require.NoError(t, err)

	require.NoError(t, rec.Record(" second"))
	require.NoError(t, rec.Complete())

	require.Equal(t, "first second", drain(t, ch))
}

func TestReplayWithoutRecording(t *testing.T) {
	store := NewTempFileStore(t.TempDir(), time.Minute, nil)

	ch, redirect, err := store.ReplayWithAddress(context.Background(), "absent", "")
	require.NoError(t, err)
	require.Empty(t, redirect)
	require.Empty(t, drain(t, ch))
}

func TestCancelClosesCancelStream(t *testing.T) {
	store := NewTempFileStore(t.TempDir(), time.Minute, nil)
	ctx := context.Background()

	rec, err := store.RecorderWithAddress(ctx, "conv-1", "")
	require.NoError(t, err)
	defer func() { _ = rec.Complete() }()

	cancelCh, err := store.CancelStream(ctx, "conv-1")
	require.NoError(t, err)
	select {
	case <-cancelCh:
		t.Fatal("cancel channel closed before any cancel request")
	default:
	}

	redirect, err := store.RequestCancelWithAddress(ctx, "conv-1", "")
	require.NoError(t, err)
	require.Empty(t, redirect)

	select {
	case <-cancelCh:
	case <-time.After(time.Second):
		t.Fatal("cancel channel still open after cancel request")
	}

	// Cancelling again is harmless.
	_, err = store.RequestCancelWithAddress(ctx, "conv-1", "")
	require.NoError(t, err)
}

func TestNewRecordingDisplacesPrevious(t *testing.T) {
	store := NewTempFileStore(t.TempDir(), time.Minute, nil)
	ctx := context.Background()

	first, err := store.RecorderWithAddress(ctx, "conv-1", "")
	require.NoError(t, err)
	require.NoError(t, first.Record("old"))

	second, err := store.RecorderWithAddress(ctx, "conv-1", "")
	require.NoError(t, err)
	require.NoError(t, second.Record("new"))
	require.NoError(t, second.Complete())

	ch, _, err := store.ReplayWithAddress(ctx, "conv-1", "")
	require.NoError(t, err)
	require.Equal(t, "new", drain(t, ch))

	// Completing the displaced recorder after the fact stays quiet.
	require.NoError(t, first.Complete())
}

func TestLocatorRedirectsToOwner(t *testing.T) {
	locators := newFakeLocatorStore()
	require.NoError(t, locators.Upsert(context.Background(), "conv-1",
		Locator{Addr: "owner:8080", File: "x.chunks"}, 0))

	store := NewTempFileStore(t.TempDir(), time.Minute, locators)
	ctx := context.Background()

	_, redirect, err := store.ReplayWithAddress(ctx, "conv-1", "other:8080")
	require.NoError(t, err)
	require.Equal(t, "owner:8080", redirect)

	redirect, err = store.RequestCancelWithAddress(ctx, "conv-1", "other:8080")
	require.NoError(t, err)
	require.Equal(t, "owner:8080", redirect)
}

func TestCheckSeesRemoteRecordings(t *testing.T) {
	locators := newFakeLocatorStore()
	store := NewTempFileStore(t.TempDir(), time.Minute, locators)
	ctx := context.Background()

	// conv-remote is being recorded by some other replica.
	require.NoError(t, locators.Upsert(ctx, "conv-remote",
		Locator{Addr: "owner:8080", File: "y.chunks"}, 0))

	rec, err := store.RecorderWithAddress(ctx, "conv-local", "me:8080")
	require.NoError(t, err)
	defer func() { _ = rec.Complete() }()

	active, err := store.Check(ctx, []string{"conv-local", "conv-remote", "conv-idle"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"conv-local", "conv-remote"}, active)
}

func TestCompleteRemovesLocatorEntry(t *testing.T) {
	locators := newFakeLocatorStore()
	store := NewTempFileStore(t.TempDir(), time.Minute, locators)
	ctx := context.Background()

	rec, err := store.RecorderWithAddress(ctx, "conv-1", "me:8080")
	require.NoError(t, err)

	exists, err := locators.Exists(ctx, "conv-1")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, rec.Complete())

	exists, err = locators.Exists(ctx, "conv-1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestLocatorMatchesAddress(t *testing.T) {
	loc := Locator{Addr: "Host-A:8080"}
	require.True(t, loc.MatchesAddress("host-a:8080"))
	require.True(t, loc.MatchesAddress("Host-A:8080"))
	require.False(t, loc.MatchesAddress("host-a:9090"))
	require.False(t, loc.MatchesAddress("host-b:8080"))
	require.False(t, loc.MatchesAddress(""))

	// Bare hosts compare as strings.
	bare := Locator{Addr: "host-a"}
	require.True(t, bare.MatchesAddress("HOST-A"))
	require.False(t, bare.MatchesAddress("host-a:8080"))
}

func TestLocatorEncodeDecode(t *testing.T) {
	original := Locator{Addr: "replica-2:9443", File: "recall-response-123.chunks"}
	encoded, err := original.encode()
	require.NoError(t, err)

	decoded, ok := decodeLocator(encoded)
	require.True(t, ok)
	require.Equal(t, original, decoded)

	_, ok = decodeLocator("not json")
	require.False(t, ok)
	_, ok = decodeLocator("{}")
	require.False(t, ok)
}
