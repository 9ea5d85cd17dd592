package search

import (
	"testing"
	"time"

	registrystore "github.com/recallio/recall/internal/registry/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestSortResultsBreaksScoreTies(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	idA := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	idB := uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	idC := uuid.MustParse("00000000-0000-0000-0000-00000000000c")
	idD := uuid.MustParse("00000000-0000-0000-0000-00000000000d")

	results := []registrystore.SearchResult{
		{EntryID: idD, Score: 0.5, CreatedAt: base},
		{EntryID: idB, Score: 0.5, CreatedAt: base.Add(time.Minute)},
		{EntryID: idC, Score: 0.5, CreatedAt: base.Add(time.Minute)},
		{EntryID: idA, Score: 0.9, CreatedAt: base},
	}
	sortResults(results)

	// Highest score first; equal scores order newest-first; equal timestamps
	// fall back to the entry id.
	require.Equal(t, idA, results[0].EntryID)
	require.Equal(t, idB, results[1].EntryID)
	require.Equal(t, idC, results[2].EntryID)
	require.Equal(t, idD, results[3].EntryID)
}
