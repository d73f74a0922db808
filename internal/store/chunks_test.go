package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreChunkEnforcesUniquenessByNormalizedContentAndLabel(t *testing.T) {
	s := openTestStore(t, Options{})

	first, err := s.StoreChunk(Chunk{Scope: DefaultScope, Source: ChunkSourceLogEntry, Content: "Always run  the linter", Label: LabelPattern})
	require.NoError(t, err)

	second, err := s.StoreChunk(Chunk{Scope: DefaultScope, Source: ChunkSourceManual, Content: "always run the linter", Label: LabelPattern})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	has, err := s.HasChunk(DefaultScope, "ALWAYS RUN THE LINTER", LabelPattern)
	require.NoError(t, err)
	require.True(t, has)
}

func TestSearchChunksFTSRanksByRelevance(t *testing.T) {
	s := openTestStore(t, Options{})
	_, err := s.StoreChunk(Chunk{Scope: DefaultScope, Source: ChunkSourceLogEntry, Content: "database migrations must be backward compatible", Label: LabelGotcha})
	require.NoError(t, err)
	_, err = s.StoreChunk(Chunk{Scope: DefaultScope, Source: ChunkSourceLogEntry, Content: "prefer small pull requests", Label: LabelPreference})
	require.NoError(t, err)

	results, err := s.SearchChunksFTS(DefaultScope, "migrations", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Contains(t, results[0].Content, "migrations")
}

func TestSearchChunksFTSMalformedQueryReturnsEmpty(t *testing.T) {
	s := openTestStore(t, Options{})
	_, err := s.StoreChunk(Chunk{Scope: DefaultScope, Source: ChunkSourceLogEntry, Content: "some content", Label: LabelPattern})
	require.NoError(t, err)

	results, err := s.SearchChunksFTS(DefaultScope, `"unterminated`, 5)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestListChunksWithEmbeddingsOnlyReturnsEmbedded(t *testing.T) {
	s := openTestStore(t, Options{})
	_, err := s.StoreChunk(Chunk{Scope: DefaultScope, Source: ChunkSourceLogEntry, Content: "no embedding here", Label: LabelPattern})
	require.NoError(t, err)
	_, err = s.StoreChunk(Chunk{Scope: DefaultScope, Source: ChunkSourceLogEntry, Content: "has an embedding", Label: LabelDecision, Embedding: []float64{0.1, 0.2, 0.3}})
	require.NoError(t, err)

	embedded, err := s.ListChunksWithEmbeddings(DefaultScope)
	require.NoError(t, err)
	require.Len(t, embedded, 1)
	require.Equal(t, "has an embedding", embedded[0].Content)
}

func TestChunkCrossTenantIsolation(t *testing.T) {
	s := openTestStore(t, Options{RequireExplicitScope: true})
	tenantA := Scope{TenantID: "acme", ProjectID: "widgets"}
	tenantB := Scope{TenantID: "beta", ProjectID: "widgets"}

	_, err := s.StoreChunk(Chunk{Scope: tenantA, Source: ChunkSourceLogEntry, Content: "secret pattern", Label: LabelPattern})
	require.NoError(t, err)

	results, err := s.SearchChunksFTS(tenantB, "secret", 5)
	require.NoError(t, err)
	require.Empty(t, results)
}
