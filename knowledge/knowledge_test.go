package knowledge

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilDriver(t *testing.T) {
	g := NewGraph(nil)
	ctx := context.Background()
	assert.Error(t, g.SyncDataset(ctx, Dataset{ID: "a"}))
	assert.Error(t, g.SyncDocument(ctx, Document{ID: "d"}))
	assert.Error(t, g.DeleteDocument(ctx, "d"))
	assert.Error(t, g.Purge(ctx))
	_, err := g.DatasetInsights(ctx, []string{"a"})
	assert.Error(t, err)
}

func TestNormalizeKeywords(t *testing.T) {
	got := NormalizeKeywords([]string{" River  Flow ", "hydrology", "river flow", "", "Hydrology"})
	assert.Equal(t, []string{"river flow", "hydrology"}, got)
}

func TestConvertHelpers(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, convertStringSlice([]any{"a", "", 3, "b"}))
	assert.Equal(t, []string{"x"}, convertStringSlice([]string{"x"}))
	assert.Nil(t, convertStringSlice(nil))

	related := convertRelated([]any{
		map[string]any{"id": "soil", "title": "Soil carbon", "shared": int64(2)},
		map[string]any{"title": "no id"},
		"garbage",
	})
	require.Len(t, related, 1)
	assert.Equal(t, RelatedDataset{ID: "soil", Title: "Soil carbon", SharedKeywords: 2}, related[0])

	n, ok := toInt(int32(7))
	assert.True(t, ok)
	assert.Equal(t, 7, n)
	_, ok = toInt("7")
	assert.False(t, ok)
}

func TestDatasetInsightsIntegration(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run database integration checks")
	}
	uri := os.Getenv("NEO4J_URI")
	if uri == "" {
		t.Skip("NEO4J_URI is not set")
	}

	ctx := context.Background()
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(os.Getenv("NEO4J_USER"), os.Getenv("NEO4J_PASS"), ""))
	require.NoError(t, err)
	defer driver.Close(ctx)
	g := NewGraph(driver)

	dsA, dsB := uuid.NewString(), uuid.NewString()
	docA := uuid.NewString()
	t.Cleanup(func() {
		session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
		defer session.Close(ctx)
		_, _ = session.Run(ctx, "MATCH (d:Dataset) WHERE d.id IN $ids DETACH DELETE d", map[string]any{"ids": []string{dsA, dsB}})
		_ = g.DeleteDocument(ctx, docA)
	})

	require.NoError(t, g.SyncDataset(ctx, Dataset{ID: dsA, Title: "Grid-to-Grid", Keywords: []string{"river flow", "hydrology"}}))
	require.NoError(t, g.SyncDataset(ctx, Dataset{ID: dsB, Title: "Flood estimates", Keywords: []string{"Hydrology"}}))
	require.NoError(t, g.SyncDocument(ctx, Document{
		ID: docA, DatasetID: dsA, Path: dsA + "/guide.pdf", Title: "guide.pdf", SHA: "sha",
		Chunks: []Chunk{{ID: "doc:" + docA + ":0", Index: 0, Text: "a"}, {ID: "doc:" + docA + ":1", Index: 1, Text: "b"}},
	}))

	insights, err := g.DatasetInsights(ctx, []string{dsA, "missing"})
	require.NoError(t, err)
	require.Contains(t, insights, dsA)
	assert.NotContains(t, insights, "missing")

	got := insights[dsA]
	assert.Equal(t, 1, got.DocumentCount)
	assert.Equal(t, 2, got.ChunkCount)
	assert.ElementsMatch(t, []string{"river flow", "hydrology"}, got.Keywords)
	require.Len(t, got.Related, 1)
	assert.Equal(t, dsB, got.Related[0].ID)
	assert.Equal(t, 1, got.Related[0].SharedKeywords)
}
