package knowledge

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type DatasetInsight struct {
	DatasetID     string
	DocumentCount int
	ChunkCount    int
	Documents     []string
	Keywords      []string
	Related       []RelatedDataset
}

// RelatedDataset shares at least one keyword with the dataset it is listed on.
type RelatedDataset struct {
	ID             string
	Title          string
	SharedKeywords int
}

// maxRelated bounds the related datasets returned per dataset.
const maxRelated = 5

// DatasetInsights reads document counts, keywords and keyword-related
// datasets for ids. Unknown ids are absent from the result.
func (g *Graph) DatasetInsights(ctx context.Context, ids []string) (map[string]DatasetInsight, error) {
	if g.driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	if len(ids) == 0 {
		return map[string]DatasetInsight{}, nil
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (d:Dataset)
		WHERE d.id IN $ids
		OPTIONAL MATCH (d)-[:HAS_DOCUMENT]->(doc:Document)
		OPTIONAL MATCH (doc)-[:HAS_CHUNK]->(c:Chunk)
		WITH d,
		     count(DISTINCT doc) AS documentCount,
		     count(DISTINCT c) AS chunkCount,
		     collect(DISTINCT doc.path) AS documents
		OPTIONAL MATCH (d)-[:HAS_KEYWORD]->(k:Keyword)
		WITH d, documentCount, chunkCount, documents, collect(DISTINCT k.name) AS keywords
		OPTIONAL MATCH (d)-[:HAS_KEYWORD]->(:Keyword)<-[:HAS_KEYWORD]-(other:Dataset)
		WHERE other.id <> d.id
		WITH d, documentCount, chunkCount, documents, keywords, other, count(*) AS shared
		ORDER BY shared DESC, other.id
		WITH d, documentCount, chunkCount, documents, keywords,
		     collect(CASE WHEN other IS NULL THEN NULL ELSE {id: other.id, title: other.title, shared: shared} END) AS related
		RETURN d.id AS id,
		       documentCount,
		       chunkCount,
		       [p IN documents WHERE p IS NOT NULL] AS documents,
		       [k IN keywords WHERE k IS NOT NULL] AS keywords,
		       related[0..$maxRelated] AS related
	`, map[string]any{"ids": ids, "maxRelated": maxRelated})
	if err != nil {
		return nil, fmt.Errorf("run neo4j insights query: %w", err)
	}

	insights := make(map[string]DatasetInsight, len(ids))
	for result.Next(ctx) {
		record := result.Record()
		id, _ := record.Get("id")
		datasetID, ok := id.(string)
		if !ok {
			continue
		}
		documentCount, _ := record.Get("documentCount")
		chunkCount, _ := record.Get("chunkCount")
		documents, _ := record.Get("documents")
		keywords, _ := record.Get("keywords")
		related, _ := record.Get("related")

		docs, _ := toInt(documentCount)
		chunks, _ := toInt(chunkCount)
		insights[datasetID] = DatasetInsight{
			DatasetID:     datasetID,
			DocumentCount: docs,
			ChunkCount:    chunks,
			Documents:     convertStringSlice(documents),
			Keywords:      convertStringSlice(keywords),
			Related:       convertRelated(related),
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("neo4j insights result error: %w", err)
	}

	return insights, nil
}

func convertStringSlice(value any) []string {
	raw, ok := value.([]any)
	if !ok {
		if v, ok := value.([]string); ok {
			return v
		}
		return nil
	}

	result := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			result = append(result, s)
		}
	}
	return result
}

func convertRelated(value any) []RelatedDataset {
	raw, ok := value.([]any)
	if !ok {
		return nil
	}

	related := make([]RelatedDataset, 0, len(raw))
	for _, item := range raw {
		data, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := data["id"].(string)
		if id == "" {
			continue
		}
		title, _ := data["title"].(string)
		shared, _ := toInt(data["shared"])
		related = append(related, RelatedDataset{ID: id, Title: title, SharedKeywords: shared})
	}
	return related
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
