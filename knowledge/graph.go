// Package knowledge mirrors the indexed catalogue into a Neo4j graph and
// reads it back as per-dataset insights.
package knowledge

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type Dataset struct {
	ID       string
	Title    string
	URL      string
	Keywords []string
}

type Document struct {
	ID        string
	DatasetID string
	Path      string
	Title     string
	SHA       string
	Chunks    []Chunk
}

type Chunk struct {
	ID    string
	Index int
	Text  string
}

// Graph writes and reads the catalogue graph:
// (:Dataset)-[:HAS_DOCUMENT]->(:Document)-[:HAS_CHUNK]->(:Chunk) and
// (:Dataset)-[:HAS_KEYWORD]->(:Keyword).
type Graph struct {
	driver neo4j.DriverWithContext
}

func NewGraph(driver neo4j.DriverWithContext) *Graph {
	return &Graph{driver: driver}
}

func (g *Graph) SyncDataset(ctx context.Context, ds Dataset) error {
	if g.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (d:Dataset {id: $id})
			SET d.title = $title,
			    d.url = $url,
			    d.updated_at = datetime()
		`, map[string]any{"id": ds.ID, "title": ds.Title, "url": ds.URL}); err != nil {
			return nil, fmt.Errorf("upsert dataset node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Dataset {id: $id})-[r:HAS_KEYWORD]->(:Keyword)
			DELETE r
		`, map[string]any{"id": ds.ID}); err != nil {
			return nil, fmt.Errorf("clear existing keywords: %w", err)
		}

		if keywords := NormalizeKeywords(ds.Keywords); len(keywords) > 0 {
			if _, err := tx.Run(ctx, `
				MATCH (d:Dataset {id: $id})
				UNWIND $keywords AS name
				MERGE (k:Keyword {name: name})
				MERGE (d)-[:HAS_KEYWORD]->(k)
			`, map[string]any{"id": ds.ID, "keywords": keywords}); err != nil {
				return nil, fmt.Errorf("upsert keywords: %w", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	if _, err := session.Run(ctx, `
		MATCH (k:Keyword)
		WHERE NOT (k)<-[:HAS_KEYWORD]-(:Dataset)
		DELETE k
	`, nil); err != nil {
		return fmt.Errorf("remove orphan keywords: %w", err)
	}
	return nil
}

// SyncDocument replaces the document node and its chunks and links it to its
// dataset, creating a placeholder dataset node if ingestion saw the document
// first.
func (g *Graph) SyncDocument(ctx context.Context, doc Document) error {
	if g.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	chunks := make([]map[string]any, len(doc.Chunks))
	for i, c := range doc.Chunks {
		chunks[i] = map[string]any{"id": c.ID, "index": c.Index, "text": c.Text}
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (ds:Dataset {id: $dataset_id})
			MERGE (d:Document {id: $id})
			SET d.path = $path,
			    d.title = $title,
			    d.sha256 = $sha,
			    d.updated_at = datetime()
			MERGE (ds)-[:HAS_DOCUMENT]->(d)
		`, map[string]any{
			"dataset_id": doc.DatasetID,
			"id":         doc.ID,
			"path":       doc.Path,
			"title":      doc.Title,
			"sha":        doc.SHA,
		}); err != nil {
			return nil, fmt.Errorf("upsert document node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE c
		`, map[string]any{"id": doc.ID}); err != nil {
			return nil, fmt.Errorf("clear existing chunk nodes: %w", err)
		}

		if len(chunks) > 0 {
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $id})
				UNWIND $chunks AS chunk
				MERGE (c:Chunk {id: chunk.id})
				SET c.index = chunk.index,
				    c.text = chunk.text
				MERGE (d)-[:HAS_CHUNK {order: chunk.index}]->(c)
			`, map[string]any{"id": doc.ID, "chunks": chunks}); err != nil {
				return nil, fmt.Errorf("upsert chunk nodes: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

// DeleteDocument removes a document and its chunks.
func (g *Graph) DeleteDocument(ctx context.Context, id string) error {
	return g.write(ctx, "delete document", `
		MATCH (d:Document {id: $id})
		OPTIONAL MATCH (d)-[:HAS_CHUNK]->(c:Chunk)
		DETACH DELETE c, d
	`, map[string]any{"id": id})
}

// Purge removes every node this package owns.
func (g *Graph) Purge(ctx context.Context) error {
	return g.write(ctx, "purge catalogue graph", `
		MATCH (n)
		WHERE n:Dataset OR n:Document OR n:Chunk OR n:Keyword
		DETACH DELETE n
	`, nil)
}

func (g *Graph) write(ctx context.Context, action, cypher string, params map[string]any) error {
	if g.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, cypher, params)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}

// NormalizeKeywords lower-cases, trims and de-duplicates keywords, keeping
// first-seen order.
func NormalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.Join(strings.Fields(k), " "))
		if k == "" || slices.Contains(out, k) {
			continue
		}
		out = append(out, k)
	}
	return out
}
