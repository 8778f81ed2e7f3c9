package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectFormat(t *testing.T) {
	tests := map[string]DocumentFormat{
		"notes.md":          FormatMarkdown,
		"README.MARKDOWN":   FormatMarkdown,
		"a/b/readme.txt":    FormatText,
		"methods.PDF":       FormatPDF,
		"protocol.docx":     FormatDOCX,
		"stations.csv":      FormatCSV,
		"data.nc":           FormatUnknown,
		"no-extension-file": FormatUnknown,
	}
	for path, want := range tests {
		assert.Equal(t, want, DetectFormat(path), path)
	}
}

func TestMarkdownParser(t *testing.T) {
	doc, err := markdownParser{}.Parse(context.Background(), DocumentPayload{
		Path: "ds-1/guide.md",
		Data: []byte("Intro line\r\n# Sampling guide  \r\n\r\nSoil cores were taken.   \r\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Sampling guide", doc.Title)
	assert.Equal(t, "Intro line\n# Sampling guide\n\nSoil cores were taken.", doc.Text)
}

func TestExtractTitle(t *testing.T) {
	assert.Equal(t, "Heading One", ExtractTitle("Some intro\n# Heading One\nMore text", "fallback"))
	assert.Equal(t, "fallback", ExtractTitle("#\nno heading text", "fallback"))
}

func TestTextParserTitle(t *testing.T) {
	doc, err := textParser{}.Parse(context.Background(), DocumentPayload{Path: "ds-1/readme.txt", Data: []byte("\n\nStation list\nA, B")})
	require.NoError(t, err)
	assert.Equal(t, "Station list", doc.Title)

	doc, err = textParser{}.Parse(context.Background(), DocumentPayload{Path: "ds-1/empty.txt", Data: []byte("   ")})
	require.NoError(t, err)
	assert.Equal(t, "empty", doc.Title)
	assert.Empty(t, doc.Text)
}

func TestCSVParser(t *testing.T) {
	doc, err := csvParser{}.Parse(context.Background(), DocumentPayload{
		Path: "ds-1/stations.csv",
		Data: []byte("station,river\nS1,Irwell\nS2,Mersey,extra\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "stations", doc.Title)
	assert.Equal(t, "Row 1\nstation: S1\nriver: Irwell\n\nRow 2\nstation: S2\nriver: Mersey\nColumn 3: extra", doc.Text)
}

func TestDocxText(t *testing.T) {
	xml := `<w:document><w:body><w:p><w:r><w:t>Flow &amp; level</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t>Second</w:t><w:tab/><w:t>para</w:t></w:r></w:p></w:body></w:document>`
	assert.Equal(t, "Flow & level\nSecond\npara", docxText(xml))
}

func TestBinaryParsersRejectGarbage(t *testing.T) {
	payload := DocumentPayload{Path: "ds-1/broken", Data: []byte("not a real file")}

	_, err := pdfParser{}.Parse(context.Background(), payload)
	assert.Error(t, err)
	_, err = docxParser{}.Parse(context.Background(), payload)
	assert.Error(t, err)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadDatasets(t *testing.T) {
	dir := t.TempDir()

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(dir, "datasets.json")
		writeFile(t, path, `[
			{"id": "ds-1", "title": "River flow", "abstract": "Daily flow.", "keywords": ["hydrology"], "url": "https://example.org/ds-1"},
			{"id": "ds-2", "title": "Rainfall"},
			{"id": "ds-1", "title": "River flow v2"}
		]`)
		datasets, err := LoadDatasets(path)
		require.NoError(t, err)
		require.Len(t, datasets, 2)
		assert.Equal(t, "River flow v2", datasets[0].Title)
		assert.Equal(t, "ds-2", datasets[1].ID)
	})

	t.Run("jsonl", func(t *testing.T) {
		path := filepath.Join(dir, "datasets.jsonl")
		writeFile(t, path, "{\"id\": \"a\", \"title\": \"A\"}\n\n{\"id\": \"b\", \"abstract\": \"B\"}\n")
		datasets, err := LoadDatasets(path)
		require.NoError(t, err)
		require.Len(t, datasets, 2)
		assert.Equal(t, "B", datasets[1].Abstract)
	})

	t.Run("csv", func(t *testing.T) {
		path := filepath.Join(dir, "datasets.csv")
		writeFile(t, path, "ID,Title,Abstract,Keywords\nds-9,Soil carbon,Topsoil carbon stocks,soil; carbon ;\n")
		datasets, err := LoadDatasets(path)
		require.NoError(t, err)
		require.Len(t, datasets, 1)
		assert.Equal(t, Dataset{ID: "ds-9", Title: "Soil carbon", Abstract: "Topsoil carbon stocks", Keywords: []string{"soil", "carbon"}}, datasets[0])
	})

	t.Run("missing id", func(t *testing.T) {
		path := filepath.Join(dir, "noid.json")
		writeFile(t, path, `[{"title": "Orphan"}]`)
		_, err := LoadDatasets(path)
		assert.ErrorContains(t, err, "has no id")
	})

	t.Run("unsupported", func(t *testing.T) {
		path := filepath.Join(dir, "datasets.xml")
		writeFile(t, path, "<datasets/>")
		_, err := LoadDatasets(path)
		assert.Error(t, err)
	})
}
