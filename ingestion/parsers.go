package ingestion

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"html"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
)

// DocumentPayload is the raw content of one supporting document.
type DocumentPayload struct {
	Path string
	Data []byte
}

// ParsedDocument is the plain text extracted from a document.
type ParsedDocument struct {
	Title string
	Text  string
}

type DocumentParser interface {
	Parse(ctx context.Context, payload DocumentPayload) (ParsedDocument, error)
}

// DefaultParsers returns a parser for every supported format.
func DefaultParsers() map[DocumentFormat]DocumentParser {
	return map[DocumentFormat]DocumentParser{
		FormatMarkdown: markdownParser{},
		FormatText:     textParser{},
		FormatPDF:      pdfParser{},
		FormatDOCX:     docxParser{},
		FormatCSV:      csvParser{},
	}
}

type markdownParser struct{}

func (markdownParser) Parse(_ context.Context, payload DocumentPayload) (ParsedDocument, error) {
	content := normalizePlainText(string(payload.Data))
	return ParsedDocument{
		Title: ExtractTitle(content, baseName(payload.Path)),
		Text:  content,
	}, nil
}

type textParser struct{}

func (textParser) Parse(_ context.Context, payload DocumentPayload) (ParsedDocument, error) {
	content := normalizePlainText(string(payload.Data))
	title := firstNonEmptyLine(content)
	if title == "" || len([]rune(title)) > 120 {
		title = baseName(payload.Path)
	}
	return ParsedDocument{Title: title, Text: content}, nil
}

type pdfParser struct{}

func (pdfParser) Parse(ctx context.Context, payload DocumentPayload) (ParsedDocument, error) {
	reader, err := pdf.NewReader(bytes.NewReader(payload.Data), int64(len(payload.Data)))
	if err != nil {
		return ParsedDocument{}, fmt.Errorf("open pdf: %w", err)
	}

	pages := make([]string, 0, reader.NumPage())
	for n := 1; n <= reader.NumPage(); n++ {
		if err := ctx.Err(); err != nil {
			return ParsedDocument{}, err
		}
		page := reader.Page(n)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return ParsedDocument{}, fmt.Errorf("extract text of page %d: %w", n, err)
		}
		if strings.TrimSpace(text) != "" {
			pages = append(pages, text)
		}
	}

	return ParsedDocument{
		Title: baseName(payload.Path),
		Text:  normalizePlainText(strings.Join(pages, "\n\n")),
	}, nil
}

type docxParser struct{}

func (docxParser) Parse(_ context.Context, payload DocumentPayload) (ParsedDocument, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(payload.Data), int64(len(payload.Data)))
	if err != nil {
		return ParsedDocument{}, fmt.Errorf("open docx: %w", err)
	}
	defer doc.Close()

	return ParsedDocument{
		Title: baseName(payload.Path),
		Text:  docxText(doc.Editable().GetContent()),
	}, nil
}

var (
	docxParagraphEnd = regexp.MustCompile(`</w:p>|<w:br/>|<w:tab/>`)
	xmlTag           = regexp.MustCompile(`<[^>]*>`)
)

// docxText reduces WordprocessingML to plain text, one line per paragraph.
func docxText(content string) string {
	content = docxParagraphEnd.ReplaceAllString(content, "\n")
	content = xmlTag.ReplaceAllString(content, "")
	return normalizePlainText(html.UnescapeString(content))
}

type csvParser struct{}

func (csvParser) Parse(_ context.Context, payload DocumentPayload) (ParsedDocument, error) {
	reader := csv.NewReader(bytes.NewReader(payload.Data))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return ParsedDocument{}, fmt.Errorf("parse csv: %w", err)
	}

	title := baseName(payload.Path)
	if len(records) == 0 {
		return ParsedDocument{Title: title}, nil
	}

	headers := records[0]
	rows := make([]string, 0, len(records)-1)
	for idx, row := range records[1:] {
		rows = append(rows, formatCSVRow(headers, row, idx))
	}
	return ParsedDocument{Title: title, Text: strings.Join(rows, "\n\n")}, nil
}

// ExtractTitle returns the first markdown heading of content.
func ExtractTitle(content, fallback string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			if title := strings.TrimSpace(strings.TrimLeft(trimmed, "#")); title != "" {
				return title
			}
		}
	}
	return fallback
}

func baseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func firstNonEmptyLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func formatCSVRow(headers, row []string, idx int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Row %d", idx+1)

	for i, value := range row {
		header := ""
		if i < len(headers) {
			header = strings.TrimSpace(headers[i])
		}
		if header == "" {
			header = fmt.Sprintf("Column %d", i+1)
		}
		fmt.Fprintf(&b, "\n%s: %s", header, strings.TrimSpace(value))
	}
	return b.String()
}
