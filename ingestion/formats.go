// Package ingestion turns dataset metadata and supporting documents into
// embedded records in the vector index.
package ingestion

import (
	"path/filepath"
	"strings"
)

// DocumentFormat enumerates supported supporting document formats.
type DocumentFormat string

const (
	// FormatUnknown represents an unsupported or undetected format.
	FormatUnknown  DocumentFormat = ""
	FormatMarkdown DocumentFormat = "markdown"
	FormatText     DocumentFormat = "text"
	FormatPDF      DocumentFormat = "pdf"
	FormatDOCX     DocumentFormat = "docx"
	FormatCSV      DocumentFormat = "csv"
)

// SupportedExtensions lists the file extensions DetectFormat recognises.
var SupportedExtensions = []string{".md", ".markdown", ".txt", ".pdf", ".docx", ".csv"}

// DetectFormat infers a document format from the provided path's extension.
func DetectFormat(path string) DocumentFormat {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".txt":
		return FormatText
	case ".pdf":
		return FormatPDF
	case ".docx":
		return FormatDOCX
	case ".csv":
		return FormatCSV
	default:
		return FormatUnknown
	}
}
