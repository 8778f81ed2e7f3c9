package vectorindex

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Payload is the closed set of display fields stored next to a vector.
// Which fields are required depends on SourceType; see Validate.
type Payload struct {
	SourceType SourceType `payload:"source_type" json:"source_type"`
	Title      string     `payload:"title" json:"title,omitempty"`
	// Text is the abstract preview for datasets and the chunk text for
	// document chunks.
	Text     string `payload:"text" json:"text,omitempty"`
	Keywords string `payload:"keywords" json:"keywords,omitempty"`
	URL      string `payload:"url" json:"url,omitempty"`

	DatasetID   string `payload:"dataset_id" json:"dataset_id"`
	DocumentID  string `payload:"document_id" json:"document_id,omitempty"`
	SourceFile  string `payload:"source_file" json:"source_file,omitempty"`
	ChunkIndex  int    `payload:"chunk_index" json:"chunk_index,omitempty"`
	StartOffset int    `payload:"start_offset" json:"start_offset,omitempty"`
	EndOffset   int    `payload:"end_offset" json:"end_offset,omitempty"`
}

// Validate rejects payloads that could not be rendered as a citation.
func (p Payload) Validate() error {
	switch p.SourceType {
	case SourceDataset:
		if strings.TrimSpace(p.DatasetID) == "" {
			return fmt.Errorf("%w: dataset payload needs dataset_id", ErrInvalidPayload)
		}
		if strings.TrimSpace(p.Title) == "" && strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("%w: dataset payload needs a title or text", ErrInvalidPayload)
		}
		if p.DocumentID != "" || p.SourceFile != "" || p.ChunkIndex != 0 || p.EndOffset != 0 {
			return fmt.Errorf("%w: dataset payload carries chunk fields", ErrInvalidPayload)
		}
	case SourceDocumentChunk:
		if strings.TrimSpace(p.DatasetID) == "" || strings.TrimSpace(p.DocumentID) == "" {
			return fmt.Errorf("%w: chunk payload needs dataset_id and document_id", ErrInvalidPayload)
		}
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("%w: chunk payload needs text", ErrInvalidPayload)
		}
		if p.ChunkIndex < 0 || p.StartOffset < 0 || p.EndOffset <= p.StartOffset {
			return fmt.Errorf("%w: chunk payload offsets [%d,%d) index %d", ErrInvalidPayload, p.StartOffset, p.EndOffset, p.ChunkIndex)
		}
	default:
		return fmt.Errorf("%w: unknown source_type %q", ErrInvalidPayload, p.SourceType)
	}
	return nil
}

// Map flattens the payload for backends that store JSON or typed values.
// Empty optional fields are omitted.
func (p Payload) Map() map[string]any {
	m := map[string]any{
		"source_type": string(p.SourceType),
		"dataset_id":  p.DatasetID,
	}
	putString(m, "title", p.Title)
	putString(m, "text", p.Text)
	putString(m, "keywords", p.Keywords)
	putString(m, "url", p.URL)
	if p.SourceType == SourceDocumentChunk {
		m["document_id"] = p.DocumentID
		putString(m, "source_file", p.SourceFile)
		m["chunk_index"] = p.ChunkIndex
		m["start_offset"] = p.StartOffset
		m["end_offset"] = p.EndOffset
	}
	return m
}

// StringMap is Map with every value rendered as a string, for backends whose
// metadata is map[string]string.
func (p Payload) StringMap() map[string]string {
	m := p.Map()
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = val
		case int:
			out[k] = strconv.Itoa(val)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// DecodePayload rebuilds a Payload from stored metadata. Unknown keys are an
// error, numeric strings are accepted for the integer fields.
func DecodePayload(raw map[string]any) (Payload, error) {
	var p Payload
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		TagName:          "payload",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return Payload{}, fmt.Errorf("create payload decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return p, nil
}

// DecodeStringPayload is DecodePayload for map[string]string metadata.
func DecodeStringPayload(raw map[string]string) (Payload, error) {
	m := make(map[string]any, len(raw))
	for k, v := range raw {
		m[k] = v
	}
	return DecodePayload(m)
}

func putString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
