package ingestion

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Dataset is one catalogue entry as supplied by the metadata store.
type Dataset struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Abstract string   `json:"abstract"`
	Keywords []string `json:"keywords,omitempty"`
	URL      string   `json:"url,omitempty"`
}

// LoadDatasets reads a dataset manifest. The format follows the extension:
// a JSON array (.json), one object per line (.jsonl) or a CSV file with an
// id,title,abstract,keywords,url header where keywords are separated by ';'.
// A later entry with the same id replaces an earlier one.
func LoadDatasets(path string) ([]Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset manifest: %w", err)
	}

	var datasets []Dataset
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, &datasets)
	case ".jsonl", ".ndjson":
		datasets, err = decodeJSONLines(data)
	case ".csv":
		datasets, err = decodeCSVDatasets(data)
	default:
		return nil, fmt.Errorf("unsupported dataset manifest format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("decode dataset manifest %s: %w", path, err)
	}

	return dedupeDatasets(datasets)
}

func decodeJSONLines(data []byte) ([]Dataset, error) {
	var datasets []Dataset
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ds Dataset
		if err := json.Unmarshal(raw, &ds); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		datasets = append(datasets, ds)
	}
	return datasets, scanner.Err()
}

func decodeCSVDatasets(data []byte) ([]Dataset, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := columns["id"]; !ok {
		return nil, fmt.Errorf("csv manifest needs an id column")
	}

	field := func(row []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var datasets []Dataset
	for {
		row, err := reader.Read()
		if err == io.EOF {
			return datasets, nil
		}
		if err != nil {
			return nil, err
		}
		ds := Dataset{
			ID:       field(row, "id"),
			Title:    field(row, "title"),
			Abstract: field(row, "abstract"),
			URL:      field(row, "url"),
		}
		for _, kw := range strings.Split(field(row, "keywords"), ";") {
			if kw = strings.TrimSpace(kw); kw != "" {
				ds.Keywords = append(ds.Keywords, kw)
			}
		}
		datasets = append(datasets, ds)
	}
}

func dedupeDatasets(datasets []Dataset) ([]Dataset, error) {
	index := make(map[string]int, len(datasets))
	out := make([]Dataset, 0, len(datasets))
	for i, ds := range datasets {
		ds.ID = strings.TrimSpace(ds.ID)
		if ds.ID == "" {
			return nil, fmt.Errorf("dataset entry %d has no id", i+1)
		}
		if pos, ok := index[ds.ID]; ok {
			out[pos] = ds
			continue
		}
		index[ds.ID] = len(out)
		out = append(out, ds)
	}
	return out, nil
}
