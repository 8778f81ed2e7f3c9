package ingestion

import (
	"errors"
	"fmt"
	"iter"
	"strings"
)

// ErrInvalidChunkParameters is returned when a window would not advance.
var ErrInvalidChunkParameters = errors.New("invalid chunk parameters")

// Chunk is one overlapping word window of a source text. Offsets are word
// indexes into the source, end exclusive.
type Chunk struct {
	SourceID    string
	Index       int
	Text        string
	StartOffset int
	EndOffset   int
}

// Chunker splits text into fixed-size word windows.
type Chunker struct {
	SizeWords    int
	OverlapWords int
}

func NewChunker(sizeWords, overlapWords int) (Chunker, error) {
	if err := validateWindow(sizeWords, overlapWords); err != nil {
		return Chunker{}, err
	}
	return Chunker{SizeWords: sizeWords, OverlapWords: overlapWords}, nil
}

// Chunk returns the windows of text. The sequence holds no state between
// iterations and can be ranged over any number of times.
func (c Chunker) Chunk(sourceID, text string) (iter.Seq[Chunk], error) {
	return ChunkWords(sourceID, text, c.SizeWords, c.OverlapWords)
}

// ChunkWords slides a window of size words over text, advancing by
// size-overlap words. The last window may be shorter; whitespace-only text
// yields nothing.
func ChunkWords(sourceID, text string, size, overlap int) (iter.Seq[Chunk], error) {
	if err := validateWindow(size, overlap); err != nil {
		return nil, err
	}

	words := strings.Fields(text)
	step := size - overlap

	return func(yield func(Chunk) bool) {
		for start, index := 0, 0; start < len(words); start, index = start+step, index+1 {
			end := min(start+size, len(words))
			chunk := Chunk{
				SourceID:    sourceID,
				Index:       index,
				Text:        strings.Join(words[start:end], " "),
				StartOffset: start,
				EndOffset:   end,
			}
			if !yield(chunk) {
				return
			}
			if end == len(words) {
				return
			}
		}
	}, nil
}

// CollectChunks drains a chunk sequence into a slice.
func CollectChunks(seq iter.Seq[Chunk]) []Chunk {
	var chunks []Chunk
	for chunk := range seq {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func validateWindow(size, overlap int) error {
	if overlap < 0 || size <= overlap {
		return fmt.Errorf("%w: size %d must exceed overlap %d, overlap must be >= 0", ErrInvalidChunkParameters, size, overlap)
	}
	return nil
}
