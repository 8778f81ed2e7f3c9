package ingestion

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(parts, " ")
}

func TestChunkWordsThousandWordDocument(t *testing.T) {
	seq, err := ChunkWords("doc-1", words(1000), 500, 50)
	require.NoError(t, err)

	chunks := CollectChunks(seq)
	require.Len(t, chunks, 3)

	spans := [][2]int{{0, 500}, {450, 950}, {900, 1000}}
	for i, chunk := range chunks {
		assert.Equal(t, "doc-1", chunk.SourceID)
		assert.Equal(t, i, chunk.Index)
		assert.Equal(t, spans[i][0], chunk.StartOffset)
		assert.Equal(t, spans[i][1], chunk.EndOffset)
		assert.Len(t, strings.Fields(chunk.Text), spans[i][1]-spans[i][0])
	}
	assert.True(t, strings.HasPrefix(chunks[1].Text, "w450 "))
	assert.True(t, strings.HasSuffix(chunks[2].Text, " w999"))
}

func TestChunkWordsInvalidParameters(t *testing.T) {
	cases := [][2]int{{10, 10}, {10, 11}, {0, 0}, {10, -1}}
	for _, c := range cases {
		_, err := ChunkWords("doc", "some text", c[0], c[1])
		assert.ErrorIs(t, err, ErrInvalidChunkParameters, "size=%d overlap=%d", c[0], c[1])
	}

	_, err := NewChunker(5, 5)
	assert.ErrorIs(t, err, ErrInvalidChunkParameters)
}

func TestChunkWordsEmptyInput(t *testing.T) {
	for _, text := range []string{"", "   \n\t  "} {
		seq, err := ChunkWords("doc", text, 10, 2)
		require.NoError(t, err)
		assert.Empty(t, CollectChunks(seq))
	}
}

func TestChunkWordsCoversEveryWord(t *testing.T) {
	for _, n := range []int{1, 7, 49, 50, 51, 333} {
		for _, params := range [][2]int{{10, 0}, {10, 3}, {7, 6}, {50, 10}} {
			seq, err := ChunkWords("doc", words(n), params[0], params[1])
			require.NoError(t, err)

			covered := make([]bool, n)
			chunks := CollectChunks(seq)
			for _, chunk := range chunks {
				for i := chunk.StartOffset; i < chunk.EndOffset; i++ {
					covered[i] = true
				}
			}
			for i, ok := range covered {
				assert.True(t, ok, "n=%d params=%v word %d not covered", n, params, i)
			}

			// the last window always reaches the end and no window is redundant
			last := chunks[len(chunks)-1]
			assert.Equal(t, n, last.EndOffset)
			if len(chunks) > 1 {
				assert.Less(t, chunks[len(chunks)-2].EndOffset, n)
			}
		}
	}
}

func TestChunkWordsIsRestartable(t *testing.T) {
	seq, err := ChunkWords("doc", words(120), 25, 5)
	require.NoError(t, err)

	first := CollectChunks(seq)
	second := CollectChunks(seq)
	assert.Equal(t, first, second)

	again, err := ChunkWords("doc", words(120), 25, 5)
	require.NoError(t, err)
	assert.Equal(t, first, CollectChunks(again))
}

func TestChunkWordsKeepsMultibyteWordsIntact(t *testing.T) {
	seq, err := ChunkWords("doc", "Écosse  données\tmétéo 河川 流量", 2, 1)
	require.NoError(t, err)

	chunks := CollectChunks(seq)
	require.Len(t, chunks, 4)
	assert.Equal(t, "Écosse données", chunks[0].Text)
	assert.Equal(t, "河川 流量", chunks[3].Text)
}

func TestChunkWordsEarlyBreak(t *testing.T) {
	seq, err := ChunkWords("doc", words(100), 10, 0)
	require.NoError(t, err)

	count := 0
	for range seq {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}
