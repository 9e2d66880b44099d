package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkByInputSize(t *testing.T) {
	docs := []EmbeddingInputDocument{
		{ID: "1", Text: "Hello"},
		{ID: "2", Text: "World"},
		{ID: "3", Text: "This is a test"},
	}

	batches := ChunkByInputSize(docs, 10)

	assert.Len(t, batches, 2)
	assert.Equal(t, []EmbeddingInputDocument{docs[0], docs[1]}, batches[0])
	assert.Equal(t, []EmbeddingInputDocument{docs[2]}, batches[1])
}

func TestChunkByInputSizeUnicode(t *testing.T) {
	docs := []EmbeddingInputDocument{
		{ID: "1", Text: "café"},
		{ID: "2", Text: "naïve"},
	}

	batches := ChunkByInputSize(docs, 9)

	assert.Len(t, batches, 1)
	assert.Equal(t, docs, batches[0])
}

func TestChunkByInputSizeOversizedDocGetsOwnBatch(t *testing.T) {
	docs := []EmbeddingInputDocument{
		{ID: "1", Text: "tiny"},
		{ID: "2", Text: "this document is far longer than the chunk size"},
		{ID: "3", Text: "tiny"},
	}

	batches := ChunkByInputSize(docs, 10)

	assert.Len(t, batches, 3)
	assert.Equal(t, []EmbeddingInputDocument{docs[0]}, batches[0])
	assert.Equal(t, []EmbeddingInputDocument{docs[1]}, batches[1])
	assert.Equal(t, []EmbeddingInputDocument{docs[2]}, batches[2])
}

func TestValidateToolSchemas(t *testing.T) {
	valid := []ToolDefinition{{Name: "lookup", RawSchema: []byte(`{"type":"object"}`)}}
	assert.NoError(t, ValidateToolSchemas(valid))
	assert.True(t, valid[0].Validated())

	invalid := []ToolDefinition{{Name: "lookup", RawSchema: []byte(`not json`)}}
	assert.Error(t, ValidateToolSchemas(invalid))

	notObject := []ToolDefinition{{Name: "lookup", RawSchema: []byte(`"a string"`)}}
	assert.Error(t, ValidateToolSchemas(notObject))
}
