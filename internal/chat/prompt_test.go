package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sourcerer/internal/store"
)

func TestBuildMessages_WithContext(t *testing.T) {
	chunks := []store.SearchResult{
		{Chunk: store.Chunk{StartByte: 0, EndByte: 100, Content: "func main() {}"}, FilePath: "main.go"},
	}
	history := []store.Message{
		{Role: store.RoleUser, Content: "earlier question"},
		{Role: store.RoleAssistant, Content: "earlier answer"},
	}

	msgs := buildMessages(chunks, history, "current question")

	require.Len(t, msgs, 6)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "main.go")
	assert.Contains(t, msgs[1].Content, "func main() {}")
	assert.Contains(t, msgs[1].Content, "bytes 0-100")
	assert.Equal(t, "assistant", msgs[2].Role)
	assert.Equal(t, "earlier question", msgs[3].Content)
	assert.Equal(t, "earlier answer", msgs[4].Content)
	assert.Equal(t, "current question", msgs[5].Content)
}

func TestBuildMessages_NoContext(t *testing.T) {
	msgs := buildMessages(nil, nil, "question")

	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "question", msgs[1].Content)
}

func TestContextRefs_DedupsFilesKeepsChunks(t *testing.T) {
	chunks := []store.SearchResult{
		{Chunk: store.Chunk{ID: 1}, FilePath: "a.go"},
		{Chunk: store.Chunk{ID: 2}, FilePath: "b.go"},
		{Chunk: store.Chunk{ID: 3}, FilePath: "a.go"},
	}

	files, ids := contextRefs(chunks)

	assert.Equal(t, []string{"a.go", "b.go"}, files)
	assert.Equal(t, []int64{1, 2, 3}, ids)
}

func TestContextRefs_Empty(t *testing.T) {
	files, ids := contextRefs(nil)
	assert.Nil(t, files)
	assert.Nil(t, ids)
}
