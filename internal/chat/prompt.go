package chat

import (
	"fmt"
	"strings"

	"sourcerer/internal/llm"
	"sourcerer/internal/store"
)

const systemPrompt = `You are a code intelligence assistant. You answer questions about a codebase using the retrieved source code context provided below.

Focus on answering how, why, and where questions about the code. Explain architecture, data flow, and relationships between components. Reference specific file paths when relevant.

Do not generate new code unless explicitly asked. Keep answers concise and grounded in the provided context. If the context doesn't contain enough information to answer, say so.`

// buildMessages assembles the conversation for the model: system prompt,
// retrieved context (when any), prior history, and the current question.
// With no retrieved chunks the model is asked to answer from history alone.
func buildMessages(chunks []store.SearchResult, history []store.Message, question string) []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: systemPrompt}}

	if len(chunks) > 0 {
		var ctx strings.Builder
		ctx.WriteString("Here is the relevant source code context:\n\n")
		for i, c := range chunks {
			fmt.Fprintf(&ctx, "--- Chunk %d: %s (bytes %d-%d) ---\n",
				i+1, c.FilePath, c.Chunk.StartByte, c.Chunk.EndByte)
			ctx.WriteString(c.Chunk.Content)
			ctx.WriteString("\n\n")
		}
		msgs = append(msgs, llm.Message{Role: "user", Content: ctx.String()})
		msgs = append(msgs, llm.Message{Role: "assistant", Content: "I've reviewed the code context. What would you like to know?"})
	}

	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}

	msgs = append(msgs, llm.Message{Role: "user", Content: question})
	return msgs
}

// contextRefs extracts the file paths (deduplicated, retrieval order) and
// chunk ids that grounded an answer.
func contextRefs(chunks []store.SearchResult) (files []string, chunkIDs []int64) {
	seen := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		if !seen[c.FilePath] {
			seen[c.FilePath] = true
			files = append(files, c.FilePath)
		}
		chunkIDs = append(chunkIDs, c.Chunk.ID)
	}
	return files, chunkIDs
}

// sessionTitle derives a session title from its first user message.
func sessionTitle(text string) string {
	title := strings.TrimSpace(text)
	if len(title) > 50 {
		title = title[:50] + "..."
	}
	return title
}
