package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"sourcerer/internal/chat"
	"sourcerer/internal/index"
	"sourcerer/internal/retriever"
	"sourcerer/internal/store"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP server exposing project search and indexing tools",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ret, err := retriever.New(a.embedder, a.store, a.cfg, a.logger)
	if err != nil {
		return err
	}
	idx, err := index.New(a.store, a.embedder, a.cfg, a.logger)
	if err != nil {
		return err
	}
	orch := chat.New(a.store, ret, a.llm, a.cfg, a.logger)

	s := mcpserver.NewMCPServer("sourcerer", "1.0.0", mcpserver.WithToolCapabilities(false))

	s.AddTool(searchProjectTool(), makeSearchHandler(a, ret))
	s.AddTool(askProjectTool(), makeAskHandler(a, orch))
	s.AddTool(reindexProjectTool(), makeReindexHandler(a, idx))
	s.AddTool(indexStatusTool(), makeStatusHandler(a))

	return mcpserver.ServeStdio(s)
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// --- Tool schema builders ---

var readOnlyAnnotation = mcp.ToolAnnotation{
	ReadOnlyHint:    mcp.ToBoolPtr(true),
	DestructiveHint: mcp.ToBoolPtr(false),
	IdempotentHint:  mcp.ToBoolPtr(true),
	OpenWorldHint:   mcp.ToBoolPtr(false),
}

func searchProjectTool() mcp.Tool {
	return mcp.NewTool("search_project",
		mcp.WithDescription("Semantically search an indexed project. Returns the most relevant source chunks with file paths, byte ranges, and similarity scores."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
		mcp.WithString("project",
			mcp.Required(),
			mcp.Description("Registered project name"),
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language query to search the project"),
		),
	)
}

func askProjectTool() mcp.Tool {
	return mcp.NewTool("ask_project",
		mcp.WithDescription("Ask a question about an indexed project. Retrieves relevant code and answers with the configured LLM. Each call uses a fresh session."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
		mcp.WithString("project",
			mcp.Required(),
			mcp.Description("Registered project name"),
		),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("Question about the project's code"),
		),
	)
}

func reindexProjectTool() mcp.Tool {
	return mcp.NewTool("reindex_project",
		mcp.WithDescription("Bring a project's index in line with its source tree. Only added, changed, and removed files are processed."),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			ReadOnlyHint:    mcp.ToBoolPtr(false),
			DestructiveHint: mcp.ToBoolPtr(false),
			IdempotentHint:  mcp.ToBoolPtr(true),
			OpenWorldHint:   mcp.ToBoolPtr(false),
		}),
		mcp.WithString("project",
			mcp.Required(),
			mcp.Description("Registered project name"),
		),
	)
}

func indexStatusTool() mcp.Tool {
	return mcp.NewTool("index_status",
		mcp.WithDescription("Report a project's indexing status, file count, and last index time."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
		mcp.WithString("project",
			mcp.Required(),
			mcp.Description("Registered project name"),
		),
	)
}

// --- Handler factories ---

func projectFromRequest(ctx context.Context, a *app, req mcp.CallToolRequest) (*store.Project, *mcp.CallToolResult) {
	name := req.GetString("project", "")
	if name == "" {
		return nil, mcp.NewToolResultError("project is required")
	}
	p, err := a.store.FindProjectByName(ctx, name)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("project %q not found — register it with 'sourcerer project add'", name))
	}
	return p, nil
}

func makeSearchHandler(a *app, ret *retriever.Retriever) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p, errRes := projectFromRequest(ctx, a, req)
		if errRes != nil {
			return errRes, nil
		}
		query := req.GetString("query", "")
		if query == "" {
			return mcp.NewToolResultError("query is required"), nil
		}

		chunks, err := ret.Retrieve(ctx, p.ID, query)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcp.NewToolResultText(formatSearchResults(query, chunks)), nil
	}
}

func makeAskHandler(a *app, orch *chat.Orchestrator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p, errRes := projectFromRequest(ctx, a, req)
		if errRes != nil {
			return errRes, nil
		}
		question := req.GetString("question", "")
		if question == "" {
			return mcp.NewToolResultError("question is required"), nil
		}

		sess, err := a.store.CreateSession(ctx, p.ID, "")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("create session failed: %v", err)), nil
		}
		reply, err := orch.Send(ctx, sess.ID, question)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		for range reply.Deltas() {
			// Drain; MCP tool results are not streamed.
		}
		msg, err := reply.Wait()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("generation failed: %v", err)), nil
		}

		var sb strings.Builder
		sb.WriteString(msg.Content)
		if len(msg.ContextFiles) > 0 {
			fmt.Fprintf(&sb, "\n\n---\nGrounded in: %s", strings.Join(msg.ContextFiles, ", "))
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func makeReindexHandler(a *app, idx *index.Indexer) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p, errRes := projectFromRequest(ctx, a, req)
		if errRes != nil {
			return errRes, nil
		}

		stats, err := idx.Reindex(ctx, p.ID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reindex failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(
			"Reindexed %s in %s: %d scanned, %d added, %d changed, %d removed, %d unchanged, %d failed, %d chunks embedded.",
			p.Name, stats.Duration.Round(time.Millisecond),
			stats.FilesScanned, stats.FilesAdded, stats.FilesChanged,
			stats.FilesRemoved, stats.FilesUnchanged, stats.FilesFailed, stats.ChunksIndexed)), nil
	}
}

func makeStatusHandler(a *app) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p, errRes := projectFromRequest(ctx, a, req)
		if errRes != nil {
			return errRes, nil
		}
		last := "never"
		if p.LastIndexed != nil {
			last = p.LastIndexed.Format(time.RFC3339)
		}
		return mcp.NewToolResultText(fmt.Sprintf(
			"Project %s\nStatus: %s\nFiles: %d\nLast indexed: %s\nRoot: %s",
			p.Name, p.Status, p.TotalFiles, last, p.Root)), nil
	}
}

// --- Formatting helpers ---

func formatSearchResults(query string, chunks []store.SearchResult) string {
	if len(chunks) == 0 {
		return fmt.Sprintf("No results found for query: %q", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Search results for %q (%d chunks)\n\n", query, len(chunks))
	for i, c := range chunks {
		fmt.Fprintf(&sb, "### Result %d: `%s`\n\n", i+1, c.FilePath)
		fmt.Fprintf(&sb, "**Bytes:** %d–%d  \n**Score:** %.3f\n\n", c.Chunk.StartByte, c.Chunk.EndByte, c.Score)
		fmt.Fprintf(&sb, "```\n%s\n```\n\n", c.Chunk.Content)
	}
	return sb.String()
}
