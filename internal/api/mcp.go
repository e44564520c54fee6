package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/semsearch/internal/rag"
	"github.com/kalambet/semsearch/internal/vectorstore"
)

// MCPRetriever is the retrieval-only query surface for the search tool.
type MCPRetriever interface {
	Retrieve(ctx context.Context, req rag.SearchRequest) ([]rag.Result, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     vectorstore.VectorStore
	Pipeline  Pipeline
	Retriever MCPRetriever
	Ingestor  Ingestor
}

// NewMCPServer creates an MCP server exposing semantic search, grounded
// question answering and document intake as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"semsearch",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("semsearch provides semantic search and retrieval-augmented answers over ingested document collections."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search",
			mcp.WithDescription("Semantically search a document collection and return the most similar chunks."),
			mcp.WithString("collection", mcp.Description("Collection to search"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("category", mcp.Description("Optional category filter")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question grounded in the documents of a collection."),
			mcp.WithString("collection", mcp.Description("Collection to search"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("category", mcp.Description("Optional category filter")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("add_document",
			mcp.WithDescription("Store a piece of text into a collection for later retrieval."),
			mcp.WithString("collection", mcp.Description("Target collection"), mcp.Required()),
			mcp.WithString("text", mcp.Description("The text content to store"), mcp.Required()),
			mcp.WithString("category", mcp.Description("Optional category label")),
		),
		mcpAddDocument(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"semsearch://collections",
			"Collections",
			mcp.WithResourceDescription("Names of all document collections"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCollections(deps),
	)

	return s
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		collection, err := req.RequireString("collection")
		if err != nil {
			return mcpError("collection is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 0)
		if limit > 50 {
			limit = 50
		}

		results, err := deps.Retriever.Retrieve(ctx, rag.SearchRequest{
			Collection: collection,
			Query:      query,
			Category:   req.GetString("category", ""),
			TopK:       limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(results) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		collection, err := req.RequireString("collection")
		if err != nil {
			return mcpError("collection is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		resp, err := deps.Pipeline.Search(ctx, rag.SearchRequest{
			Collection: collection,
			Query:      question,
			Category:   req.GetString("category", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		var sb strings.Builder
		sb.WriteString(resp.Answer)
		if len(resp.Results) > 0 {
			sb.WriteString("\n\nSources:\n")
			for _, r := range resp.Results {
				fmt.Fprintf(&sb, "[%d] %s (score %.3f)\n", r.Rank, r.ChunkID, r.Score)
			}
		}
		return mcpText(sb.String()), nil
	}
}

func mcpAddDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		collection, err := req.RequireString("collection")
		if err != nil {
			return mcpError("collection is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		if strings.TrimSpace(text) == "" {
			return mcpError("text must not be empty"), nil
		}

		id, err := deps.Ingestor.AddText(ctx, collection, text, req.GetString("category", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to store: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored document %s", id)), nil
	}
}

func mcpResourceCollections(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		names, err := deps.Store.ListCollections(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list collections: %w", err)
		}
		if names == nil {
			names = []string{}
		}

		b, err := json.Marshal(names)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal collections: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
