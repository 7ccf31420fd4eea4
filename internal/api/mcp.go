package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/querysmith/internal/pipeline"
	"github.com/kalambet/querysmith/internal/ranking"
	"github.com/kalambet/querysmith/internal/tailoring"
	"github.com/kalambet/querysmith/internal/templates"
)

const (
	mcpTemplatesURI = "querysmith://templates"
	mcpProfileURI   = "querysmith://profile"
)

// NewMCPServer creates an MCP server exposing the question tools and the
// template and profile resources.
func NewMCPServer(deps Deps) *server.MCPServer {
	if deps.Options.TopN <= 0 {
		deps.Options.TopN = ranking.DefaultTopN
	}

	s := server.NewMCPServer(
		"querysmith",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("querysmith answers business questions with verified SQL templates, tailored and reviewed per question."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_question",
			mcp.WithDescription("Answer a business question with SQL: match a verified query, tailor and review it, or generate SQL when nothing matches."),
			mcp.WithString("question", mcp.Description("The question in natural language"), mcp.Required()),
			mcp.WithString("enhanced_question", mcp.Description("Optional clarified form of the question")),
		),
		mcpAskQuestion(deps),
	)

	s.AddTool(
		mcp.NewTool("find_verified_query",
			mcp.WithDescription("Rank verified queries against a question and return the candidates."),
			mcp.WithString("question", mcp.Description("The question in natural language"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of candidates (default 5)")),
		),
		mcpFindVerifiedQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("get_follow_ups",
			mcp.WithDescription("List the follow-up queries of a verified query."),
			mcp.WithString("query_id", mcp.Description("Verified query id"), mcp.Required()),
		),
		mcpFollowUps(deps),
	)

	s.AddTool(
		mcp.NewTool("run_sql",
			mcp.WithDescription("Run a read-only SQL statement against the business database."),
			mcp.WithString("sql", mcp.Description("SQL to execute"), mcp.Required()),
			mcp.WithString("question", mcp.Description("Question the SQL answers; enables a narrative answer")),
		),
		mcpRunSQL(deps),
	)

	s.AddTool(
		mcp.NewTool("clarify_question",
			mcp.WithDescription("Propose interpretations of an ambiguous question. The original question comes first."),
			mcp.WithString("question", mcp.Description("The question in natural language"), mcp.Required()),
		),
		mcpClarify(deps),
	)

	s.AddResource(
		mcp.NewResource(
			mcpTemplatesURI,
			"Verified Queries",
			mcp.WithResourceDescription("All verified query templates as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceTemplates(deps),
	)

	s.AddResource(
		mcp.NewResource(
			mcpProfileURI,
			"Analyst Profile",
			mcp.WithResourceDescription("Current analyst profile as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProfile(deps),
	)

	return s
}

func mcpAskQuestion(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		res, err := deps.Pipeline.Run(ctx, pipeline.Request{
			Question:         question,
			EnhancedQuestion: req.GetString("enhanced_question", ""),
			Context:          deps.Profile.Context(),
		}, nil)
		switch {
		case errors.Is(err, tailoring.ErrInvalidArgument):
			return mcpError("question is required"), nil
		case errors.Is(err, pipeline.ErrNoAnswer):
			return mcpError("no SQL could be produced for the question"), nil
		case err != nil:
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpFindVerifiedQuery(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		limit := req.GetInt("limit", deps.Options.TopN)
		if limit <= 0 {
			limit = deps.Options.TopN
		}
		if limit > 50 {
			limit = 50
		}

		matches, err := deps.Ranker.Rank(ctx, question, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("ranking failed: %v", err)), nil
		}
		if len(matches) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(matches)
	}
}

func mcpFollowUps(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("query_id")
		if err != nil {
			return mcpError("query_id is required"), nil
		}
		list, err := templates.FollowUps(ctx, deps.Templates, id)
		if err != nil {
			return mcpError(fmt.Sprintf("follow-ups failed: %v", err)), nil
		}
		if len(list) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(list)
	}
}

func mcpRunSQL(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Runner == nil {
			return mcpError("no business database configured"), nil
		}
		sql, err := req.RequireString("sql")
		if err != nil {
			return mcpError("sql is required"), nil
		}
		resp, err := runQuery(ctx, deps, "", req.GetString("question", ""), sql)
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return mcpJSON(resp)
	}
}

func mcpClarify(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		if deps.Clarifier == nil {
			return mcpError("clarification not available"), nil
		}
		return mcpJSON(deps.Clarifier.Clarify(ctx, question, deps.Profile.Context()))
	}
}

func mcpResourceTemplates(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		list, err := deps.Templates.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list templates: %w", err)
		}
		if list == nil {
			list = []templates.Template{}
		}
		return mcpResourceJSON(req.Params.URI, list)
	}
}

func mcpResourceProfile(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		p, err := deps.Profile.GetProfile()
		if err != nil {
			return nil, fmt.Errorf("failed to get profile: %w", err)
		}
		return mcpResourceJSON(req.Params.URI, p)
	}
}

func mcpResourceJSON(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return mcp.NewToolResultError(msg)
}
