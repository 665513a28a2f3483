package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/memlockd/internal/relevance"
)

type checkRelevanceInput struct {
	Query string `json:"query" jsonschema:"required,Free text describing the current task or question"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum matches to return; clamped to the configured top-K"`
}

type checkRelevanceOutput struct {
	Matches []relevance.Match `json:"matches" jsonschema:"Ranked contexts worth recalling, best first"`
	Count   int               `json:"count"`
}

func (s *Server) registerRelevanceTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "check_relevance",
		Description: "Rank the project's locked contexts against free text and return the ones worth recalling in full.",
	}, s.handleCheckRelevance)
}

func (s *Server) handleCheckRelevance(ctx context.Context, _ *mcp.CallToolRequest, args checkRelevanceInput) (*mcp.CallToolResult, checkRelevanceOutput, error) {
	if args.Query == "" {
		return nil, checkRelevanceOutput{}, fmt.Errorf("query is required")
	}

	_, h, err := s.requireTenant(ctx)
	if err != nil {
		return nil, checkRelevanceOutput{}, err
	}

	matches, err := s.engine.Check(ctx, h, args.Query, args.Limit)
	if err != nil {
		return nil, checkRelevanceOutput{}, err
	}
	return nil, checkRelevanceOutput{Matches: matches, Count: len(matches)}, nil
}
