package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

type selectProjectInput struct {
	ProjectName string `json:"project_name" jsonschema:"required,Project to bind this session to. Created on first use. Names are normalized to lowercase [a-z0-9_]."`
}

type projectStats struct {
	SessionCount int `json:"session_count" jsonschema:"Sessions bound to the project"`
	ContextCount int `json:"context_count" jsonschema:"Context versions stored in the project"`
}

type selectProjectOutput struct {
	Project   string        `json:"project" jsonschema:"Normalized project name"`
	Schema    string        `json:"schema" jsonschema:"Storage namespace backing the project"`
	SessionID string        `json:"session_id" jsonschema:"Session now bound to the project"`
	Created   bool          `json:"created" jsonschema:"Whether the project namespace was created by this call"`
	Stats     *projectStats `json:"stats,omitempty" jsonschema:"Project counts, omitted when unavailable"`
}

type listProjectsInput struct{}

type projectInfo struct {
	Name         string    `json:"name"`
	DisplayName  string    `json:"display_name"`
	CreatedAt    time.Time `json:"created_at"`
	SessionCount int       `json:"session_count"`
	ContextCount int       `json:"context_count"`
}

type listProjectsOutput struct {
	Projects []projectInfo `json:"projects" jsonschema:"Registered projects with stats"`
	Count    int           `json:"count" jsonschema:"Number of projects"`
}

type deleteProjectInput struct {
	ProjectName string `json:"project_name" jsonschema:"required,Project to delete"`
	Confirm     bool   `json:"confirm,omitempty" jsonschema:"Must be true; deletion removes all contexts, archives and sessions for the project"`
}

type deleteProjectOutput struct {
	Project string `json:"project" jsonschema:"Deleted project name"`
}

type sessionStatusInput struct{}

type sessionStatusOutput struct {
	SessionID    string    `json:"session_id"`
	State        string    `json:"state" jsonschema:"pending_project_selection, active, or expired"`
	Project      string    `json:"project,omitempty"`
	LastActiveAt time.Time `json:"last_active_at"`
	IdleDeadline time.Time `json:"idle_deadline" jsonschema:"When the session expires absent further activity"`
}

func (s *Server) registerProjectTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "select_project",
		Description: "Select (and create if needed) the project this session works in. Required before any context operation.",
	}, s.handleSelectProject)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_projects",
		Description: "List all registered projects with session and context counts.",
	}, s.handleListProjects)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "delete_project",
		Description: "Delete a project and all of its contexts, archives and sessions. Requires confirm=true.",
	}, s.handleDeleteProject)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_status",
		Description: "Report the current session's state, selected project, and idle deadline.",
	}, s.handleSessionStatus)
}

func (s *Server) handleSelectProject(ctx context.Context, _ *mcp.CallToolRequest, args selectProjectInput) (*mcp.CallToolResult, selectProjectOutput, error) {
	if args.ProjectName == "" {
		return nil, selectProjectOutput{}, fmt.Errorf("project_name is required")
	}

	sess, err := s.resolveSession(ctx)
	if err != nil {
		return nil, selectProjectOutput{}, err
	}

	h, err := s.tenants.Resolve(args.ProjectName)
	if err != nil {
		return nil, selectProjectOutput{}, err
	}
	existed, err := s.tenants.Exists(ctx, h)
	if err != nil {
		return nil, selectProjectOutput{}, err
	}

	h, err = s.resolver.SelectProject(ctx, sess, args.ProjectName)
	if err != nil {
		return nil, selectProjectOutput{}, err
	}

	out := selectProjectOutput{
		Project:   h.Name,
		Schema:    h.Schema,
		SessionID: sess.ID,
		Created:   !existed,
	}
	if stats, err := s.tenants.Stats(ctx, h); err != nil {
		s.logger.Warn("project stats unavailable", zap.String("project", h.Name), zap.Error(err))
	} else {
		out.Stats = &projectStats{
			SessionCount: stats.SessionCount,
			ContextCount: stats.ContextCount,
		}
	}
	return nil, out, nil
}

func (s *Server) handleListProjects(ctx context.Context, _ *mcp.CallToolRequest, _ listProjectsInput) (*mcp.CallToolResult, listProjectsOutput, error) {
	projects, err := s.tenants.List(ctx)
	if err != nil {
		return nil, listProjectsOutput{}, err
	}

	out := listProjectsOutput{Projects: make([]projectInfo, 0, len(projects))}
	for _, p := range projects {
		out.Projects = append(out.Projects, projectInfo{
			Name:         p.Name,
			DisplayName:  p.DisplayName,
			CreatedAt:    p.CreatedAt,
			SessionCount: p.Stats.SessionCount,
			ContextCount: p.Stats.ContextCount,
		})
	}
	out.Count = len(out.Projects)
	return nil, out, nil
}

func (s *Server) handleDeleteProject(ctx context.Context, _ *mcp.CallToolRequest, args deleteProjectInput) (*mcp.CallToolResult, deleteProjectOutput, error) {
	if args.ProjectName == "" {
		return nil, deleteProjectOutput{}, fmt.Errorf("project_name is required")
	}
	if !args.Confirm {
		return nil, deleteProjectOutput{}, fmt.Errorf(
			"deleting project %q removes all of its contexts: retry with confirm=true", args.ProjectName)
	}

	h, err := s.tenants.Resolve(args.ProjectName)
	if err != nil {
		return nil, deleteProjectOutput{}, err
	}
	if err := s.tenants.Delete(ctx, h); err != nil {
		return nil, deleteProjectOutput{}, err
	}
	if s.cache != nil {
		s.cache.ForgetProject(h.Name)
	}
	return nil, deleteProjectOutput{Project: h.Name}, nil
}

func (s *Server) handleSessionStatus(ctx context.Context, _ *mcp.CallToolRequest, _ sessionStatusInput) (*mcp.CallToolResult, sessionStatusOutput, error) {
	sess, err := s.resolveSession(ctx)
	if err != nil {
		return nil, sessionStatusOutput{}, err
	}
	return nil, sessionStatusOutput{
		SessionID:    sess.ID,
		State:        string(sess.State),
		Project:      sess.Project,
		LastActiveAt: sess.LastActiveAt,
		IdleDeadline: sess.IdleDeadline,
	}, nil
}
