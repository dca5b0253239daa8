package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/growthpigs/bravo-revos-sub004/internal/store"
)

type recordingScheduler struct {
	jobs []*store.ScheduledJob
	err  error
}

func (r *recordingScheduler) ScheduleJob(_ context.Context, job *store.ScheduledJob) error {
	if r.err != nil {
		return r.err
	}
	job.ID = "job-1"
	r.jobs = append(r.jobs, job)
	return nil
}

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.MCPServer())
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.Sessions())
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})
	tools := s.MCPServer().ListTools()
	require.Len(t, tools, 4)
	for _, name := range []string{"automation.execute", "automation.define", "automation.runs", "automation.approve"} {
		assert.NotNil(t, s.MCPServer().GetTool(name), "tool %s should be registered", name)
	}
	assert.Nil(t, s.MCPServer().GetTool("automation.schedule"))

	withScheduler := NewServer(ServerDeps{Scheduler: &recordingScheduler{}})
	assert.Len(t, withScheduler.MCPServer().ListTools(), 5)
	assert.NotNil(t, withScheduler.MCPServer().GetTool("automation.schedule"))
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"automation.execute", "Execute a workflow for a triggering event"},
		{"automation.define", "Validate and save a workflow definition"},
		{"automation.runs", "List workflow runs, or fetch one run with its audit events"},
	}

	s := NewServer(ServerDeps{})
	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.MCPServer().GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
