package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/igoryan-dao/cascade/internal/config"
	"github.com/igoryan-dao/cascade/internal/executor"
	"github.com/igoryan-dao/cascade/internal/state"
	"github.com/igoryan-dao/cascade/internal/task"
	"github.com/igoryan-dao/cascade/internal/workflow"
)

// Service ties workflow files, the executor and the state store together for
// the CLI and MCP surfaces.
type Service struct {
	store    *state.Store
	settings config.Settings
	cache    *executor.AvailabilityCache

	mu      sync.Mutex
	running map[string]*Orchestrator
}

// NewService builds a service over the given store and resolved settings.
func NewService(store *state.Store, settings config.Settings, cache *executor.AvailabilityCache) *Service {
	return &Service{
		store:    store,
		settings: settings,
		cache:    cache,
		running:  make(map[string]*Orchestrator),
	}
}

// Track registers an orchestrator as the live driver of an execution so
// pause requests can be routed to it.
func (s *Service) Track(executionID string, orch *Orchestrator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[executionID] = orch
}

// Untrack removes a finished execution from the registry.
func (s *Service) Untrack(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, executionID)
}

// RequestPause asks the live orchestrator for an execution to pause at its
// next task boundary. Returns false when the execution is not tracked here.
func (s *Service) RequestPause(executionID string) bool {
	s.mu.Lock()
	orch, ok := s.running[executionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	orch.Pause(state.PauseManual)
	return true
}

// Store exposes the underlying state store for read-only commands.
func (s *Service) Store() *state.Store {
	return s.store
}

func (s *Service) options(model string) Options {
	tool := s.settings.Tool
	if model == "" {
		model = tool.Model
	}
	return Options{
		Model:      model,
		WorkingDir: tool.WorkingDir,
		Exec: executor.Options{
			BypassPermissions: tool.SkipPermissions,
			OutputFormat:      tool.OutputFormat,
			MaxTurns:          tool.MaxTurns,
			Timeout:           secondsToDuration(tool.TimeoutSeconds),
		},
		RateLimitRetries: tool.RateLimitRetry,
	}
}

func (s *Service) newOrchestrator(model string) (*Orchestrator, error) {
	tool := s.settings.Tool
	if s.cache != nil {
		if _, ok := s.cache.Check(tool.Binary); !ok {
			return nil, &executor.ValidationError{
				Field:  "tool",
				Reason: fmt.Sprintf("%s not found on PATH", tool.Binary),
			}
		}
	}
	workingDir := tool.WorkingDir
	if workingDir == "" {
		workingDir = "."
	}
	exec := executor.New(tool.Binary, workingDir)
	return New(exec, s.store, s.options(model)), nil
}

// Start loads a workflow file, creates a durable execution for it and runs
// the pipeline. The returned orchestrator's event stream carries progress.
func (s *Service) Start(ctx context.Context, workflowPath string) (*Orchestrator, *state.WorkflowState, []*task.Record, error) {
	def, err := workflow.Load(workflowPath)
	if err != nil {
		return nil, nil, nil, err
	}

	orch, err := s.newOrchestrator(def.Model)
	if err != nil {
		return nil, nil, nil, err
	}

	st, err := s.store.NewExecution(def.Name, workflowPath, len(def.Steps))
	if err != nil {
		return nil, nil, nil, err
	}

	return orch, st, def.Tasks(), nil
}

// PrepareResume reloads a paused execution and rebuilds its task list with
// already-resolved steps applied.
func (s *Service) PrepareResume(executionID string) (*Orchestrator, *state.WorkflowState, []*task.Record, error) {
	st, err := s.store.Load(executionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if st == nil {
		return nil, nil, nil, fmt.Errorf("no execution %s", executionID)
	}

	def, err := workflow.Load(st.WorkflowPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to reload workflow for %s: %w", executionID, err)
	}

	tasks := def.Tasks()
	ApplyState(tasks, st)

	if _, err := s.store.Resume(executionID); err != nil {
		return nil, nil, nil, err
	}

	orch, err := s.newOrchestrator(def.Model)
	if err != nil {
		return nil, nil, nil, err
	}
	return orch, st, tasks, nil
}

func secondsToDuration(s int) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}
