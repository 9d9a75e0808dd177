package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/arbor-research/arbor/internal/db"
	"github.com/arbor-research/arbor/internal/metrics"
	"github.com/arbor-research/arbor/internal/session"
	"github.com/arbor-research/arbor/internal/streaming"
	"github.com/arbor-research/arbor/internal/workflows"
)

// ResearchService is the control surface in front of the workflow engine. It
// owns session and node creation, snapshots the parent table into each new
// node's spec, and starts the Temporal workflows with deterministic ids so
// duplicate requests collapse into the running execution.
type ResearchService struct {
	dbClient       *db.Client
	temporalClient client.Client
	sessionManager *session.Manager
	taskQueue      string
	logger         *zap.Logger
}

// NewResearchService creates the service. sessionManager may be nil when
// Redis is not configured; progress snapshots then come from the database
// only.
func NewResearchService(
	dbClient *db.Client,
	temporalClient client.Client,
	sessionManager *session.Manager,
	taskQueue string,
	logger *zap.Logger,
) *ResearchService {
	return &ResearchService{
		dbClient:       dbClient,
		temporalClient: temporalClient,
		sessionManager: sessionManager,
		taskQueue:      taskQueue,
		logger:         logger,
	}
}

// CreateSessionInput names a new research project.
type CreateSessionInput struct {
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
}

// CreateSession creates a session in the active state.
func (s *ResearchService) CreateSession(ctx context.Context, input CreateSessionInput) (*db.Session, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, errors.New("session name is required")
	}
	sess := &db.Session{
		ID:      uuid.New(),
		OwnerID: input.OwnerID,
		Name:    strings.TrimSpace(input.Name),
		Status:  db.SessionActive,
	}
	if err := s.dbClient.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	metrics.SessionsCreated.Inc()
	s.logger.Info("Session created",
		zap.String("session_id", sess.ID.String()),
		zap.String("owner_id", sess.OwnerID),
	)
	return sess, nil
}

// StartResearchInput creates one node and starts its research run.
// ParentNodeID empty means a root node at level 0. For a child node the
// parent's current table rows are snapshotted into the new node's spec, so
// later edits to the parent table do not leak into this run.
type StartResearchInput struct {
	SessionID      string `json:"session_id"`
	ParentNodeID   string `json:"parent_node_id,omitempty"`
	PromptTemplate string `json:"prompt_template"`
	ModelID        string `json:"model_id"`
	// Instruction is the table structuring instruction for this node's
	// synthesis step.
	Instruction string   `json:"instruction"`
	OutputShape db.JSONB `json:"output_shape,omitempty"`
}

// ResearchStarted reports the created node and its workflow execution.
type ResearchStarted struct {
	NodeID     string `json:"node_id"`
	Level      int    `json:"level"`
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// StartResearch creates the node, its table spec, and starts NodeWorkflow.
func (s *ResearchService) StartResearch(ctx context.Context, input StartResearchInput) (*ResearchStarted, error) {
	if strings.TrimSpace(input.PromptTemplate) == "" {
		return nil, errors.New("prompt_template is required")
	}
	if strings.TrimSpace(input.ModelID) == "" {
		return nil, errors.New("model_id is required")
	}
	sessionID, err := uuid.Parse(input.SessionID)
	if err != nil {
		return nil, fmt.Errorf("invalid session_id: %w", err)
	}
	if _, err := s.dbClient.GetSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}

	level := 0
	var parentID *uuid.UUID
	var inputRows db.Rows
	parentWorkflowID := ""
	if input.ParentNodeID != "" {
		pid, err := uuid.Parse(input.ParentNodeID)
		if err != nil {
			return nil, fmt.Errorf("invalid parent_node_id: %w", err)
		}
		parent, err := s.dbClient.GetNode(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("parent node lookup failed: %w", err)
		}
		if parent.SessionID != sessionID {
			return nil, errors.New("parent node belongs to a different session")
		}
		parentTable, err := s.dbClient.GetTable(ctx, pid)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil, errors.New("parent node has no table yet")
			}
			return nil, fmt.Errorf("parent table lookup failed: %w", err)
		}
		parentID = &pid
		level = parent.Level + 1
		inputRows = parentTable.RowData
		parentWorkflowID = workflows.AggregationWorkflowID(pid.String())
	}

	node := &db.Node{
		ID:             uuid.New(),
		SessionID:      sessionID,
		ParentID:       parentID,
		Level:          level,
		PromptTemplate: input.PromptTemplate,
		ModelID:        input.ModelID,
		Status:         db.StatusPending,
	}
	if err := s.dbClient.CreateNode(ctx, node); err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	spec := &db.TableSpec{
		ID:          uuid.New(),
		NodeID:      node.ID,
		Instruction: input.Instruction,
		InputRows:   inputRows,
		OutputShape: input.OutputShape,
	}
	if err := s.dbClient.CreateTableSpec(ctx, spec); err != nil {
		return nil, fmt.Errorf("failed to create table spec: %w", err)
	}
	s.dbClient.QueueEvent(&db.EventLog{
		SessionID: sessionID,
		NodeID:    &node.ID,
		Level:     level,
		Kind:      db.EventNodeCreated,
		Message:   "research node created",
		Timestamp: time.Now(),
	})

	// A child node needs its parent's aggregation workflow running to
	// receive the completion signal.
	if parentID != nil {
		if err := s.ensureAggregation(ctx, *parentID, sessionID); err != nil {
			return nil, err
		}
	}

	workflowID := workflows.NodeWorkflowID(node.ID.String())
	run, err := s.temporalClient.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: s.taskQueue,
	}, workflows.NodeWorkflow, workflows.NodeWorkflowInput{
		NodeID:           node.ID.String(),
		SessionID:        sessionID.String(),
		ParentWorkflowID: parentWorkflowID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start node workflow: %w", err)
	}
	metrics.WorkflowsStarted.WithLabelValues("node").Inc()
	s.logger.Info("Research started",
		zap.String("node_id", node.ID.String()),
		zap.String("workflow_id", workflowID),
		zap.Int("level", level),
	)
	return &ResearchStarted{
		NodeID:     node.ID.String(),
		Level:      level,
		WorkflowID: run.GetID(),
		RunID:      run.GetRunID(),
	}, nil
}

// ensureAggregation starts the parent's aggregation workflow if it is not
// already running. A duplicate start is not an error.
func (s *ResearchService) ensureAggregation(ctx context.Context, parentID, sessionID uuid.UUID) error {
	_, err := s.temporalClient.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflows.AggregationWorkflowID(parentID.String()),
		TaskQueue: s.taskQueue,
	}, workflows.AggregationWorkflow, workflows.AggregationWorkflowInput{
		NodeID:    parentID.String(),
		SessionID: sessionID.String(),
	})
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			return nil
		}
		return fmt.Errorf("failed to start aggregation workflow: %w", err)
	}
	metrics.WorkflowsStarted.WithLabelValues("aggregation").Inc()
	return nil
}

// RetryNodeInput re-runs a node's tasks. RetryAll redoes every task and
// drops the stale table; otherwise only failed tasks are reset.
type RetryNodeInput struct {
	NodeID   string `json:"node_id"`
	RetryAll bool   `json:"retry_all"`
}

// RetryNode starts a RetryWorkflow for the node.
func (s *ResearchService) RetryNode(ctx context.Context, input RetryNodeInput) (*ResearchStarted, error) {
	nodeID, err := uuid.Parse(input.NodeID)
	if err != nil {
		return nil, fmt.Errorf("invalid node id: %w", err)
	}
	node, err := s.dbClient.GetNode(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("node lookup failed: %w", err)
	}
	parentWorkflowID := ""
	if node.ParentID != nil {
		parentWorkflowID = workflows.AggregationWorkflowID(node.ParentID.String())
	}
	workflowID := workflows.RetryWorkflowID(node.ID.String())
	run, err := s.temporalClient.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: s.taskQueue,
	}, workflows.RetryWorkflow, workflows.RetryWorkflowInput{
		NodeID:           node.ID.String(),
		SessionID:        node.SessionID.String(),
		FailedOnly:       !input.RetryAll,
		ParentWorkflowID: parentWorkflowID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start retry workflow: %w", err)
	}
	metrics.WorkflowsStarted.WithLabelValues("retry").Inc()
	s.logger.Info("Node retry started",
		zap.String("node_id", node.ID.String()),
		zap.Bool("retry_all", input.RetryAll),
	)
	return &ResearchStarted{
		NodeID:     node.ID.String(),
		Level:      node.Level,
		WorkflowID: run.GetID(),
		RunID:      run.GetRunID(),
	}, nil
}

// RegenerateTableInput re-runs table synthesis over the node's completed
// tasks. An Instruction, when set, replaces the spec's structuring
// instruction first; the regenerated table gets a bumped version.
type RegenerateTableInput struct {
	NodeID      string `json:"node_id"`
	Instruction string `json:"instruction,omitempty"`
}

// RegenerateTable starts a RegenerateWorkflow for the node.
func (s *ResearchService) RegenerateTable(ctx context.Context, input RegenerateTableInput) (*ResearchStarted, error) {
	nodeID, err := uuid.Parse(input.NodeID)
	if err != nil {
		return nil, fmt.Errorf("invalid node id: %w", err)
	}
	node, err := s.dbClient.GetNode(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("node lookup failed: %w", err)
	}
	if input.Instruction != "" {
		if err := s.dbClient.UpdateTableSpecInstruction(ctx, nodeID, input.Instruction); err != nil {
			return nil, fmt.Errorf("failed to update instruction: %w", err)
		}
	}
	workflowID := workflows.RegenerateWorkflowID(node.ID.String())
	run, err := s.temporalClient.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: s.taskQueue,
	}, workflows.RegenerateWorkflow, workflows.RegenerateWorkflowInput{
		NodeID:    node.ID.String(),
		SessionID: node.SessionID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start regenerate workflow: %w", err)
	}
	metrics.WorkflowsStarted.WithLabelValues("regenerate").Inc()
	return &ResearchStarted{
		NodeID:     node.ID.String(),
		Level:      node.Level,
		WorkflowID: run.GetID(),
		RunID:      run.GetRunID(),
	}, nil
}

// NodeStatus is a point-in-time snapshot of one node.
type NodeStatus struct {
	Node         *db.Node      `json:"node"`
	TaskCounts   db.TaskCounts `json:"task_counts"`
	TableVersion int           `json:"table_version,omitempty"`
	TableRows    int           `json:"table_rows,omitempty"`
	TableEdited  bool          `json:"table_edited,omitempty"`
}

// GetNodeStatus returns the node with a fresh task tally and table summary.
func (s *ResearchService) GetNodeStatus(ctx context.Context, id string) (*NodeStatus, error) {
	nodeID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid node id: %w", err)
	}
	node, err := s.dbClient.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	counts, err := s.dbClient.CountTasks(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("task tally failed: %w", err)
	}
	status := &NodeStatus{Node: node, TaskCounts: counts}
	if table, err := s.dbClient.GetTable(ctx, nodeID); err == nil {
		status.TableVersion = table.Version
		status.TableRows = len(table.RowData)
		status.TableEdited = table.Edited
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("table lookup failed: %w", err)
	}
	return status, nil
}

// SessionStatus is a snapshot of a session and all its nodes.
type SessionStatus struct {
	Session  *db.Session       `json:"session"`
	Nodes    []db.Node         `json:"nodes"`
	Progress *session.Progress `json:"progress,omitempty"`
}

// GetSessionStatus returns the session, its node tree, and the cached
// per-node progress when a session manager is wired.
func (s *ResearchService) GetSessionStatus(ctx context.Context, id string) (*SessionStatus, error) {
	sessionID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid session id: %w", err)
	}
	sess, err := s.dbClient.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	nodes, err := s.dbClient.ListNodesBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("node listing failed: %w", err)
	}
	status := &SessionStatus{Session: sess, Nodes: nodes}
	if s.sessionManager != nil {
		if progress, err := s.sessionManager.GetProgress(ctx, sessionID.String()); err == nil {
			status.Progress = progress
		}
	}
	return status, nil
}

// ListSessions returns an owner's sessions, newest first.
func (s *ResearchService) ListSessions(ctx context.Context, ownerID string, limit int) ([]db.Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.dbClient.ListSessions(ctx, ownerID, limit)
}

// ArchiveSession marks a session archived and disconnects its live
// subscribers. Nodes and tables stay readable. There is no unarchive; the
// caller starts a new session instead.
func (s *ResearchService) ArchiveSession(ctx context.Context, id string) error {
	sessionID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}
	if err := s.dbClient.UpdateSessionStatus(ctx, sessionID, db.SessionArchived); err != nil {
		return err
	}
	streaming.Get().DropSession(sessionID.String())
	s.logger.Info("Session archived", zap.String("session_id", id))
	return nil
}

// DeleteSession removes a session and everything under it.
func (s *ResearchService) DeleteSession(ctx context.Context, id string) error {
	sessionID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}
	if err := s.dbClient.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	streaming.Get().DropSession(sessionID.String())
	s.logger.Info("Session deleted", zap.String("session_id", id))
	return nil
}

// GetTable returns a node's table.
func (s *ResearchService) GetTable(ctx context.Context, id string) (*db.Table, error) {
	nodeID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid node id: %w", err)
	}
	return s.dbClient.GetTable(ctx, nodeID)
}

// EditTableInput replaces a node's table rows with human-edited content.
type EditTableInput struct {
	NodeID string  `json:"node_id"`
	Rows   db.Rows `json:"rows"`
}

// EditTable overwrites the table rows, sets the edited flag, and bumps the
// version. The node's spec snapshot is untouched; children created before
// the edit keep the rows they were born with.
func (s *ResearchService) EditTable(ctx context.Context, input EditTableInput) (*db.Table, error) {
	nodeID, err := uuid.Parse(input.NodeID)
	if err != nil {
		return nil, fmt.Errorf("invalid node id: %w", err)
	}
	if len(input.Rows) == 0 {
		return nil, errors.New("rows are required")
	}
	table, err := s.dbClient.EditTableRows(ctx, nodeID, input.Rows)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Table edited",
		zap.String("node_id", input.NodeID),
		zap.Int("version", table.Version),
		zap.Int("rows", len(table.RowData)),
	)
	return table, nil
}

// ListEvents returns recent event log entries for a session, newest first.
func (s *ResearchService) ListEvents(ctx context.Context, sessionID string, limit int) ([]db.EventLog, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, fmt.Errorf("invalid session id: %w", err)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.dbClient.ListEvents(ctx, id, limit)
}
