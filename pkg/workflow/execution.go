package workflow

import "time"

// ExecutionStatus is the aggregate status of a run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionError     ExecutionStatus = "error"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether s is final.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSuccess || s == ExecutionError || s == ExecutionCancelled
}

// ExecutionMode distinguishes full-graph runs from single-node runs.
type ExecutionMode string

const (
	ModeFull       ExecutionMode = "full"
	ModeSingleNode ExecutionMode = "single-node"
)

// Execution is one run of a workflow.
type Execution struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflowId"`
	Mode          ExecutionMode   `json:"mode"`
	Status        ExecutionStatus `json:"status"`
	UserID        string          `json:"userId,omitempty"`
	TriggerNodeID string          `json:"triggerNodeId,omitempty"`
	TriggerData   []Item          `json:"triggerData,omitempty"`
	SaveData      SaveDataPolicy  `json:"saveData,omitempty"`
	Recoveries    int             `json:"recoveries,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorNodeID   string          `json:"errorNodeId,omitempty"`
	StartedAt     time.Time       `json:"startedAt"`
	FinishedAt    *time.Time      `json:"finishedAt,omitempty"`
}

// NodeStatus is the status of one node within an execution.
type NodeStatus string

const (
	NodeIdle      NodeStatus = "idle"
	NodeQueued    NodeStatus = "queued"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeCancelled NodeStatus = "cancelled"
	NodeSkipped   NodeStatus = "skipped"
)

// Terminal reports whether s is final for the current run.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeCancelled, NodeSkipped:
		return true
	}
	return false
}

// NodeSource records where a node execution came from.
type NodeSource string

const (
	SourceWorkflow   NodeSource = "workflow"
	SourceSingleNode NodeSource = "single-node"
	SourcePinned     NodeSource = "pinned"
)

// NodeExecution records one node's invocation within an execution. Retries
// update the same record; Attempts counts invocations.
type NodeExecution struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"executionId"`
	WorkflowID  string     `json:"workflowId"`
	NodeID      string     `json:"nodeId"`
	NodeType    string     `json:"nodeType"`
	Status      NodeStatus `json:"status"`
	Source      NodeSource `json:"source"`
	InputData   NodeInput  `json:"inputData,omitempty"`
	OutputData  NodeOutput `json:"outputData,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorCode   string     `json:"errorCode,omitempty"`
	SkipReason  string     `json:"skipReason,omitempty"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// RetryCount is the number of invocations beyond the first.
func (n *NodeExecution) RetryCount() int {
	if n.Attempts <= 1 {
		return 0
	}
	return n.Attempts - 1
}
