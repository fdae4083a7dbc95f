// Package workflow holds the data model the engine reads and records:
// workflow definitions, items flowing on connections and execution records.
package workflow

import (
	"time"

	"github.com/wehubfusion/Daedalus/pkg/retry"
	"github.com/wehubfusion/Daedalus/pkg/value"
)

// DefaultPin is the pin name used when a node or connection does not name one.
const DefaultPin = "main"

// SaveDataPolicy controls which node data is written to the repository.
type SaveDataPolicy string

const (
	SaveAll    SaveDataPolicy = "all"
	SaveErrors SaveDataPolicy = "errors"
	SaveNone   SaveDataPolicy = "none"
)

// Settings are workflow-level execution settings.
type Settings struct {
	Timeout        time.Duration  `json:"timeout,omitempty"`
	SaveData       SaveDataPolicy `json:"saveData,omitempty"`
	MaxConcurrency int            `json:"maxConcurrency,omitempty"`
}

// Workflow is a directed graph of configured nodes. The engine never mutates it.
type Workflow struct {
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	Settings    Settings     `json:"settings"`
	Active      bool         `json:"active"`
	UpdatedAt   time.Time    `json:"updatedAt,omitempty"`
}

// Node returns the node with the given id.
func (w *Workflow) Node(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Pin is a named input slot. Required pins gate readiness.
type Pin struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

// Node is a configured instance of a registered executor type.
// Inputs and Outputs are optional; when empty the executor's defaults apply.
type Node struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Type        string            `json:"type"`
	Parameters  value.Value       `json:"parameters"`
	Disabled    bool              `json:"disabled,omitempty"`
	Inputs      []Pin             `json:"inputs,omitempty"`
	Outputs     []string          `json:"outputs,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Options     NodeOptions       `json:"options,omitempty"`
}

// NodeOptions are per-node execution options.
type NodeOptions struct {
	// ContinueOnFail turns a failure into an error-shaped output item.
	ContinueOnFail bool `json:"continueOnFail,omitempty"`
	// AlwaysOutputData emits one empty item when the node completes without output.
	AlwaysOutputData bool `json:"alwaysOutputData,omitempty"`
	// Retry overrides the engine's default retry policy.
	Retry *retry.Policy `json:"retry,omitempty"`
	// Timeout bounds each invocation attempt.
	Timeout time.Duration `json:"timeout,omitempty"`
	// PinData is stand-in output served to single-node runs instead of invoking the node.
	PinData NodeOutput `json:"pinData,omitempty"`
}

// Connection links an output pin of one node to an input pin of another.
type Connection struct {
	SourceNodeID string `json:"sourceNodeId"`
	SourceOutput string `json:"sourceOutput"`
	TargetNodeID string `json:"targetNodeId"`
	TargetInput  string `json:"targetInput"`
}

// Normalized returns the connection with empty pin names defaulted to DefaultPin.
func (c Connection) Normalized() Connection {
	if c.SourceOutput == "" {
		c.SourceOutput = DefaultPin
	}
	if c.TargetInput == "" {
		c.TargetInput = DefaultPin
	}
	return c
}
