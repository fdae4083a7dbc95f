package node

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/credentials"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// ContextConfig carries what the engine knows when it prepares an invocation.
type ContextConfig struct {
	ExecutionID string
	WorkflowID  string
	Node        workflow.Node
	Mode        workflow.ExecutionMode
	// Items are the items parameters resolve against, usually the flattened main input.
	Items       []workflow.Item
	Credentials credentials.Provider
	Logger      *zap.Logger
}

// Context is the capability surface given to node logic for one invocation.
// It is built fresh for every invocation and never shared between nodes.
type Context struct {
	executionID string
	workflowID  string
	node        workflow.Node
	mode        workflow.ExecutionMode
	items       []workflow.Item
	creds       credentials.Provider
	logger      *zap.Logger
}

// NewContext creates an execution context
func NewContext(cfg ContextConfig) *Context {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{
		executionID: cfg.ExecutionID,
		workflowID:  cfg.WorkflowID,
		node:        cfg.Node,
		mode:        cfg.Mode,
		items:       cfg.Items,
		creds:       cfg.Credentials,
		logger: logger.With(
			zap.String("execution_id", cfg.ExecutionID),
			zap.String("workflow_id", cfg.WorkflowID),
			zap.String("node_id", cfg.Node.ID),
			zap.String("node_type", cfg.Node.Type),
		),
	}
}

func (c *Context) ExecutionID() string          { return c.executionID }
func (c *Context) WorkflowID() string           { return c.workflowID }
func (c *Context) Node() workflow.Node          { return c.node }
func (c *Context) Mode() workflow.ExecutionMode { return c.mode }
func (c *Context) Items() []workflow.Item       { return c.items }

// Logger returns a logger tagged with the execution and node.
func (c *Context) Logger() *zap.Logger { return c.logger }

// GetParameter returns parameter name, a field path into the parameter tree,
// with placeholders resolved against item itemIndex. A missing parameter is null.
func (c *Context) GetParameter(name string, itemIndex int) value.Value {
	raw, ok := walk(c.node.Parameters, SplitPath(name))
	if !ok {
		return value.Null()
	}
	return Resolve(raw, c.itemPayload(itemIndex))
}

// Parameters returns the whole parameter tree resolved against item itemIndex.
func (c *Context) Parameters(itemIndex int) value.Value {
	return Resolve(c.node.Parameters, c.itemPayload(itemIndex))
}

// StringParameter returns a parameter rendered as text, or def when missing.
func (c *Context) StringParameter(name string, itemIndex int, def string) string {
	v := c.GetParameter(name, itemIndex)
	if v.IsNull() {
		return def
	}
	return v.String()
}

// NumberParameter returns a numeric parameter, accepting numeric strings.
func (c *Context) NumberParameter(name string, itemIndex int, def float64) float64 {
	v := c.GetParameter(name, itemIndex)
	if n, ok := v.AsNumber(); ok {
		return n
	}
	if s, ok := v.AsString(); ok {
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n
		}
	}
	return def
}

// BoolParameter returns a boolean parameter, accepting "true"/"false" strings.
func (c *Context) BoolParameter(name string, itemIndex int, def bool) bool {
	v := c.GetParameter(name, itemIndex)
	if b, ok := v.AsBool(); ok {
		return b
	}
	if s, ok := v.AsString(); ok {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return def
}

// GetCredentials resolves the credential of credType configured on the node.
// Every failure is a *errors.CredentialError.
func (c *Context) GetCredentials(ctx context.Context, credType string) (credentials.Data, error) {
	id, ok := c.node.Credentials[credType]
	if !ok || id == "" {
		return nil, derrors.NewCredentialError(credType, "no credential configured on node "+c.node.ID, nil)
	}
	if c.creds == nil {
		return nil, derrors.NewCredentialError(credType, "no credential provider available", nil)
	}
	data, err := c.creds.Resolve(ctx, credType, id)
	if err != nil {
		var credErr *derrors.CredentialError
		if errors.As(err, &credErr) {
			return nil, err
		}
		return nil, derrors.NewCredentialError(credType, "resolve failed", err)
	}
	return data, nil
}

func (c *Context) itemPayload(i int) value.Value {
	if i < 0 || i >= len(c.items) {
		return value.Null()
	}
	return c.items[i].Payload
}

func walk(v value.Value, segments []string) (value.Value, bool) {
	for _, seg := range segments {
		switch v.Kind() {
		case value.KindMap:
			next, ok := v.Get(seg)
			if !ok {
				return value.Null(), false
			}
			v = next
		case value.KindList:
			i, err := strconv.Atoi(seg)
			if err != nil {
				return value.Null(), false
			}
			next, ok := v.Index(i)
			if !ok {
				return value.Null(), false
			}
			v = next
		default:
			return value.Null(), false
		}
	}
	return v, true
}
