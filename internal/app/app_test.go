package app

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/nodes"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

func greeting() *workflow.Workflow {
	return &workflow.Workflow{
		ID: "greet",
		Nodes: []workflow.Node{
			{ID: "start", Type: nodes.TypeManualTrigger},
			{ID: "hello", Type: nodes.TypeSet, Parameters: value.Map(map[string]value.Value{
				"values": value.Map(map[string]value.Value{"greeting": value.String("hi")}),
			})},
		},
		Connections: []workflow.Connection{{SourceNodeID: "start", TargetNodeID: "hello"}},
	}
}

func newApp(t *testing.T, cfg config.Config, opts Options) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, zap.NewNop(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestRunFullWorkflow(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := newApp(t, config.Default(), Options{Metrics: reg})

	res, err := a.Run(context.Background(), greeting(), RunRequest{
		Input: []workflow.Item{{Payload: value.Map(map[string]value.Value{"name": value.String("ada")})}},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionSuccess, res.Execution.Status)
	require.Len(t, res.Nodes, 2)

	var hello *workflow.NodeExecution
	for _, nx := range res.Nodes {
		if nx.NodeID == "hello" {
			hello = nx
		}
	}
	require.NotNil(t, hello)
	items := hello.OutputData[workflow.DefaultPin]
	require.Len(t, items, 1)
	g, _ := items[0].Payload.Get("greeting")
	s, _ := g.AsString()
	assert.Equal(t, "hi", s)
	name, _ := items[0].Payload.Get("name")
	s, _ = name.AsString()
	assert.Equal(t, "ada", s)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRunSingleNode(t *testing.T) {
	a := newApp(t, config.Default(), Options{})

	res, err := a.Run(context.Background(), greeting(), RunRequest{NodeID: "hello"})
	require.NoError(t, err)
	assert.Equal(t, workflow.ModeSingleNode, res.Execution.Mode)
	assert.Equal(t, workflow.ExecutionSuccess, res.Execution.Status)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, "hello", res.Nodes[0].NodeID)
}

func TestBadgerStoreIsPersistent(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = config.DriverBadger
	cfg.Store.Path = filepath.Join(t.TempDir(), "db")

	a, err := New(context.Background(), cfg, zap.NewNop(), Options{})
	require.NoError(t, err)
	res, err := a.Run(context.Background(), greeting(), RunRequest{})
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))

	b := newApp(t, cfg, Options{})
	ex, err := b.Engine.GetExecution(context.Background(), res.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionSuccess, ex.Status)
}

func TestOutputGuardRejectsOversizedOutput(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.MaxOutputBytes = 8
	cfg.Retry.MaxRetries = 0
	a := newApp(t, cfg, Options{})

	res, err := a.Run(context.Background(), greeting(), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionError, res.Execution.Status)
}

func TestUnreachableNATSFailsStartup(t *testing.T) {
	cfg := config.Default()
	cfg.NATS.URL = "nats://127.0.0.1:1"
	_, err := New(context.Background(), cfg, zap.NewNop(), Options{})
	assert.Error(t, err)
}

func TestMissingCredentialsFile(t *testing.T) {
	_, err := New(context.Background(), config.Default(), zap.NewNop(), Options{CredentialsFile: filepath.Join(t.TempDir(), "none.yaml")})
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(config.LogConfig{Level: "warn"}, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", zap.String("k", "v"))
	require.NoError(t, logger.Sync())
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"k":"v"`)

	_, err = NewLogger(config.LogConfig{Level: "loud"}, &buf)
	assert.Error(t, err)
}
