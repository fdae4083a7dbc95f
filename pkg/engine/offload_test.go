package engine

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

type blobStub struct {
	mu    sync.Mutex
	blobs map[string][]byte
	reads int
}

func (b *blobStub) Upload(_ context.Context, path string, data []byte, _ map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[path] = append([]byte(nil), data...)
	return "stub://" + path, nil
}

func (b *blobStub) Download(_ context.Context, ref string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++
	data, ok := b.blobs[strings.TrimPrefix(ref, "stub://")]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return data, nil
}

func TestOffloadedOutputReachesDownstreamNode(t *testing.T) {
	blob := &blobStub{blobs: map[string][]byte{}}
	f := newFixture(t, WithOutputGuard(&storage.OutputGuard{MaxBytes: 256, Blob: blob}))
	f.save(flow("wf", []workflow.Node{trigger("T"), step("Big"), step("Sink")},
		link("T", "Big"), link("Big", "Sink")))

	text := strings.Repeat("y", 1024)
	f.on("Big", func(context.Context, *node.Context, workflow.NodeInput) (workflow.NodeOutput, error) {
		return workflow.NodeOutput{workflow.DefaultPin: {{Payload: value.String(text)}}}, nil
	})
	var got []workflow.Item
	f.on("Sink", func(_ context.Context, _ *node.Context, input workflow.NodeInput) (workflow.NodeOutput, error) {
		got = input.Flatten(workflow.DefaultPin)
		return workflow.NodeOutput{workflow.DefaultPin: {{Payload: value.Int(len(got))}}}, nil
	})

	ex := f.execute(StartRequest{WorkflowID: "wf"})
	require.Equal(t, workflow.ExecutionSuccess, ex.Status)

	require.Len(t, got, 1)
	s, _ := got[0].Payload.AsString()
	assert.Equal(t, text, s)
	assert.Equal(t, 1, blob.reads)

	nx := f.nodes(ex.ID)
	require.Len(t, nx["Big"].OutputData[workflow.DefaultPin], 1)
	assert.True(t, storage.IsReference(nx["Big"].OutputData[workflow.DefaultPin][0].Payload))
	sinkIn := nx["Sink"].InputData.Flatten(workflow.DefaultPin)
	require.Len(t, sinkIn, 1)
	assert.True(t, storage.IsReference(sinkIn[0].Payload), "records keep the reference")
}
