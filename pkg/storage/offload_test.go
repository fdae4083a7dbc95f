package storage

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

type memoryBlob struct {
	mu    sync.Mutex
	blobs map[string][]byte
	err   error
}

func (m *memoryBlob) Upload(_ context.Context, path string, data []byte, _ map[string]string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[path] = append([]byte(nil), data...)
	return "mem://" + path, nil
}

func (m *memoryBlob) Download(_ context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[strings.TrimPrefix(ref, "mem://")]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return data, nil
}

func bigOutput() workflow.NodeOutput {
	return workflow.NodeOutput{"main": {{Payload: value.String(strings.Repeat("x", 512))}}}
}

func TestOutputGuardPassesSmallOutput(t *testing.T) {
	g := &OutputGuard{MaxBytes: 1024}
	out := workflow.NodeOutput{"main": {{Payload: value.Int(1)}}}
	got, err := g.Check(context.Background(), "ex", "n", out)
	require.NoError(t, err)
	assert.Equal(t, out, got)

	var disabled *OutputGuard
	got, err = disabled.Check(context.Background(), "ex", "n", bigOutput())
	require.NoError(t, err)
	assert.Len(t, got["main"], 1)
}

func TestOutputGuardRejectsWithoutBlob(t *testing.T) {
	g := &OutputGuard{MaxBytes: 64}
	_, err := g.Check(context.Background(), "ex", "n", bigOutput())

	var nodeErr *errors.NodeExecutionError
	require.True(t, stderrors.As(err, &nodeErr))
	assert.Equal(t, errors.KindResourceLimit, nodeErr.Kind)
	assert.False(t, errors.IsTransient(err))
}

func TestOutputGuardOffloads(t *testing.T) {
	blob := &memoryBlob{blobs: map[string][]byte{}}
	g := &OutputGuard{MaxBytes: 64, Blob: blob, Logger: zap.NewNop()}
	ctx := context.Background()

	got, err := g.Check(ctx, "ex-1", "node", bigOutput())
	require.NoError(t, err)
	require.Len(t, got["main"], 1)
	ref := got["main"][0].Payload
	assert.True(t, IsReference(ref))
	url, _ := ref.Get(RefKey)
	assert.True(t, strings.HasPrefix(url.String(), "mem://executions/ex-1/node-main-"))

	restored, err := Fetch(ctx, blob, ref)
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.True(t, restored[0].Payload.Equal(bigOutput()["main"][0].Payload))
}

func TestOutputGuardKeepsPinRouting(t *testing.T) {
	blob := &memoryBlob{blobs: map[string][]byte{}}
	g := &OutputGuard{MaxBytes: 64, Blob: blob}
	out := workflow.NodeOutput{
		"true":  nil,
		"false": bigOutput()["main"],
	}

	got, err := g.Check(context.Background(), "ex", "if", out)
	require.NoError(t, err)
	assert.Empty(t, got["true"], "unproduced pin stays unproduced")
	require.Len(t, got["false"], 1)
	assert.True(t, IsReference(got["false"][0].Payload))
}

func TestResolveRestoresReferencedItems(t *testing.T) {
	blob := &memoryBlob{blobs: map[string][]byte{}}
	g := &OutputGuard{MaxBytes: 64, Blob: blob}
	ctx := context.Background()

	refs, err := g.Check(ctx, "ex", "big", bigOutput())
	require.NoError(t, err)
	small := []workflow.Item{{Payload: value.Int(1)}}
	input := workflow.NodeInput{"main": {refs["main"], small}}

	resolved, err := g.Resolve(ctx, input)
	require.NoError(t, err)
	require.Len(t, resolved["main"], 2)
	require.Len(t, resolved["main"][0], 1)
	assert.True(t, resolved["main"][0][0].Payload.Equal(bigOutput()["main"][0].Payload))
	assert.Equal(t, small, resolved["main"][1])
	assert.True(t, IsReference(input["main"][0][0].Payload), "input is not modified")

	var disabled *OutputGuard
	same, err := disabled.Resolve(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, input, same)

	_, err = (&OutputGuard{Blob: &memoryBlob{blobs: map[string][]byte{}}}).Resolve(ctx, input)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err), "a missing blob may be retried")
}

func TestOutputGuardUploadFailureIsTransient(t *testing.T) {
	g := &OutputGuard{MaxBytes: 64, Blob: &memoryBlob{err: stderrors.New("503")}}
	_, err := g.Check(context.Background(), "ex", "n", bigOutput())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestFetchRejectsNonReference(t *testing.T) {
	_, err := Fetch(context.Background(), &memoryBlob{}, value.String("plain"))
	assert.Error(t, err)
}
