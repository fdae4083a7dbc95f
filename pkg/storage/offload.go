// Package storage keeps oversized node output out of execution records by
// offloading it to blob storage and replacing it with a reference item.
package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/xjson"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Reference item keys.
const (
	RefKey  = "$ref"
	SizeKey = "size"
)

// OutputGuard enforces the output size limit of a node invocation.
type OutputGuard struct {
	// MaxBytes is the largest encoded output kept inline; 0 disables the guard.
	MaxBytes int64
	// Blob receives oversized output. Without it oversized output fails the node.
	Blob   BlobClient
	Logger *zap.Logger
}

// Check returns out unchanged when it fits. Oversized output is uploaded pin
// by pin and every produced pin gets a single reference item in place of its
// items, so routing is unchanged. Without a blob client it is rejected with a
// ResourceLimitError.
func (g *OutputGuard) Check(ctx context.Context, executionID, nodeID string, out workflow.NodeOutput) (workflow.NodeOutput, error) {
	if g == nil || g.MaxBytes <= 0 || len(out) == 0 {
		return out, nil
	}
	data, err := xjson.Marshal(out)
	if err != nil {
		return nil, errors.NewNodeError(nodeID, "output is not serializable", err)
	}
	size := int64(len(data))
	if size <= g.MaxBytes {
		return out, nil
	}
	if g.Blob == nil {
		return nil, errors.NewResourceLimitError(nodeID, g.MaxBytes, size)
	}

	refs := make(workflow.NodeOutput, len(out))
	for pin, items := range out {
		if len(items) == 0 {
			continue
		}
		data, err := xjson.Marshal(items)
		if err != nil {
			return nil, errors.NewNodeError(nodeID, "output is not serializable", err)
		}
		path := fmt.Sprintf("executions/%s/%s-%s-%s.json", executionID, nodeID, pin, uuid.NewString())
		url, err := g.Blob.Upload(ctx, path, data, map[string]string{
			"execution_id": executionID,
			"node_id":      nodeID,
			"pin":          pin,
		})
		if err != nil {
			return nil, errors.NewRetryableError(nodeID, "offloading oversized output failed", err)
		}
		refs[pin] = []workflow.Item{{Payload: value.Map(map[string]value.Value{
			RefKey:  value.String(url),
			SizeKey: value.Number(float64(len(data))),
		})}}
	}
	if g.Logger != nil {
		g.Logger.Info("offloaded oversized node output",
			zap.String("execution_id", executionID),
			zap.String("node_id", nodeID),
			zap.Int("pins", len(refs)),
			zap.Int64("size_bytes", size),
			zap.Int64("limit_bytes", g.MaxBytes))
	}
	return refs, nil
}

// Resolve replaces every connection sequence that is a single offload
// reference with the items it points to. Input is returned unchanged when
// the guard has no blob client.
func (g *OutputGuard) Resolve(ctx context.Context, input workflow.NodeInput) (workflow.NodeInput, error) {
	if g == nil || g.Blob == nil || !hasReference(input) {
		return input, nil
	}
	resolved := make(workflow.NodeInput, len(input))
	for pin, seqs := range input {
		out := make([][]workflow.Item, len(seqs))
		for i, seq := range seqs {
			if len(seq) != 1 || !IsReference(seq[0].Payload) {
				out[i] = seq
				continue
			}
			items, err := Fetch(ctx, g.Blob, seq[0].Payload)
			if err != nil {
				return nil, err
			}
			out[i] = items
		}
		resolved[pin] = out
	}
	return resolved, nil
}

func hasReference(input workflow.NodeInput) bool {
	for _, seqs := range input {
		for _, seq := range seqs {
			if len(seq) == 1 && IsReference(seq[0].Payload) {
				return true
			}
		}
	}
	return false
}

// IsReference reports whether payload is an offload reference.
func IsReference(payload value.Value) bool {
	ref, ok := payload.Get(RefKey)
	if !ok {
		return false
	}
	_, isString := ref.AsString()
	return isString && payload.Len() == 2
}

// Fetch restores the items an offload reference points to.
func Fetch(ctx context.Context, blob BlobClient, payload value.Value) ([]workflow.Item, error) {
	if !IsReference(payload) {
		return nil, errors.NewValidationError("payload is not an offload reference", nil)
	}
	ref, _ := payload.Get(RefKey)
	url, _ := ref.AsString()
	data, err := blob.Download(ctx, url)
	if err != nil {
		return nil, errors.NewRetryableError("", "fetching offloaded output failed", err)
	}
	if size, ok := payload.Get(SizeKey); ok {
		if n, _ := size.AsNumber(); int(n) != len(data) {
			return nil, errors.NewValidationError("offloaded output size mismatch: want "+strconv.Itoa(int(n))+" got "+strconv.Itoa(len(data)), nil)
		}
	}
	var items []workflow.Item
	if err := xjson.Unmarshal(data, &items); err != nil {
		return nil, errors.NewValidationError("offloaded output is corrupt", err)
	}
	return items, nil
}
