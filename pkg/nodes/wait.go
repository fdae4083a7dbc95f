package nodes

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// waitDuration reads either "duration" ("1.5s") or "amount" with "unit"
// (milliseconds, seconds, minutes, hours; seconds by default).
func waitDuration(nc *node.Context) (time.Duration, error) {
	if d := nc.StringParameter("duration", 0, ""); d != "" {
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, errors.NewValidationError("wait: invalid duration "+d, err)
		}
		return parsed, nil
	}
	amount := nc.NumberParameter("amount", 0, 0)
	if amount < 0 {
		return 0, errors.NewValidationError("wait: amount must not be negative", nil)
	}
	var unit time.Duration
	switch u := nc.StringParameter("unit", 0, "seconds"); u {
	case "ms", "milliseconds":
		unit = time.Millisecond
	case "s", "seconds":
		unit = time.Second
	case "m", "minutes":
		unit = time.Minute
	case "h", "hours":
		unit = time.Hour
	default:
		return 0, errors.NewValidationError("wait: unknown unit "+u, nil)
	}
	return time.Duration(amount * float64(unit)), nil
}

// wait suspends the invocation for the configured time and passes its input
// through. Only this task is suspended; other nodes keep running.
func wait(ctx context.Context, nc *node.Context, input workflow.NodeInput) (workflow.NodeOutput, error) {
	d, err := waitDuration(nc)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	nc.Logger().Debug("wait finished", zap.Duration("elapsed", time.Since(start)))
	return workflow.NodeOutput{workflow.DefaultPin: mainItems(nc, input)}, nil
}
