// Package reporting forwards node failures and recovered panics to Sentry.
package reporting

import (
	"context"
	"errors"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/config"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// SentryReporter implements engine.Reporter on a dedicated hub so it never
// touches the global Sentry state.
type SentryReporter struct {
	hub    *sentry.Hub
	logger *zap.Logger
}

// NewSentryReporter builds a reporter from cfg. It returns nil, nil when no
// DSN is configured.
func NewSentryReporter(cfg config.SentryConfig, logger *zap.Logger) (*SentryReporter, error) {
	if cfg.DSN == "" {
		return nil, nil
	}
	return newReporter(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
	}, logger)
}

func newReporter(opts sentry.ClientOptions, logger *zap.Logger) (*SentryReporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &SentryReporter{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: logger.Named("reporting"),
	}, nil
}

// ReportFailure captures err with the execution and node as tags. Panics
// carry their stack as extra context and are reported at fatal level.
func (r *SentryReporter) ReportFailure(ctx context.Context, ex *workflow.Execution, nodeID string, err error) {
	if r == nil || err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("node_id", nodeID)
		if ex != nil {
			scope.SetTag("execution_id", ex.ID)
			scope.SetTag("workflow_id", ex.WorkflowID)
			scope.SetTag("execution_mode", string(ex.Mode))
			if ex.UserID != "" {
				scope.SetUser(sentry.User{ID: ex.UserID})
			}
		}
		var ne *derrors.NodeExecutionError
		if errors.As(err, &ne) {
			scope.SetTag("node_type", ne.NodeType)
			scope.SetTag("error_code", ne.Code())
			scope.SetContext("node", sentry.Context{
				"attempts": ne.Attempts,
				"kind":     string(ne.Kind),
			})
			if ne.Kind == derrors.KindPanic {
				scope.SetLevel(sentry.LevelFatal)
				scope.SetExtra("stack", ne.Stack)
			}
		}
		if id := r.hub.CaptureException(err); id == nil {
			r.logger.Debug("sentry event dropped", zap.String("node_id", nodeID))
		}
	})
}

// Flush waits up to timeout for buffered events to be sent.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	if r == nil {
		return true
	}
	return r.hub.Flush(timeout)
}
