// Package app wires configuration into a running engine: store, event
// fan-out, tracing, failure reporting and output offload.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/internal/reporting"
	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/credentials"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/nodes"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"github.com/wehubfusion/Daedalus/pkg/store/badgerstore"
	"github.com/wehubfusion/Daedalus/pkg/store/memory"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Options are process-level inputs that do not belong in the config file.
type Options struct {
	// CredentialsFile is a YAML credentials list; empty means no credentials.
	CredentialsFile string
	// Metrics receives the engine collectors when set.
	Metrics prometheus.Registerer
}

// App owns the engine and every collaborator it was built with.
type App struct {
	Engine  *engine.Engine
	Emitter *events.Emitter
	Store   store.Store

	logger  *zap.Logger
	closers []func(context.Context) error
}

// New builds the engine described by cfg. On error everything opened so far
// is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	switch cfg.Store.Driver {
	case config.DriverBadger:
		s, err := badgerstore.Open(cfg.Store.Path, logger)
		if err != nil {
			return nil, err
		}
		a.Store = s
	default:
		a.Store = memory.New()
	}
	a.onClose(func(context.Context) error { return a.Store.Close() })

	emitterOpts := []events.Option{
		events.WithLogger(logger),
		events.WithSubscriberCapacity(cfg.Engine.SubscriberBuffer),
	}
	if cfg.NATS.URL != "" {
		conn, js, err := natsconn.JetStream(ctx, cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return natsconn.Close(conn) })
		sink := events.NewAsyncSink(events.NewNATSSink(js, cfg.NATS.SubjectPrefix), cfg.Engine.SubscriberBuffer, 5*time.Second, logger)
		a.onClose(func(context.Context) error { sink.Close(); return nil })
		emitterOpts = append(emitterOpts, events.WithSink(sink))
		logger.Info("publishing events to JetStream",
			zap.String("stream", cfg.NATS.Stream),
			zap.String("subject_prefix", cfg.NATS.SubjectPrefix))
	}
	a.Emitter = events.NewEmitter(emitterOpts...)

	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithSettings(cfg.EngineSettings()),
		engine.WithPublisher(a.Emitter),
		engine.WithMetrics(opts.Metrics),
	}

	tp, shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return tracing.Shutdown(shutdownTracing, logger) })
	if tp != nil {
		engineOpts = append(engineOpts, engine.WithTracerProvider(tp))
	}

	rep, err := reporting.NewSentryReporter(cfg.Sentry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init sentry: %w", err)
	}
	if rep != nil {
		a.onClose(func(context.Context) error { rep.Flush(2 * time.Second); return nil })
		engineOpts = append(engineOpts, engine.WithReporter(rep))
	}

	if cfg.Engine.MaxOutputBytes > 0 {
		guard := &storage.OutputGuard{MaxBytes: cfg.Engine.MaxOutputBytes, Logger: logger}
		if cfg.Blob.ConnectionString != "" {
			blob, err := storage.NewAzureBlobClient(cfg.Blob.ConnectionString, cfg.Blob.Container, logger)
			if err != nil {
				return nil, err
			}
			guard.Blob = blob
		}
		engineOpts = append(engineOpts, engine.WithOutputGuard(guard))
	}

	var creds credentials.Provider = credentials.NewStatic()
	if opts.CredentialsFile != "" {
		static, err := credentials.LoadFile(opts.CredentialsFile)
		if err != nil {
			return nil, err
		}
		creds = static
	}
	engineOpts = append(engineOpts, engine.WithCredentials(creds))

	registry, err := nodes.NewRegistry(nodes.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	a.Engine, err = engine.New(registry, a.Store, a.Store, engineOpts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// RunRequest selects what Run executes.
type RunRequest struct {
	// NodeID runs a single node when set; otherwise the whole workflow runs.
	NodeID        string
	TriggerNodeID string
	// Input is trigger data for full runs and main-pin input for single-node runs.
	Input []workflow.Item
}

// Result is a finished execution with its node records.
type Result struct {
	Execution *workflow.Execution       `json:"execution"`
	Nodes     []*workflow.NodeExecution `json:"nodes"`
}

// Run stores wf and executes it to completion.
func (a *App) Run(ctx context.Context, wf *workflow.Workflow, req RunRequest) (*Result, error) {
	if err := a.Store.SaveWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	var (
		ex  *workflow.Execution
		err error
	)
	if req.NodeID != "" {
		nr := engine.NodeRequest{WorkflowID: wf.ID, NodeID: req.NodeID}
		if req.Input != nil {
			nr.Input = workflow.NodeInput{workflow.DefaultPin: {req.Input}}
		}
		ex, err = a.Engine.RunNode(ctx, nr)
		if err == nil {
			ex, err = a.Engine.Wait(ctx, ex.ID)
		}
	} else {
		ex, err = a.Engine.Execute(ctx, engine.StartRequest{
			WorkflowID:    wf.ID,
			TriggerNodeID: req.TriggerNodeID,
			TriggerData:   req.Input,
		})
	}
	if err != nil {
		return nil, err
	}

	nodeExecs, err := a.Engine.NodeExecutions(ctx, ex.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Execution: ex, Nodes: nodeExecs}, nil
}

// Close stops running executions, then releases collaborators in reverse
// order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Engine != nil {
		if err := a.Engine.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
