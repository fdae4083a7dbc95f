// Package cli implements the daedalus command line.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/app"
	"github.com/wehubfusion/Daedalus/internal/xjson"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/definition"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Exit codes.
const (
	ExitOK     = 0
	ExitFailed = 1
	ExitUsage  = 2
)

// ExitError carries the process exit code for a failure.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// Command is a parsed command line.
type Command struct {
	Name            string // run or validate
	WorkflowPath    string
	ConfigPath      string
	CredentialsPath string
	NodeID          string
	TriggerNodeID   string
	Input           []workflow.Item
	StreamEvents    bool
	Timeout         time.Duration
}

const usage = `
Daedalus - workflow execution engine.

Usage:
  daedalus run -workflow FILE [options]
  daedalus validate -workflow FILE

Workflow files may be .json, .yaml/.yml or .hcl.

Options:
`

// Parse processes args (without the program name). It returns nil and no
// error when help was requested.
func Parse(args []string, output io.Writer) (*Command, error) {
	name := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		name, args = args[0], args[1:]
	}
	if name != "run" && name != "validate" {
		return nil, &ExitError{Code: ExitUsage, Message: fmt.Sprintf("unknown command %q", name)}
	}

	fs := flag.NewFlagSet("daedalus "+name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprint(output, usage)
		fs.PrintDefaults()
	}

	cmd := &Command{Name: name}
	fs.StringVar(&cmd.WorkflowPath, "workflow", "", "Path to the workflow definition.")
	fs.StringVar(&cmd.ConfigPath, "config", "", "Path to a YAML config file.")
	fs.StringVar(&cmd.CredentialsPath, "credentials", "", "Path to a YAML credentials file.")
	fs.StringVar(&cmd.NodeID, "node", "", "Run only this node.")
	fs.StringVar(&cmd.TriggerNodeID, "trigger-node", "", "Entry point for a full run; defaults to the first trigger.")
	input := fs.String("input", "", "JSON trigger data (full run) or node input (single node). An array gives one item per element.")
	fs.BoolVar(&cmd.StreamEvents, "events", false, "Stream lifecycle events to stderr as JSON lines.")
	fs.DurationVar(&cmd.Timeout, "timeout", 0, "Give up waiting after this long; 0 waits until the run finishes.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, nil
		}
		return nil, &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	if cmd.WorkflowPath == "" && fs.NArg() > 0 {
		cmd.WorkflowPath = fs.Arg(0)
	}
	if cmd.WorkflowPath == "" {
		fs.Usage()
		return nil, &ExitError{Code: ExitUsage, Message: "a workflow file is required"}
	}
	if cmd.NodeID != "" && cmd.TriggerNodeID != "" {
		return nil, &ExitError{Code: ExitUsage, Message: "-node and -trigger-node are mutually exclusive"}
	}
	if *input != "" {
		items, err := parseItems(*input)
		if err != nil {
			return nil, &ExitError{Code: ExitUsage, Message: "invalid -input: " + err.Error()}
		}
		cmd.Input = items
	}
	return cmd, nil
}

func parseItems(raw string) ([]workflow.Item, error) {
	v, err := value.Parse([]byte(raw))
	if err != nil {
		return nil, err
	}
	if list, ok := v.AsList(); ok {
		items := make([]workflow.Item, len(list))
		for i, e := range list {
			items[i] = workflow.Item{Payload: e}
		}
		return items, nil
	}
	return []workflow.Item{{Payload: v}}, nil
}

// Main runs the command line and returns the process exit code.
func Main(args []string, stdout, stderr io.Writer) int {
	cmd, err := Parse(args, stderr)
	if err != nil {
		return report(stderr, err)
	}
	if cmd == nil {
		return ExitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Execute(ctx, cmd, stdout, stderr); err != nil {
		return report(stderr, err)
	}
	return ExitOK
}

func report(w io.Writer, err error) int {
	fmt.Fprintln(w, "error:", err)
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return ExitFailed
}

// Execute carries out cmd. A run that ends in any status other than success
// is returned as an ExitError after its result has been printed.
func Execute(ctx context.Context, cmd *Command, stdout, stderr io.Writer) error {
	cfg, err := config.Load(cmd.ConfigPath)
	if err != nil {
		return &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	logger, err := app.NewLogger(cfg.Log, stderr)
	if err != nil {
		return &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	defer func() { _ = logger.Sync() }()

	wf, err := definition.Load(cmd.WorkflowPath)
	if err != nil {
		return err
	}
	if cmd.Name == "validate" {
		return validate(ctx, cfg, logger, wf, stdout)
	}

	undo := concurrency.SetupMaxProcs(logger)
	defer undo()

	a, err := app.New(ctx, cfg, logger, app.Options{CredentialsFile: cmd.CredentialsPath})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	if cmd.StreamEvents {
		sub := a.Emitter.SubscribeWorkflow(wf.ID)
		done := make(chan struct{})
		go func() {
			defer close(done)
			streamEvents(sub.Events, stderr)
		}()
		defer func() {
			sub.Close()
			<-done
		}()
	}

	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	res, err := a.Run(runCtx, wf, app.RunRequest{
		NodeID:        cmd.NodeID,
		TriggerNodeID: cmd.TriggerNodeID,
		Input:         cmd.Input,
	})
	if err != nil {
		return err
	}

	out, err := xjson.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(out))

	if res.Execution.Status != workflow.ExecutionSuccess {
		msg := fmt.Sprintf("execution %s finished with status %s", res.Execution.ID, res.Execution.Status)
		if res.Execution.Error != "" {
			msg += ": " + res.Execution.Error
		}
		return &ExitError{Code: ExitFailed, Message: msg}
	}
	return nil
}

// validate compiles wf against the built-in node types without running it.
func validate(ctx context.Context, cfg config.Config, logger *zap.Logger, wf *workflow.Workflow, stdout io.Writer) error {
	cfg.NATS.URL = ""
	cfg.Tracing.Endpoint = ""
	cfg.Sentry.DSN = ""
	cfg.Store.Driver = config.DriverMemory

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	if err := a.Engine.Validate(wf); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "workflow %s is valid (%d nodes, %d connections)\n", wf.ID, len(wf.Nodes), len(wf.Connections))
	return nil
}

func streamEvents(ch <-chan events.Event, w io.Writer) {
	for ev := range ch {
		line, err := xjson.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintln(w, string(line))
	}
}
