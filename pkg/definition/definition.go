// Package definition loads workflow definitions from JSON, YAML or HCL files.
//
// JSON and YAML share one document shape; durations are written as Go
// duration strings ("30s", "5m"). HCL uses blocks:
//
//	id = "orders"
//	settings { timeout = "5m" }
//	node "fetch" {
//	  type       = "http"
//	  parameters = { url = "https://example.com/${env.ORDER_PATH}" }
//	  options { retry { max_retries = 3 } }
//	}
//	connection {
//	  from = "trigger"
//	  to   = "fetch"
//	}
package definition

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Daedalus/internal/xjson"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/retry"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Format is a definition file syntax.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
)

// FormatOf infers the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".hcl":
		return FormatHCL, nil
	default:
		return "", fmt.Errorf("unsupported definition file extension %q", filepath.Ext(path))
	}
}

// Load reads and parses the workflow at path.
func Load(path string) (*workflow.Workflow, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", path, err)
	}
	return Parse(format, data, path)
}

// Parse decodes data in the given format. name labels diagnostics.
func Parse(format Format, data []byte, name string) (*workflow.Workflow, error) {
	switch format {
	case FormatJSON:
		return ParseJSON(data)
	case FormatYAML:
		return ParseYAML(data)
	case FormatHCL:
		return ParseHCL(data, name)
	default:
		return nil, fmt.Errorf("unsupported definition format %q", format)
	}
}

// ParseJSON decodes a JSON document. Unknown keys are rejected.
func ParseJSON(data []byte) (*workflow.Workflow, error) {
	var doc document
	if err := xjson.UnmarshalStrict(data, &doc); err != nil {
		return nil, derrors.NewValidationError("invalid workflow JSON", err)
	}
	return doc.workflow()
}

// ParseYAML decodes a YAML document. Unknown keys are rejected.
func ParseYAML(data []byte) (*workflow.Workflow, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, derrors.NewValidationError("invalid workflow YAML", err)
	}
	return doc.workflow()
}

type document struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name,omitempty" yaml:"name,omitempty"`
	Active      *bool           `json:"active,omitempty" yaml:"active,omitempty"`
	Settings    settingsDoc     `json:"settings,omitempty" yaml:"settings,omitempty"`
	Nodes       []nodeDoc       `json:"nodes" yaml:"nodes"`
	Connections []connectionDoc `json:"connections" yaml:"connections"`
}

type settingsDoc struct {
	Timeout        string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	SaveData       string `json:"saveData,omitempty" yaml:"saveData,omitempty"`
	MaxConcurrency int    `json:"maxConcurrency,omitempty" yaml:"maxConcurrency,omitempty"`
}

type nodeDoc struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Type        string            `json:"type" yaml:"type"`
	Parameters  interface{}       `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Disabled    bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Inputs      []workflow.Pin    `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []string          `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	Options     optionsDoc        `json:"options,omitempty" yaml:"options,omitempty"`
}

type optionsDoc struct {
	ContinueOnFail   bool                     `json:"continueOnFail,omitempty" yaml:"continueOnFail,omitempty"`
	AlwaysOutputData bool                     `json:"alwaysOutputData,omitempty" yaml:"alwaysOutputData,omitempty"`
	Retry            *retryDoc                `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeout          string                   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	PinData          map[string][]interface{} `json:"pinData,omitempty" yaml:"pinData,omitempty"`
}

type retryDoc struct {
	MaxRetries int     `json:"maxRetries" yaml:"maxRetries"`
	BaseDelay  string  `json:"baseDelay,omitempty" yaml:"baseDelay,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	MaxDelay   string  `json:"maxDelay,omitempty" yaml:"maxDelay,omitempty"`
	Jitter     float64 `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

type connectionDoc struct {
	SourceNodeID string `json:"sourceNodeId" yaml:"sourceNodeId"`
	SourceOutput string `json:"sourceOutput,omitempty" yaml:"sourceOutput,omitempty"`
	TargetNodeID string `json:"targetNodeId" yaml:"targetNodeId"`
	TargetInput  string `json:"targetInput,omitempty" yaml:"targetInput,omitempty"`
}

func (d *document) workflow() (*workflow.Workflow, error) {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	wf := &workflow.Workflow{
		ID:     d.ID,
		Name:   d.Name,
		Active: d.Active == nil || *d.Active,
		Settings: workflow.Settings{
			SaveData:       workflow.SaveDataPolicy(d.Settings.SaveData),
			MaxConcurrency: d.Settings.MaxConcurrency,
		},
	}
	if wf.ID == "" {
		fail("workflow id is required")
	}
	if t, err := duration(d.Settings.Timeout); err != nil {
		fail("settings.timeout: %v", err)
	} else {
		wf.Settings.Timeout = t
	}

	for i, nd := range d.Nodes {
		n, err := nd.node()
		if err != nil {
			fail("nodes[%d]: %v", i, err)
			continue
		}
		wf.Nodes = append(wf.Nodes, n)
	}
	for _, c := range d.Connections {
		wf.Connections = append(wf.Connections, workflow.Connection{
			SourceNodeID: c.SourceNodeID,
			SourceOutput: c.SourceOutput,
			TargetNodeID: c.TargetNodeID,
			TargetInput:  c.TargetInput,
		})
	}

	if err := errors.Join(errs...); err != nil {
		return nil, derrors.NewValidationError("invalid workflow definition", err)
	}
	return wf, nil
}

func (nd *nodeDoc) node() (workflow.Node, error) {
	if nd.ID == "" {
		return workflow.Node{}, errors.New("node id is required")
	}
	if nd.Type == "" {
		return workflow.Node{}, fmt.Errorf("node %s: type is required", nd.ID)
	}
	params := value.FromAny(nd.Parameters)
	if params.IsNull() {
		params = value.EmptyMap()
	}
	n := workflow.Node{
		ID:          nd.ID,
		Name:        nd.Name,
		Type:        nd.Type,
		Parameters:  params,
		Disabled:    nd.Disabled,
		Inputs:      nd.Inputs,
		Outputs:     nd.Outputs,
		Credentials: nd.Credentials,
		Options: workflow.NodeOptions{
			ContinueOnFail:   nd.Options.ContinueOnFail,
			AlwaysOutputData: nd.Options.AlwaysOutputData,
			PinData:          pinData(nd.Options.PinData),
		},
	}
	t, err := duration(nd.Options.Timeout)
	if err != nil {
		return workflow.Node{}, fmt.Errorf("node %s: options.timeout: %w", nd.ID, err)
	}
	n.Options.Timeout = t
	if nd.Options.Retry != nil {
		p, err := nd.Options.Retry.policy()
		if err != nil {
			return workflow.Node{}, fmt.Errorf("node %s: options.retry: %w", nd.ID, err)
		}
		n.Options.Retry = &p
	}
	return n, nil
}

func (r *retryDoc) policy() (retry.Policy, error) {
	p := retry.Policy{
		MaxRetries: r.MaxRetries,
		Multiplier: r.Multiplier,
		Jitter:     r.Jitter,
	}
	var err error
	if p.BaseDelay, err = duration(r.BaseDelay); err != nil {
		return retry.Policy{}, err
	}
	if p.MaxDelay, err = duration(r.MaxDelay); err != nil {
		return retry.Policy{}, err
	}
	if err := p.Validate(); err != nil {
		return retry.Policy{}, err
	}
	return p.WithDefaults(), nil
}

func pinData(in map[string][]interface{}) workflow.NodeOutput {
	if len(in) == 0 {
		return nil
	}
	out := make(workflow.NodeOutput, len(in))
	for pin, payloads := range in {
		items := make([]workflow.Item, len(payloads))
		for i, p := range payloads {
			items[i] = workflow.Item{Payload: value.FromAny(p)}
		}
		out[pin] = items
	}
	return out
}

func duration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %s is negative", s)
	}
	return d, nil
}
