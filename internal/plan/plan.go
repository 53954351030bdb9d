// Package plan reads task files: the flat task and dependency list a run
// is built from. YAML is the native format; JSON is accepted as well.
package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/graphrun/internal/scheduler"
)

// Format is the encoding of a task file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// TaskSpec is one task as written in a task file. Durations use Go
// duration syntax ("90s", "10m").
type TaskSpec struct {
	ID                string            `yaml:"id" json:"id"`
	Title             string            `yaml:"title,omitempty" json:"title,omitempty"`
	Description       string            `yaml:"description,omitempty" json:"description,omitempty"`
	Type              string            `yaml:"type,omitempty" json:"type,omitempty"`
	Worker            string            `yaml:"worker,omitempty" json:"worker,omitempty"`
	Command           string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args              []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env               map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	DependsOn         []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Priority          int               `yaml:"priority,omitempty" json:"priority,omitempty"`
	Timeout           string            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retries           *int              `yaml:"retries,omitempty" json:"retries,omitempty"`
	EstimatedDuration string            `yaml:"estimated_duration,omitempty" json:"estimated_duration,omitempty"`
}

// File is the on-disk document.
type File struct {
	Tasks []TaskSpec       `yaml:"tasks" json:"tasks"`
	Edges []scheduler.Edge `yaml:"edges,omitempty" json:"edges,omitempty"`
}

// Plan is a decoded task file, ready for scheduler.Build.
type Plan struct {
	Tasks []*scheduler.Task
	Edges []scheduler.Edge
}

// Graph builds and validates the task graph.
func (p *Plan) Graph(opts scheduler.BuildOptions) (*scheduler.TaskGraph, error) {
	return scheduler.Build(p.Tasks, p.Edges, opts)
}

// FormatOf picks the format from a file extension.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Load reads a task file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	p, err := Parse(data, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a task file. Unknown fields are rejected so that typos
// do not silently drop settings.
func Parse(data []byte, format Format) (*Plan, error) {
	var f File
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("decode task file: %w", err)
		}
	case FormatYAML, "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode task file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown task file format %q", format)
	}
	return f.Plan()
}

// Plan converts the document into scheduler tasks.
func (f *File) Plan() (*Plan, error) {
	p := &Plan{Edges: f.Edges}
	for i, spec := range f.Tasks {
		task, err := spec.task()
		if err != nil {
			name := spec.ID
			if name == "" {
				name = fmt.Sprintf("#%d", i+1)
			}
			return nil, fmt.Errorf("task %s: %w", name, err)
		}
		p.Tasks = append(p.Tasks, task)
	}
	return p, nil
}

func (s TaskSpec) task() (*scheduler.Task, error) {
	if strings.TrimSpace(s.ID) == "" {
		return nil, errors.New("id is required")
	}
	timeout, err := parseDuration("timeout", s.Timeout)
	if err != nil {
		return nil, err
	}
	estimate, err := parseDuration("estimated_duration", s.EstimatedDuration)
	if err != nil {
		return nil, err
	}
	if s.Retries != nil && *s.Retries < 0 {
		return nil, fmt.Errorf("retries must not be negative, got %d", *s.Retries)
	}

	return &scheduler.Task{
		ID:                s.ID,
		Title:             s.Title,
		Description:       s.Description,
		DependsOn:         s.DependsOn,
		Priority:          s.Priority,
		Type:              s.Type,
		WorkerKind:        s.Worker,
		Command:           s.Command,
		Args:              s.Args,
		Env:               s.Env,
		Timeout:           timeout,
		MaxRetries:        s.Retries,
		EstimatedDuration: estimate,
	}, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", field, value)
	}
	return d, nil
}

// FromTasks converts scheduler tasks back into a document, for writing a
// task file from a stored run.
func FromTasks(tasks []*scheduler.Task, edges []scheduler.Edge) *File {
	f := &File{Edges: edges}
	for _, t := range tasks {
		spec := TaskSpec{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			Type:        t.Type,
			Worker:      t.WorkerKind,
			Command:     t.Command,
			Args:        t.Args,
			Env:         t.Env,
			DependsOn:   t.DependsOn,
			Priority:    t.Priority,
			Retries:     t.MaxRetries,
		}
		if t.Timeout > 0 {
			spec.Timeout = t.Timeout.String()
		}
		if t.EstimatedDuration > 0 {
			spec.EstimatedDuration = t.EstimatedDuration.String()
		}
		f.Tasks = append(f.Tasks, spec)
	}
	return f
}

// Write encodes f in the given format.
func (f *File) Write(w io.Writer, format Format) error {
	if format == FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(f)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return err
	}
	return enc.Close()
}
