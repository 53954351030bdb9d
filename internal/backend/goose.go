package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// GooseWorker runs tasks through `goose run`, including local LLM providers.
type GooseWorker struct {
	binary       string
	model        string
	provider     string
	systemPrompt string
	extraArgs    []string
}

type gooseResponse struct {
	Content string `json:"content"`
}

// NewGooseWorker creates a Goose worker.
func NewGooseWorker(cfg Config) *GooseWorker {
	binary := cfg.Command
	if binary == "" {
		binary = "goose"
	}
	return &GooseWorker{
		binary:       binary,
		model:        cfg.Model,
		provider:     cfg.Provider,
		systemPrompt: cfg.SystemPrompt,
		extraArgs:    cfg.Args,
	}
}

func (w *GooseWorker) Kind() string { return "goose" }

// Command builds the goose invocation. The session name is unique per
// task attempt.
func (w *GooseWorker) Command(inv Invocation) (Command, error) {
	if inv.Prompt == "" {
		return Command{}, errors.New("goose worker: empty prompt")
	}
	return Command{
		Name:       w.binary,
		Args:       w.buildArgs(inv.Prompt, fmt.Sprintf("graphrun-%s-%d", inv.TaskID, inv.Attempt)),
		Env:        baseEnv(inv),
		Dir:        inv.WorkDir,
		StdoutPath: inv.ResultPath,
	}, nil
}

func (w *GooseWorker) buildArgs(prompt, sessionName string) []string {
	args := []string{"run", "--text", prompt, "--output-format", "json", "--name", sessionName}

	if w.provider != "" {
		args = append(args, "--provider", w.provider)
	}
	if w.model != "" {
		args = append(args, "--model", w.model)
	}
	if w.systemPrompt != "" {
		args = append(args, "--system", w.systemPrompt)
	}
	return append(args, w.extraArgs...)
}

// DecodeResult accepts a single JSON object, JSON lines, or plain text.
// Goose builds without JSON output print plain text; a zero exit code with
// any output counts as success.
func (w *GooseWorker) DecodeResult(data []byte) (Result, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return Result{}, fmt.Errorf("%w: goose produced no output", ErrUnparseableResult)
	}

	var single gooseResponse
	if err := json.Unmarshal([]byte(text), &single); err == nil {
		return Result{Success: true, Message: single.Content}, nil
	}

	var contents []string
	for _, line := range strings.Split(text, "\n") {
		var lineResp gooseResponse
		if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &lineResp); err == nil && lineResp.Content != "" {
			contents = append(contents, lineResp.Content)
		}
	}
	if len(contents) > 0 {
		return Result{Success: true, Message: strings.Join(contents, "\n")}, nil
	}

	return Result{Success: true, Message: text}, nil
}
