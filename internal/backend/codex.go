package backend

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// CodexWorker runs tasks through `codex exec`.
type CodexWorker struct {
	binary    string
	model     string
	extraArgs []string
}

// codexEvent is used to peek at the type of each JSON line.
type codexEvent struct {
	Type string `json:"type"`
}

// codexThreadStarted represents the ThreadStarted event.
type codexThreadStarted struct {
	ThreadID string `json:"thread_id"`
}

// codexTurnCompleted represents the TurnCompleted event.
type codexTurnCompleted struct {
	Content string `json:"content"`
}

// NewCodexWorker creates a Codex worker.
func NewCodexWorker(cfg Config) *CodexWorker {
	binary := cfg.Command
	if binary == "" {
		binary = "codex"
	}
	return &CodexWorker{binary: binary, model: cfg.Model, extraArgs: cfg.Args}
}

func (w *CodexWorker) Kind() string { return "codex" }

// Command builds ["exec", prompt, "--json", ...].
func (w *CodexWorker) Command(inv Invocation) (Command, error) {
	if inv.Prompt == "" {
		return Command{}, errors.New("codex worker: empty prompt")
	}
	args := []string{"exec", inv.Prompt, "--json"}
	if w.model != "" {
		args = append(args, "--model", w.model)
	}
	args = append(args, w.extraArgs...)

	return Command{
		Name:       w.binary,
		Args:       args,
		Env:        baseEnv(inv),
		Dir:        inv.WorkDir,
		StdoutPath: inv.ResultPath,
	}, nil
}

// DecodeResult reads the newline-delimited event stream. A run counts as
// successful once a TurnCompleted event was seen.
func (w *CodexWorker) DecodeResult(data []byte) (Result, error) {
	threadID, content, completed, err := parseCodexEvents(data)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnparseableResult, err)
	}
	if !completed {
		return Result{Success: false, Message: "codex finished without a completed turn"}, nil
	}
	r := Result{Success: true, Message: content}
	if threadID != "" {
		r.Artifacts = []string{"codex-thread:" + threadID}
	}
	return r, nil
}

func parseCodexEvents(data []byte) (threadID, content string, completed bool, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var evt codexEvent
		if parseErr := json.Unmarshal([]byte(line), &evt); parseErr != nil {
			return "", "", false, fmt.Errorf("failed to parse event type: %w", parseErr)
		}

		switch evt.Type {
		case "ThreadStarted":
			var started codexThreadStarted
			if parseErr := json.Unmarshal([]byte(line), &started); parseErr != nil {
				return "", "", false, fmt.Errorf("failed to parse ThreadStarted event: %w", parseErr)
			}
			threadID = started.ThreadID
		case "TurnCompleted":
			var turn codexTurnCompleted
			if parseErr := json.Unmarshal([]byte(line), &turn); parseErr != nil {
				return "", "", false, fmt.Errorf("failed to parse TurnCompleted event: %w", parseErr)
			}
			content = turn.Content
			completed = true
		}
	}

	if err := scanner.Err(); err != nil {
		return "", "", false, fmt.Errorf("error reading events: %w", err)
	}
	return threadID, content, completed, nil
}
