package backend

import "fmt"

// Command is a fully resolved process invocation.
type Command struct {
	Name string   // Executable
	Args []string // Arguments
	Env  []string // KEY=VALUE entries appended to the parent environment
	Dir  string   // Working directory (the workspace)

	// StdoutPath, when set, receives stdout instead of the output log.
	// Agent CLIs print their structured answer on stdout, so their stdout
	// becomes the result file.
	StdoutPath string
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Name, c.Args)
}

// Invocation describes one attempt of one task, as seen by a worker.
type Invocation struct {
	TaskID     string
	Prompt     string // Shell command, executable or agent prompt
	Args       []string
	Env        map[string]string
	WorkDir    string
	ResultPath string
	Attempt    int
}

// Config defines one worker kind.
type Config struct {
	Type         string   // "shell", "exec", "claude", "codex" or "goose"
	Command      string   // Binary override
	Args         []string // Extra args appended to every invocation
	Model        string
	Provider     string // For Goose local LLMs (e.g., "ollama", "lmstudio")
	SystemPrompt string
}

// Environment variables every worker receives.
const (
	EnvTaskID     = "GRAPHRUN_TASK_ID"
	EnvResultPath = "GRAPHRUN_RESULT_PATH"
	EnvWorkspace  = "GRAPHRUN_WORKSPACE"
	EnvAttempt    = "GRAPHRUN_ATTEMPT"
)

func baseEnv(inv Invocation) []string {
	env := []string{
		EnvTaskID + "=" + inv.TaskID,
		EnvResultPath + "=" + inv.ResultPath,
		EnvWorkspace + "=" + inv.WorkDir,
		fmt.Sprintf("%s=%d", EnvAttempt, inv.Attempt),
	}
	for k, v := range inv.Env {
		env = append(env, k+"="+v)
	}
	return env
}
