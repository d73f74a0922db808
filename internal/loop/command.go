package loop

import (
	"fmt"
	"os"
)

// AgentCommand is a fully built subprocess invocation for one coding CLI.
type AgentCommand struct {
	Path           string
	Args           []string
	Stdin          string // piped to the process's stdin when non-empty
	TempPromptPath string // non-empty when a prompt file was written and must be cleaned up after the run
}

// BuildAgentCommand builds the argv/stdin shape for cli: claude-code takes the prompt on
// stdin, codex takes it inline as a final arg, opencode shells out reading
// a temp prompt file via $(cat ...).
func BuildAgentCommand(cli, model, prompt string) (AgentCommand, error) {
	switch cli {
	case "claude-code":
		args := []string{}
		if model != "" {
			args = append(args, "--model", model)
		}
		return AgentCommand{Path: "claude", Args: args, Stdin: prompt}, nil

	case "codex":
		args := []string{"exec"}
		if model != "" {
			args = append(args, "--model", model)
		}
		args = append(args, prompt)
		return AgentCommand{Path: "codex", Args: args}, nil

	case "opencode":
		f, err := os.CreateTemp("", "mnemo-prompt-*.txt")
		if err != nil {
			return AgentCommand{}, fmt.Errorf("loop: create prompt file: %w", err)
		}
		tempPath := f.Name()
		if _, err := f.WriteString(prompt); err != nil {
			f.Close()
			os.Remove(tempPath)
			return AgentCommand{}, fmt.Errorf("loop: write prompt file: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(tempPath)
			return AgentCommand{}, fmt.Errorf("loop: close prompt file: %w", err)
		}

		shellCmd := fmt.Sprintf(`opencode run%s "$(cat %q)"`, modelSuffix(model), tempPath)
		return AgentCommand{
			Path:           "sh",
			Args:           []string{"-c", shellCmd},
			TempPromptPath: tempPath,
		}, nil

	default:
		return AgentCommand{}, fmt.Errorf("loop: unsupported coding_cli %q", cli)
	}
}

func modelSuffix(model string) string {
	if model == "" {
		return ""
	}
	return fmt.Sprintf(" -m %s", model)
}
