package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"agentcoder/pkg/agent/llm"
	"agentcoder/pkg/logx"
)

// DefaultShellTimeout bounds one shell command.
const DefaultShellTimeout = 300 * time.Second

// ShellTool runs a command through sh -c and reports exit code, stdout and stderr.
// Each call is a fresh shell, so state such as the working directory does not carry over.
type ShellTool struct {
	logger  *logx.Logger
	workDir string
	timeout time.Duration
}

// NewShellTool creates a shell tool rooted at workDir (empty means the process cwd).
func NewShellTool(workDir string, timeout time.Duration) *ShellTool {
	if timeout <= 0 {
		timeout = DefaultShellTimeout
	}
	return &ShellTool{logger: logx.NewLogger("shell"), workDir: workDir, timeout: timeout}
}

func (s *ShellTool) Name() string { return ToolShell }

func (s *ShellTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: ToolShell,
		Description: "Executes a shell command and returns its standard output, standard error, and exit code. " +
			"Each command runs in a new shell; chain commands with '&&' to keep state, e.g. 'cd my_dir && ls'.",
		InputSchema: llm.InputSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"command": {Type: "string", Description: "The shell command to execute."},
			},
			Required: []string{"command"},
		},
	}
}

// Exec runs the command. Non-zero exits are reported in the content, not as errors.
func (s *ShellTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return nil, err
	}
	s.logger.Info("Executing command: %s", command)

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = s.workDir
	cmd.Env = os.Environ()
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		s.logger.Error("Command '%s' timed out", command)
		return &ExecResult{
			Content: fmt.Sprintf("Error: Command timed out after %d seconds.", int(s.timeout.Seconds())),
			IsError: true,
		}, nil
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return &ExecResult{Content: fmt.Sprintf("An unexpected error occurred: %v", runErr), IsError: true}, nil
		}
		exitCode = exitErr.ExitCode()
	}

	s.logger.Info("Command executed. Exit Code: %d", exitCode)
	return &ExecResult{Content: FormatShellOutput(exitCode, stdout.String(), stderr.String())}, nil
}

// FormatShellOutput renders a command outcome for the model.
func FormatShellOutput(exitCode int, stdout, stderr string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Exit Code: %d\n", exitCode)
	section := func(title, body string) {
		b.WriteString("--- " + title + " ---\n")
		if body = strings.TrimSpace(body); body == "" {
			body = "[No output]"
		}
		b.WriteString(body + "\n")
	}
	section("STDOUT", stdout)
	section("STDERR", stderr)
	return b.String()
}
