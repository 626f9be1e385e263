package system

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"relocare/internal/logging"
)

// Runner executes an external tool and returns its combined output. Every
// invocation blocks until the tool exits; image operations can take minutes.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
	// RunInput feeds input on stdin. Used for scripted diskpart sessions.
	RunInput(ctx context.Context, input string, name string, args ...string) (string, error)
}

// ExecRunner runs commands for real, logging every invocation and its
// output.
type ExecRunner struct {
	Log *logging.Logger
}

func NewExecRunner(logger *logging.Logger) *ExecRunner {
	return &ExecRunner{Log: logger}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return r.run(ctx, "", name, args...)
}

func (r *ExecRunner) RunInput(ctx context.Context, input string, name string, args ...string) (string, error) {
	return r.run(ctx, input, name, args...)
}

func (r *ExecRunner) run(ctx context.Context, input string, name string, args ...string) (string, error) {
	r.Log.Log("DEBUG", "EXEC", "command", name+" "+strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}

	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if output != "" {
		r.Log.Log("DEBUG", "OUTPUT", "tool", name, "output", output)
	}
	if err != nil {
		return output, fmt.Errorf("%s failed: %w", name, err)
	}
	return output, nil
}

// DryRunner logs what would run without touching the system.
type DryRunner struct {
	Log *logging.Logger
}

func NewDryRunner(logger *logging.Logger) *DryRunner {
	return &DryRunner{Log: logger}
}

func (r *DryRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	r.Log.Log("INFO", "DRY-RUN", "command", name+" "+strings.Join(args, " "))
	return "", nil
}

func (r *DryRunner) RunInput(ctx context.Context, input string, name string, args ...string) (string, error) {
	r.Log.Log("INFO", "DRY-RUN", "command", name+" "+strings.Join(args, " "), "stdin", input)
	return "", nil
}

// ScriptRunner answers invocations from a canned table. Test helper.
type ScriptRunner struct {
	// Responses maps the full command line ("name arg1 arg2") to output.
	Responses map[string]string
	// Errors marks command lines that must fail.
	Errors map[string]error
	// Calls records every command line in order.
	Calls []string
}

func (r *ScriptRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return r.RunInput(ctx, "", name, args...)
}

func (r *ScriptRunner) RunInput(ctx context.Context, input string, name string, args ...string) (string, error) {
	line := name
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	r.Calls = append(r.Calls, line)

	if err, ok := r.Errors[line]; ok {
		return "", err
	}
	if out, ok := r.Responses[line]; ok {
		return out, nil
	}
	// Unscripted mutations succeed silently so tests only pin down the
	// invocations they care about.
	return "", nil
}
