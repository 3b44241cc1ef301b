package capability

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner runs an external command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, input []byte, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the local host. The command is killed when ctx ends.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, input []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.Bytes(), fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return stdout.Bytes(), fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// argument rejects values that are empty, span lines, or would be read as an
// option by the command they are passed to.
func argument(kind, v string) error {
	if v == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidArgument, kind)
	}
	if strings.HasPrefix(v, "-") {
		return fmt.Errorf("%w: %s %q looks like an option", ErrInvalidArgument, kind, v)
	}
	if strings.ContainsAny(v, "\x00\n\r") {
		return fmt.Errorf("%w: %s contains control characters", ErrInvalidArgument, kind)
	}
	return nil
}
