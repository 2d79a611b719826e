package rendering

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"text/template"
	"time"

	"github.com/jonathan/persona-imagegen/internal/artifacts"
	"golang.org/x/sys/unix"
)

// maxStderr bounds how much renderer stderr is kept for error reports.
const maxStderr = 4096

// Command runs an external program per render and reads the PNG from its stdout.
// Arguments are text/templates over Request, e.g. "--seed={{.Seed}}".
type Command struct {
	path    string
	args    []*template.Template
	timeout time.Duration
	logger  *slog.Logger
}

// NewCommand parses the argument templates. A zero timeout means no limit beyond ctx.
func NewCommand(path string, args []string, timeout time.Duration, logger *slog.Logger) (*Command, error) {
	if path == "" {
		return nil, &RenderError{Message: "renderer command is empty"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	parsed := make([]*template.Template, 0, len(args))
	for i, arg := range args {
		tmpl, err := template.New(fmt.Sprintf("arg%d", i)).Option("missingkey=error").Parse(arg)
		if err != nil {
			return nil, &TemplateError{
				Message: fmt.Sprintf("failed to parse argument %d %q", i, arg),
				Cause:   err,
			}
		}
		parsed = append(parsed, tmpl)
	}

	return &Command{path: path, args: parsed, timeout: timeout, logger: logger}, nil
}

// Args expands the argument templates for req.
func (c *Command) Args(req Request) ([]string, error) {
	out := make([]string, 0, len(c.args))
	for _, tmpl := range c.args {
		var sb strings.Builder
		if err := tmpl.Execute(&sb, req); err != nil {
			return nil, &TemplateError{Message: "failed to execute argument template", Cause: err}
		}
		out = append(out, sb.String())
	}
	return out, nil
}

// Render implements Renderer. The child runs in its own process group, and the whole
// group is killed when ctx is cancelled or the timeout elapses.
func (c *Command) Render(ctx context.Context, req Request) ([]byte, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	args, err := c.Args(req)
	if err != nil {
		return nil, err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.path, args...)
	cmd.SysProcAttr = renderProcAttr()
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: maxStderr}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	err = cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &RenderError{Message: "render cancelled", Output: stderr.String(), Cause: ctxErr}
	}
	if err != nil {
		var exitErr *exec.ExitError
		msg := fmt.Sprintf("%s failed", c.path)
		if errors.As(err, &exitErr) {
			msg = fmt.Sprintf("%s exited with code %d", c.path, exitErr.ExitCode())
		}
		return nil, &RenderError{Message: msg, Output: stderr.String(), Cause: err}
	}

	out := stdout.Bytes()
	if !artifacts.IsPNG(out) {
		return nil, &RenderError{
			Message: fmt.Sprintf("%s wrote %d bytes that are not a PNG", c.path, len(out)),
			Output:  stderr.String(),
		}
	}

	c.logger.Debug("external render finished",
		"command", c.path, "seed", req.Seed, "size", req.Size, "steps", req.Steps,
		"duration", time.Since(start))
	return out, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return strings.TrimSpace(string(b.buf))
}
