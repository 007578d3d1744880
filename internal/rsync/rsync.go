package rsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"

	"github.com/sickboy/six-rsync/internal/config"
)

// DefaultProgram is the mirror tool binary looked up in PATH
const DefaultProgram = "rsync"

// windowsDrive matches a drive-letter path following a space, e.g. " C:"
var windowsDrive = regexp.MustCompile(` ([A-Za-z]):`)

// DefaultOptions returns the flags passed on every mirror transfer.
// In protected mode the transfer is a dry run.
func DefaultOptions(protected bool) []string {
	opts := []string{
		"--times",
		"-O",
		"--no-whole-file",
		"-r",
		"--delete",
		"--stats",
		"--progress",
		"--exclude=" + config.MetadataDir,
	}
	if protected {
		opts = append([]string{"--dry-run"}, opts...)
	}
	return opts
}

// ExternalToolError is returned when the mirror tool exits unsuccessfully
type ExternalToolError struct {
	Command  string
	Output   string
	ExitCode int
	Err      error
}

func (e *ExternalToolError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, e.Output)
}

func (e *ExternalToolError) Unwrap() error {
	return e.Err
}

// Command is one mirror tool invocation
type Command struct {
	Verb    string
	Options []string
	Host    string
	Target  string
}

// Build assembles a command from a verb, flags and the positional arguments
func Build(verb string, options []string, host, target string) Command {
	return Command{
		Verb:    verb,
		Options: options,
		Host:    host,
		Target:  target,
	}
}

// Args returns the argument vector after path translation. Each part is
// translated on its own and stays a single argument.
func (c Command) Args() []string {
	parts := append(append([]string{c.Verb}, c.Options...), c.Host, c.Target)
	args := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		args = append(args, strings.TrimPrefix(TranslateDrives(" "+part), " "))
	}
	return args
}

// Line renders the full command line for the given program. It is meant for
// logs and error messages only.
func (c Command) Line(program string) string {
	return strings.Join(append([]string{program}, c.Args()...), " ")
}

// TranslateDrives rewrites drive-letter paths (" C:") to their cygwin mount
// form (" /cygdrive/c") until none remain
func TranslateDrives(line string) string {
	for windowsDrive.MatchString(line) {
		line = windowsDrive.ReplaceAllStringFunc(line, func(m string) string {
			return " /cygdrive/" + strings.ToLower(m[1:2])
		})
	}
	return line
}

// Runner executes mirror tool commands
type Runner interface {
	// Execute runs cmd with dir as its working directory. When sink is not
	// nil the combined output is streamed to it as it is produced.
	Execute(ctx context.Context, cmd Command, dir string, sink io.Writer) (string, error)
}

// ShellRunner implements Runner by spawning the mirror tool binary
type ShellRunner struct {
	program string
	logger  *slog.Logger
}

// NewShellRunner creates a runner for program. A nil logger disables logging.
func NewShellRunner(program string, logger *slog.Logger) *ShellRunner {
	if program == "" {
		program = DefaultProgram
	}
	return &ShellRunner{
		program: program,
		logger:  logger,
	}
}

// Program returns the binary this runner spawns
func (r *ShellRunner) Program() string {
	return r.program
}

// Execute runs the command and classifies its exit status. Exit status 1
// with no output is the tool's "nothing to report" and is not an error.
func (r *ShellRunner) Execute(ctx context.Context, c Command, dir string, sink io.Writer) (string, error) {
	line := c.Line(r.program)

	var buf bytes.Buffer
	var w io.Writer = &buf
	if sink != nil {
		w = io.MultiWriter(sink, &buf)
	}

	cmd := exec.CommandContext(ctx, r.program, c.Args()...)
	cmd.Dir = dir
	cmd.Stdout = w
	cmd.Stderr = w

	runErr := cmd.Run()
	out := chomp(buf.String())

	if r.logger != nil {
		r.logger.Info(line)
		r.logger.Debug(out)
	}

	if runErr == nil {
		return out, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", &ExternalToolError{Command: line, Output: out, ExitCode: -1, Err: ctxErr}
	}

	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		return "", &ExternalToolError{Command: line, Output: out, ExitCode: -1, Err: runErr}
	}

	if exitErr.ExitCode() == 1 && out == "" {
		return "", nil
	}

	return "", &ExternalToolError{Command: line, Output: out, ExitCode: exitErr.ExitCode(), Err: runErr}
}

// chomp removes one trailing line terminator
func chomp(s string) string {
	if strings.HasSuffix(s, "\r\n") {
		return s[:len(s)-2]
	}
	return strings.TrimSuffix(strings.TrimSuffix(s, "\n"), "\r")
}
