// Package sandbox runs tool code in a throwaway container.
//
// Every run builds a one-off image from a generated Dockerfile, runs it
// to completion and removes both the container and the image, whether
// the run succeeded, failed or timed out.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Job is one execution request.
type Job struct {
	Code         string
	Dependencies []string
}

// Runner executes a job and returns its combined output.
type Runner interface {
	Run(ctx context.Context, job Job) (string, error)
}

// ErrTimeout is returned when a job exceeds its time limit.
var ErrTimeout = errors.New("sandbox run timed out")

// ExitError reports a build or run step that exited non-zero. Output
// holds what the step printed.
type ExitError struct {
	Step   string
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("sandbox %s exited with status %d", e.Step, e.Code)
}

// Config configures a DockerRunner.
type Config struct {
	// Binary is the docker CLI to invoke (default "docker").
	Binary string
	// Image is the base image (default "python:3.12-slim").
	Image string
	// Timeout bounds build plus run (default 2m).
	Timeout time.Duration
	// MaxOutputBytes caps captured output (default 64KiB).
	MaxOutputBytes int
	Logger         *slog.Logger
}

// DefaultConfig returns the stock runner settings.
func DefaultConfig() Config {
	return Config{
		Binary:         "docker",
		Image:          "python:3.12-slim",
		Timeout:        2 * time.Minute,
		MaxOutputBytes: 64 * 1024,
	}
}

// DockerRunner implements Runner with the docker CLI.
type DockerRunner struct {
	binary    string
	image     string
	timeout   time.Duration
	maxOutput int
	logger    *slog.Logger
}

// NewDockerRunner creates a runner, filling zero fields from
// DefaultConfig.
func NewDockerRunner(cfg Config) *DockerRunner {
	def := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.Image == "" {
		cfg.Image = def.Image
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &DockerRunner{
		binary:    cfg.Binary,
		image:     cfg.Image,
		timeout:   cfg.Timeout,
		maxOutput: cfg.MaxOutputBytes,
		logger:    cfg.Logger,
	}
}

// validDependency matches pip requirement specifiers without shell
// metacharacters.
var validDependency = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-\[\],<>=!~]*$`)

// Dockerfile renders the build file for deps.
func (r *DockerRunner) Dockerfile(deps []string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s\n", r.image)
	sb.WriteString("WORKDIR /app\n")
	if len(deps) > 0 {
		for _, d := range deps {
			if !validDependency.MatchString(d) {
				return "", fmt.Errorf("invalid dependency %q", d)
			}
		}
		fmt.Fprintf(&sb, "RUN pip install --no-cache-dir %s\n", strings.Join(deps, " "))
	}
	sb.WriteString("COPY script.py /app/script.py\n")
	sb.WriteString(`CMD ["python", "/app/script.py"]` + "\n")
	return sb.String(), nil
}

// Run builds and runs job. The returned output is also populated on
// failure where the step produced any.
func (r *DockerRunner) Run(ctx context.Context, job Job) (output string, err error) {
	dockerfile, err := r.Dockerfile(job.Dependencies)
	if err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp("", "wopr-sandbox-*")
	if err != nil {
		return "", fmt.Errorf("create build dir: %w", err)
	}
	id := uuid.NewString()
	tag := "wopr-tool:" + id
	container := "wopr-tool-" + id

	defer func() {
		r.teardown(container, tag)
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			r.logger.Warn("failed to remove sandbox build dir", "dir", dir, "error", rmErr)
		}
	}()

	if err := os.WriteFile(filepath.Join(dir, "script.py"), []byte(job.Code), 0o600); err != nil {
		return "", fmt.Errorf("write script: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfile), 0o600); err != nil {
		return "", fmt.Errorf("write Dockerfile: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	if out, err := r.step(ctx, "build", "build", "-q", "-t", tag, dir); err != nil {
		return out, err
	}
	out, err := r.step(ctx, "run", "run", "--name", container, tag)
	r.logger.Debug("sandbox run finished",
		"container", container,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
		"output_bytes", len(out),
		"error", err,
	)
	return out, err
}

func (r *DockerRunner) step(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.WaitDelay = 5 * time.Second

	buf := &cappedBuffer{max: r.maxOutput}
	cmd.Stdout = buf
	cmd.Stderr = buf

	err := cmd.Run()
	out := buf.String()

	if ctx.Err() == context.DeadlineExceeded {
		return out, fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, &ExitError{Step: name, Code: exitErr.ExitCode(), Output: out}
		}
		return out, fmt.Errorf("sandbox %s: %w", name, err)
	}
	return out, nil
}

// Ping checks that the docker daemon answers.
func (r *DockerRunner) Ping(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.binary, "version", "--format", "{{.Server.Version}}")
	cmd.WaitDelay = 5 * time.Second
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker daemon unreachable: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// teardown force-removes the container and image. It uses its own
// context so cleanup still happens after the run context expired.
func (r *DockerRunner) teardown(container, tag string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, args := range [][]string{
		{"rm", "-f", container},
		{"rmi", "-f", tag},
	} {
		cmd := exec.CommandContext(ctx, r.binary, args...)
		cmd.WaitDelay = 5 * time.Second
		if out, err := cmd.CombinedOutput(); err != nil {
			r.logger.Debug("sandbox teardown step failed",
				"args", strings.Join(args, " "),
				"error", err,
				"output", strings.TrimSpace(string(out)),
			)
		}
	}
}

const truncatedMarker = "\n\n[... output truncated ...]"

// cappedBuffer retains roughly the first max bytes written to it and
// discards the rest. Write always reports success so the child process
// keeps running until it exits or times out.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Up to UTFMax bytes past max are kept so String can detect the overflow.
	if room := b.max + utf8.UTFMax - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	if b.buf.Len() > b.max {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.truncated {
		return b.buf.String()
	}
	return truncateOutput(b.buf.String(), b.max)
}

// truncateOutput cuts s to at most maxBytes without splitting a rune.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMarker
}
