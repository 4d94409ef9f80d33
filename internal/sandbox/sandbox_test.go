package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/goleak"
)

// fakeDocker writes a stand-in docker CLI that appends its arguments to
// a log file and runs runBody for the "run" subcommand.
func fakeDocker(t *testing.T, runBody string) (binary, logPath string) {
	t.Helper()
	dir := t.TempDir()
	logPath = filepath.Join(dir, "calls.log")
	binary = filepath.Join(dir, "docker")
	script := "#!/bin/sh\n" +
		"echo \"$@\" >> " + logPath + "\n" +
		"case \"$1\" in\n" +
		"  run) " + runBody + " ;;\n" +
		"  *) exit 0 ;;\n" +
		"esac\n"
	if err := os.WriteFile(binary, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return binary, logPath
}

func readCalls(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func newRunner(binary string, timeout time.Duration) *DockerRunner {
	return NewDockerRunner(Config{
		Binary:  binary,
		Timeout: timeout,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestRunSuccess(t *testing.T) {
	binary, logPath := fakeDocker(t, `echo "hello from tool"; exit 0`)
	r := newRunner(binary, 10*time.Second)

	out, err := r.Run(context.Background(), Job{Code: "print('hi')", Dependencies: []string{"requests"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "hello from tool\n" {
		t.Errorf("output = %q", out)
	}

	calls := readCalls(t, logPath)
	if len(calls) != 4 {
		t.Fatalf("calls = %q, want build, run, rm, rmi", calls)
	}
	for i, prefix := range []string{"build -q -t wopr-tool:", "run --name wopr-tool-", "rm -f wopr-tool-", "rmi -f wopr-tool:"} {
		if !strings.HasPrefix(calls[i], prefix) {
			t.Errorf("call %d = %q, want prefix %q", i, calls[i], prefix)
		}
	}

	buildDir := calls[0][strings.LastIndex(calls[0], " ")+1:]
	if _, err := os.Stat(buildDir); !os.IsNotExist(err) {
		t.Errorf("build dir %s still exists (err=%v)", buildDir, err)
	}
}

func TestRunFailureKeepsOutput(t *testing.T) {
	binary, logPath := fakeDocker(t, `echo "Traceback: boom"; exit 3`)
	r := newRunner(binary, 10*time.Second)

	out, err := r.Run(context.Background(), Job{Code: "raise"})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want *ExitError", err)
	}
	if exitErr.Code != 3 || exitErr.Step != "run" {
		t.Errorf("exit error = %+v", exitErr)
	}
	if !strings.Contains(out, "Traceback: boom") {
		t.Errorf("output = %q", out)
	}
	if calls := readCalls(t, logPath); len(calls) != 4 {
		t.Errorf("teardown skipped on failure: %q", calls)
	}
}

func TestRunTimeoutTearsDown(t *testing.T) {
	defer goleak.VerifyNone(t)

	binary, logPath := fakeDocker(t, `exec sleep 30`)
	r := newRunner(binary, 200*time.Millisecond)

	start := time.Now()
	_, err := r.Run(context.Background(), Job{Code: "while True: pass"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Run took %s", elapsed)
	}

	calls := readCalls(t, logPath)
	if len(calls) != 4 || !strings.HasPrefix(calls[2], "rm -f ") || !strings.HasPrefix(calls[3], "rmi -f ") {
		t.Errorf("calls = %q, want teardown after timeout", calls)
	}
}

func TestDockerfile(t *testing.T) {
	r := NewDockerRunner(Config{Image: "python:3.12-slim"})

	t.Run("no deps", func(t *testing.T) {
		got, err := r.Dockerfile(nil)
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(got, "pip install") {
			t.Errorf("unexpected pip step:\n%s", got)
		}
		if !strings.HasPrefix(got, "FROM python:3.12-slim\n") {
			t.Errorf("Dockerfile:\n%s", got)
		}
	})

	t.Run("deps", func(t *testing.T) {
		got, err := r.Dockerfile([]string{"requests", "beautifulsoup4>=4.12"})
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(got, "RUN pip install --no-cache-dir requests beautifulsoup4>=4.12\n") {
			t.Errorf("Dockerfile:\n%s", got)
		}
	})

	t.Run("rejects shell syntax", func(t *testing.T) {
		for _, dep := range []string{"requests; rm -rf /", "$(id)", "", "a b"} {
			if _, err := r.Dockerfile([]string{dep}); err == nil {
				t.Errorf("dependency %q accepted", dep)
			}
		}
	})
}

func TestTruncateOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short", "short", 10, "short"},
		{"ascii", "0123456789abc", 10, "0123456789" + truncatedMarker},
		{"multibyte rune kept whole", "abcdéfg", 5, "abcd" + truncatedMarker},
		{"emoji at the cut", "ok 🙂🙂", 5, "ok " + truncatedMarker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateOutput(tt.in, tt.max)
			if got != tt.want {
				t.Errorf("truncateOutput(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("result is not valid UTF-8: %q", got)
			}
		})
	}
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{max: 16}
	chunk := []byte(strings.Repeat("x", 1000))
	for range 1000 {
		if n, err := b.Write(chunk); n != len(chunk) || err != nil {
			t.Fatalf("Write = %d, %v", n, err)
		}
	}
	if b.buf.Len() > 16+utf8.UTFMax {
		t.Errorf("retained %d bytes, want at most %d", b.buf.Len(), 16+utf8.UTFMax)
	}
	if got := b.String(); got != strings.Repeat("x", 16)+truncatedMarker {
		t.Errorf("String() = %q", got)
	}

	small := &cappedBuffer{max: 16}
	small.Write([]byte("exactly sixteen!"))
	if got := small.String(); got != "exactly sixteen!" {
		t.Errorf("output at the limit was truncated: %q", got)
	}
}

func TestRunCapsLargeOutput(t *testing.T) {
	binary, _ := fakeDocker(t, `head -c 4000000 /dev/zero | tr '\0' 'y'; exit 0`)
	r := NewDockerRunner(Config{
		Binary:         binary,
		Timeout:        10 * time.Second,
		MaxOutputBytes: 1024,
		Logger:         slog.New(slog.DiscardHandler),
	})

	out, err := r.Run(context.Background(), Job{Code: "print('y' * 4000000)"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != strings.Repeat("y", 1024)+truncatedMarker {
		t.Errorf("output has %d bytes, want 1024 plus the truncation marker", len(out))
	}
}

func TestPing(t *testing.T) {
	binary, logPath := fakeDocker(t, `exit 0`)
	if err := newRunner(binary, time.Second).Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if calls := readCalls(t, logPath); !strings.HasPrefix(calls[0], "version") {
		t.Errorf("Ping called %q, want version", calls[0])
	}

	missing := newRunner(filepath.Join(t.TempDir(), "nope"), time.Second)
	if err := missing.Ping(context.Background()); err == nil {
		t.Error("Ping with a missing binary succeeded")
	}
}
