package enroll

import (
	"os"
	"testing"
	"time"

	"github.com/sentinelpki/certwatch/core"
)

func TestFirstLine(t *testing.T) {
	if got := firstLine("token-value\nextra stderr chatter\n"); got != "token-value" {
		t.Errorf("firstLine() = %q, want token-value", got)
	}
	if got := firstLine("no-newline"); got != "no-newline" {
		t.Errorf("firstLine() = %q, want no-newline", got)
	}
}

func TestWriteSecureTempFilePermissionsAndCleanup(t *testing.T) {
	path, cleanup, err := writeSecureTempFile("hunter2")
	if err != nil {
		t.Fatalf("writeSecureTempFile: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("temp file mode = %v, want 0600", info.Mode().Perm())
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(contents) != "hunter2" {
		t.Errorf("contents = %q, want hunter2", contents)
	}

	cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected the temp file to be removed after cleanup")
	}
}

func TestTokenAdapterRunCapturesStdoutAndStderr(t *testing.T) {
	a := NewTokenAdapter(&core.StepCAConfig{}, core.NewStore())
	a.bin = "sh"

	stdout, _, err := a.run(5*time.Second, "-c", "echo hello-out")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stdout != "hello-out\n" {
		t.Errorf("stdout = %q, want %q", stdout, "hello-out\n")
	}
}

func TestTokenAdapterRunNonZeroExitReturnsError(t *testing.T) {
	a := NewTokenAdapter(&core.StepCAConfig{}, core.NewStore())
	a.bin = "sh"

	_, _, err := a.run(5*time.Second, "-c", "echo failure-detail 1>&2; exit 1")
	if err == nil {
		t.Fatal("expected a non-zero exit to return an error")
	}
}
