package process

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"
)

func catCommand() (path string, args []string) {
	if runtime.GOOS == "windows" {
		return "cmd", []string{"/c", "more"}
	}
	return "cat", nil
}

func TestSpawnStdio_EchoRoundTrip(t *testing.T) {
	path, args := catCommand()
	if _, err := exec.LookPath(path); err != nil {
		t.Skipf("%s not available: %v", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	h, err := SpawnStdio(ctx, path, args...)
	if err != nil {
		t.Fatalf("SpawnStdio: %v", err)
	}
	defer h.ForceStop()

	if _, err := h.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	line, err := bufio.NewReader(h).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "hello\n" {
		t.Fatalf("got %q, want %q", line, "hello\n")
	}

	if !h.IsAlive() {
		t.Fatal("process should still be alive")
	}
}

func TestHandle_StopIsIdempotent(t *testing.T) {
	path, args := catCommand()
	if _, err := exec.LookPath(path); err != nil {
		t.Skipf("%s not available: %v", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	h, err := SpawnStdio(ctx, path, args...)
	if err != nil {
		t.Fatalf("SpawnStdio: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()

	if err := h.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// A second Stop must be a no-op, not a double-close panic.
	if err := h.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if h.IsAlive() {
		t.Fatal("process should have exited after Stop")
	}
}

func TestScanForPort_ExtractsBannerPort(t *testing.T) {
	r := strings.NewReader("starting up\nlistening on port 54213\nextra noise\n")
	port, err := scanForPort(r, time.Second)
	if err != nil {
		t.Fatalf("scanForPort: %v", err)
	}
	if port != 54213 {
		t.Fatalf("port = %d, want 54213", port)
	}
}

func TestScanForPort_TimesOutWithoutBanner(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	_, err := scanForPort(pr, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestHandle_AttachIsNotOwned(t *testing.T) {
	h := &Handle{owned: false}
	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on attached handle: %v", err)
	}
	if err := h.ForceStop(); err != nil {
		t.Fatalf("ForceStop on attached handle: %v", err)
	}
}
