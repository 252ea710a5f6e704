package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/modelctl/pkg/log"
)

const (
	shutdownGrace   = 5 * time.Second
	healthPollEvery = 1 * time.Second
	healthTimeout   = 120 * time.Second
	fatalAfterFails = 3
)

// ringBuffer is a bounded, mutex-guarded log tail for one process's
// combined stdout/stderr, exposed so operators can inspect a failing
// server's last output without a separate log file.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	cap   int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{cap: capacity}
}

func (r *ringBuffer) append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.cap {
		r.lines = r.lines[len(r.lines)-r.cap:]
	}
}

func (r *ringBuffer) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// forwardOutput reads lines from r and appends them to the ring buffer,
// logging each at debug level. It returns when r is closed (child exits).
func forwardOutput(modelID string, r io.Reader, buf *ringBuffer) {
	scanner := bufio.NewScanner(r)
	logger := log.WithModelID(modelID)
	for scanner.Scan() {
		line := scanner.Text()
		buf.append(line)
		logger.Debug().Str("stream", "child").Msg(line)
	}
}

// pidFilePath returns the PID file path for modelID under pidDir.
func pidFilePath(pidDir, modelID string) string {
	return filepath.Join(pidDir, modelID+".pid")
}

// writePIDFile atomically writes a two-line PID file (pid, port) via
// temp-file + rename, so a reader never observes a partially written file.
func writePIDFile(pidDir, modelID string, pid, port int) error {
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		return err
	}
	path := pidFilePath(pidDir, modelID)
	tmp, err := os.CreateTemp(pidDir, modelID+".pid.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := fmt.Fprintf(tmp, "%d\n%d\n", pid, port); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// readPIDFile parses a two-line PID file, returning (pid, port).
func readPIDFile(path string) (int, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return 0, 0, fmt.Errorf("malformed pid file %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("malformed pid in %s: %w", path, err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(lines[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("malformed port in %s: %w", path, err)
	}
	return pid, port, nil
}

func removePIDFile(pidDir, modelID string) {
	_ = os.Remove(pidFilePath(pidDir, modelID))
}

// signalProcess sends sig to pid, tolerating the process having already
// exited (ESRCH) — the shutdown protocol must succeed either way.
func signalProcess(pid int, sig syscall.Signal) error {
	err := syscall.Kill(pid, sig)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// processAlive reports whether pid still exists, using signal 0.
func processAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

// shutdownByPID runs the SIGTERM -> wait -> SIGKILL escalation against a
// bare PID, for the orphan sweep where no *exec.Cmd handle exists and
// wait() is never called (the init process reaps it).
func shutdownByPID(pid int) {
	if !processAlive(pid) {
		return
	}
	_ = signalProcess(pid, syscall.SIGTERM)

	deadline := time.Now().Add(shutdownGrace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	if processAlive(pid) {
		_ = signalProcess(pid, syscall.SIGKILL)
	}
}

// shutdownCmd runs the SIGTERM -> wait -> SIGKILL escalation against a
// child this process owns, always calling Wait to reap it.
func shutdownCmd(cmd *exec.Cmd, done <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	_ = signalProcess(cmd.Process.Pid, syscall.SIGTERM)

	select {
	case <-done:
		return
	case <-time.After(shutdownGrace):
	}

	select {
	case <-done:
		return
	default:
		_ = signalProcess(cmd.Process.Pid, syscall.SIGKILL)
	}
	<-done
}

// verifyOwnBinary reports whether pid's executable image matches
// serverPath. On platforms with no reliable lookup it returns true
// (verification skipped), per the orphan sweep's documented fallback.
func verifyOwnBinary(pid int, serverPath string) bool {
	resolved, err := exec.LookPath(serverPath)
	if err != nil {
		resolved = serverPath
	}

	switch runtime.GOOS {
	case "linux":
		exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
		if err != nil {
			return false
		}
		return exe == resolved || filepath.Base(exe) == filepath.Base(resolved)
	case "darwin":
		out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "comm=").Output()
		if err != nil {
			return false
		}
		comm := strings.TrimSpace(string(out))
		return comm == resolved || filepath.Base(comm) == filepath.Base(resolved)
	default:
		return true
	}
}
